// Package main is the entry point for the VisionForge service.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/visionforge/visionforge/internal/api"
	"github.com/visionforge/visionforge/internal/artifact"
	"github.com/visionforge/visionforge/internal/auth"
	"github.com/visionforge/visionforge/internal/broadcast"
	"github.com/visionforge/visionforge/internal/config"
	"github.com/visionforge/visionforge/internal/dataset"
	"github.com/visionforge/visionforge/internal/engine"
	"github.com/visionforge/visionforge/internal/pipelinestore"
	"github.com/visionforge/visionforge/internal/predict"
	"github.com/visionforge/visionforge/internal/reportstore"
	"github.com/visionforge/visionforge/internal/runstore"
	"github.com/visionforge/visionforge/internal/stage"
	"github.com/visionforge/visionforge/internal/tracing"
	"github.com/visionforge/visionforge/internal/validator"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup structured logging
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starting visionforge",
		slog.String("port", cfg.Port),
		slog.String("log_level", cfg.LogLevel),
	)

	// Tracing
	tracer, err := tracing.Init(context.Background(), &tracing.Config{
		ServiceName:    "visionforge",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     1.0,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Run store
	var store runstore.RunStore
	switch cfg.RunStoreType {
	case "redis":
		redisStore, err := runstore.NewRedisStore(&runstore.RedisConfig{
			URL:      cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   "runs",
			TTL:      cfg.RunStoreTTL,
		})
		if err != nil {
			logger.Error("failed to connect to Redis, falling back to memory store", "error", err)
			store = runstore.NewMemoryStore(&runstore.Config{
				EventMaxLen: cfg.EventMaxLen,
				TTLSeconds:  int64(cfg.RunStoreTTL.Seconds()),
			})
		} else {
			store = redisStore
			logger.Info("using Redis runstore", slog.String("url", cfg.RedisURL))
		}
	default:
		store = runstore.NewMemoryStore(&runstore.Config{
			EventMaxLen: cfg.EventMaxLen,
			TTLSeconds:  int64(cfg.RunStoreTTL.Seconds()),
		})
		logger.Info("using in-memory runstore")
	}
	defer store.Close()

	// Pipeline store
	var pipelines pipelinestore.PipelineStore
	switch cfg.PipelineStoreType {
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid redis URL", "error", err)
			os.Exit(1)
		}
		if cfg.RedisPassword != "" {
			opts.Password = cfg.RedisPassword
		}
		pipelines = pipelinestore.NewRedisStoreWithClient(redis.NewClient(opts))
		logger.Info("using Redis pipeline store")
	default:
		pipelines = pipelinestore.NewMemoryStore()
		logger.Info("using in-memory pipeline store")
	}
	defer pipelines.Close()

	// Report archive
	reports, err := reportstore.Open(cfg.ReportDBPath)
	if err != nil {
		logger.Error("failed to open report archive", "error", err, "path", cfg.ReportDBPath)
		os.Exit(1)
	}
	defer reports.Close()

	// Artifact storage
	artifacts, err := artifact.New(&artifact.Config{
		Type:            cfg.ArtifactBackend,
		Dir:             cfg.ArtifactDir,
		Endpoint:        cfg.S3Endpoint,
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		UseSSL:          cfg.S3UseSSL,
		LinkExpiry:      time.Hour,
	})
	if err != nil {
		logger.Error("failed to initialize artifact storage", "error", err)
		os.Exit(1)
	}

	// Dataset uploads
	datasets, err := dataset.NewManager(cfg.DatasetDir, logger)
	if err != nil {
		logger.Error("failed to initialize dataset manager", "error", err)
		os.Exit(1)
	}

	// Stage registry, broadcaster, engine
	registry := stage.DefaultRegistry()
	bcast := broadcast.New(256)
	eng := engine.New(registry, store, bcast, artifacts)
	eng.SetReportSink(reports)

	// Graph schema validator
	v, err := validator.New()
	if err != nil {
		logger.Error("failed to create validator", "error", err)
		os.Exit(1)
	}

	// API handlers
	handlers := api.NewHandlers(api.Deps{
		Store:     store,
		Pipelines: pipelines,
		Reports:   reports,
		Engine:    eng,
		Broadcast: bcast,
		Registry:  registry,
		Validator: v,
		Datasets:  datasets,
		Predictor: predict.New(artifacts, logger),
		Artifacts: artifacts,
		Config:    cfg,
		Logger:    logger,
	})
	server := api.NewServer(handlers)

	// Optional OIDC auth wraps the whole router.
	var rootHandler http.Handler = server.Router()
	if cfg.OIDCEnabled {
		provider, err := auth.NewProvider(context.Background(), &auth.Config{
			Issuer:   cfg.OIDCIssuer,
			ClientID: cfg.OIDCClientID,
		})
		if err != nil {
			logger.Error("failed to initialize OIDC provider", "error", err)
			os.Exit(1)
		}
		authMw := auth.NewMiddleware(provider, &auth.MiddlewareConfig{
			Enabled:     true,
			PublicPaths: []string{"/metrics"},
		})
		rootHandler = authMw.Handler(rootHandler)
		logger.Info("OIDC authentication enabled", slog.String("issuer", cfg.OIDCIssuer))
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      rootHandler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := eng.Shutdown(ctx); err != nil {
		logger.Error("engine shutdown error", "error", err)
	}
	bcast.Close()
	if err := tracer.Shutdown(ctx); err != nil {
		logger.Error("tracer shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
