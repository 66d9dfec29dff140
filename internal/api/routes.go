// Package api provides HTTP handlers and routing for the VisionForge service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")

	// Prometheus metrics
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Stage catalog
	api.HandleFunc("/stages", s.handlers.ListStages).Methods("GET")

	// Graph validation
	api.HandleFunc("/graphs/validate", s.handlers.ValidateGraph).Methods("POST")

	// Pipeline management
	api.HandleFunc("/pipelines", s.handlers.CreatePipeline).Methods("POST")
	api.HandleFunc("/pipelines", s.handlers.ListPipelines).Methods("GET")
	api.HandleFunc("/pipelines/{id}", s.handlers.GetPipeline).Methods("GET")
	api.HandleFunc("/pipelines/{id}", s.handlers.UpdatePipeline).Methods("PUT")
	api.HandleFunc("/pipelines/{id}", s.handlers.DeletePipeline).Methods("DELETE")

	// Run management
	api.HandleFunc("/runs", s.handlers.CreateRun).Methods("POST")
	api.HandleFunc("/runs", s.handlers.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", s.handlers.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}/start", s.handlers.StartRun).Methods("POST")
	api.HandleFunc("/runs/{id}/cancel", s.handlers.CancelRun).Methods("POST")
	api.HandleFunc("/runs/{id}/report", s.handlers.GetRunReport).Methods("GET")
	api.HandleFunc("/runs/{id}/events", s.handlers.StreamEvents).Methods("GET")
	api.HandleFunc("/runs/{id}/logs", s.handlers.StreamLogs).Methods("GET")
	api.HandleFunc("/runs/{id}/artifacts", s.handlers.ListRunArtifacts).Methods("GET")

	// Report archive
	api.HandleFunc("/reports", s.handlers.ListReports).Methods("GET")
	api.HandleFunc("/reports/{id}", s.handlers.GetReport).Methods("GET")

	// Datasets
	api.HandleFunc("/datasets", s.handlers.UploadDataset).Methods("POST")
	api.HandleFunc("/datasets/{id}", s.handlers.DeleteDataset).Methods("DELETE")

	// Prediction
	api.HandleFunc("/predict", s.handlers.Predict).Methods("POST")

	// Artifact download
	api.HandleFunc("/artifacts/{path:.+}", s.handlers.DownloadArtifact).Methods("GET")

	// Preflight requests must reach the middleware chain. With every route
	// registered for explicit methods, OPTIONS would otherwise hit the
	// not-found handler, which mux serves without running Use middleware.
	s.router.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Apply middleware
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RateLimitMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
}
