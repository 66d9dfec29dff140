package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/visionforge/visionforge/pkg/types"
)

// RedisStore implements RunStore backed by Redis.
// Uses Redis Streams for the event log and hashes for run metadata.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.Mutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "runs")
	Prefix string

	// TTL for run data (default: 7 days)
	TTL time.Duration

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "runs",
		TTL:          7 * 24 * time.Hour,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a new Redis-backed RunStore.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}

	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "runs"
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
	}, nil
}

// Key helpers
func (s *RedisStore) keyMeta(runID string) string   { return fmt.Sprintf("%s:%s:meta", s.prefix, runID) }
func (s *RedisStore) keyGraph(runID string) string  { return fmt.Sprintf("%s:%s:graph", s.prefix, runID) }
func (s *RedisStore) keyReport(runID string) string { return fmt.Sprintf("%s:%s:report", s.prefix, runID) }
func (s *RedisStore) keyEvents(runID string) string { return fmt.Sprintf("%s:%s:events", s.prefix, runID) }
func (s *RedisStore) keySeq(runID string) string    { return fmt.Sprintf("%s:%s:seq", s.prefix, runID) }

// setTTL refreshes TTL on all keys for a run.
func (s *RedisStore) setTTL(ctx context.Context, runID string) error {
	if s.ttl <= 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.keyMeta(runID), s.ttl)
	pipe.Expire(ctx, s.keyGraph(runID), s.ttl)
	pipe.Expire(ctx, s.keyReport(runID), s.ttl)
	pipe.Expire(ctx, s.keyEvents(runID), s.ttl)
	pipe.Expire(ctx, s.keySeq(runID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// CreateRun creates a new run record.
func (s *RedisStore) CreateRun(ctx context.Context, name string, graph *types.PipelineGraph, datasetDir string) (string, error) {
	runID := generateRunID()
	now := time.Now().UTC()

	graphJSON := []byte("{}")
	if graph != nil {
		graphJSON, _ = json.Marshal(graph)
	}

	pipe := s.client.Pipeline()

	pipe.HSet(ctx, s.keyMeta(runID), map[string]interface{}{
		"runId":      runID,
		"name":       name,
		"status":     string(types.RunStatusPending),
		"datasetDir": datasetDir,
		"startedAt":  "",
		"finishedAt": "",
		"createdAt":  now.Format(time.RFC3339),
		"updatedAt":  now.Format(time.RFC3339),
		"cancelled":  "false",
	})

	pipe.Set(ctx, s.keyGraph(runID), string(graphJSON), 0)
	pipe.Set(ctx, s.keySeq(runID), "0", 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	if err := s.setTTL(ctx, runID); err != nil {
		slog.Warn("failed to set TTL for run", slog.String("run_id", runID), slog.Any("error", err))
	}

	return runID, nil
}

func parseMetaTimes(meta map[string]string, startedAt, finishedAt **time.Time, createdAt, updatedAt *time.Time) {
	if meta["startedAt"] != "" {
		if t, err := time.Parse(time.RFC3339, meta["startedAt"]); err == nil {
			*startedAt = &t
		}
	}
	if meta["finishedAt"] != "" {
		if t, err := time.Parse(time.RFC3339, meta["finishedAt"]); err == nil {
			*finishedAt = &t
		}
	}
	if meta["createdAt"] != "" {
		if t, err := time.Parse(time.RFC3339, meta["createdAt"]); err == nil {
			*createdAt = t
		}
	}
	if meta["updatedAt"] != "" {
		if t, err := time.Parse(time.RFC3339, meta["updatedAt"]); err == nil {
			*updatedAt = t
		}
	}
}

// GetRunMeta returns lightweight run metadata.
func (s *RedisStore) GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error) {
	meta, err := s.client.HGetAll(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get run meta: %w", err)
	}
	if len(meta) == 0 {
		return nil, ErrRunNotFound
	}

	result := &types.RunMeta{
		ID:     runID,
		Name:   meta["name"],
		Status: types.RunStatus(meta["status"]),
		Error:  meta["error"],
	}
	parseMetaTimes(meta, &result.StartedAt, &result.FinishedAt, &result.CreatedAt, &result.UpdatedAt)

	return result, nil
}

// GetRun returns the full run including graph and report.
func (s *RedisStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	pipe := s.client.Pipeline()
	metaCmd := pipe.HGetAll(ctx, s.keyMeta(runID))
	graphCmd := pipe.Get(ctx, s.keyGraph(runID))
	reportCmd := pipe.Get(ctx, s.keyReport(runID))
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get run: %w", err)
	}

	meta, err := metaCmd.Result()
	if err != nil || len(meta) == 0 {
		return nil, ErrRunNotFound
	}

	run := &types.Run{
		ID:         runID,
		Name:       meta["name"],
		Status:     types.RunStatus(meta["status"]),
		DatasetDir: meta["datasetDir"],
		Error:      meta["error"],
	}
	parseMetaTimes(meta, &run.StartedAt, &run.FinishedAt, &run.CreatedAt, &run.UpdatedAt)

	if graphJSON, err := graphCmd.Result(); err == nil && graphJSON != "" && graphJSON != "{}" {
		var graph types.PipelineGraph
		if json.Unmarshal([]byte(graphJSON), &graph) == nil {
			run.Graph = &graph
		}
	}

	if reportJSON, err := reportCmd.Result(); err == nil && reportJSON != "" {
		var report types.ExecutionReport
		if json.Unmarshal([]byte(reportJSON), &report) == nil {
			run.Report = &report
		}
	}

	return run, nil
}

// ListRuns returns all run IDs.
func (s *RedisStore) ListRuns(ctx context.Context) ([]string, error) {
	pattern := fmt.Sprintf("%s:*:meta", s.prefix)
	var runIDs []string
	var cursor uint64

	for {
		keys, nextCursor, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan runs: %w", err)
		}

		for _, key := range keys {
			// Key pattern: prefix:runID:meta
			parts := strings.Split(key, ":")
			if len(parts) >= 3 {
				runIDs = append(runIDs, parts[1])
			}
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return runIDs, nil
}

// UpdateRunStatus updates the run's status and optional timestamps.
func (s *RedisStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, startedAt, finishedAt *time.Time, runErr string) error {
	fields := map[string]interface{}{
		"status":    string(status),
		"updatedAt": time.Now().UTC().Format(time.RFC3339),
	}
	if startedAt != nil {
		fields["startedAt"] = startedAt.Format(time.RFC3339)
	}
	if finishedAt != nil {
		fields["finishedAt"] = finishedAt.Format(time.RFC3339)
	}
	if runErr != "" {
		fields["error"] = runErr
	}

	if err := s.client.HSet(ctx, s.keyMeta(runID), fields).Err(); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}

	s.setTTL(ctx, runID)

	return nil
}

// CancelRun marks the run as cancellation-requested.
func (s *RedisStore) CancelRun(ctx context.Context, runID string) error {
	exists, err := s.client.Exists(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return fmt.Errorf("check run exists: %w", err)
	}
	if exists == 0 {
		return ErrRunNotFound
	}

	status, err := s.client.HGet(ctx, s.keyMeta(runID), "status").Result()
	if err == nil && types.RunStatus(status).Terminal() {
		return nil
	}

	fields := map[string]interface{}{
		"cancelled": "true",
		"updatedAt": time.Now().UTC().Format(time.RFC3339),
	}

	if err := s.client.HSet(ctx, s.keyMeta(runID), fields).Err(); err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}

	return nil
}

// IsCancelled checks if cancellation has been requested for the run.
func (s *RedisStore) IsCancelled(ctx context.Context, runID string) (bool, error) {
	val, err := s.client.HGet(ctx, s.keyMeta(runID), "cancelled").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("get cancelled: %w", err)
	}
	return val == "true", nil
}

// SetReport attaches the terminal execution report to the run.
func (s *RedisStore) SetReport(ctx context.Context, runID string, report *types.ExecutionReport) error {
	exists, err := s.client.Exists(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return fmt.Errorf("check run exists: %w", err)
	}
	if exists == 0 {
		return ErrRunNotFound
	}

	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	if err := s.client.Set(ctx, s.keyReport(runID), string(reportJSON), 0).Err(); err != nil {
		return fmt.Errorf("set report: %w", err)
	}

	s.setTTL(ctx, runID)

	return nil
}

// AppendEvent adds an event to the run's stream.
func (s *RedisStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	seq, err := s.client.Incr(ctx, s.keySeq(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("incr seq: %w", err)
	}

	now := time.Now().UTC()
	eventID := strconv.FormatInt(seq, 10)

	dataBytes, _ := json.Marshal(input.Data)

	event := &types.Event{
		ID:        eventID,
		RunID:     runID,
		Type:      input.Type,
		Stage:     input.Stage,
		Timestamp: now,
		Data:      dataBytes,
	}

	streamFields := map[string]interface{}{
		"seq":   eventID,
		"ts":    now.Format(time.RFC3339),
		"type":  string(input.Type),
		"data":  string(dataBytes),
		"stage": input.Stage,
	}

	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keyEvents(runID),
		MaxLen: 5000,
		Approx: true,
		Values: streamFields,
	}).Err(); err != nil {
		return nil, fmt.Errorf("xadd: %w", err)
	}

	s.setTTL(ctx, runID)

	return event, nil
}

// GetEventsSince returns events after the given event ID.
func (s *RedisStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	entries, err := s.client.XRange(ctx, s.keyEvents(runID), "-", "+").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*types.Event{}, nil
		}
		return nil, fmt.Errorf("xrange: %w", err)
	}

	var lastSeq int64
	if lastEventID != "" {
		lastSeq, _ = strconv.ParseInt(lastEventID, 10, 64)
	}

	var events []*types.Event
	for _, entry := range entries {
		seqStr, _ := entry.Values["seq"].(string)
		seq, _ := strconv.ParseInt(seqStr, 10, 64)

		if lastSeq > 0 && seq <= lastSeq {
			continue
		}

		ts, _ := entry.Values["ts"].(string)
		timestamp, _ := time.Parse(time.RFC3339, ts)

		eventType, _ := entry.Values["type"].(string)
		data, _ := entry.Values["data"].(string)
		stage, _ := entry.Values["stage"].(string)

		events = append(events, &types.Event{
			ID:        seqStr,
			RunID:     runID,
			Type:      types.EventType(eventType),
			Stage:     stage,
			Timestamp: timestamp,
			Data:      json.RawMessage(data),
		})
	}

	return events, nil
}

// AdapterInfo returns diagnostic information.
func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	pingStart := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return map[string]interface{}{
			"adapter": "redis",
			"healthy": false,
			"error":   err.Error(),
		}, nil
	}
	pingLatency := time.Since(pingStart)

	poolStats := s.client.PoolStats()

	return map[string]interface{}{
		"adapter": "redis",
		"healthy": true,
		"details": map[string]interface{}{
			"prefix":       s.prefix,
			"ttl_hours":    s.ttl.Hours(),
			"ping_latency": pingLatency.String(),
			"pool": map[string]interface{}{
				"hits":       poolStats.Hits,
				"misses":     poolStats.Misses,
				"timeouts":   poolStats.Timeouts,
				"total_conn": poolStats.TotalConns,
				"idle_conn":  poolStats.IdleConns,
				"stale_conn": poolStats.StaleConns,
			},
		},
	}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.client.Close()
}

// Ensure RedisStore implements RunStore
var _ RunStore = (*RedisStore)(nil)
