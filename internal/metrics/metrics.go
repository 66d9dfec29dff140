// Package metrics provides Prometheus metrics for the pipeline service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts total runs by final status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "visionforge",
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Total number of runs by final status",
		},
		[]string{"status"}, // "succeeded", "failed", "cancelled"
	)

	// RunsActive tracks currently active runs.
	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "visionforge",
			Subsystem: "engine",
			Name:      "runs_active",
			Help:      "Number of currently running pipeline runs",
		},
	)

	// RunDuration tracks run execution duration.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "visionforge",
			Subsystem: "engine",
			Name:      "run_duration_seconds",
			Help:      "Run execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// StagesTotal counts stages executed by stage type and status.
	StagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "visionforge",
			Subsystem: "engine",
			Name:      "stages_total",
			Help:      "Total number of stages executed by type and status",
		},
		[]string{"type", "status"}, // status: "succeeded", "failed"
	)

	// StageDuration tracks stage execution duration by stage type.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "visionforge",
			Subsystem: "engine",
			Name:      "stage_duration_seconds",
			Help:      "Stage execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// ValidationFailures counts rejected graph submissions by reason.
	ValidationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "visionforge",
			Subsystem: "engine",
			Name:      "validation_failures_total",
			Help:      "Total number of rejected pipeline graphs by reason",
		},
		[]string{"reason"}, // "empty", "unknown_stage", "dangling_edge", "cycle"
	)

	// EventsTotal counts events emitted by type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "visionforge",
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Total number of run events emitted",
		},
		[]string{"type"},
	)

	// PredictionsTotal counts prediction requests by result.
	PredictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "visionforge",
			Subsystem: "predict",
			Name:      "predictions_total",
			Help:      "Total number of prediction requests",
		},
		[]string{"result"}, // "ok", "error"
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "visionforge",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "visionforge",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SSEActiveConnections tracks currently open SSE event streams.
	SSEActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "visionforge",
			Subsystem: "api",
			Name:      "sse_active_connections",
			Help:      "Number of currently open SSE connections",
		},
	)

	// SSEConnectionDuration tracks how long SSE connections stay open.
	SSEConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "visionforge",
			Subsystem: "api",
			Name:      "sse_connection_duration_seconds",
			Help:      "SSE connection duration in seconds",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		},
	)

	// WSActiveConnections tracks currently open WebSocket log streams.
	WSActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "visionforge",
			Subsystem: "api",
			Name:      "ws_active_connections",
			Help:      "Number of currently open WebSocket connections",
		},
	)

	// ArtifactOperations counts artifact store operations.
	ArtifactOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "visionforge",
			Subsystem: "artifacts",
			Name:      "operations_total",
			Help:      "Total number of artifact store operations",
		},
		[]string{"operation", "result"}, // operation: put, get; result: success, error
	)
)
