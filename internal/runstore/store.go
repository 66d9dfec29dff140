// Package runstore provides run state persistence and the per-run event log.
package runstore

import (
	"context"
	"errors"
	"time"

	"github.com/visionforge/visionforge/pkg/types"
)

// Common errors returned by RunStore implementations.
var (
	ErrRunNotFound = errors.New("run not found")
	ErrCancelled   = errors.New("run cancelled")
)

// RunStore defines the interface for run state persistence and event history.
// Implementations must be safe for concurrent use. Live event fan-out is the
// broadcaster's job; the store only keeps the replayable history.
type RunStore interface {
	// Run lifecycle
	CreateRun(ctx context.Context, name string, graph *types.PipelineGraph, datasetDir string) (string, error)
	GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error)
	GetRun(ctx context.Context, runID string) (*types.Run, error)
	ListRuns(ctx context.Context) ([]string, error)
	UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, startedAt, finishedAt *time.Time, runErr string) error
	CancelRun(ctx context.Context, runID string) error
	IsCancelled(ctx context.Context, runID string) (bool, error)

	// SetReport attaches the terminal execution report to the run.
	SetReport(ctx context.Context, runID string, report *types.ExecutionReport) error

	// AppendEvent adds an event to the run's event log and returns it with
	// its assigned sequence ID.
	AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error)

	// GetEventsSince returns events after the given event ID (exclusive).
	// An empty lastEventID returns the full retained history, which lets
	// SSE clients resume from Last-Event-ID.
	GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	// Cleanup
	Close() error
}

// Config holds configuration for RunStore implementations.
type Config struct {
	// Maximum number of events to keep per run (ring buffer)
	EventMaxLen int64

	// TTL for runs in seconds (0 = no expiry)
	TTLSeconds int64
}

// DefaultConfig returns sensible defaults for RunStore configuration.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen: 5000,
		TTLSeconds:  7 * 24 * 60 * 60, // 7 days
	}
}
