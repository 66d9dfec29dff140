package runstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/visionforge/visionforge/pkg/types"
)

// memoryRun holds all state for a single run in memory.
type memoryRun struct {
	mu         sync.RWMutex
	id         string
	name       string
	graph      *types.PipelineGraph
	datasetDir string
	status     types.RunStatus
	report     *types.ExecutionReport
	startedAt  *time.Time
	finishedAt *time.Time
	error      string
	events     []*types.Event
	nextSeq    int64
	maxEvents  int64
	cancelled  bool
	createdAt  time.Time
	updatedAt  time.Time
}

// MemoryStore is an in-memory implementation of RunStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*memoryRun
	config *Config
}

// NewMemoryStore creates a new in-memory RunStore.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		runs:   make(map[string]*memoryRun),
		config: cfg,
	}
}

func generateRunID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func (s *MemoryStore) CreateRun(ctx context.Context, name string, graph *types.PipelineGraph, datasetDir string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runID := generateRunID()
	now := time.Now().UTC()

	s.runs[runID] = &memoryRun{
		id:         runID,
		name:       name,
		graph:      graph,
		datasetDir: datasetDir,
		status:     types.RunStatusPending,
		events:     make([]*types.Event, 0),
		nextSeq:    1,
		maxEvents:  s.config.EventMaxLen,
		createdAt:  now,
		updatedAt:  now,
	}

	return runID, nil
}

func (s *MemoryStore) getRun(runID string) (*memoryRun, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (s *MemoryStore) GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error) {
	run, err := s.getRun(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	return &types.RunMeta{
		ID:         run.id,
		Name:       run.name,
		Status:     run.status,
		StartedAt:  run.startedAt,
		FinishedAt: run.finishedAt,
		Error:      run.error,
		CreatedAt:  run.createdAt,
		UpdatedAt:  run.updatedAt,
	}, nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	run, err := s.getRun(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	return &types.Run{
		ID:         run.id,
		Name:       run.name,
		Status:     run.status,
		Graph:      run.graph,
		DatasetDir: run.datasetDir,
		Report:     run.report,
		StartedAt:  run.startedAt,
		FinishedAt: run.finishedAt,
		Error:      run.error,
		CreatedAt:  run.createdAt,
		UpdatedAt:  run.updatedAt,
	}, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, startedAt, finishedAt *time.Time, runErr string) error {
	run, err := s.getRun(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	run.status = status
	run.updatedAt = time.Now().UTC()
	if startedAt != nil {
		run.startedAt = startedAt
	}
	if finishedAt != nil {
		run.finishedAt = finishedAt
	}
	if runErr != "" {
		run.error = runErr
	}

	return nil
}

func (s *MemoryStore) CancelRun(ctx context.Context, runID string) error {
	run, err := s.getRun(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	// Cancelling a finished run is a no-op.
	if run.status.Terminal() {
		return nil
	}
	run.cancelled = true
	run.updatedAt = time.Now().UTC()

	return nil
}

func (s *MemoryStore) IsCancelled(ctx context.Context, runID string) (bool, error) {
	run, err := s.getRun(runID)
	if err != nil {
		return false, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	return run.cancelled, nil
}

func (s *MemoryStore) SetReport(ctx context.Context, runID string, report *types.ExecutionReport) error {
	run, err := s.getRun(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	run.report = report
	run.updatedAt = time.Now().UTC()

	return nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	run, err := s.getRun(runID)
	if err != nil {
		return nil, err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	eventID := fmt.Sprintf("%d", run.nextSeq)
	run.nextSeq++

	dataJSON, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	event := &types.Event{
		ID:        eventID,
		RunID:     runID,
		Type:      input.Type,
		Stage:     input.Stage,
		Timestamp: time.Now().UTC(),
		Data:      dataJSON,
	}

	// Ring buffer: drop the oldest event once the cap is reached.
	if int64(len(run.events)) >= run.maxEvents {
		run.events = run.events[1:]
	}
	run.events = append(run.events, event)
	run.updatedAt = time.Now().UTC()

	return event, nil
}

func (s *MemoryStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	run, err := s.getRun(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	// Event ids are the append sequence, so replay is a numeric comparison.
	// An id already evicted from the ring (or unparsable) compares below
	// every retained event, so a resuming client still gets the full
	// retained history instead of silence.
	var since int64
	if lastEventID != "" {
		since, _ = strconv.ParseInt(lastEventID, 10, 64)
	}

	var result []*types.Event
	for _, evt := range run.events {
		seq, err := strconv.ParseInt(evt.ID, 10, 64)
		if err != nil || seq > since {
			result = append(result, evt)
		}
	}

	return result, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	runCount := len(s.runs)
	s.mu.RUnlock()

	return map[string]interface{}{
		"adapter":    "memory",
		"run_count":  runCount,
		"max_events": s.config.EventMaxLen,
	}, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// Verify interface compliance
var _ RunStore = (*MemoryStore)(nil)
