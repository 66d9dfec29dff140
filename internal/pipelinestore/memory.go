package pipelinestore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/visionforge/visionforge/pkg/types"
)

// MemoryStore implements PipelineStore using in-memory storage.
// Suitable for testing and local development.
type MemoryStore struct {
	mu        sync.RWMutex
	pipelines map[string]*types.Pipeline
}

// NewMemoryStore creates a new in-memory pipeline store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pipelines: make(map[string]*types.Pipeline),
	}
}

// Create saves a new pipeline.
func (s *MemoryStore) Create(ctx context.Context, req *CreatePipelineRequest) (*types.Pipeline, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	if _, exists := s.pipelines[id]; exists {
		return nil, ErrPipelineExists
	}

	now := time.Now().UTC()
	p := &types.Pipeline{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1",
		Graph:       req.Graph,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   req.CreatedBy,
	}

	s.pipelines[id] = p
	return p, nil
}

// Get retrieves a pipeline by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*types.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pipelines[id]
	if !ok {
		return nil, ErrPipelineNotFound
	}

	// Return a copy to prevent external mutation
	copy := *p
	return &copy, nil
}

// Update modifies an existing pipeline.
func (s *MemoryStore) Update(ctx context.Context, id string, req *UpdatePipelineRequest) (*types.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pipelines[id]
	if !ok {
		return nil, ErrPipelineNotFound
	}

	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if req.Graph != nil {
		p.Graph = req.Graph
	}
	if req.Metadata != nil {
		p.Metadata = req.Metadata
	}
	p.UpdatedAt = time.Now().UTC()

	copy := *p
	return &copy, nil
}

// Delete removes a pipeline.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pipelines[id]; !ok {
		return ErrPipelineNotFound
	}

	delete(s.pipelines, id)
	return nil
}

// List returns all pipelines matching the options.
func (s *MemoryStore) List(ctx context.Context, opts *ListOptions) ([]*types.Pipeline, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var pipelines []*types.Pipeline
	for _, p := range s.pipelines {
		if opts.CreatedBy != "" && p.CreatedBy != opts.CreatedBy {
			continue
		}

		copy := *p
		pipelines = append(pipelines, &copy)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(pipelines) {
			return []*types.Pipeline{}, nil
		}
		pipelines = pipelines[opts.Offset:]
	}

	if opts.Limit > 0 && opts.Limit < len(pipelines) {
		pipelines = pipelines[:opts.Limit]
	}

	return pipelines, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Verify interface compliance
var _ PipelineStore = (*MemoryStore)(nil)
