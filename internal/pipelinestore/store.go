// Package pipelinestore provides saved pipeline definition persistence.
package pipelinestore

import (
	"context"
	"errors"

	"github.com/visionforge/visionforge/pkg/types"
)

// Common errors returned by PipelineStore implementations.
var (
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrPipelineExists   = errors.New("pipeline already exists")
)

// CreatePipelineRequest is the input for saving a new pipeline.
type CreatePipelineRequest struct {
	ID          string               `json:"id,omitempty"` // Optional, auto-generated if empty
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Graph       *types.PipelineGraph `json:"graph"`
	Metadata    map[string]any       `json:"metadata,omitempty"`
	CreatedBy   string               `json:"created_by,omitempty"`
}

// UpdatePipelineRequest is the input for updating an existing pipeline.
type UpdatePipelineRequest struct {
	Name        *string              `json:"name,omitempty"`
	Description *string              `json:"description,omitempty"`
	Graph       *types.PipelineGraph `json:"graph,omitempty"`
	Metadata    map[string]any       `json:"metadata,omitempty"`
}

// ListOptions configures list queries.
type ListOptions struct {
	Limit     int
	Offset    int
	CreatedBy string // Filter by creator
}

// PipelineStore defines the interface for pipeline definition persistence.
// Implementations must be safe for concurrent use.
type PipelineStore interface {
	// Create saves a new pipeline. Returns ErrPipelineExists if ID is taken.
	Create(ctx context.Context, req *CreatePipelineRequest) (*types.Pipeline, error)

	// Get retrieves a pipeline by ID. Returns ErrPipelineNotFound if not found.
	Get(ctx context.Context, id string) (*types.Pipeline, error)

	// Update modifies an existing pipeline. Returns ErrPipelineNotFound if not found.
	Update(ctx context.Context, id string, req *UpdatePipelineRequest) (*types.Pipeline, error)

	// Delete removes a pipeline. Returns ErrPipelineNotFound if not found.
	Delete(ctx context.Context, id string) error

	// List returns all pipelines matching the options.
	List(ctx context.Context, opts *ListOptions) ([]*types.Pipeline, error)

	// Close releases any resources.
	Close() error
}

// Validate checks if a CreatePipelineRequest is valid.
func (r *CreatePipelineRequest) Validate() error {
	if r.Name == "" {
		return errors.New("pipeline name is required")
	}
	if r.Graph == nil || len(r.Graph.Nodes) == 0 {
		return errors.New("pipeline graph is required")
	}
	return nil
}
