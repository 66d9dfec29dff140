// Package types provides shared types for the VisionForge service.
package types

import "time"

// PipelineNode is a single stage placed on the editor canvas. Nodes are
// immutable once submitted for execution.
type PipelineNode struct {
	// ID is unique within one graph submission.
	ID string `json:"id"`

	// Type must resolve against the stage registry (e.g. "ingest", "train").
	Type string `json:"type"`

	// Label is the free-form display name chosen in the editor.
	Label string `json:"label,omitempty"`

	// Config is the stage-specific configuration, passed through opaquely.
	Config map[string]any `json:"config,omitempty"`
}

// PipelineEdge declares that Target consumes Source's output.
type PipelineEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// PipelineGraph is a full pipeline submission. The name is only required
// when the graph is saved to the pipeline store.
type PipelineGraph struct {
	Name  string         `json:"name,omitempty"`
	Nodes []PipelineNode `json:"nodes"`
	Edges []PipelineEdge `json:"edges,omitempty"`
}

// Pipeline is a saved pipeline definition, reusable across runs.
type Pipeline struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Version     string         `json:"version,omitempty"`
	Graph       *PipelineGraph `json:"graph"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CreatedBy   string         `json:"created_by,omitempty"`
}
