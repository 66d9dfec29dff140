// Package stage defines the stage handler contract, the process-wide stage
// registry, and the per-run execution context threaded between stages.
package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
)

// ErrUnknownStage is returned by Resolve for unregistered stage types.
var ErrUnknownStage = errors.New("unknown stage type")

// Category groups stages by role for the editor's palette.
type Category string

const (
	CategoryIngestion  Category = "ingestion"
	CategoryCleaning   Category = "cleaning"
	CategoryTransform  Category = "transform"
	CategoryTraining   Category = "training"
	CategoryEvaluation Category = "evaluation"
	CategoryExport     Category = "export"
	CategoryExternal   Category = "external"
)

// Meta describes a stage type for catalog listings.
type Meta struct {
	Type     string   `json:"type"`
	Name     string   `json:"name"`
	Category Category `json:"category"`
}

// Config is the opaque per-node configuration passed to a handler.
type Config map[string]any

// String returns the string value for key, or def when absent.
func (c Config) String(key, def string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return def
}

// Float returns the numeric value for key, or def when absent. JSON numbers
// decode as float64, so int configs arrive here too.
func (c Config) Float(key string, def float64) float64 {
	switch v := c[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// Int returns the integer value for key, or def when absent.
func (c Config) Int(key string, def int) int {
	return int(c.Float(key, float64(def)))
}

// Handler is the capability every stage implements. Apply transforms the
// run's context in place; a returned error is a stage failure that fails
// the whole run. Handlers must respect ctx cancellation for long work.
type Handler interface {
	Meta() Meta
	Apply(ctx context.Context, rc *Context, cfg Config) error
}

// ArtifactPutter stores a named artifact for the current run and returns a
// retrievable link. The engine wires this to the artifact service.
type ArtifactPutter interface {
	Put(ctx context.Context, name string, data io.Reader, contentType string) (string, error)
}

// Registry is the static, process-wide catalog mapping stage-type
// identifiers to handlers. It is populated at startup and read-only
// afterwards, which makes concurrent resolution from multiple runs safe
// without locking.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Registering the same type twice is a programming
// error and is rejected.
func (r *Registry) Register(h Handler) error {
	t := h.Meta().Type
	if t == "" {
		return errors.New("stage type must not be empty")
	}
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("stage type %q already registered", t)
	}
	r.handlers[t] = h
	return nil
}

// Resolve returns the handler for a stage type.
func (r *Registry) Resolve(stageType string) (Handler, error) {
	h, ok := r.handlers[stageType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, stageType)
	}
	return h, nil
}

// Has reports whether a stage type is registered. Satisfies
// graph.StageResolver.
func (r *Registry) Has(stageType string) bool {
	_, ok := r.handlers[stageType]
	return ok
}

// List returns the catalog sorted by type for stable output.
func (r *Registry) List() []Meta {
	metas := make([]Meta, 0, len(r.handlers))
	for _, h := range r.handlers {
		metas = append(metas, h.Meta())
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Type < metas[j].Type })
	return metas
}

// DefaultRegistry returns a registry populated with every built-in stage.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, h := range []Handler{
		&ingestStage{},
		&dedupStage{},
		&outlierStage{},
		&balanceStage{},
		&featuresStage{},
		&augmentStage{},
		&trainStage{},
		&evaluateStage{},
		&exportStage{},
		&scriptStage{},
	} {
		if err := r.Register(h); err != nil {
			// Built-in registration is wired at compile time; a
			// duplicate here is a defect, not a runtime condition.
			panic(err)
		}
	}
	return r
}
