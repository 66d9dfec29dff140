// Package artifact stores run outputs (trained models, exports) behind a
// pluggable storage backend.
package artifact

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/visionforge/visionforge/internal/metrics"
	"github.com/visionforge/visionforge/internal/stage"
)

// Ref describes a stored artifact.
type Ref struct {
	// Path is the backend-relative artifact path (e.g. "runs/<id>/model.json").
	Path string `json:"path"`

	// URI is the backend-specific location (e.g. "s3://bucket/key").
	URI string `json:"uri"`

	// ContentType is the MIME type
	ContentType string `json:"content_type,omitempty"`

	// Size in bytes
	Size int64 `json:"size,omitempty"`

	// Checksum (SHA256)
	Checksum string `json:"checksum,omitempty"`

	// CreatedAt timestamp
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Backend defines the storage backend interface.
type Backend interface {
	// Put stores data at path and returns an artifact reference
	Put(ctx context.Context, path string, data io.Reader, contentType string) (*Ref, error)

	// Get retrieves an artifact's data
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes an artifact
	Delete(ctx context.Context, path string) error

	// List lists artifacts under a prefix
	List(ctx context.Context, prefix string) ([]*Ref, error)

	// DownloadLink returns a client-usable link for the artifact. Backends
	// without their own URLs return a service-relative path.
	DownloadLink(ctx context.Context, path string, expiry time.Duration) (string, error)
}

// Config holds artifact service configuration.
type Config struct {
	// Backend type: "memory", "local", "s3", "minio"
	Type string

	// Dir is the root directory for the local backend
	Dir string

	// S3/MinIO configuration
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool

	// PathPrefix is prepended to all artifact paths
	PathPrefix string

	// LinkExpiry bounds presigned URL lifetime for backends that sign links
	LinkExpiry time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type:       "local",
		Dir:        "exports",
		LinkExpiry: time.Hour,
	}
}

// Service provides artifact storage for runs.
type Service struct {
	backend    Backend
	linkExpiry time.Duration
}

// New creates an artifact service for the configured backend.
func New(cfg *Config) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	expiry := cfg.LinkExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}

	var backend Backend
	switch cfg.Type {
	case "memory":
		backend = NewMemoryBackend()
	case "local", "":
		local, err := NewLocalBackend(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("create local backend: %w", err)
		}
		backend = local
	case "s3", "minio":
		s3Backend, err := NewS3Backend(&S3Config{
			Endpoint:        cfg.Endpoint,
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UseSSL:          cfg.UseSSL,
			PathPrefix:      cfg.PathPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 backend: %w", err)
		}
		backend = s3Backend
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}

	return &Service{backend: backend, linkExpiry: expiry}, nil
}

// NewWithBackend wraps an existing backend, mainly for tests.
func NewWithBackend(backend Backend) *Service {
	return &Service{backend: backend, linkExpiry: time.Hour}
}

func runPath(runID, name string) string {
	return fmt.Sprintf("runs/%s/%s", runID, name)
}

// Store saves a run artifact and returns its reference and download link.
func (s *Service) Store(ctx context.Context, runID, name string, data io.Reader, contentType string) (*Ref, string, error) {
	ref, err := s.backend.Put(ctx, runPath(runID, name), data, contentType)
	if err != nil {
		metrics.ArtifactOperations.WithLabelValues("put", "error").Inc()
		return nil, "", err
	}
	metrics.ArtifactOperations.WithLabelValues("put", "success").Inc()

	link, err := s.backend.DownloadLink(ctx, ref.Path, s.linkExpiry)
	if err != nil {
		return nil, "", fmt.Errorf("artifact link: %w", err)
	}
	return ref, link, nil
}

// Open retrieves a run artifact's data.
func (s *Service) Open(ctx context.Context, runID, name string) (io.ReadCloser, error) {
	rc, err := s.backend.Get(ctx, runPath(runID, name))
	if err != nil {
		metrics.ArtifactOperations.WithLabelValues("get", "error").Inc()
		return nil, err
	}
	metrics.ArtifactOperations.WithLabelValues("get", "success").Inc()
	return rc, nil
}

// OpenPath retrieves an artifact by its full backend-relative path. The
// download route uses it to serve links produced by DownloadLink.
func (s *Service) OpenPath(ctx context.Context, path string) (io.ReadCloser, error) {
	rc, err := s.backend.Get(ctx, path)
	if err != nil {
		metrics.ArtifactOperations.WithLabelValues("get", "error").Inc()
		return nil, err
	}
	metrics.ArtifactOperations.WithLabelValues("get", "success").Inc()
	return rc, nil
}

// ListRun lists all artifacts stored for a run.
func (s *Service) ListRun(ctx context.Context, runID string) ([]*Ref, error) {
	return s.backend.List(ctx, fmt.Sprintf("runs/%s/", runID))
}

// Delete removes a run artifact.
func (s *Service) Delete(ctx context.Context, runID, name string) error {
	return s.backend.Delete(ctx, runPath(runID, name))
}

// ForRun returns the per-run artifact sink handed to executing stages.
func (s *Service) ForRun(runID string) stage.ArtifactPutter {
	return &runPutter{svc: s, runID: runID}
}

type runPutter struct {
	svc   *Service
	runID string
}

func (p *runPutter) Put(ctx context.Context, name string, data io.Reader, contentType string) (string, error) {
	_, link, err := p.svc.Store(ctx, p.runID, name, data, contentType)
	return link, err
}

// MemoryBackend provides an in-memory storage backend for testing.
// Concurrent runs share one backend, so access is mutex-guarded.
type MemoryBackend struct {
	mu        sync.RWMutex
	artifacts map[string]*memoryArtifact
}

type memoryArtifact struct {
	ref  *Ref
	data []byte
}

// NewMemoryBackend creates a new in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		artifacts: make(map[string]*memoryArtifact),
	}
}

func (m *MemoryBackend) Put(ctx context.Context, path string, data io.Reader, contentType string) (*Ref, error) {
	content, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	ref := &Ref{
		Path:        path,
		URI:         fmt.Sprintf("memory://%s", path),
		ContentType: contentType,
		Size:        int64(len(content)),
		CreatedAt:   time.Now().UTC(),
	}

	m.mu.Lock()
	m.artifacts[path] = &memoryArtifact{ref: ref, data: content}
	m.mu.Unlock()
	return ref, nil
}

func (m *MemoryBackend) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	m.mu.RLock()
	artifact, ok := m.artifacts[path]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("artifact not found: %s", path)
	}
	return io.NopCloser(strings.NewReader(string(artifact.data))), nil
}

func (m *MemoryBackend) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	delete(m.artifacts, path)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) List(ctx context.Context, prefix string) ([]*Ref, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var refs []*Ref
	for path, artifact := range m.artifacts {
		if strings.HasPrefix(path, prefix) {
			refs = append(refs, artifact.ref)
		}
	}
	return refs, nil
}

func (m *MemoryBackend) DownloadLink(ctx context.Context, path string, expiry time.Duration) (string, error) {
	return "/api/v1/artifacts/" + path, nil
}

var _ Backend = (*MemoryBackend)(nil)
