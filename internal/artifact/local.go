package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalBackend stores artifacts under a directory on the local filesystem.
// It is the default backend for single-node deployments.
type LocalBackend struct {
	root string
}

// NewLocalBackend creates the backend rooted at dir, creating it if needed.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	if dir == "" {
		dir = "exports"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &LocalBackend{root: abs}, nil
}

// resolve maps an artifact path to a filesystem path, rejecting traversal
// out of the root.
func (b *LocalBackend) resolve(path string) (string, error) {
	full := filepath.Join(b.root, filepath.FromSlash(path))
	if !strings.HasPrefix(full, b.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("artifact path %q escapes storage root", path)
	}
	return full, nil
}

func (b *LocalBackend) Put(ctx context.Context, path string, data io.Reader, contentType string) (*Ref, error) {
	full, err := b.resolve(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}

	f, err := os.Create(full)
	if err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hash), data)
	if err != nil {
		os.Remove(full)
		return nil, fmt.Errorf("write artifact: %w", err)
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return &Ref{
		Path:        path,
		URI:         "file://" + full,
		ContentType: contentType,
		Size:        size,
		Checksum:    hex.EncodeToString(hash.Sum(nil)),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (b *LocalBackend) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	full, err := b.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

func (b *LocalBackend) Delete(ctx context.Context, path string) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

func (b *LocalBackend) List(ctx context.Context, prefix string) ([]*Ref, error) {
	var refs []*Ref
	err := filepath.WalkDir(b.root, func(full string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(b.root, full)
		if err != nil {
			return err
		}
		path := filepath.ToSlash(rel)
		if !strings.HasPrefix(path, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		refs = append(refs, &Ref{
			Path:      path,
			URI:       "file://" + full,
			Size:      info.Size(),
			CreatedAt: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return refs, nil
}

func (b *LocalBackend) DownloadLink(ctx context.Context, path string, expiry time.Duration) (string, error) {
	// Local artifacts are served by the API's artifact download route.
	return "/api/v1/artifacts/" + path, nil
}

var _ Backend = (*LocalBackend)(nil)
