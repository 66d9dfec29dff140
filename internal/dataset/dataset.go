// Package dataset prepares uploaded image archives for pipeline runs. A
// dataset is a zip archive whose top-level directories are class labels,
// each holding image files. Extraction lays the archive out on disk; the
// ingest stage scans the result.
package dataset

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrDatasetNotFound is returned when a dataset ID does not resolve.
var ErrDatasetNotFound = errors.New("dataset not found")

// ErrEmptyArchive is returned when an uploaded archive contains no files.
var ErrEmptyArchive = errors.New("archive contains no files")

// maxEntrySize bounds a single decompressed entry to guard against
// zip bombs.
const maxEntrySize = 256 << 20

// Info describes an extracted dataset.
type Info struct {
	ID        string    `json:"id"`
	Dir       string    `json:"-"`
	Files     int       `json:"files"`
	Labels    []string  `json:"labels"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager extracts uploaded archives under a root directory and resolves
// dataset IDs for runs. Extracted datasets are immutable for their lifetime.
type Manager struct {
	root   string
	logger *slog.Logger
}

// NewManager creates a manager rooted at dir, creating it if needed.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if dir == "" {
		dir = "datasets"
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create dataset root: %w", err)
	}
	return &Manager{root: abs, logger: logger}, nil
}

// Extract unpacks a zip archive into a fresh dataset directory and returns
// its descriptor. Entries that would escape the target directory are
// rejected outright.
func (m *Manager) Extract(ctx context.Context, archive io.ReaderAt, size int64) (*Info, error) {
	reader, err := zip.NewReader(archive, size)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	id := uuid.New().String()
	dir := filepath.Join(m.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dataset dir: %w", err)
	}

	files := 0
	labels := make(map[string]struct{})

	for _, entry := range reader.File {
		if err := ctx.Err(); err != nil {
			os.RemoveAll(dir)
			return nil, err
		}

		name := filepath.ToSlash(entry.Name)
		// macOS archives carry resource forks under __MACOSX.
		if strings.HasPrefix(name, "__MACOSX/") || strings.HasSuffix(name, "/.DS_Store") || name == ".DS_Store" {
			continue
		}

		dest, err := m.resolveEntry(dir, name)
		if err != nil {
			os.RemoveAll(dir)
			return nil, err
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				os.RemoveAll(dir)
				return nil, fmt.Errorf("extract %s: %w", name, err)
			}
			continue
		}

		if err := extractFile(entry, dest); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("extract %s: %w", name, err)
		}
		files++

		if parts := strings.SplitN(strings.Trim(name, "/"), "/", 2); len(parts) == 2 {
			labels[parts[0]] = struct{}{}
		}
	}

	if files == 0 {
		os.RemoveAll(dir)
		return nil, ErrEmptyArchive
	}

	info := &Info{
		ID:        id,
		Dir:       dir,
		Files:     files,
		Labels:    sortedKeys(labels),
		CreatedAt: time.Now().UTC(),
	}

	m.logger.Info("dataset extracted",
		"dataset_id", id,
		"files", files,
		"labels", len(info.Labels))

	return info, nil
}

// Resolve returns the directory of a previously extracted dataset.
func (m *Manager) Resolve(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, "/\\") || id == ".." {
		return "", ErrDatasetNotFound
	}
	dir := filepath.Join(m.root, id)
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		return "", ErrDatasetNotFound
	}
	return dir, nil
}

// Delete removes an extracted dataset.
func (m *Manager) Delete(id string) error {
	dir, err := m.Resolve(id)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// resolveEntry maps an archive entry name to a destination path, rejecting
// absolute paths and traversal out of the dataset directory.
func (m *Manager) resolveEntry(dir, name string) (string, error) {
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("archive entry %q has an absolute path", name)
	}
	dest := filepath.Join(dir, filepath.FromSlash(name))
	if dest != dir && !strings.HasPrefix(dest, dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes dataset directory", name)
	}
	return dest, nil
}

func extractFile(entry *zip.File, dest string) error {
	if entry.UncompressedSize64 > maxEntrySize {
		return fmt.Errorf("entry exceeds size limit (%d bytes)", entry.UncompressedSize64)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	rc, err := entry.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(f, io.LimitReader(rc, maxEntrySize)); err != nil {
		return err
	}
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
