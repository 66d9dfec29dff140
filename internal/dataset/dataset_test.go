package dataset

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func buildZip(t *testing.T, entries map[string]string) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(buf.Bytes())
}

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestExtract(t *testing.T) {
	m := newManager(t)
	archive := buildZip(t, map[string]string{
		"cats/a.png":        "img-a",
		"cats/b.png":        "img-b",
		"dogs/c.png":        "img-c",
		"__MACOSX/junk":     "ignored",
		"cats/.DS_Store":    "ignored",
		"readme.txt":        "root file, no label",
	})

	info, err := m.Extract(context.Background(), archive, archive.Size())
	if err != nil {
		t.Fatal(err)
	}
	if info.Files != 4 {
		t.Errorf("Files = %d, want 4", info.Files)
	}
	if len(info.Labels) != 2 || info.Labels[0] != "cats" || info.Labels[1] != "dogs" {
		t.Errorf("Labels = %v", info.Labels)
	}

	body, err := os.ReadFile(filepath.Join(info.Dir, "cats", "a.png"))
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "img-a" {
		t.Errorf("body = %q", body)
	}

	t.Run("resolve round trip", func(t *testing.T) {
		dir, err := m.Resolve(info.ID)
		if err != nil {
			t.Fatal(err)
		}
		if dir != info.Dir {
			t.Errorf("dir = %q, want %q", dir, info.Dir)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := m.Delete(info.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := m.Resolve(info.ID); !errors.Is(err, ErrDatasetNotFound) {
			t.Errorf("err = %v, want ErrDatasetNotFound", err)
		}
	})
}

func TestExtractRejectsTraversal(t *testing.T) {
	m := newManager(t)
	archive := buildZip(t, map[string]string{
		"../escape.txt": "evil",
	})

	if _, err := m.Extract(context.Background(), archive, archive.Size()); err == nil {
		t.Fatal("expected traversal rejection")
	}

	// Nothing may be left behind after a rejected archive.
	entries, err := os.ReadDir(m.root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("dataset root not cleaned up: %v", entries)
	}
}

func TestExtractEmptyArchive(t *testing.T) {
	m := newManager(t)
	archive := buildZip(t, nil)

	if _, err := m.Extract(context.Background(), archive, archive.Size()); !errors.Is(err, ErrEmptyArchive) {
		t.Errorf("err = %v, want ErrEmptyArchive", err)
	}
}

func TestExtractInvalidArchive(t *testing.T) {
	m := newManager(t)
	data := bytes.NewReader([]byte("not a zip"))

	if _, err := m.Extract(context.Background(), data, data.Size()); err == nil {
		t.Error("expected error for non-zip data")
	}
}

func TestResolveRejectsPathyIDs(t *testing.T) {
	m := newManager(t)
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if _, err := m.Resolve(id); !errors.Is(err, ErrDatasetNotFound) {
			t.Errorf("Resolve(%q) err = %v, want ErrDatasetNotFound", id, err)
		}
	}
}
