package artifact

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
)

func TestLocalBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	svc := NewWithBackend(backend)

	ref, link, err := svc.Store(ctx, "run-1", "model.json", strings.NewReader(`{"model":"x"}`), "application/json")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Size != 13 || ref.Checksum == "" {
		t.Errorf("ref = %+v", ref)
	}
	if link != "/api/v1/artifacts/runs/run-1/model.json" {
		t.Errorf("link = %q", link)
	}

	rc, err := svc.Open(ctx, "run-1", "model.json")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != `{"model":"x"}` {
		t.Errorf("body = %q", body)
	}

	t.Run("list run artifacts", func(t *testing.T) {
		refs, err := svc.ListRun(ctx, "run-1")
		if err != nil {
			t.Fatal(err)
		}
		if len(refs) != 1 || refs[0].Path != "runs/run-1/model.json" {
			t.Errorf("refs = %+v", refs)
		}
	})

	t.Run("other runs are isolated", func(t *testing.T) {
		refs, err := svc.ListRun(ctx, "run-2")
		if err != nil {
			t.Fatal(err)
		}
		if len(refs) != 0 {
			t.Errorf("refs = %+v", refs)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := svc.Delete(ctx, "run-1", "model.json"); err != nil {
			t.Fatal(err)
		}
		if _, err := svc.Open(ctx, "run-1", "model.json"); err == nil {
			t.Error("artifact still readable after delete")
		}
	})
}

func TestLocalBackendRejectsTraversal(t *testing.T) {
	backend, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{"../escape", "runs/../../etc/passwd"} {
		if _, err := backend.Get(context.Background(), path); err == nil {
			t.Errorf("Get(%q) accepted a traversal path", path)
		}
	}
}

func TestMemoryBackendConcurrentRuns(t *testing.T) {
	svc := NewWithBackend(NewMemoryBackend())
	ctx := context.Background()

	// Each goroutine plays one run exporting its model while others list.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runID := fmt.Sprintf("run-%d", i)
			putter := svc.ForRun(runID)
			if _, err := putter.Put(ctx, "model.json", strings.NewReader("data"), "application/json"); err != nil {
				t.Errorf("put %s: %v", runID, err)
				return
			}
			if _, err := svc.ListRun(ctx, runID); err != nil {
				t.Errorf("list %s: %v", runID, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		refs, err := svc.ListRun(ctx, fmt.Sprintf("run-%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if len(refs) != 1 {
			t.Errorf("run-%d has %d artifacts, want 1", i, len(refs))
		}
	}
}

func TestForRunPutter(t *testing.T) {
	svc := NewWithBackend(NewMemoryBackend())
	putter := svc.ForRun("run-9")

	link, err := putter.Put(context.Background(), "model.json", strings.NewReader("data"), "application/json")
	if err != nil {
		t.Fatal(err)
	}
	if link != "/api/v1/artifacts/runs/run-9/model.json" {
		t.Errorf("link = %q", link)
	}

	rc, err := svc.Open(context.Background(), "run-9", "model.json")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "data" {
		t.Errorf("body = %q", body)
	}
}
