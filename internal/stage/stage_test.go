package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/visionforge/visionforge/internal/model"
	"github.com/visionforge/visionforge/pkg/types"
)

// writeTestImage writes a uniform grayscale PNG so classes separate cleanly.
func writeTestImage(t *testing.T, path string, intensity uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.SetGray(x, y, color.Gray{Y: intensity})
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

// writeDataset lays out count images per class under dir/<label>/.
func writeDataset(t *testing.T, dir string, perClass int) {
	t.Helper()
	for i := 0; i < perClass; i++ {
		writeTestImage(t, filepath.Join(dir, "dark", fmt.Sprintf("d%02d.png", i)), uint8(10+i))
		writeTestImage(t, filepath.Join(dir, "light", fmt.Sprintf("l%02d.png", i)), uint8(220+i))
	}
}

func TestRegistry(t *testing.T) {
	reg := DefaultRegistry()

	t.Run("resolves built-in stages", func(t *testing.T) {
		for _, typ := range []string{"ingest", "dedup", "outlier_removal", "class_balance", "features", "augment", "train", "evaluate", "export", "script"} {
			if !reg.Has(typ) {
				t.Errorf("Has(%q) = false, want true", typ)
			}
			if _, err := reg.Resolve(typ); err != nil {
				t.Errorf("Resolve(%q) returned %v", typ, err)
			}
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		if reg.Has("mystery") {
			t.Error("Has(mystery) = true, want false")
		}
		_, err := reg.Resolve("mystery")
		if !errors.Is(err, ErrUnknownStage) {
			t.Errorf("Resolve(mystery) error = %v, want ErrUnknownStage", err)
		}
	})

	t.Run("rejects duplicate registration", func(t *testing.T) {
		r := NewRegistry()
		if err := r.Register(&ingestStage{}); err != nil {
			t.Fatal(err)
		}
		if err := r.Register(&ingestStage{}); err == nil {
			t.Error("expected error registering ingest twice")
		}
	})

	t.Run("list is sorted", func(t *testing.T) {
		metas := reg.List()
		for i := 1; i < len(metas); i++ {
			if metas[i-1].Type >= metas[i].Type {
				t.Errorf("List() not sorted at %d: %q >= %q", i, metas[i-1].Type, metas[i].Type)
			}
		}
	})
}

func TestConfigGetters(t *testing.T) {
	cfg := Config{"name": "x", "frac": 0.5, "count": float64(7)}
	if got := cfg.String("name", "def"); got != "x" {
		t.Errorf("String = %q", got)
	}
	if got := cfg.String("missing", "def"); got != "def" {
		t.Errorf("String default = %q", got)
	}
	if got := cfg.Float("frac", 1.0); got != 0.5 {
		t.Errorf("Float = %v", got)
	}
	if got := cfg.Int("count", 0); got != 7 {
		t.Errorf("Int = %v", got)
	}
	if got := cfg.Int("missing", 3); got != 3 {
		t.Errorf("Int default = %v", got)
	}
}

func TestIngestStage(t *testing.T) {
	t.Run("loads labeled images", func(t *testing.T) {
		dir := t.TempDir()
		writeDataset(t, dir, 3)
		rc := NewContext("run-1", dir, nil)
		if err := (&ingestStage{}).Apply(context.Background(), rc, nil); err != nil {
			t.Fatal(err)
		}
		if len(rc.Samples) != 6 {
			t.Fatalf("got %d samples, want 6", len(rc.Samples))
		}
		labels := map[string]int{}
		for _, s := range rc.Samples {
			labels[s.Label]++
		}
		if labels["dark"] != 3 || labels["light"] != 3 {
			t.Errorf("label counts = %v", labels)
		}
		if len(rc.ProcessedImages) != 6 {
			t.Errorf("ProcessedImages = %d entries, want 6", len(rc.ProcessedImages))
		}
	})

	t.Run("empty dataset", func(t *testing.T) {
		rc := NewContext("run-1", t.TempDir(), nil)
		err := (&ingestStage{}).Apply(context.Background(), rc, nil)
		if !errors.Is(err, ErrNoValidImages) {
			t.Errorf("error = %v, want ErrNoValidImages", err)
		}
	})

	t.Run("ignores unlabeled root files", func(t *testing.T) {
		dir := t.TempDir()
		writeTestImage(t, filepath.Join(dir, "stray.png"), 100)
		writeTestImage(t, filepath.Join(dir, "cats", "a.png"), 100)
		rc := NewContext("run-1", dir, nil)
		if err := (&ingestStage{}).Apply(context.Background(), rc, nil); err != nil {
			t.Fatal(err)
		}
		if len(rc.Samples) != 1 || rc.Samples[0].Label != "cats" {
			t.Errorf("samples = %+v", rc.Samples)
		}
	})
}

func TestDedupStage(t *testing.T) {
	dir := t.TempDir()
	writeTestImage(t, filepath.Join(dir, "cats", "a.png"), 50)
	writeTestImage(t, filepath.Join(dir, "cats", "b.png"), 50) // same bytes as a.png
	writeTestImage(t, filepath.Join(dir, "cats", "c.png"), 80)

	rc := NewContext("run-1", dir, nil)
	if err := (&ingestStage{}).Apply(context.Background(), rc, nil); err != nil {
		t.Fatal(err)
	}
	if err := (&dedupStage{}).Apply(context.Background(), rc, nil); err != nil {
		t.Fatal(err)
	}
	if len(rc.Samples) != 2 {
		t.Errorf("got %d samples after dedup, want 2", len(rc.Samples))
	}
}

func TestFeaturesStage(t *testing.T) {
	t.Run("extracts and skips corrupt", func(t *testing.T) {
		dir := t.TempDir()
		writeDataset(t, dir, 2)
		corrupt := filepath.Join(dir, "dark", "broken.png")
		if err := os.WriteFile(corrupt, []byte("not a png"), 0o644); err != nil {
			t.Fatal(err)
		}

		rc := NewContext("run-1", dir, nil)
		if err := (&ingestStage{}).Apply(context.Background(), rc, nil); err != nil {
			t.Fatal(err)
		}
		if err := (&featuresStage{}).Apply(context.Background(), rc, nil); err != nil {
			t.Fatal(err)
		}
		if len(rc.Samples) != 4 {
			t.Fatalf("got %d samples, want 4 (corrupt skipped)", len(rc.Samples))
		}
		for _, s := range rc.Samples {
			if len(s.Features) != model.FeatureLen {
				t.Fatalf("feature length = %d, want %d", len(s.Features), model.FeatureLen)
			}
		}
	})

	t.Run("all corrupt", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.MkdirAll(filepath.Join(dir, "cats"), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "cats", "x.png"), []byte("junk"), 0o644); err != nil {
			t.Fatal(err)
		}
		rc := NewContext("run-1", dir, nil)
		if err := (&ingestStage{}).Apply(context.Background(), rc, nil); err != nil {
			t.Fatal(err)
		}
		err := (&featuresStage{}).Apply(context.Background(), rc, nil)
		if !errors.Is(err, ErrNoValidImages) {
			t.Errorf("error = %v, want ErrNoValidImages", err)
		}
	})
}

func TestBalanceStage(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		writeTestImage(t, filepath.Join(dir, "big", fmt.Sprintf("b%d.png", i)), uint8(10*i))
	}
	for i := 0; i < 2; i++ {
		writeTestImage(t, filepath.Join(dir, "small", fmt.Sprintf("s%d.png", i)), uint8(200+10*i))
	}

	rc := NewContext("run-1", dir, nil)
	if err := (&ingestStage{}).Apply(context.Background(), rc, nil); err != nil {
		t.Fatal(err)
	}
	if err := (&balanceStage{}).Apply(context.Background(), rc, nil); err != nil {
		t.Fatal(err)
	}
	counts := map[string]int{}
	for _, s := range rc.Samples {
		counts[s.Label]++
	}
	if counts["big"] != 2 || counts["small"] != 2 {
		t.Errorf("counts after balance = %v, want 2 each", counts)
	}
}

func TestAugmentStage(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, 2)
	rc := NewContext("run-1", dir, nil)
	for _, h := range []Handler{&ingestStage{}, &featuresStage{}} {
		if err := h.Apply(context.Background(), rc, nil); err != nil {
			t.Fatal(err)
		}
	}
	before := len(rc.Samples)
	if err := (&augmentStage{}).Apply(context.Background(), rc, nil); err != nil {
		t.Fatal(err)
	}
	if len(rc.Samples) != before*2 {
		t.Errorf("got %d samples after augment, want %d", len(rc.Samples), before*2)
	}

	t.Run("requires features", func(t *testing.T) {
		rc := NewContext("run-1", dir, nil)
		rc.Samples = []Sample{{Path: "x", Label: "y"}}
		if err := (&augmentStage{}).Apply(context.Background(), rc, nil); err == nil {
			t.Error("expected error without features")
		}
	})
}

func TestOutlierStage(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, 4)
	rc := NewContext("run-1", dir, nil)
	for _, h := range []Handler{&ingestStage{}, &featuresStage{}} {
		if err := h.Apply(context.Background(), rc, nil); err != nil {
			t.Fatal(err)
		}
	}
	before := len(rc.Samples)
	if err := (&outlierStage{}).Apply(context.Background(), rc, Config{"threshold": 3.0}); err != nil {
		t.Fatal(err)
	}
	if len(rc.Samples) == 0 || len(rc.Samples) > before {
		t.Errorf("got %d samples after outlier removal, had %d", len(rc.Samples), before)
	}

	t.Run("requires features", func(t *testing.T) {
		rc := NewContext("run-1", dir, nil)
		rc.Samples = []Sample{{Path: "x", Label: "y"}}
		if err := (&outlierStage{}).Apply(context.Background(), rc, nil); err == nil {
			t.Error("expected error without features")
		}
	})
}

// memoryArtifacts collects artifacts in memory for tests.
type memoryArtifacts struct {
	names []string
}

func (m *memoryArtifacts) Put(ctx context.Context, name string, data io.Reader, contentType string) (string, error) {
	if _, err := io.Copy(io.Discard, data); err != nil {
		return "", err
	}
	m.names = append(m.names, name)
	return "/artifacts/run-1/" + name, nil
}

func TestTrainEvaluateExport(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, 6)

	rc := NewContext("run-1", dir, nil)
	rc.Artifacts = &memoryArtifacts{}
	for _, h := range []Handler{&ingestStage{}, &featuresStage{}, &trainStage{}, &evaluateStage{}, &exportStage{}} {
		if err := h.Apply(context.Background(), rc, nil); err != nil {
			t.Fatalf("%s: %v", h.Meta().Type, err)
		}
	}

	if rc.Model == nil {
		t.Fatal("no model trained")
	}
	if rc.ModelName != model.TypeName {
		t.Errorf("ModelName = %q", rc.ModelName)
	}
	if rc.Accuracy == nil {
		t.Fatal("no accuracy recorded")
	}
	// Uniform-intensity classes are trivially separable.
	if *rc.Accuracy != 1.0 {
		t.Errorf("accuracy = %v, want 1.0", *rc.Accuracy)
	}
	if rc.DownloadLink != "/artifacts/run-1/model.json" {
		t.Errorf("DownloadLink = %q", rc.DownloadLink)
	}

	t.Run("export round-trips the model", func(t *testing.T) {
		var buf bytes.Buffer
		if err := rc.Model.Encode(&buf); err != nil {
			t.Fatal(err)
		}
		decoded, err := model.Decode(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if len(decoded.Classes) != len(rc.Model.Classes) {
			t.Errorf("decoded classes = %v", decoded.Classes)
		}
	})

	t.Run("evaluate without model", func(t *testing.T) {
		rc := NewContext("run-2", dir, nil)
		if err := (&evaluateStage{}).Apply(context.Background(), rc, nil); err == nil {
			t.Error("expected error evaluating without a model")
		}
	})

	t.Run("export without artifact backend", func(t *testing.T) {
		rc2 := NewContext("run-3", dir, nil)
		rc2.Model = rc.Model
		if err := (&exportStage{}).Apply(context.Background(), rc2, nil); err != nil {
			t.Errorf("export without backend should be tolerated, got %v", err)
		}
		if rc2.DownloadLink != "" {
			t.Errorf("DownloadLink = %q, want empty", rc2.DownloadLink)
		}
	})
}

func TestScriptStage(t *testing.T) {
	t.Run("stdin payload and result parsing", func(t *testing.T) {
		sink := make(chan types.LogEvent, 16)
		rc := NewContext("run-1", t.TempDir(), sink)
		rc.EnterStage("external")

		// The script must find its run id in the stdin payload, emit a
		// progress line on stderr, and report metrics on stdout.
		cfg := Config{
			"command": "sh",
			"args": []any{"-c",
				`p=$(cat); case "$p" in *run-1*) ;; *) exit 1;; esac; echo training >&2; echo '{"model":"external","accuracy":0.9}'`},
		}
		if err := (&scriptStage{}).Apply(context.Background(), rc, cfg); err != nil {
			t.Fatal(err)
		}
		close(sink)

		if rc.ModelName != "external" {
			t.Errorf("ModelName = %q, want external", rc.ModelName)
		}
		if rc.Accuracy == nil || *rc.Accuracy != 0.9 {
			t.Errorf("Accuracy = %v, want 0.9", rc.Accuracy)
		}
		sawProgress := false
		for ev := range sink {
			if ev.Stream == types.StreamStderr && ev.Message == "training" {
				sawProgress = true
			}
		}
		if !sawProgress {
			t.Error("stderr progress line not forwarded")
		}
	})

	t.Run("non-zero exit fails the stage", func(t *testing.T) {
		rc := NewContext("run-1", t.TempDir(), nil)
		err := (&scriptStage{}).Apply(context.Background(), rc, Config{"command": "false"})
		if err == nil {
			t.Fatal("expected error from non-zero exit")
		}
	})

	t.Run("missing command", func(t *testing.T) {
		rc := NewContext("run-1", t.TempDir(), nil)
		if err := (&scriptStage{}).Apply(context.Background(), rc, nil); err == nil {
			t.Fatal("expected error without a command")
		}
	})
}

func TestContextLogSink(t *testing.T) {
	sink := make(chan types.LogEvent, 4)
	rc := NewContext("run-1", "", sink)
	rc.EnterStage("node-a")
	rc.Logf("hello %d", 1)
	rc.Errorf("oops")

	ev := <-sink
	if ev.Stage != "node-a" || ev.Stream != types.StreamStdout || ev.Message != "hello 1" {
		t.Errorf("stdout event = %+v", ev)
	}
	ev = <-sink
	if ev.Stream != types.StreamStderr || ev.Message != "oops" {
		t.Errorf("stderr event = %+v", ev)
	}
}
