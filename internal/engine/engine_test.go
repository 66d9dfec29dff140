package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/visionforge/visionforge/internal/broadcast"
	"github.com/visionforge/visionforge/internal/runstore"
	"github.com/visionforge/visionforge/internal/stage"
	"github.com/visionforge/visionforge/pkg/types"
)

// recorder tracks the order stages were applied in across a test.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) record(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
}

func (r *recorder) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// testStage is a configurable handler for engine tests.
type testStage struct {
	typ     string
	rec     *recorder
	fail    bool
	onApply func(ctx context.Context, rc *stage.Context) error
}

func (s *testStage) Meta() stage.Meta {
	return stage.Meta{Type: s.typ, Name: s.typ, Category: stage.CategoryTransform}
}

func (s *testStage) Apply(ctx context.Context, rc *stage.Context, cfg stage.Config) error {
	if s.rec != nil {
		s.rec.record(cfg.String("node", s.typ))
	}
	if s.onApply != nil {
		return s.onApply(ctx, rc)
	}
	if s.fail {
		return context.DeadlineExceeded
	}
	return nil
}

func testEngine(t *testing.T, stages ...stage.Handler) (*Engine, runstore.RunStore, *broadcast.Broadcaster) {
	t.Helper()
	reg := stage.NewRegistry()
	for _, h := range stages {
		if err := reg.Register(h); err != nil {
			t.Fatal(err)
		}
	}
	store := runstore.NewMemoryStore(nil)
	t.Cleanup(func() { store.Close() })
	bcast := broadcast.New(0)
	t.Cleanup(bcast.Close)
	return New(reg, store, bcast, nil), store, bcast
}

func node(id, typ string) types.PipelineNode {
	return types.PipelineNode{ID: id, Type: typ, Config: map[string]any{"node": id}}
}

func edge(src, dst string) types.PipelineEdge {
	return types.PipelineEdge{Source: src, Target: dst}
}

func createRun(t *testing.T, store runstore.RunStore, g types.PipelineGraph) string {
	t.Helper()
	runID, err := store.CreateRun(context.Background(), "test", &g, "")
	if err != nil {
		t.Fatal(err)
	}
	return runID
}

func TestExecuteLinearChain(t *testing.T) {
	rec := &recorder{}
	eng, store, _ := testEngine(t, &testStage{typ: "work", rec: rec})

	runID := createRun(t, store, types.PipelineGraph{
		Nodes: []types.PipelineNode{node("a", "work"), node("b", "work"), node("c", "work")},
		Edges: []types.PipelineEdge{edge("a", "b"), edge("b", "c")},
	})

	report, err := eng.Execute(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != types.RunStatusSucceeded {
		t.Fatalf("status = %s: %s", report.Status, report.Message)
	}

	want := []string{"a", "b", "c"}
	got := rec.order()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("execution order = %v, want %v", got, want)
	}
	if len(report.StagesExecuted) != 3 {
		t.Errorf("StagesExecuted = %v", report.StagesExecuted)
	}

	run, err := store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != types.RunStatusSucceeded || run.FinishedAt == nil {
		t.Errorf("stored run = %+v", run)
	}
}

func TestExecuteDiamond(t *testing.T) {
	rec := &recorder{}
	eng, store, _ := testEngine(t, &testStage{typ: "work", rec: rec})

	// b and c are both ready after a; submission order breaks the tie.
	runID := createRun(t, store, types.PipelineGraph{
		Nodes: []types.PipelineNode{node("a", "work"), node("b", "work"), node("c", "work"), node("d", "work")},
		Edges: []types.PipelineEdge{edge("a", "b"), edge("a", "c"), edge("b", "d"), edge("c", "d")},
	})

	report, err := eng.Execute(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != types.RunStatusSucceeded {
		t.Fatalf("status = %s: %s", report.Status, report.Message)
	}
	got := rec.order()
	want := []string{"a", "b", "c", "d"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", got, want)
		}
	}
}

func TestExecuteRejectsInvalidGraph(t *testing.T) {
	t.Run("cycle", func(t *testing.T) {
		rec := &recorder{}
		eng, store, _ := testEngine(t, &testStage{typ: "work", rec: rec})
		runID := createRun(t, store, types.PipelineGraph{
			Nodes: []types.PipelineNode{node("a", "work"), node("b", "work")},
			Edges: []types.PipelineEdge{edge("a", "b"), edge("b", "a")},
		})

		report, err := eng.Execute(context.Background(), runID)
		if err != nil {
			t.Fatal(err)
		}
		if report.Status != types.RunStatusFailed {
			t.Errorf("status = %s", report.Status)
		}
		if !strings.Contains(report.Message, "cycle") {
			t.Errorf("message = %q", report.Message)
		}
		if len(rec.order()) != 0 {
			t.Errorf("stages ran on a cyclic graph: %v", rec.order())
		}
	})

	t.Run("empty", func(t *testing.T) {
		eng, store, _ := testEngine(t)
		runID := createRun(t, store, types.PipelineGraph{})
		report, err := eng.Execute(context.Background(), runID)
		if err != nil {
			t.Fatal(err)
		}
		if report.Status != types.RunStatusFailed || !strings.Contains(report.Message, "no nodes") {
			t.Errorf("report = %+v", report)
		}
	})

	t.Run("unknown stage type", func(t *testing.T) {
		eng, store, _ := testEngine(t)
		runID := createRun(t, store, types.PipelineGraph{
			Nodes: []types.PipelineNode{node("a", "mystery")},
		})
		report, err := eng.Execute(context.Background(), runID)
		if err != nil {
			t.Fatal(err)
		}
		if report.Status != types.RunStatusFailed || !strings.Contains(report.Message, "unknown stage type") {
			t.Errorf("report = %+v", report)
		}
	})
}

func TestExecuteFailFast(t *testing.T) {
	rec := &recorder{}
	eng, store, _ := testEngine(t,
		&testStage{typ: "ok", rec: rec},
		&testStage{typ: "boom", rec: rec, fail: true},
	)

	runID := createRun(t, store, types.PipelineGraph{
		Nodes: []types.PipelineNode{node("a", "ok"), node("b", "boom"), node("c", "ok")},
		Edges: []types.PipelineEdge{edge("a", "b"), edge("b", "c")},
	})

	report, err := eng.Execute(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != types.RunStatusFailed {
		t.Fatalf("status = %s", report.Status)
	}
	if report.FailedStage != "b" {
		t.Errorf("FailedStage = %q, want b", report.FailedStage)
	}
	if len(report.StagesExecuted) != 1 || report.StagesExecuted[0] != "a" {
		t.Errorf("StagesExecuted = %v, want [a]", report.StagesExecuted)
	}
	// c must never run after b fails.
	got := rec.order()
	if len(got) != 2 {
		t.Errorf("stages applied = %v, want exactly [a b]", got)
	}
}

func TestExecuteCancellationBetweenStages(t *testing.T) {
	rec := &recorder{}
	var eng *Engine
	var store runstore.RunStore
	var runID string

	cancelling := &testStage{
		typ: "cancelself",
		rec: rec,
		onApply: func(ctx context.Context, rc *stage.Context) error {
			// Request cancellation mid-run; the engine must stop
			// before the next stage.
			return store.CancelRun(ctx, runID)
		},
	}
	eng, store, _ = testEngine(t, &testStage{typ: "work", rec: rec}, cancelling)

	runID = createRun(t, store, types.PipelineGraph{
		Nodes: []types.PipelineNode{node("a", "cancelself"), node("b", "work")},
		Edges: []types.PipelineEdge{edge("a", "b")},
	})

	report, err := eng.Execute(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != types.RunStatusCancelled {
		t.Fatalf("status = %s", report.Status)
	}
	if got := rec.order(); len(got) != 1 || got[0] != "a" {
		t.Errorf("stages applied = %v, want [a]", got)
	}
	if len(report.StagesExecuted) != 1 {
		t.Errorf("StagesExecuted = %v", report.StagesExecuted)
	}
}

func TestStartAndCancelAsync(t *testing.T) {
	entered := make(chan struct{})
	blocking := &testStage{
		typ: "block",
		onApply: func(ctx context.Context, rc *stage.Context) error {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		},
	}
	eng, store, _ := testEngine(t, blocking)

	runID := createRun(t, store, types.PipelineGraph{
		Nodes: []types.PipelineNode{node("a", "block")},
	})

	if err := eng.Start(runID); err != nil {
		t.Fatal(err)
	}

	t.Run("double start rejected", func(t *testing.T) {
		if err := eng.Start(runID); err != ErrRunActive {
			t.Errorf("second Start = %v, want ErrRunActive", err)
		}
	})

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("stage never started")
	}

	if err := eng.Cancel(context.Background(), runID); err != nil {
		t.Fatal(err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		t.Fatal(err)
	}

	run, err := store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != types.RunStatusCancelled {
		t.Errorf("status = %s, want cancelled", run.Status)
	}
	if run.Report == nil || run.Report.Status != types.RunStatusCancelled {
		t.Errorf("report = %+v", run.Report)
	}
}

func TestExecuteEmitsEventStream(t *testing.T) {
	logging := &testStage{
		typ: "chatty",
		onApply: func(ctx context.Context, rc *stage.Context) error {
			rc.Logf("processing")
			rc.Errorf("warning line")
			return nil
		},
	}
	eng, store, bcast := testEngine(t, logging)

	runID := createRun(t, store, types.PipelineGraph{
		Nodes: []types.PipelineNode{node("a", "chatty")},
	})

	sub, cancelSub := bcast.Subscribe(runID)
	defer cancelSub()

	report, err := eng.Execute(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != types.RunStatusSucceeded {
		t.Fatalf("status = %s", report.Status)
	}

	events, err := store.GetEventsSince(context.Background(), runID, "")
	if err != nil {
		t.Fatal(err)
	}

	counts := map[types.EventType]int{}
	for _, ev := range events {
		counts[ev.Type]++
	}
	if counts[types.EventTypeHello] != 1 {
		t.Errorf("hello events = %d", counts[types.EventTypeHello])
	}
	if counts[types.EventTypeLog] != 2 {
		t.Errorf("log events = %d, want 2", counts[types.EventTypeLog])
	}
	if counts[types.EventTypeStage] != 2 {
		t.Errorf("stage_status events = %d, want 2 (running, succeeded)", counts[types.EventTypeStage])
	}
	if counts[types.EventTypeReport] != 1 || counts[types.EventTypeStreamEnd] != 1 {
		t.Errorf("terminal events = %v", counts)
	}

	// The live subscription saw the same stream and was closed at the end.
	var live int
	for range sub {
		live++
	}
	if live != len(events) {
		t.Errorf("live events = %d, history = %d", live, len(events))
	}
}
