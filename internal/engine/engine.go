// Package engine executes validated pipeline graphs stage by stage and
// produces one execution report per run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/visionforge/visionforge/internal/broadcast"
	"github.com/visionforge/visionforge/internal/graph"
	"github.com/visionforge/visionforge/internal/metrics"
	"github.com/visionforge/visionforge/internal/runstore"
	"github.com/visionforge/visionforge/internal/stage"
	"github.com/visionforge/visionforge/pkg/types"
)

// ErrRunActive is returned when starting a run that is already executing.
var ErrRunActive = errors.New("run already active")

// ArtifactProvider hands out a per-run artifact sink. May be left nil when
// no artifact backend is configured.
type ArtifactProvider interface {
	ForRun(runID string) stage.ArtifactPutter
}

// ReportSink archives terminal execution reports outside the run store.
type ReportSink interface {
	Save(ctx context.Context, report *types.ExecutionReport) error
}

// Engine turns a stored run into an execution: validate, schedule, execute
// stages in order, report. Stage failures fail fast; the run that remains
// always ends with exactly one report.
type Engine struct {
	registry  *stage.Registry
	store     runstore.RunStore
	bcast     *broadcast.Broadcaster
	artifacts ArtifactProvider
	reports   ReportSink

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an engine. artifacts may be nil.
func New(registry *stage.Registry, store runstore.RunStore, bcast *broadcast.Broadcaster, artifacts ArtifactProvider) *Engine {
	return &Engine{
		registry:  registry,
		store:     store,
		bcast:     bcast,
		artifacts: artifacts,
		running:   make(map[string]context.CancelFunc),
	}
}

// SetReportSink attaches an archive for terminal reports. Must be called
// before any run starts.
func (e *Engine) SetReportSink(sink ReportSink) {
	e.reports = sink
}

// Start launches a run asynchronously. The run must already exist in the
// store. The execution context is detached from the caller's so an HTTP
// request ending does not kill the run.
func (e *Engine) Start(runID string) error {
	e.mu.Lock()
	if _, active := e.running[runID]; active {
		e.mu.Unlock()
		return ErrRunActive
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e.running[runID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.running, runID)
			e.mu.Unlock()
			cancel()
		}()

		if _, err := e.Execute(runCtx, runID); err != nil {
			slog.Error("run execution failed internally",
				slog.String("run_id", runID),
				slog.Any("error", err))
		}
	}()

	return nil
}

// Cancel requests cancellation of a running run. The engine stops before the
// next stage; a stage already executing has its context cancelled.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	if err := e.store.CancelRun(ctx, runID); err != nil {
		return err
	}

	e.mu.Lock()
	cancel, active := e.running[runID]
	e.mu.Unlock()
	if active {
		cancel()
	}
	return nil
}

// Shutdown waits for in-flight runs to finish.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs a stored run to completion synchronously. The returned error
// covers internal faults only (store failures, validator/scheduler
// disagreement); validation errors, stage failures, and cancellation are
// normal outcomes captured in the returned report.
func (e *Engine) Execute(ctx context.Context, runID string) (*types.ExecutionReport, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	var g types.PipelineGraph
	if run.Graph != nil {
		g = *run.Graph
	}

	tracer := otel.Tracer("visionforge/engine")
	ctx, span := tracer.Start(ctx, "engine.Execute")
	span.SetAttributes(attribute.String("run.id", runID))
	defer span.End()

	e.publish(ctx, runID, &types.EventInput{
		Type: types.EventTypeHello,
		Data: map[string]any{"runId": runID},
	})

	validated, err := graph.Validate(g, e.registry)
	if err != nil {
		metrics.ValidationFailures.WithLabelValues(validationReason(err)).Inc()
		span.SetStatus(codes.Error, "validation failed")
		report := e.finish(ctx, runID, types.RunStatusFailed, nil, "", nil, err.Error())
		return report, nil
	}

	order, err := validated.Schedule()
	if err != nil {
		// Post-validation scheduling failure means the validator and
		// scheduler disagree. Surface it as an internal fault.
		e.finish(ctx, runID, types.RunStatusFailed, nil, "", nil, err.Error())
		return nil, err
	}

	started := time.Now().UTC()
	if err := e.store.UpdateRunStatus(ctx, runID, types.RunStatusRunning, &started, nil, ""); err != nil {
		return nil, fmt.Errorf("mark run running: %w", err)
	}
	e.publishRunStatus(ctx, runID, types.RunStatusRunning, "")
	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()

	// Stage log lines are forwarded live by a concurrent drainer so a
	// chatty stage never blocks on slow observers.
	logCh := make(chan types.LogEvent, 256)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range logCh {
			e.publish(ctx, runID, &types.EventInput{
				Type:  types.EventTypeLog,
				Stage: ev.Stage,
				Data:  ev,
			})
		}
	}()

	rc := stage.NewContext(runID, run.DatasetDir, logCh)
	if e.artifacts != nil {
		rc.Artifacts = e.artifacts.ForRun(runID)
	}

	var (
		executed    []string
		failedStage string
		failMsg     string
		cancelled   bool
	)

	for _, nodeID := range order {
		if stop, err := e.cancelRequested(ctx, runID); err != nil {
			close(logCh)
			<-drained
			return nil, err
		} else if stop {
			cancelled = true
			break
		}

		node, ok := validated.Node(nodeID)
		if !ok {
			close(logCh)
			<-drained
			return nil, fmt.Errorf("%w: scheduled node %q not in validated graph", graph.ErrInternalInconsistency, nodeID)
		}
		handler, err := e.registry.Resolve(node.Type)
		if err != nil {
			close(logCh)
			<-drained
			return nil, fmt.Errorf("%w: %v", graph.ErrInternalInconsistency, err)
		}

		e.publishStageStatus(ctx, runID, nodeID, "running", "")
		rc.EnterStage(nodeID)

		stageCtx, stageSpan := tracer.Start(ctx, "stage."+node.Type)
		stageSpan.SetAttributes(
			attribute.String("run.id", runID),
			attribute.String("stage.id", nodeID),
		)
		stageStart := time.Now()
		stageErr := handler.Apply(stageCtx, rc, stage.Config(node.Config))
		metrics.StageDuration.WithLabelValues(node.Type).Observe(time.Since(stageStart).Seconds())
		stageSpan.End()

		if stageErr != nil {
			if errors.Is(stageErr, context.Canceled) {
				cancelled = true
				break
			}
			metrics.StagesTotal.WithLabelValues(node.Type, "failed").Inc()
			e.publishStageStatus(ctx, runID, nodeID, "failed", stageErr.Error())
			failedStage = nodeID
			failMsg = fmt.Sprintf("Stage %s failed: %v", nodeID, stageErr)
			break
		}

		metrics.StagesTotal.WithLabelValues(node.Type, "succeeded").Inc()
		executed = append(executed, nodeID)
		e.publishStageStatus(ctx, runID, nodeID, "succeeded", "")
	}

	close(logCh)
	<-drained

	status := types.RunStatusSucceeded
	message := "Pipeline completed successfully."
	switch {
	case cancelled:
		status = types.RunStatusCancelled
		message = "Run cancelled."
	case failedStage != "":
		status = types.RunStatusFailed
		message = failMsg
	}

	metrics.RunDuration.WithLabelValues(string(status)).Observe(time.Since(started).Seconds())
	report := e.finish(ctx, runID, status, executed, failedStage, rc, message)
	return report, nil
}

// cancelRequested checks both the execution context and the store's
// cancellation flag between stages.
func (e *Engine) cancelRequested(ctx context.Context, runID string) (bool, error) {
	if ctx.Err() != nil {
		return true, nil
	}
	cancelled, err := e.store.IsCancelled(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("check cancellation: %w", err)
	}
	return cancelled, nil
}

// finish builds the terminal report, persists it, publishes the terminal
// events, and releases live subscribers.
func (e *Engine) finish(ctx context.Context, runID string, status types.RunStatus, executed []string, failedStage string, rc *stage.Context, message string) *types.ExecutionReport {
	// The engine's own bookkeeping must survive a cancelled run context.
	ctx = context.WithoutCancel(ctx)

	if executed == nil {
		executed = []string{}
	}
	report := &types.ExecutionReport{
		RunID:          runID,
		Status:         status,
		StagesExecuted: executed,
		FailedStage:    failedStage,
		Message:        message,
		ExecutedAt:     time.Now().UTC(),
	}
	if rc != nil {
		report.Model = rc.ModelName
		report.Accuracy = rc.Accuracy
		report.DownloadLink = rc.DownloadLink
		report.ProcessedImages = rc.ProcessedImages
	}

	if err := e.store.SetReport(ctx, runID, report); err != nil {
		slog.Error("persist report", slog.String("run_id", runID), slog.Any("error", err))
	}
	if e.reports != nil {
		if err := e.reports.Save(ctx, report); err != nil {
			slog.Error("archive report", slog.String("run_id", runID), slog.Any("error", err))
		}
	}
	finished := report.ExecutedAt
	runErr := ""
	if status == types.RunStatusFailed {
		runErr = message
	}
	if err := e.store.UpdateRunStatus(ctx, runID, status, nil, &finished, runErr); err != nil {
		slog.Error("persist run status", slog.String("run_id", runID), slog.Any("error", err))
	}

	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	e.publishRunStatus(ctx, runID, status, runErr)
	e.publish(ctx, runID, &types.EventInput{Type: types.EventTypeReport, Data: report})
	e.publish(ctx, runID, &types.EventInput{Type: types.EventTypeStreamEnd})
	e.bcast.CloseRun(runID)

	slog.Info("run finished",
		slog.String("run_id", runID),
		slog.String("status", string(status)),
		slog.Int("stages_executed", len(executed)))

	return report
}

// publish appends an event to the run's history and fans it out live.
func (e *Engine) publish(ctx context.Context, runID string, input *types.EventInput) {
	event, err := e.store.AppendEvent(context.WithoutCancel(ctx), runID, input)
	if err != nil {
		slog.Error("append event", slog.String("run_id", runID), slog.Any("error", err))
		return
	}
	metrics.EventsTotal.WithLabelValues(string(input.Type)).Inc()
	e.bcast.Publish(event)
}

func (e *Engine) publishRunStatus(ctx context.Context, runID string, status types.RunStatus, errMsg string) {
	e.publish(ctx, runID, &types.EventInput{
		Type: types.EventTypeRunStatus,
		Data: types.RunStatusEvent{Status: status, Error: errMsg},
	})
}

func (e *Engine) publishStageStatus(ctx context.Context, runID, nodeID, status, errMsg string) {
	e.publish(ctx, runID, &types.EventInput{
		Type:  types.EventTypeStage,
		Stage: nodeID,
		Data:  types.StageStatusEvent{Status: status, Error: errMsg},
	})
}

func validationReason(err error) string {
	var (
		empty    *graph.EmptyPipelineError
		unknown  *graph.UnknownStageTypeError
		dangling *graph.DanglingEdgeError
		cycle    *graph.CycleDetectedError
	)
	switch {
	case errors.As(err, &empty):
		return "empty"
	case errors.As(err, &unknown):
		return "unknown_stage"
	case errors.As(err, &dangling):
		return "dangling_edge"
	case errors.As(err, &cycle):
		return "cycle"
	}
	return "other"
}
