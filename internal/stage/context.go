package stage

import (
	"fmt"
	"time"

	"github.com/visionforge/visionforge/internal/model"
	"github.com/visionforge/visionforge/pkg/types"
)

// Sample is one labeled image flowing through the pipeline. Features are
// extracted lazily by the features stage; earlier stages see Features == nil.
type Sample struct {
	Path     string
	Label    string
	Features []float64
}

// Context is the mutable state a run's stages share. The engine creates one
// per run, hands it to each stage in schedule order, and reads the final
// metrics when the run ends. Stages run strictly one at a time, so no
// locking is needed.
type Context struct {
	RunID      string
	DatasetDir string

	// Samples is the working dataset, transformed in place by each stage.
	Samples []Sample

	// Model holds the trained classifier once a training stage has run.
	Model *model.Model

	// Metrics accumulate into the final execution report.
	Accuracy        *float64
	ModelName       string
	DownloadLink    string
	ProcessedImages []string

	// Artifacts stores run outputs. May be nil when no artifact backend is
	// configured; export stages must tolerate that.
	Artifacts ArtifactPutter

	// trainIdx and testIdx record the train/test partition made by the
	// training stage so evaluation scores held-out samples.
	trainIdx []int
	testIdx  []int

	// stageID is the node currently executing, set by the engine.
	stageID string

	// logs receives progress lines for live forwarding. Nil sinks are
	// allowed so stages can run in tests without an observer.
	logs chan<- types.LogEvent
}

// NewContext creates a run context with the given log sink. sink may be nil.
func NewContext(runID, datasetDir string, sink chan<- types.LogEvent) *Context {
	return &Context{
		RunID:      runID,
		DatasetDir: datasetDir,
		logs:       sink,
	}
}

// EnterStage marks the node whose handler is about to run. Subsequent log
// lines are attributed to it.
func (c *Context) EnterStage(nodeID string) {
	c.stageID = nodeID
}

// Logf emits a progress line on the stdout stream.
func (c *Context) Logf(format string, args ...any) {
	c.emit(types.StreamStdout, fmt.Sprintf(format, args...))
}

// Errorf emits a progress line on the stderr stream.
func (c *Context) Errorf(format string, args ...any) {
	c.emit(types.StreamStderr, fmt.Sprintf(format, args...))
}

func (c *Context) emit(stream types.LogStream, msg string) {
	if c.logs == nil {
		return
	}
	c.logs <- types.LogEvent{
		RunID:   c.RunID,
		Stage:   c.stageID,
		Stream:  stream,
		Message: msg,
		Time:    time.Now().UTC(),
	}
}
