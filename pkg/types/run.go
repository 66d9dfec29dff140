package types

import (
	"time"
)

// RunStatus represents the current state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Run represents a single execution of a pipeline graph.
type Run struct {
	ID         string           `json:"id"`
	Name       string           `json:"name,omitempty"`
	Status     RunStatus        `json:"status"`
	Graph      *PipelineGraph   `json:"graph,omitempty"`
	DatasetDir string           `json:"dataset_dir,omitempty"`
	Report     *ExecutionReport `json:"report,omitempty"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Error      string           `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// RunMeta is a lightweight representation of a run for listing.
type RunMeta struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Status     RunStatus  `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ExecutionReport is the immutable terminal artifact of one run. Exactly one
// report is produced per run, regardless of outcome.
type ExecutionReport struct {
	RunID  string    `json:"run_id"`
	Status RunStatus `json:"status"`

	// StagesExecuted lists node IDs that completed, in execution order.
	// On failure it holds only the stages that finished before the
	// failing one.
	StagesExecuted []string `json:"stagesExecuted"`

	// FailedStage is the node ID of the stage that failed, if any.
	FailedStage string `json:"failedStage,omitempty"`

	// Model names the trained model type (e.g. "NearestCentroidClassifier").
	Model string `json:"model,omitempty"`

	// Accuracy is the held-out accuracy of the last evaluation, 0.0-1.0.
	Accuracy *float64 `json:"accuracy,omitempty"`

	// DownloadLink points at the exported model artifact, when one exists.
	DownloadLink string `json:"downloadLink,omitempty"`

	// ProcessedImages references images touched by the run, when a stage
	// chose to record them.
	ProcessedImages []string `json:"processedImages,omitempty"`

	Message    string    `json:"message"`
	ExecutedAt time.Time `json:"executedAt"`
}
