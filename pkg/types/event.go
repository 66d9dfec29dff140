package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType categorizes the kind of event in a run's event stream.
type EventType string

const (
	EventTypeHello     EventType = "hello"
	EventTypeLog       EventType = "log"
	EventTypeStage     EventType = "stage_status"
	EventTypeRunStatus EventType = "run_status"
	EventTypeReport    EventType = "report"
	EventTypeStreamEnd EventType = "stream_end"
)

// LogStream distinguishes normal output from error output.
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
)

// LogEvent is a single log line emitted by a running stage. It exists only
// in transit from the engine to observers and is never persisted.
type LogEvent struct {
	RunID   string    `json:"run_id"`
	Stage   string    `json:"stage,omitempty"`
	Stream  LogStream `json:"stream"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Event represents a single event in a run's event stream.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Type      EventType       `json:"type"`
	Stage     string          `json:"stage,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventInput is used when appending new events.
type EventInput struct {
	Type  EventType `json:"type"`
	Stage string    `json:"stage,omitempty"`
	Data  any       `json:"data,omitempty"`
}

// StageStatusEvent is the data payload for stage status change events.
type StageStatusEvent struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// RunStatusEvent is the data payload for run status change events.
type RunStatusEvent struct {
	Status RunStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// ToSSE formats the event for the Server-Sent Events protocol.
// Format: id: <id>\nevent: <type>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}
