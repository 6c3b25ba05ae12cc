package agent

import (
	"errors"

	"github.com/brainless/nocodo-agent/pkg/session"
)

// ErrBusy rejects input sent to a session that is running and not
// waiting on a question.
var ErrBusy = errors.New("session is busy")

// Defaults for Limits fields left at zero.
const (
	DefaultMaxIterations   = 20
	DefaultMaxToolFailures = 3
)

// Limits bounds one agent run. Tool batch parallelism is bounded by the
// executor, not here.
type Limits struct {
	// MaxIterations caps model turns per run.
	MaxIterations int

	// MaxConsecutiveToolFailures fails the session after this many
	// batches in a row where every call failed.
	MaxConsecutiveToolFailures int

	// StreamOutput forwards model text deltas as output chunks as they
	// arrive instead of only persisting the final message.
	StreamOutput bool
}

func (l Limits) withDefaults() Limits {
	if l.MaxIterations <= 0 {
		l.MaxIterations = DefaultMaxIterations
	}
	if l.MaxConsecutiveToolFailures <= 0 {
		l.MaxConsecutiveToolFailures = DefaultMaxToolFailures
	}
	return l
}

// Broadcaster publishes session events to live subscribers. A nil
// broadcaster drops events; polling the store still sees everything.
type Broadcaster interface {
	Broadcast(sessionID, event string, payload interface{})
}

// Event names published to the broadcaster.
const (
	EventSessionStatusChanged = "session_status_changed"
	EventOutputChunk          = "output_chunk"
	EventToolCallStarted      = "tool_call_started"
	EventToolCallCompleted    = "tool_call_completed"
	EventToolCallFailed       = "tool_call_failed"
	EventAskUserRequested     = "ask_user_requested"
)

// StatusEvent is the payload of session_status_changed.
type StatusEvent struct {
	SessionID string         `json:"session_id"`
	Status    session.Status `json:"status"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// OutputEvent is the payload of output_chunk.
type OutputEvent struct {
	SessionID string `json:"session_id"`
	Seq       int    `json:"seq"`
	Stream    string `json:"stream"`
	Content   string `json:"content"`
}

// ToolCallEvent is the payload of the tool_call_* events. ToolCallID is
// the stored row id, not the model's call id.
type ToolCallEvent struct {
	SessionID  string `json:"session_id"`
	ToolCallID string `json:"tool_call_id"`
	Tool       string `json:"tool"`
	Error      string `json:"error,omitempty"`
}

// Run outcomes recorded in metrics.
const (
	outcomeCompleted   = "completed"
	outcomeFailed      = "failed"
	outcomeCancelled   = "cancelled"
	outcomeInterrupted = "interrupted"
)
