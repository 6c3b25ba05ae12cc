package session

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ToolCallStatus is a tool call lifecycle state.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallSucceeded ToolCallStatus = "succeeded"
	ToolCallFailed    ToolCallStatus = "failed"
)

// Output stream tags.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

var (
	// ErrNotFound marks a session, message or tool call that does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidState marks an illegal lifecycle transition, including
	// writes to a terminal session.
	ErrInvalidState = errors.New("invalid session state")
)

// Session is the durable record of one agent run.
type Session struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Objective string    `json:"objective"`
	Status    Status    `json:"status"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one conversation turn within a session.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Seq       int       `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// ToolCall records one dispatched tool invocation and its outcome.
type ToolCall struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	MessageID   string          `json:"message_id"`
	ToolName    string          `json:"tool_name"`
	Request     json.RawMessage `json:"request"`
	Response    json.RawMessage `json:"response,omitempty"`
	Status      ToolCallStatus  `json:"status"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// OutputChunk is one sequence-numbered fragment of a session's
// streaming text. Consumers deduplicate after reconnect by seq.
type OutputChunk struct {
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Stream    string    `json:"stream"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter narrows ListSessions results. Zero values match everything.
type Filter struct {
	Status Status
	Kind   string
	Limit  int
}

// allowedFrom maps a target status to the statuses it may be reached from.
var allowedFrom = map[Status][]Status{
	StatusRunning:   {StatusCreated},
	StatusCompleted: {StatusRunning},
	StatusFailed:    {StatusCreated, StatusRunning},
	StatusCancelled: {StatusRunning},
}
