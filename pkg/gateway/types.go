package gateway

import "encoding/json"

// Envelope is the websocket wire format in both directions: a type tag
// and a type-specific payload.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// clientMessage is an inbound envelope with the payload left raw until
// the type is known.
type clientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Server-initiated envelope types. Session events produced by the agent
// runtime (session_status_changed, output_chunk, tool_call_*,
// ask_user_requested) pass through with their runtime names.
const (
	TypeConnected      = "connected"
	TypePing           = "ping"
	TypeError          = "error"
	TypeServerShutdown = "server_shutdown"
)

// Client-initiated envelope types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePong        = "pong"
)

// FirehoseID subscribes a client to every session's events.
const FirehoseID = "*"

// ConnectedPayload is sent once after the upgrade completes.
type ConnectedPayload struct {
	ClientID string `json:"client_id"`
}

// SubscribePayload selects the session a subscribe/unsubscribe refers
// to. FirehoseID subscribes to all sessions.
type SubscribePayload struct {
	SessionID string `json:"session_id"`
}

// ErrorPayload reports a per-client protocol problem.
type ErrorPayload struct {
	Message string `json:"message"`
}

// CreateSessionRequest is the body of POST /api/sessions. RequestID,
// when set, makes the call idempotent across retries.
type CreateSessionRequest struct {
	Kind      string `json:"kind"`
	Objective string `json:"objective"`
	Prompt    string `json:"prompt,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// CreateSessionResponse is the body returned by POST /api/sessions.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// InputRequest is the body of POST /api/sessions/{id}/input.
type InputRequest struct {
	Content string `json:"content"`
}

type errorResponse struct {
	Error string `json:"error"`
}
