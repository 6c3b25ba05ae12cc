package tracing

import (
	"context"
	"testing"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestWithTraceID(t *testing.T) {
	ctx := context.Background()
	traceID := "test-trace-id"

	ctx = WithTraceID(ctx, traceID)

	retrieved := GetTraceID(ctx)
	if retrieved != traceID {
		t.Errorf("Expected trace ID %s, got %s", traceID, retrieved)
	}
}

func TestWithSessionID(t *testing.T) {
	ctx := context.Background()
	sessionID := "test-session"

	ctx = WithSessionID(ctx, sessionID)

	retrieved := GetSessionID(ctx)
	if retrieved != sessionID {
		t.Errorf("Expected session ID %s, got %s", sessionID, retrieved)
	}
}

func TestWithToolCallID(t *testing.T) {
	ctx := context.Background()
	toolCallID := "test-tool-call"

	ctx = WithToolCallID(ctx, toolCallID)

	retrieved := GetToolCallID(ctx)
	if retrieved != toolCallID {
		t.Errorf("Expected tool call ID %s, got %s", toolCallID, retrieved)
	}
}

func TestWithRequestID(t *testing.T) {
	ctx := context.Background()
	requestID := "test-request"

	ctx = WithRequestID(ctx, requestID)

	retrieved := GetRequestID(ctx)
	if retrieved != requestID {
		t.Errorf("Expected request ID %s, got %s", requestID, retrieved)
	}
}

func TestGetTraceIDEmpty(t *testing.T) {
	ctx := context.Background()

	traceID := GetTraceID(ctx)
	if traceID != "" {
		t.Errorf("Expected empty trace ID, got %s", traceID)
	}
}

func TestGetSessionIDEmpty(t *testing.T) {
	ctx := context.Background()

	sessionID := GetSessionID(ctx)
	if sessionID != "" {
		t.Errorf("Expected empty session ID, got %s", sessionID)
	}
}

func TestGetToolCallIDEmpty(t *testing.T) {
	ctx := context.Background()

	toolCallID := GetToolCallID(ctx)
	if toolCallID != "" {
		t.Errorf("Expected empty tool call ID, got %s", toolCallID)
	}
}

func TestFromContext(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = WithSessionID(ctx, "session-456")
	ctx = WithToolCallID(ctx, "call-789")
	ctx = WithRequestID(ctx, "request-abc")

	tc := FromContext(ctx)

	if tc.TraceID != "trace-123" {
		t.Errorf("Expected trace ID trace-123, got %s", tc.TraceID)
	}
	if tc.SessionID != "session-456" {
		t.Errorf("Expected session ID session-456, got %s", tc.SessionID)
	}
	if tc.ToolCallID != "call-789" {
		t.Errorf("Expected tool call ID call-789, got %s", tc.ToolCallID)
	}
	if tc.RequestID != "request-abc" {
		t.Errorf("Expected request ID request-abc, got %s", tc.RequestID)
	}
}

func TestNewContext(t *testing.T) {
	ctx := context.Background()

	tc := &TraceContext{
		TraceID:    "trace-123",
		SessionID:  "session-456",
		ToolCallID: "call-789",
		RequestID:  "request-abc",
	}

	ctx = NewContext(ctx, tc)

	if GetTraceID(ctx) != "trace-123" {
		t.Error("Trace ID not set correctly")
	}
	if GetSessionID(ctx) != "session-456" {
		t.Error("Session ID not set correctly")
	}
	if GetToolCallID(ctx) != "call-789" {
		t.Error("Tool call ID not set correctly")
	}
	if GetRequestID(ctx) != "request-abc" {
		t.Error("Request ID not set correctly")
	}
}

func TestNewContextPartial(t *testing.T) {
	ctx := context.Background()

	tc := &TraceContext{
		TraceID: "trace-123",
		// Other fields empty
	}

	ctx = NewContext(ctx, tc)

	if GetTraceID(ctx) != "trace-123" {
		t.Error("Trace ID not set correctly")
	}
	if GetSessionID(ctx) != "" {
		t.Error("Session ID should be empty")
	}
	if GetToolCallID(ctx) != "" {
		t.Error("Tool call ID should be empty")
	}
}

func TestNewRequestContext(t *testing.T) {
	ctx := context.Background()

	ctx = NewRequestContext(ctx)

	traceID := GetTraceID(ctx)
	if traceID == "" {
		t.Error("Trace ID not generated")
	}

	// Verify it's a valid UUID format
	if len(traceID) != 36 {
		t.Errorf("Expected UUID format (36 chars), got %d chars", len(traceID))
	}
}

func TestNewSessionContext(t *testing.T) {
	ctx := context.Background()

	ctx = NewSessionContext(ctx, "session-xyz")

	if GetSessionID(ctx) != "session-xyz" {
		t.Error("Session ID not set correctly")
	}
	if GetTraceID(ctx) == "" {
		t.Error("Trace ID not generated")
	}
}

func TestNewSessionContextKeepsTraceID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-keep")

	ctx = NewSessionContext(ctx, "session-xyz")

	if GetTraceID(ctx) != "trace-keep" {
		t.Error("Existing trace ID should be preserved")
	}
}
