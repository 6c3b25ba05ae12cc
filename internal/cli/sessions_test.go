package cli

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainless/nocodo-agent/pkg/gateway"
	"github.com/brainless/nocodo-agent/pkg/session"
)

func TestFetchSessions(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sessions", r.URL.Path)
		assert.Equal(t, "running", r.URL.Query().Get("status"))
		assert.Equal(t, "coder", r.URL.Query().Get("kind"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "s3cret", r.Header.Get(gateway.SecretHeader))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sessions":[
			{"id":"abc","kind":"coder","objective":"list files","status":"running"},
			{"id":"def","kind":"coder","objective":"fix the bug","status":"running"}
		]}`))
	}))
	defer ts.Close()

	sessions, err := fetchSessions(ts.URL, "s3cret", "running", "coder", 5)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "abc", sessions[0].ID)
	assert.Equal(t, session.StatusRunning, sessions[1].Status)
}

func TestFetchSessions_DaemonError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	}))
	defer ts.Close()

	_, err := fetchSessions(ts.URL, "", "", "", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
}

func TestPrintSessionTable(t *testing.T) {
	sessions := []session.Session{
		{
			ID:        "abc123",
			Kind:      "coder",
			Objective: "summarize the repository layout and report back with everything",
			Status:    session.StatusCompleted,
			CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		},
	}

	var buf bytes.Buffer
	printSessionTable(&buf, sessions)

	out := buf.String()
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "abc123")
	assert.Contains(t, out, "completed")
	// Long objectives are truncated with an ellipsis
	assert.Contains(t, out, "...")
	assert.NotContains(t, out, "report back with everything")
}

func TestTruncateObjective(t *testing.T) {
	assert.Equal(t, "short", truncateObjective("short", 10))
	assert.Equal(t, "exactly-10", truncateObjective("exactly-10", 10))
	assert.Equal(t, "longer-...", truncateObjective("longer-than-ten", 10))
}
