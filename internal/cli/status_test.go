package cli

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainless/nocodo-agent/internal/config"
)

func TestStatusCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"status", "--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		assert.Contains(t, output.String(), "health")
	})
}

func TestProbeHealth_Running(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer ts.Close()

	assert.NoError(t, probeHealth(ts.URL))
}

func TestProbeHealth_Stopped(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	ts.Close() // connection refused

	assert.Error(t, probeHealth(ts.URL))
}

func TestProbeHealth_Degraded(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"draining"}`))
	}))
	defer ts.Close()

	err := probeHealth(ts.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "draining")
}

func TestDaemonBaseURL(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Gateway.Port = 9999

	assert.Equal(t, "http://127.0.0.1:9999", daemonBaseURL(cfg))
}
