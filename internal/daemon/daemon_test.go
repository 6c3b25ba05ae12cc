package daemon

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainless/nocodo-agent/internal/config"
	"github.com/brainless/nocodo-agent/internal/logger"
	"github.com/brainless/nocodo-agent/pkg/sandbox"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Workspace.Path = filepath.Join(dir, "workspace")
	cfg.Store.Path = filepath.Join(dir, "data", "agent.db")
	cfg.Logging.File = ""
	cfg.Logging.Console = false
	cfg.Gateway.Port = 18700
	cfg.Providers = []config.ProviderConfig{
		{Name: "primary", Provider: "anthropic", Model: "claude-sonnet-4-20250514", APIKey: "test-key"},
	}

	require.NoError(t, cfg.Validate())
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	return log
}

func TestDaemon_New(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)
	defer d.store.Close()

	assert.NotNil(t, d.GetStore())
	assert.NotNil(t, d.GetRunner())
	assert.NotNil(t, d.GetQueue())
	assert.NotNil(t, d.GetGatewayServer())

	status := d.Status()
	assert.False(t, status.Running)
}

func TestDaemon_New_UnknownProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers[0].Provider = "mistral"

	_, err := New(cfg, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestDaemon_StartStop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.Port = 18701

	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)

	require.NoError(t, d.Start())
	assert.True(t, d.Status().Running)

	// Double start is rejected
	err = d.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)

	// Double stop is rejected
	err = d.Stop()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestBuildShellPolicy_Default(t *testing.T) {
	cfg := testConfig(t)

	policy, err := buildShellPolicy(cfg)
	require.NoError(t, err)

	// Default policy allows common read-only commands
	assert.NoError(t, policy.CheckCommand("ls -la"))
}

func TestBuildShellPolicy_ConfiguredRules(t *testing.T) {
	cfg := testConfig(t)
	cfg.Shell.Rules = []config.ShellRule{
		{Pattern: "go test*", Action: "allow", Description: "test runs"},
		{Pattern: "*", Action: "deny", Description: "everything else"},
	}

	policy, err := buildShellPolicy(cfg)
	require.NoError(t, err)

	assert.NoError(t, policy.CheckCommand("go test ./..."))

	err = policy.CheckCommand("rm -rf /")
	require.Error(t, err)
	assert.ErrorIs(t, err, sandbox.ErrCommandDenied)
}

func TestBuildShellPolicy_InvalidAction(t *testing.T) {
	cfg := testConfig(t)
	cfg.Shell.Rules = []config.ShellRule{
		{Pattern: "ls*", Action: "maybe"},
	}

	_, err := buildShellPolicy(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shell rule 0")
}

func TestStaticChanges(t *testing.T) {
	current := testConfig(t)

	next := *current
	next.Gateway.Port = 9999
	next.Logging.Level = "debug" // dynamic, must not be reported

	changed := staticChanges(current, &next)
	assert.Contains(t, changed, "gateway")
	assert.NotContains(t, changed, "logging")
	assert.Len(t, changed, 1)
}

func TestStaticChanges_None(t *testing.T) {
	cfg := testConfig(t)
	assert.Empty(t, staticChanges(cfg, cfg))
}
