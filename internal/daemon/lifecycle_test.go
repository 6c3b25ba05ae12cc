package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleManager_PIDFile(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)
	defer d.store.Close()

	lm := NewLifecycleManager(d)

	require.NoError(t, lm.Start())
	defer lm.Stop()

	pidFile := filepath.Join(cfg.DataDir, PIDFileName)
	_, err = os.Stat(pidFile)
	require.NoError(t, err, "PID file should exist after Start")

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// Our own process always answers signal 0
	assert.True(t, lm.IsRunning())

	require.NoError(t, lm.Stop())
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err), "PID file should be removed after Stop")
}

func TestLifecycleManager_IsRunning_NoPIDFile(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)
	defer d.store.Close()

	lm := NewLifecycleManager(d)
	assert.False(t, lm.IsRunning())

	_, err = lm.GetPID()
	assert.Error(t, err)
}

func TestLifecycleManager_InvalidPIDFile(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)
	defer d.store.Close()

	lm := NewLifecycleManager(d)

	require.NoError(t, os.MkdirAll(cfg.DataDir, 0755))
	require.NoError(t, os.WriteFile(lm.pidFile, []byte("not-a-pid"), 0644))

	_, err = lm.GetPID()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid PID file")
	assert.False(t, lm.IsRunning())
}
