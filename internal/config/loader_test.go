package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderLoad(t *testing.T) {
	t.Run("missing file returns defaults with paths filled", func(t *testing.T) {
		tmpDir := t.TempDir()
		loader := NewLoader(filepath.Join(tmpDir, "config.json"))

		cfg, err := loader.Load()
		require.NoError(t, err)

		assert.Equal(t, 8700, cfg.Gateway.Port)
		assert.NotEmpty(t, cfg.DataDir)
		assert.Equal(t, filepath.Join(cfg.DataDir, "agent.db"), cfg.Store.Path)
		assert.Equal(t, filepath.Join(cfg.DataDir, "agent.log"), cfg.Logging.File)
		assert.NotEmpty(t, cfg.Workspace.Path)
	})

	t.Run("file values override defaults", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		content := `{
			"data_dir": "` + tmpDir + `",
			"workspace": {"path": "` + tmpDir + `"},
			"providers": [
				{"name": "primary", "provider": "anthropic", "model": "claude-3-5-sonnet-20241022", "api_key": "sk-ant-test"}
			],
			"gateway": {"port": 9100, "shared_secret": "hunter2secret"}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

		cfg, err := Load(configPath)
		require.NoError(t, err)

		assert.Equal(t, 9100, cfg.Gateway.Port)
		assert.Equal(t, "hunter2secret", cfg.Gateway.SharedSecret)
		require.Len(t, cfg.Providers, 1)
		assert.Equal(t, "anthropic", cfg.Providers[0].Provider)

		// Absent keys keep their defaults.
		assert.Equal(t, 20, cfg.Runtime.MaxIterations)
		assert.Equal(t, 30, cfg.Shell.TimeoutSecs)

		// Paths derive from the configured data dir.
		assert.Equal(t, filepath.Join(tmpDir, "agent.db"), cfg.Store.Path)
		assert.Equal(t, filepath.Join(tmpDir, "agent.log"), cfg.Logging.File)
	})

	t.Run("malformed file is an error", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte("{not json"), 0644))

		_, err := Load(configPath)
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "config.json")
	loader := NewLoader(configPath)

	cfg := DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Workspace.Path = tmpDir
	cfg.Gateway.Port = 9200
	cfg.Providers = []ProviderConfig{
		{Name: "primary", Provider: "openai", Model: "gpt-4o", APIKey: "sk-test1234567890"},
	}

	require.NoError(t, loader.Save(cfg))

	_, err := os.Stat(configPath)
	require.NoError(t, err)

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 9200, loaded.Gateway.Port)
	require.Len(t, loaded.Providers, 1)
	assert.Equal(t, "openai", loaded.Providers[0].Provider)
	assert.Equal(t, "gpt-4o", loaded.Providers[0].Model)
}

func TestGetConfigPath(t *testing.T) {
	t.Run("explicit path wins", func(t *testing.T) {
		loader := NewLoader("/etc/nocodo/config.json")
		assert.Equal(t, "/etc/nocodo/config.json", loader.GetConfigPath())
	})

	t.Run("default path is under the home config dir", func(t *testing.T) {
		loader := NewLoader("")
		path := loader.GetConfigPath()
		assert.Contains(t, path, DefaultConfigDir)
		assert.Equal(t, "config.json", filepath.Base(path))
	})
}
