package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainless/nocodo-agent/internal/config"
)

func TestStartCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"start", "--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		assert.Contains(t, output.String(), "foreground")
	})
}

func TestLoggerConfig_RedactsSecrets(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers = []config.ProviderConfig{
		{Name: "primary", Provider: "anthropic", Model: "m", APIKey: "sk-ant-12345"},
		{Name: "backup", Provider: "openai", Model: "m", APIKey: "sk-oai-67890"},
	}
	cfg.Gateway.SharedSecret = "gateway-secret"

	lc := loggerConfig(cfg)

	assert.Contains(t, lc.Secrets, "sk-ant-12345")
	assert.Contains(t, lc.Secrets, "sk-oai-67890")
	assert.Contains(t, lc.Secrets, "gateway-secret")
	assert.Equal(t, cfg.Logging.Level, lc.Level)
	assert.True(t, lc.Redaction)
}

func TestLoggerConfig_NoSecrets(t *testing.T) {
	cfg := config.DefaultConfig()

	lc := loggerConfig(cfg)
	assert.Empty(t, lc.Secrets)
}
