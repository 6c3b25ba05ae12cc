package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main nocodo-agent configuration
type Config struct {
	// Data directory for the store, logs, and audit trail
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Workspace the agent operates on
	Workspace WorkspaceConfig `json:"workspace" mapstructure:"workspace"`

	// Shell command policy
	Shell ShellConfig `json:"shell" mapstructure:"shell"`

	// Providers in failover priority order
	Providers []ProviderConfig `json:"providers" mapstructure:"providers"`

	// Runtime loop limits
	Runtime RuntimeConfig `json:"runtime" mapstructure:"runtime"`

	// Store configuration
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Gateway server configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// WorkspaceConfig holds the sandbox the agent reads and writes
type WorkspaceConfig struct {
	Path           string `json:"path" mapstructure:"path"`
	MaxFileSize    int64  `json:"max_file_size" mapstructure:"max_file_size"`         // bytes
	MaxOutputBytes int    `json:"max_output_bytes" mapstructure:"max_output_bytes"`   // per captured stream
}

// ShellConfig holds the bash tool policy
type ShellConfig struct {
	Rules       []ShellRule `json:"rules" mapstructure:"rules"`
	TimeoutSecs int         `json:"timeout_secs" mapstructure:"timeout_secs"`
	AllowedDirs []string    `json:"allowed_dirs" mapstructure:"allowed_dirs"`
}

// ShellRule is one ordered allow/deny pattern. Patterns use shell-style
// wildcards and are checked first match wins.
type ShellRule struct {
	Pattern     string `json:"pattern" mapstructure:"pattern"`
	Action      string `json:"action" mapstructure:"action"` // allow, deny
	Description string `json:"description,omitempty" mapstructure:"description"`
}

// ProviderConfig represents one LLM provider credential
type ProviderConfig struct {
	Name      string `json:"name" mapstructure:"name"`
	Provider  string `json:"provider" mapstructure:"provider"` // anthropic, openai
	Model     string `json:"model" mapstructure:"model"`
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	BaseURL   string `json:"base_url,omitempty" mapstructure:"base_url"`
	MaxTokens int    `json:"max_tokens,omitempty" mapstructure:"max_tokens"`
}

// RuntimeConfig bounds agent runs
type RuntimeConfig struct {
	MaxIterations              int                 `json:"max_iterations" mapstructure:"max_iterations"`
	MaxConsecutiveToolFailures int                 `json:"max_consecutive_tool_failures" mapstructure:"max_consecutive_tool_failures"`
	ToolParallelism            int                 `json:"tool_parallelism" mapstructure:"tool_parallelism"`
	AskUserTimeoutSecs         int                 `json:"ask_user_timeout_secs" mapstructure:"ask_user_timeout_secs"`
	StreamOutput               bool                `json:"stream_output" mapstructure:"stream_output"`
	SystemPrompt               string              `json:"system_prompt,omitempty" mapstructure:"system_prompt"`
	Capabilities               map[string][]string `json:"capabilities,omitempty" mapstructure:"capabilities"`
}

// StoreConfig holds session store configuration
type StoreConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port              int    `json:"port" mapstructure:"port"`
	SharedSecret      string `json:"shared_secret" mapstructure:"shared_secret"`
	PingIntervalSecs  int    `json:"ping_interval_secs" mapstructure:"ping_interval_secs"`
	MessagesPerMinute int    `json:"messages_per_minute" mapstructure:"messages_per_minute"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			MaxFileSize:    10 * 1024 * 1024,
			MaxOutputBytes: 256 * 1024,
		},
		Shell: ShellConfig{
			TimeoutSecs: 30,
		},
		Providers: []ProviderConfig{},
		Runtime: RuntimeConfig{
			MaxIterations:              20,
			MaxConsecutiveToolFailures: 3,
			ToolParallelism:            20,
			AskUserTimeoutSecs:         300,
			StreamOutput:               true,
		},
		Gateway: GatewayConfig{
			Port:              8700,
			PingIntervalSecs:  30,
			MessagesPerMinute: 120,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Workspace.Path == "" {
		return fmt.Errorf("workspace path is required")
	}

	// Require at least one provider credential
	if len(c.Providers) == 0 {
		return fmt.Errorf("no providers configured: at least one provider is required")
	}

	seen := map[string]bool{}
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("provider %s: duplicate name", p.Name)
		}
		seen[p.Name] = true

		if p.Provider == "" {
			return fmt.Errorf("provider %s: provider is required", p.Name)
		}
		if p.Provider != "anthropic" && p.Provider != "openai" {
			return fmt.Errorf("provider %s: invalid provider %s (must be: anthropic, openai)", p.Name, p.Provider)
		}
		if p.APIKey == "" {
			return fmt.Errorf("provider %s: api_key is required", p.Name)
		}
		if p.Model == "" {
			return fmt.Errorf("provider %s: model is required", p.Name)
		}
	}

	// Validate shell rules
	for i, rule := range c.Shell.Rules {
		if rule.Pattern == "" {
			return fmt.Errorf("shell rule %d: pattern is required", i)
		}
		if rule.Action != "allow" && rule.Action != "deny" {
			return fmt.Errorf("shell rule %d: invalid action %s (must be: allow, deny)", i, rule.Action)
		}
	}

	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}

	return nil
}
