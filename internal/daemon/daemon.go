package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"sync"
	"syscall"
	"time"

	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/rs/zerolog"

	"github.com/brainless/nocodo-agent/internal/config"
	"github.com/brainless/nocodo-agent/internal/logger"
	"github.com/brainless/nocodo-agent/internal/observability"
	"github.com/brainless/nocodo-agent/internal/tracing"
	"github.com/brainless/nocodo-agent/pkg/agent"
	"github.com/brainless/nocodo-agent/pkg/commandqueue"
	"github.com/brainless/nocodo-agent/pkg/gateway"
	"github.com/brainless/nocodo-agent/pkg/llm"
	"github.com/brainless/nocodo-agent/pkg/sandbox"
	"github.com/brainless/nocodo-agent/pkg/session"
	"github.com/brainless/nocodo-agent/pkg/toolexecutor"
)

// Daemon wires the agent runtime together: store, sandbox, tools, LLM
// client, runner, and the gateway that exposes them.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	queue     *commandqueue.CommandQueue
	store     *session.Store
	questions *toolexecutor.QuestionBroker
	shell     *sandbox.Runner
	ocr       *sandbox.Runner
	executor  *toolexecutor.Executor
	llmClient *llm.Client
	runner    *agent.Runner

	// Services
	hub         *gateway.Hub
	gateway     *gateway.Server
	maintenance *Maintenance

	// Internal
	lifecycle     *LifecycleManager
	configWatcher *config.Watcher

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry("nocodo-agent"); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	// Initialize core modules in dependency order
	if err := d.initComponents(); err != nil {
		cancel()
		if d.tracingEnabled {
			_ = tracing.ShutdownOpenTelemetry(context.Background())
			d.tracingEnabled = false
		}
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	maintenance, err := NewMaintenance(d)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create maintenance service: %w", err)
	}
	d.maintenance = maintenance

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initComponents initializes all core modules
func (d *Daemon) initComponents() error {
	d.queue = commandqueue.New()
	d.logger.Info().Msg("Command queue initialized")

	if err := os.MkdirAll(d.config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(d.config.Workspace.Path, 0755); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}

	// Initialize audit logger
	auditPath := filepath.Join(d.config.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		d.logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	store, err := session.Open(session.Config{DBPath: d.config.Store.Path})
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	d.store = store
	d.logger.Info().Str("path", d.config.Store.Path).Msg("Session store initialized")

	askTimeout := time.Duration(d.config.Runtime.AskUserTimeoutSecs) * time.Second
	d.questions = toolexecutor.NewQuestionBroker(askTimeout)
	d.logger.Info().Dur("timeout", askTimeout).Msg("Question broker initialized")

	policy, err := buildShellPolicy(d.config)
	if err != nil {
		return fmt.Errorf("failed to build shell policy: %w", err)
	}

	shellTimeout := time.Duration(d.config.Shell.TimeoutSecs) * time.Second
	shell, err := sandbox.NewRunner(sandbox.Options{
		Root:           d.config.Workspace.Path,
		Policy:         policy,
		DefaultTimeout: shellTimeout,
		MaxOutputBytes: d.config.Workspace.MaxOutputBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to create shell runner: %w", err)
	}
	d.shell = shell
	d.logger.Info().Int("rules", len(d.config.Shell.Rules)).Msg("Shell sandbox initialized")

	// OCR runs one binary and nothing else, whatever the shell policy
	// says.
	ocr, err := sandbox.NewRunner(sandbox.Options{
		Root:           d.config.Workspace.Path,
		Policy:         sandbox.OnlyAllow("tesseract"),
		DefaultTimeout: shellTimeout,
		MaxOutputBytes: d.config.Workspace.MaxOutputBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to create ocr runner: %w", err)
	}
	d.ocr = ocr

	executor, err := toolexecutor.New(toolexecutor.Options{
		Root:        d.config.Workspace.Path,
		Shell:       d.shell,
		OCR:         d.ocr,
		Questions:   d.questions,
		MaxFileSize: d.config.Workspace.MaxFileSize,
		MaxParallel: d.config.Runtime.ToolParallelism,
	})
	if err != nil {
		return fmt.Errorf("failed to create tool executor: %w", err)
	}
	d.executor = executor
	d.logger.Info().Str("root", d.config.Workspace.Path).Msg("Tool executor initialized")

	llmClient, err := buildLLMClient(d.config)
	if err != nil {
		return fmt.Errorf("failed to create llm client: %w", err)
	}
	d.llmClient = llmClient
	d.logger.Info().Strs("providers", llmClient.Providers()).Msg("LLM client initialized")

	d.hub = gateway.NewHub(d.logger.GetZerolog())

	runner, err := agent.NewRunner(agent.Config{
		Store:       d.store,
		Executor:    d.executor,
		LLM:         d.llmClient,
		Queue:       d.queue,
		Broadcaster: d.hub,
		Questions:   d.questions,
		Logger:      d.logger.GetZerolog(),
		Limits: agent.Limits{
			MaxIterations:              d.config.Runtime.MaxIterations,
			MaxConsecutiveToolFailures: d.config.Runtime.MaxConsecutiveToolFailures,
			StreamOutput:               d.config.Runtime.StreamOutput,
		},
		SystemPrompt: d.config.Runtime.SystemPrompt,
		Capabilities: d.config.Runtime.Capabilities,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent runner: %w", err)
	}
	d.runner = runner
	d.logger.Info().Msg("Agent runner initialized")

	gatewayServer, err := gateway.NewServer(gateway.Config{
		Port:              d.config.Gateway.Port,
		SharedSecret:      d.config.Gateway.SharedSecret,
		Store:             d.store,
		Runner:            d.runner,
		Queue:             d.queue,
		Hub:               d.hub,
		Logger:            d.logger.GetZerolog(),
		PingInterval:      time.Duration(d.config.Gateway.PingIntervalSecs) * time.Second,
		MessagesPerMinute: d.config.Gateway.MessagesPerMinute,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gateway = gatewayServer
	d.logger.Info().Int("port", d.config.Gateway.Port).Msg("Gateway server initialized")

	return nil
}

// buildShellPolicy compiles the configured shell rules. No rules means
// the builtin default policy.
func buildShellPolicy(cfg *config.Config) (*sandbox.Policy, error) {
	var policy *sandbox.Policy

	if len(cfg.Shell.Rules) == 0 {
		policy = sandbox.DefaultPolicy()
	} else {
		rules := make([]sandbox.Rule, 0, len(cfg.Shell.Rules))
		for i, rc := range cfg.Shell.Rules {
			rule, err := sandbox.NewRule(rc.Pattern, sandbox.Action(rc.Action), rc.Description)
			if err != nil {
				return nil, fmt.Errorf("shell rule %d: %w", i, err)
			}
			rules = append(rules, rule)
		}
		policy = sandbox.NewPolicy(rules)
	}

	if len(cfg.Shell.AllowedDirs) > 0 {
		policy = policy.WithAllowedWorkingDirs(cfg.Shell.AllowedDirs)
	}

	return policy, nil
}

// buildLLMClient builds the failover client from the configured
// provider credentials, preserving their priority order.
func buildLLMClient(cfg *config.Config) (*llm.Client, error) {
	providers := make([]llm.ProviderConfig, 0, len(cfg.Providers))

	for _, pc := range cfg.Providers {
		var provider llm.Provider
		switch pc.Provider {
		case "anthropic":
			var opts []anthropicopt.RequestOption
			if pc.BaseURL != "" {
				opts = append(opts, anthropicopt.WithBaseURL(pc.BaseURL))
			}
			provider = llm.NewAnthropicProvider(pc.APIKey, opts...)
		case "openai":
			var opts []openaiopt.RequestOption
			if pc.BaseURL != "" {
				opts = append(opts, openaiopt.WithBaseURL(pc.BaseURL))
			}
			provider = llm.NewOpenAIProvider(pc.APIKey, opts...)
		default:
			return nil, fmt.Errorf("unknown provider type: %s", pc.Provider)
		}

		providers = append(providers, llm.ProviderConfig{
			Provider:  provider,
			Model:     pc.Model,
			MaxTokens: pc.MaxTokens,
		})
	}

	return llm.NewClient(llm.Options{Providers: providers})
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting nocodo-agent daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	// Sessions left created or running by a previous process will never
	// make progress; fail them before clients can poll stale state.
	recovered, err := d.store.RecoverInterrupted(d.ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to recover interrupted sessions")
	} else if recovered > 0 {
		logger.Info().Int("sessions", recovered).Msg("Recovered interrupted sessions")
	}

	if err := d.gateway.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Msg("Gateway server started")

	if err := d.maintenance.Start(); err != nil {
		return fmt.Errorf("failed to start maintenance service: %w", err)
	}
	logger.Info().Msg("Maintenance service started")

	logger.Info().Msg("Daemon started successfully - all core modules active")

	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping nocodo-agent daemon")

	// Stop config watcher
	if d.configWatcher != nil {
		if err := d.configWatcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	// Stop gateway server
	if d.gateway != nil {
		if err := d.gateway.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
		}
	}

	// Stop maintenance service
	if d.maintenance != nil {
		if err := d.maintenance.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop maintenance service")
		}
	}

	// Stop command queue
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close command queue")
		}
	}

	// Cancel context
	d.cancel()

	// Stop lifecycle manager
	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	// Close session store
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close session store")
		}
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	// Close audit logger
	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")

	return nil
}

// WatchConfig hot-reloads the dynamic config subset whenever the file
// behind loader changes on disk.
func (d *Daemon) WatchConfig(loader *config.Loader) error {
	watcher, err := config.NewWatcher(loader, d.applyConfig)
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	d.configWatcher = watcher

	return nil
}

// applyConfig applies the dynamic subset of a reloaded config: log
// level and shell policy. Everything else is wired at construction and
// only applies on restart.
func (d *Daemon) applyConfig(next *config.Config) {
	logger := d.logger.GetZerolog()

	if level, err := zerolog.ParseLevel(next.Logging.Level); err == nil && level != zerolog.GlobalLevel() {
		zerolog.SetGlobalLevel(level)
		logger.Info().Str("level", next.Logging.Level).Msg("Log level updated")
	}

	policy, err := buildShellPolicy(next)
	if err != nil {
		logger.Warn().Err(err).Msg("Reloaded shell policy is invalid, keeping current policy")
	} else {
		d.shell.SetPolicy(policy)
		logger.Info().Int("rules", len(next.Shell.Rules)).Msg("Shell policy updated")
	}

	d.mu.Lock()
	for _, field := range staticChanges(d.config, next) {
		logger.Warn().Str("field", field).Msg("Config change requires restart, ignoring")
	}
	// d.config tracks what is in effect: dynamic fields follow the
	// file, static fields keep their boot values.
	d.config.Logging.Level = next.Logging.Level
	d.config.Shell = next.Shell
	d.mu.Unlock()

	observability.RecordConfigAudit(d.ctx, "config_reloaded", "daemon", map[string]interface{}{
		"log_level":   next.Logging.Level,
		"shell_rules": len(next.Shell.Rules),
	})
}

// staticChanges lists changed config fields that only apply at startup.
func staticChanges(current, next *config.Config) []string {
	var changed []string

	if current.DataDir != next.DataDir {
		changed = append(changed, "data_dir")
	}
	if current.Workspace != next.Workspace {
		changed = append(changed, "workspace")
	}
	if current.Store.Path != next.Store.Path {
		changed = append(changed, "store.path")
	}
	if current.Gateway != next.Gateway {
		changed = append(changed, "gateway")
	}
	if !reflect.DeepEqual(current.Providers, next.Providers) {
		changed = append(changed, "providers")
	}
	if !reflect.DeepEqual(current.Runtime, next.Runtime) {
		changed = append(changed, "runtime")
	}

	return changed
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait waits for the daemon to stop
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetStore returns the session store
func (d *Daemon) GetStore() *session.Store {
	return d.store
}

// GetRunner returns the agent runner
func (d *Daemon) GetRunner() *agent.Runner {
	return d.runner
}

// GetQueue returns the command queue
func (d *Daemon) GetQueue() *commandqueue.CommandQueue {
	return d.queue
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gateway
}
