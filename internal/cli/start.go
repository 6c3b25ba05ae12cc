package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/brainless/nocodo-agent/internal/config"
	"github.com/brainless/nocodo-agent/internal/daemon"
	"github.com/brainless/nocodo-agent/internal/logger"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the agent daemon in the foreground",
	Long: `Run the agent daemon in the foreground.
The daemon serves the session API and websocket event stream until it
receives SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(loggerConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	if err := d.WatchConfig(loader); err != nil {
		log.Warn().Err(err).Msg("Config hot reload unavailable")
	}

	fmt.Printf("nocodo-agent daemon listening on port %d\n", cfg.Gateway.Port)

	// Block until SIGINT/SIGTERM, then stop gracefully
	d.Wait()

	return nil
}

// loggerConfig maps the file config onto the logger, registering
// provider keys and the gateway secret for redaction.
func loggerConfig(cfg *config.Config) logger.Config {
	secrets := make([]string, 0, len(cfg.Providers)+1)
	for _, p := range cfg.Providers {
		if p.APIKey != "" {
			secrets = append(secrets, p.APIKey)
		}
	}
	if cfg.Gateway.SharedSecret != "" {
		secrets = append(secrets, cfg.Gateway.SharedSecret)
	}

	return logger.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		Console:    cfg.Logging.Console,
		Pretty:     cfg.Logging.Pretty,
		Redaction:  cfg.Logging.Redaction,
		Secrets:    secrets,
		MaxSizeMB:  cfg.Logging.MaxSize,
		MaxAgeDays: cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
	}
}
