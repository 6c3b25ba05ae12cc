package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/brainless/nocodo-agent/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Probe the daemon's health endpoint and report whether it is running.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	baseURL := daemonBaseURL(cfg)
	if err := probeHealth(baseURL); err != nil {
		fmt.Println("Status: stopped")
		return nil
	}

	fmt.Println("Status: running")
	fmt.Printf("Endpoint: %s\n", baseURL)
	return nil
}

// daemonBaseURL derives the local API endpoint from the configured
// gateway port.
func daemonBaseURL(cfg *config.Config) string {
	return fmt.Sprintf("http://127.0.0.1:%d", cfg.Gateway.Port)
}

// probeHealth checks the daemon's /healthz endpoint.
func probeHealth(baseURL string) error {
	client := &http.Client{Timeout: 3 * time.Second}

	resp, err := client.Get(baseURL + "/healthz")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("malformed health response: %w", err)
	}
	if body.Status != "ok" {
		return fmt.Errorf("daemon reports status %q", body.Status)
	}

	return nil
}
