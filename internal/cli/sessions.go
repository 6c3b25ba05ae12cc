package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/brainless/nocodo-agent/internal/config"
	"github.com/brainless/nocodo-agent/pkg/gateway"
	"github.com/brainless/nocodo-agent/pkg/session"
)

var (
	sessionsStatus string
	sessionsKind   string
	sessionsLimit  int
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List agent sessions",
	Long:  `List agent sessions recorded by the running daemon, newest first.`,
	RunE:  runSessions,
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsStatus, "status", "", "filter by status (created, running, completed, failed, cancelled)")
	sessionsCmd.Flags().StringVar(&sessionsKind, "kind", "", "filter by agent kind")
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 0, "maximum number of sessions to list")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	sessions, err := fetchSessions(daemonBaseURL(cfg), cfg.Gateway.SharedSecret, sessionsStatus, sessionsKind, sessionsLimit)
	if err != nil {
		return fmt.Errorf("failed to list sessions (is the daemon running?): %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions")
		return nil
	}

	printSessionTable(os.Stdout, sessions)
	return nil
}

// fetchSessions queries the daemon's session list endpoint.
func fetchSessions(baseURL, secret, status, kind string, limit int) ([]session.Session, error) {
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if kind != "" {
		params.Set("kind", kind)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	endpoint := baseURL + "/api/sessions"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if secret != "" {
		req.Header.Set(gateway.SecretHeader, secret)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&errBody) == nil && errBody.Error != "" {
			return nil, fmt.Errorf("daemon returned %s: %s", resp.Status, errBody.Error)
		}
		return nil, fmt.Errorf("daemon returned %s", resp.Status)
	}

	var body struct {
		Sessions []session.Session `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("malformed session list: %w", err)
	}

	return body.Sessions, nil
}

// printSessionTable renders sessions as an aligned table.
func printSessionTable(out io.Writer, sessions []session.Session) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tCREATED\tOBJECTIVE")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.ID,
			s.Kind,
			s.Status,
			s.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			truncateObjective(s.Objective, 48),
		)
	}
	w.Flush()
}

func truncateObjective(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
