package daemon

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/brainless/nocodo-agent/internal/observability"
	"github.com/brainless/nocodo-agent/pkg/session"
)

// Maintenance schedules. The sweep covers sqlite WAL checkpointing and
// expired ask_user questions; the gauge refresh keeps the active
// session count honest between status-change events.
const (
	sweepSchedule = "@every 5m"
	gaugeSchedule = "@every 30s"
)

// Maintenance runs the daemon's periodic housekeeping on a cron
// schedule.
type Maintenance struct {
	daemon      *Daemon
	cron        *cron.Cron
	questionAge time.Duration

	running bool
	mu      sync.Mutex
}

// NewMaintenance creates the maintenance service with its jobs
// registered but not started.
func NewMaintenance(d *Daemon) (*Maintenance, error) {
	m := &Maintenance{
		daemon:      d,
		cron:        cron.New(),
		questionAge: time.Duration(d.config.Runtime.AskUserTimeoutSecs) * time.Second,
	}

	if _, err := m.cron.AddFunc(sweepSchedule, m.sweep); err != nil {
		return nil, fmt.Errorf("failed to schedule maintenance sweep: %w", err)
	}
	if _, err := m.cron.AddFunc(gaugeSchedule, m.refreshGauges); err != nil {
		return nil, fmt.Errorf("failed to schedule gauge refresh: %w", err)
	}

	return m, nil
}

// Start starts the scheduled jobs
func (m *Maintenance) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("maintenance service is already running")
	}
	m.running = true
	m.cron.Start()

	return nil
}

// Stop stops the scheduler and waits for an in-flight job to finish
func (m *Maintenance) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false

	ctx := m.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for maintenance jobs to finish")
	}

	return nil
}

// IsRunning reports whether the scheduler is started
func (m *Maintenance) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// sweep checkpoints the store and expires questions nothing answered
func (m *Maintenance) sweep() {
	logger := m.daemon.logger.GetZerolog()

	if err := m.daemon.store.Maintain(m.daemon.ctx); err != nil {
		logger.Warn().Err(err).Msg("Store maintenance failed")
	}

	if m.daemon.questions != nil {
		if expired := m.daemon.questions.SweepExpired(m.questionAge); expired > 0 {
			logger.Info().Int("questions", expired).Msg("Expired unanswered questions")
		}
	}
}

// refreshGauges recounts running sessions from the store
func (m *Maintenance) refreshGauges() {
	sessions, err := m.daemon.store.ListSessions(m.daemon.ctx, session.Filter{Status: session.StatusRunning})
	if err != nil {
		logger := m.daemon.logger.GetZerolog()
		logger.Warn().Err(err).Msg("Failed to count running sessions")
		return
	}

	observability.SetActiveSessions(len(sessions))
}
