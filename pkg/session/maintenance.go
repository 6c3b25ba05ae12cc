package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"

	"github.com/brainless/nocodo-agent/internal/tracing"
)

// Maintain compacts the write-ahead log. The daemon invokes it on a
// schedule; it is safe to run while sessions are active.
func (s *Store) Maintain(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "nocodo.session", "session.maintain")
	defer span.End()

	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("wal checkpoint: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().Msg("Session store maintenance complete")
	return nil
}

// RecoverInterrupted fails every session a previous process left in
// created or running. The daemon calls it once at startup, before any
// new run is accepted, so restarts never leave sessions stuck
// non-terminal. Returns the number of sessions recovered.
func (s *Store) RecoverInterrupted(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET status = ?, error = ?, updated_at = ? WHERE status IN (?, ?)",
		string(StatusFailed), "interrupted by daemon restart", time.Now().UnixMilli(),
		string(StatusCreated), string(StatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("recover interrupted sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover interrupted sessions: %w", err)
	}

	if n > 0 {
		log.Warn().Int64("sessions", n).Msg("Recovered sessions interrupted by restart")
	}
	s.updateActiveSessionsMetric(ctx)
	return int(n), nil
}
