package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/brainless/nocodo-agent/internal/observability"
	"github.com/brainless/nocodo-agent/internal/tracing"
)

// DefaultListLimit bounds ListSessions when the filter carries no limit.
const DefaultListLimit = 50

// Config holds session store configuration.
type Config struct {
	// DBPath is the SQLite database file. Required.
	DBPath string
}

// Store persists sessions in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the session database at cfg.DBPath.
func Open(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	// _txlock=immediate: write transactions take the write lock at BEGIN,
	// so read-then-insert sequence allocation never deadlocks under
	// concurrent writers.
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", cfg.DBPath).Msg("Session store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			objective TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
		CREATE INDEX IF NOT EXISTS idx_sessions_kind ON sessions(kind);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			seq INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(session_id, seq),
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);

		CREATE TABLE IF NOT EXISTS tool_calls (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			request TEXT NOT NULL,
			response TEXT,
			status TEXT NOT NULL,
			error TEXT,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE,
			FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id);

		CREATE TABLE IF NOT EXISTS output_chunks (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			stream TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (session_id, seq),
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session in status created.
func (s *Store) CreateSession(ctx context.Context, kind, objective string) (*Session, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"nocodo.session",
		"session.create",
		attribute.String("kind", kind),
	)
	defer span.End()

	start := time.Now()
	defer func() { observability.RecordSessionSave(time.Since(start)) }()

	if kind == "" {
		return nil, errors.New("session kind is required")
	}
	if objective == "" {
		return nil, errors.New("session objective is required")
	}

	now := time.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		Kind:      kind,
		Objective: objective,
		Status:    StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, kind, objective, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		sess.ID, sess.Kind, sess.Objective, string(sess.Status), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("insert session: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().
		Str("session_id", sess.ID).
		Str("kind", kind).
		Msg("Session created")

	return sess, nil
}

// AppendMessage appends one conversation turn, allocating the next
// sequence number. Appending to a terminal session fails with
// ErrInvalidState and leaves the session untouched.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string) (*Message, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"nocodo.session",
		"session.append_message",
		attribute.String("session_id", sessionID),
		attribute.String("role", role),
	)
	defer span.End()

	start := time.Now()
	defer func() { observability.RecordSessionSave(time.Since(start)) }()

	if role == "" {
		return nil, errors.New("message role is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	status, err := sessionStatusTx(ctx, tx, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if status.Terminal() {
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidState, status)
	}

	var seq int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq) + 1, 0) FROM messages WHERE session_id = ?", sessionID,
	).Scan(&seq); err != nil {
		return nil, fmt.Errorf("allocate message seq: %w", err)
	}

	now := time.Now()
	msg := &Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Seq:       seq,
		CreatedAt: now,
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO messages (id, session_id, role, content, seq, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.Seq, now.UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET updated_at = ? WHERE id = ?", now.UnixMilli(), sessionID,
	); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}

	return msg, nil
}

// RecordToolCall inserts a pending tool call tied to the assistant
// message that proposed it.
func (s *Store) RecordToolCall(ctx context.Context, sessionID, messageID, toolName string, request json.RawMessage) (*ToolCall, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"nocodo.session",
		"session.record_tool_call",
		attribute.String("session_id", sessionID),
		attribute.String("tool", toolName),
	)
	defer span.End()

	if toolName == "" {
		return nil, errors.New("tool name is required")
	}
	if len(request) == 0 {
		request = json.RawMessage("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	status, err := sessionStatusTx(ctx, tx, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if status.Terminal() {
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidState, status)
	}

	now := time.Now()
	call := &ToolCall{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		MessageID: messageID,
		ToolName:  toolName,
		Request:   request,
		Status:    ToolCallPending,
		StartedAt: now,
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO tool_calls (id, session_id, message_id, tool_name, request, status, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		call.ID, call.SessionID, call.MessageID, call.ToolName, string(call.Request), string(call.Status), now.UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("insert tool call: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tool call: %w", err)
	}

	return call, nil
}

// CompleteToolCall resolves a pending call: callErr empty marks it
// succeeded with the response, otherwise failed with the error. A call
// that already completed fails with ErrInvalidState.
func (s *Store) CompleteToolCall(ctx context.Context, id string, response json.RawMessage, callErr string) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"nocodo.session",
		"session.complete_tool_call",
		attribute.String("tool_call_id", id),
	)
	defer span.End()

	now := time.Now().UnixMilli()

	var res sql.Result
	var err error
	if callErr != "" {
		res, err = s.db.ExecContext(ctx,
			"UPDATE tool_calls SET status = ?, error = ?, completed_at = ? WHERE id = ? AND status = ?",
			string(ToolCallFailed), callErr, now, id, string(ToolCallPending))
	} else {
		res, err = s.db.ExecContext(ctx,
			"UPDATE tool_calls SET status = ?, response = ?, completed_at = ? WHERE id = ? AND status = ?",
			string(ToolCallSucceeded), string(response), now, id, string(ToolCallPending))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("complete tool call: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete tool call: %w", err)
	}
	if n == 0 {
		var current string
		err := s.db.QueryRowContext(ctx, "SELECT status FROM tool_calls WHERE id = ?", id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: tool call %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("read tool call status: %w", err)
		}
		return fmt.Errorf("%w: tool call already %s", ErrInvalidState, current)
	}
	return nil
}

// AppendOutputChunk stores one streaming fragment, allocating the next
// gapless sequence number inside the insert transaction.
func (s *Store) AppendOutputChunk(ctx context.Context, sessionID, stream, content string) (int, error) {
	if stream != StreamStdout && stream != StreamStderr {
		return 0, fmt.Errorf("unknown output stream %q", stream)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := sessionStatusTx(ctx, tx, sessionID); err != nil {
		return 0, err
	}

	var seq int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq) + 1, 0) FROM output_chunks WHERE session_id = ?", sessionID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("allocate chunk seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO output_chunks (session_id, seq, stream, content, created_at) VALUES (?, ?, ?, ?, ?)",
		sessionID, seq, stream, content, time.Now().UnixMilli(),
	); err != nil {
		return 0, fmt.Errorf("insert output chunk: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit output chunk: %w", err)
	}
	return seq, nil
}

// SetStatus moves a session to the given status, enforcing the
// lifecycle state machine. Illegal transitions fail with
// ErrInvalidState; unknown sessions with ErrNotFound.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	return s.transition(ctx, id, status, nil, nil)
}

// CompleteSession moves a running session to completed, committing the
// result in the same statement so observers never see completed
// without one.
func (s *Store) CompleteSession(ctx context.Context, id, result string) error {
	return s.transition(ctx, id, StatusCompleted, &result, nil)
}

// FailSession moves a session to failed with the given reason.
func (s *Store) FailSession(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id, StatusFailed, nil, &reason)
}

// CancelSession moves a running session to cancelled.
func (s *Store) CancelSession(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusCancelled, nil, nil)
}

func (s *Store) transition(ctx context.Context, id string, to Status, result, errMsg *string) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"nocodo.session",
		"session.set_status",
		attribute.String("session_id", id),
		attribute.String("status", string(to)),
	)
	defer span.End()

	from, ok := allowedFrom[to]
	if !ok {
		return fmt.Errorf("%w: %q is not a reachable status", ErrInvalidState, to)
	}

	query := "UPDATE sessions SET status = ?, updated_at = ?"
	args := []interface{}{string(to), time.Now().UnixMilli()}
	if result != nil {
		query += ", result = ?"
		args = append(args, *result)
	}
	if errMsg != nil {
		query += ", error = ?"
		args = append(args, *errMsg)
	}

	placeholders := make([]string, len(from))
	args = append(args, id)
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	query += " WHERE id = ? AND status IN (" + strings.Join(placeholders, ", ") + ")"

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("update session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if n == 0 {
		var current string
		err := s.db.QueryRowContext(ctx, "SELECT status FROM sessions WHERE id = ?", id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read session status: %w", err)
		}
		return fmt.Errorf("%w: cannot move %s session to %s", ErrInvalidState, current, to)
	}

	s.updateActiveSessionsMetric(ctx)
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().
		Str("session_id", id).
		Str("status", string(to)).
		Msg("Session status changed")
	return nil
}

// GetSession loads one session and its full message history.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, []Message, error) {
	start := time.Now()
	defer func() { observability.RecordSessionLoad(time.Since(start)) }()

	sess, err := s.getSessionRow(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, session_id, role, content, seq, created_at FROM messages WHERE session_id = ? ORDER BY seq",
		id,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Seq, &createdAt); err != nil {
			return nil, nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdAt)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("read messages: %w", err)
	}

	return sess, msgs, nil
}

// ListSessions returns session summaries matching the filter, newest
// first.
func (s *Store) ListSessions(ctx context.Context, f Filter) ([]Session, error) {
	query := "SELECT id, kind, objective, status, result, error, created_at, updated_at FROM sessions"
	args := []interface{}{}

	where := []string{}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read sessions: %w", err)
	}
	return sessions, nil
}

// GetOutputs returns chunks with seq strictly greater than sinceSeq in
// sequence order. Pass -1 for the full stream.
func (s *Store) GetOutputs(ctx context.Context, sessionID string, sinceSeq int) ([]OutputChunk, error) {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT session_id, seq, stream, content, created_at FROM output_chunks WHERE session_id = ? AND seq > ? ORDER BY seq",
		sessionID, sinceSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("query output chunks: %w", err)
	}
	defer rows.Close()

	chunks := []OutputChunk{}
	for rows.Next() {
		var c OutputChunk
		var createdAt int64
		if err := rows.Scan(&c.SessionID, &c.Seq, &c.Stream, &c.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan output chunk: %w", err)
		}
		c.CreatedAt = time.UnixMilli(createdAt)
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read output chunks: %w", err)
	}
	return chunks, nil
}

// GetToolCalls returns a session's tool calls in dispatch order.
func (s *Store) GetToolCalls(ctx context.Context, sessionID string) ([]ToolCall, error) {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, session_id, message_id, tool_name, request, response, status, error, started_at, completed_at FROM tool_calls WHERE session_id = ? ORDER BY rowid",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer rows.Close()

	calls := []ToolCall{}
	for rows.Next() {
		var c ToolCall
		var request string
		var response, callErr sql.NullString
		var startedAt int64
		var completedAt sql.NullInt64
		if err := rows.Scan(&c.ID, &c.SessionID, &c.MessageID, &c.ToolName, &request, &response, (*string)(&c.Status), &callErr, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		c.Request = json.RawMessage(request)
		if response.Valid {
			c.Response = json.RawMessage(response.String)
		}
		if callErr.Valid {
			c.Error = callErr.String
		}
		c.StartedAt = time.UnixMilli(startedAt)
		if completedAt.Valid {
			t := time.UnixMilli(completedAt.Int64)
			c.CompletedAt = &t
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read tool calls: %w", err)
	}
	return calls, nil
}

func (s *Store) getSessionRow(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, kind, objective, status, result, error, created_at, updated_at FROM sessions WHERE id = ?",
		id,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

func (s *Store) sessionExists(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	return nil
}

func sessionStatusTx(ctx context.Context, tx *sql.Tx, id string) (Status, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM sessions WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read session status: %w", err)
	}
	return Status(status), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var result, errMsg sql.NullString
	var createdAt, updatedAt int64
	if err := row.Scan(&sess.ID, &sess.Kind, &sess.Objective, (*string)(&sess.Status), &result, &errMsg, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if result.Valid {
		sess.Result = result.String
	}
	if errMsg.Valid {
		sess.Error = errMsg.String
	}
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)
	return &sess, nil
}

func (s *Store) updateActiveSessionsMetric(ctx context.Context) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions WHERE status = ?", string(StatusRunning),
	).Scan(&count); err != nil {
		return
	}
	observability.SetActiveSessions(count)
}
