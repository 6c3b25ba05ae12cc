// Package session persists agent sessions, their messages, tool calls
// and streamed output chunks in SQLite.
//
// Invariants:
// - Status moves created → running → completed/failed/cancelled and
//   never backwards; illegal transitions fail with ErrInvalidState.
// - A terminal session accepts no further messages or tool calls.
// - Message and output-chunk sequence numbers are gapless and strictly
//   increasing per session, regardless of writer interleaving.
// - A completed tool call carries exactly one outcome: a response when
//   it succeeded, an error when it failed.
// - Failure never discards history; every persisted row stays readable
//   after the session terminates.
//
// Usage:
//
//	store, _ := session.Open(session.Config{DBPath: "/tmp/nocodo/agent.db"})
//	defer store.Close()
//	sess, _ := store.CreateSession(ctx, "coder", "list project files")
//	_, _ = store.AppendMessage(ctx, sess.ID, "user", "show me the tree")
package session
