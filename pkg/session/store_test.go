package session

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(Config{DBPath: filepath.Join(t.TempDir(), "sessions.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedRunningSession(t *testing.T, store *Store) *Session {
	t.Helper()

	ctx := context.Background()
	sess, err := store.CreateSession(ctx, "coder", "write the parser")
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(ctx, sess.ID, StatusRunning))
	return sess
}

func TestOpen_RequiresDBPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "database path")
}

func TestCreateSession_Roundtrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	created, err := store.CreateSession(ctx, "coder", "add pagination to the list endpoint")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, StatusCreated, created.Status)

	got, msgs, err := store.GetSession(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "coder", got.Kind)
	assert.Equal(t, "add pagination to the list endpoint", got.Objective)
	assert.Equal(t, StatusCreated, got.Status)
	assert.Empty(t, got.Result)
	assert.Empty(t, got.Error)
	assert.Empty(t, msgs)
}

func TestCreateSession_Validation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.CreateSession(ctx, "", "objective")
	assert.Error(t, err)

	_, err = store.CreateSession(ctx, "coder", "")
	assert.Error(t, err)
}

func TestGetSession_NotFound(t *testing.T) {
	store := openTestStore(t)

	_, _, err := store.GetSession(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendMessage_SequentialSeqs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := seedRunningSession(t, store)

	for i, role := range []string{"user", "assistant", "tool"} {
		msg, err := store.AppendMessage(ctx, sess.ID, role, fmt.Sprintf("turn %d", i))
		require.NoError(t, err)
		assert.Equal(t, i, msg.Seq)
	}

	_, msgs, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, msg := range msgs {
		assert.Equal(t, i, msg.Seq)
	}
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "turn 2", msgs[2].Content)
}

func TestAppendMessage_TerminalSessionRejected(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := seedRunningSession(t, store)

	_, err := store.AppendMessage(ctx, sess.ID, "user", "first")
	require.NoError(t, err)
	require.NoError(t, store.CompleteSession(ctx, sess.ID, "done"))

	_, err = store.AppendMessage(ctx, sess.ID, "user", "too late")
	assert.ErrorIs(t, err, ErrInvalidState)

	// The rejected write must not have touched the history.
	_, msgs, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestAppendMessage_UnknownSession(t *testing.T) {
	store := openTestStore(t)

	_, err := store.AppendMessage(context.Background(), "missing", "user", "hello")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetStatus_Transitions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		walk    []Status // applied before the attempted transition
		to      Status
		wantErr bool
	}{
		{"created to running", nil, StatusRunning, false},
		{"created to failed", nil, StatusFailed, false},
		{"created to completed", nil, StatusCompleted, true},
		{"created to cancelled", nil, StatusCancelled, true},
		{"running to completed", []Status{StatusRunning}, StatusCompleted, false},
		{"running to failed", []Status{StatusRunning}, StatusFailed, false},
		{"running to cancelled", []Status{StatusRunning}, StatusCancelled, false},
		{"completed to running", []Status{StatusRunning, StatusCompleted}, StatusRunning, true},
		{"completed to failed", []Status{StatusRunning, StatusCompleted}, StatusFailed, true},
		{"cancelled to running", []Status{StatusRunning, StatusCancelled}, StatusRunning, true},
		{"failed to running", []Status{StatusRunning, StatusFailed}, StatusRunning, true},
		{"created is not a target", nil, StatusCreated, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, err := store.CreateSession(ctx, "coder", "transition check")
			require.NoError(t, err)
			for _, st := range tt.walk {
				require.NoError(t, store.SetStatus(ctx, sess.ID, st))
			}

			err = store.SetStatus(ctx, sess.ID, tt.to)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidState)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSetStatus_UnknownSession(t *testing.T) {
	store := openTestStore(t)

	err := store.SetStatus(context.Background(), "missing", StatusRunning)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteSession_SetsResultAtomically(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := seedRunningSession(t, store)

	require.NoError(t, store.CompleteSession(ctx, sess.ID, "refactored 3 files"))

	got, _, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "refactored 3 files", got.Result)
	assert.Empty(t, got.Error)
}

func TestFailSession_KeepsHistory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := seedRunningSession(t, store)

	_, err := store.AppendMessage(ctx, sess.ID, "user", "do the thing")
	require.NoError(t, err)
	_, err = store.AppendOutputChunk(ctx, sess.ID, StreamStderr, "panic: oh no")
	require.NoError(t, err)

	require.NoError(t, store.FailSession(ctx, sess.ID, "provider unreachable"))

	got, msgs, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "provider unreachable", got.Error)
	assert.Len(t, msgs, 1)

	chunks, err := store.GetOutputs(ctx, sess.ID, -1)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, StreamStderr, chunks[0].Stream)
}

func TestCancelSession_OnlyFromRunning(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "coder", "never started")
	require.NoError(t, err)
	assert.ErrorIs(t, store.CancelSession(ctx, sess.ID), ErrInvalidState)

	running := seedRunningSession(t, store)
	require.NoError(t, store.CancelSession(ctx, running.ID))
	assert.ErrorIs(t, store.CancelSession(ctx, running.ID), ErrInvalidState)
}

func TestRecordToolCall_Pending(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := seedRunningSession(t, store)

	msg, err := store.AppendMessage(ctx, sess.ID, "assistant", "")
	require.NoError(t, err)

	call, err := store.RecordToolCall(ctx, sess.ID, msg.ID, "read_file", json.RawMessage(`{"path":"main.go"}`))
	require.NoError(t, err)
	assert.Equal(t, ToolCallPending, call.Status)

	calls, err := store.GetToolCalls(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "read_file", calls[0].ToolName)
	assert.JSONEq(t, `{"path":"main.go"}`, string(calls[0].Request))
	assert.Nil(t, calls[0].CompletedAt)
}

func TestRecordToolCall_TerminalSessionRejected(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := seedRunningSession(t, store)

	msg, err := store.AppendMessage(ctx, sess.ID, "assistant", "")
	require.NoError(t, err)
	require.NoError(t, store.CancelSession(ctx, sess.ID))

	_, err = store.RecordToolCall(ctx, sess.ID, msg.ID, "bash", json.RawMessage(`{"command":"ls"}`))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCompleteToolCall_Success(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := seedRunningSession(t, store)

	msg, err := store.AppendMessage(ctx, sess.ID, "assistant", "")
	require.NoError(t, err)
	call, err := store.RecordToolCall(ctx, sess.ID, msg.ID, "read_file", json.RawMessage(`{"path":"go.mod"}`))
	require.NoError(t, err)

	require.NoError(t, store.CompleteToolCall(ctx, call.ID, json.RawMessage(`{"content":"module example"}`), ""))

	calls, err := store.GetToolCalls(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, ToolCallSucceeded, calls[0].Status)
	assert.JSONEq(t, `{"content":"module example"}`, string(calls[0].Response))
	assert.Empty(t, calls[0].Error)
	require.NotNil(t, calls[0].CompletedAt)
	assert.False(t, calls[0].CompletedAt.Before(calls[0].StartedAt))
}

func TestCompleteToolCall_Failure(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := seedRunningSession(t, store)

	msg, err := store.AppendMessage(ctx, sess.ID, "assistant", "")
	require.NoError(t, err)
	call, err := store.RecordToolCall(ctx, sess.ID, msg.ID, "bash", json.RawMessage(`{"command":"make"}`))
	require.NoError(t, err)

	require.NoError(t, store.CompleteToolCall(ctx, call.ID, nil, "exit status 2"))

	calls, err := store.GetToolCalls(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, ToolCallFailed, calls[0].Status)
	assert.Equal(t, "exit status 2", calls[0].Error)
	assert.Nil(t, calls[0].Response)
}

func TestCompleteToolCall_ExactlyOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := seedRunningSession(t, store)

	msg, err := store.AppendMessage(ctx, sess.ID, "assistant", "")
	require.NoError(t, err)
	call, err := store.RecordToolCall(ctx, sess.ID, msg.ID, "bash", json.RawMessage(`{"command":"ls"}`))
	require.NoError(t, err)

	require.NoError(t, store.CompleteToolCall(ctx, call.ID, json.RawMessage(`{"stdout":"ok"}`), ""))

	err = store.CompleteToolCall(ctx, call.ID, nil, "late failure")
	assert.ErrorIs(t, err, ErrInvalidState)

	// The first outcome must survive.
	calls, err := store.GetToolCalls(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, ToolCallSucceeded, calls[0].Status)
}

func TestCompleteToolCall_UnknownCall(t *testing.T) {
	store := openTestStore(t)

	err := store.CompleteToolCall(context.Background(), "missing", nil, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetToolCalls_DispatchOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := seedRunningSession(t, store)

	msg, err := store.AppendMessage(ctx, sess.ID, "assistant", "")
	require.NoError(t, err)

	names := []string{"read_file", "bash", "write_file"}
	for _, name := range names {
		_, err := store.RecordToolCall(ctx, sess.ID, msg.ID, name, json.RawMessage(`{}`))
		require.NoError(t, err)
	}

	calls, err := store.GetToolCalls(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, calls, 3)
	for i, call := range calls {
		assert.Equal(t, names[i], call.ToolName)
	}
}

func TestAppendOutputChunk_UnknownStream(t *testing.T) {
	store := openTestStore(t)
	sess := seedRunningSession(t, store)

	_, err := store.AppendOutputChunk(context.Background(), sess.ID, "stdlog", "nope")
	assert.Error(t, err)
}

func TestAppendOutputChunk_GaplessUnderConcurrentWriters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := seedRunningSession(t, store)

	const writers = 4
	const perWriter = 25

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := store.AppendOutputChunk(ctx, sess.ID, StreamStdout, fmt.Sprintf("w%d line %d\n", w, i)); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append failed: %v", err)
	}

	chunks, err := store.GetOutputs(ctx, sess.ID, -1)
	require.NoError(t, err)
	require.Len(t, chunks, writers*perWriter)
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.Seq)
	}
}

func TestGetOutputs_SinceSeq(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := seedRunningSession(t, store)

	for i := 0; i < 5; i++ {
		seq, err := store.AppendOutputChunk(ctx, sess.ID, StreamStdout, fmt.Sprintf("chunk %d", i))
		require.NoError(t, err)
		assert.Equal(t, i, seq)
	}

	chunks, err := store.GetOutputs(ctx, sess.ID, 2)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 3, chunks[0].Seq)
	assert.Equal(t, "chunk 3", chunks[0].Content)
	assert.Equal(t, 4, chunks[1].Seq)

	none, err := store.GetOutputs(ctx, sess.ID, 4)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGetOutputs_UnknownSession(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetOutputs(context.Background(), "missing", -1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessions_Filters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	coder, err := store.CreateSession(ctx, "coder", "first")
	require.NoError(t, err)
	_, err = store.CreateSession(ctx, "coder", "second")
	require.NoError(t, err)
	reviewer, err := store.CreateSession(ctx, "reviewer", "third")
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(ctx, coder.ID, StatusRunning))

	all, err := store.ListSessions(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Newest first.
	assert.Equal(t, reviewer.ID, all[0].ID)

	running, err := store.ListSessions(ctx, Filter{Status: StatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, coder.ID, running[0].ID)

	reviewers, err := store.ListSessions(ctx, Filter{Kind: "reviewer"})
	require.NoError(t, err)
	require.Len(t, reviewers, 1)
	assert.Equal(t, reviewer.ID, reviewers[0].ID)

	limited, err := store.ListSessions(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestRecoverInterrupted(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	queued, err := store.CreateSession(ctx, "coder", "never picked up")
	require.NoError(t, err)
	running := seedRunningSession(t, store)
	finished := seedRunningSession(t, store)
	require.NoError(t, store.CompleteSession(ctx, finished.ID, "all good"))

	n, err := store.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{queued.ID, running.ID} {
		got, _, err := store.GetSession(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		assert.Equal(t, "interrupted by daemon restart", got.Error)
	}

	untouched, _, err := store.GetSession(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, untouched.Status)
	assert.Equal(t, "all good", untouched.Result)
}

func TestMaintain(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := seedRunningSession(t, store)

	for i := 0; i < 10; i++ {
		_, err := store.AppendOutputChunk(ctx, sess.ID, StreamStdout, "filler")
		require.NoError(t, err)
	}

	assert.NoError(t, store.Maintain(ctx))

	// Data survives the checkpoint.
	chunks, err := store.GetOutputs(ctx, sess.ID, -1)
	require.NoError(t, err)
	assert.Len(t, chunks, 10)
}
