package toolexecutor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainless/nocodo-agent/internal/tracing"
	"github.com/brainless/nocodo-agent/pkg/tools"
)

func singleQuestion(id string, qt tools.QuestionType, opts ...string) *tools.AskUserRequest {
	return &tools.AskUserRequest{
		Questions: []tools.Question{{
			ID:           id,
			Question:     "test question",
			ResponseType: qt,
			Options:      opts,
		}},
	}
}

// park starts an Ask in the background and returns once the broker has
// the question set registered.
func park(t *testing.T, broker *QuestionBroker, sessionID string, req *tools.AskUserRequest) (chan []tools.Answer, chan error) {
	t.Helper()
	answersCh := make(chan []tools.Answer, 1)
	errCh := make(chan error, 1)
	go func() {
		answers, err := broker.Ask(context.Background(), sessionID, req)
		answersCh <- answers
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return broker.HasPending(sessionID)
	}, 2*time.Second, 5*time.Millisecond)
	return answersCh, errCh
}

func TestQuestionBroker_AskAndResolve(t *testing.T) {
	broker := NewQuestionBroker(0)
	answersCh, errCh := park(t, broker, "sess-1", singleQuestion("q1", tools.QuestionText))

	pending := broker.PendingForSession("sess-1")
	require.Len(t, pending, 1)

	err := broker.Resolve(pending[0].ID, []tools.Answer{{QuestionID: "q1", Answer: "fine"}})
	require.NoError(t, err)

	answers := <-answersCh
	require.NoError(t, <-errCh)
	require.Len(t, answers, 1)
	assert.True(t, answers[0].Valid)
	assert.Equal(t, "fine", answers[0].Answer)
	assert.False(t, broker.HasPending("sess-1"))
}

func TestQuestionBroker_ResolveIsExactlyOnce(t *testing.T) {
	broker := NewQuestionBroker(0)
	_, errCh := park(t, broker, "sess-1", singleQuestion("q1", tools.QuestionText))

	pending := broker.PendingForSession("sess-1")
	require.Len(t, pending, 1)
	id := pending[0].ID

	require.NoError(t, broker.Resolve(id, []tools.Answer{{QuestionID: "q1", Answer: "a"}}))
	err := broker.Resolve(id, []tools.Answer{{QuestionID: "q1", Answer: "b"}})

	assert.ErrorIs(t, err, ErrNoPendingQuestion)
	require.NoError(t, <-errCh)
}

func TestQuestionBroker_ResolveUnknown(t *testing.T) {
	broker := NewQuestionBroker(0)

	err := broker.Resolve("no-such-set", nil)

	assert.ErrorIs(t, err, ErrNoPendingQuestion)
}

func TestQuestionBroker_Timeout(t *testing.T) {
	broker := NewQuestionBroker(100 * time.Millisecond)

	_, err := broker.Ask(context.Background(), "sess-1", singleQuestion("q1", tools.QuestionText))

	assert.ErrorIs(t, err, ErrQuestionTimeout)
	assert.False(t, broker.HasPending("sess-1"))
}

func TestQuestionBroker_ContextCancel(t *testing.T) {
	broker := NewQuestionBroker(0)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := broker.Ask(ctx, "sess-1", singleQuestion("q1", tools.QuestionText))
		errCh <- err
	}()
	require.Eventually(t, func() bool { return broker.HasPending("sess-1") }, 2*time.Second, 5*time.Millisecond)

	cancel()

	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Eventually(t, func() bool { return !broker.HasPending("sess-1") }, 2*time.Second, 5*time.Millisecond)
}

func TestQuestionBroker_ResolveSessionOldestFirst(t *testing.T) {
	broker := NewQuestionBroker(0)
	firstCh, firstErr := park(t, broker, "sess-1", singleQuestion("first", tools.QuestionText))

	secondCh := make(chan []tools.Answer, 1)
	secondErr := make(chan error, 1)
	go func() {
		answers, err := broker.Ask(context.Background(), "sess-1", singleQuestion("second", tools.QuestionText))
		secondCh <- answers
		secondErr <- err
	}()
	require.Eventually(t, func() bool {
		return len(broker.PendingForSession("sess-1")) == 2
	}, 2*time.Second, 5*time.Millisecond)

	resolvedID, err := broker.ResolveSession("sess-1", []tools.Answer{{QuestionID: "first", Answer: "x"}})
	require.NoError(t, err)

	answers := <-firstCh
	require.NoError(t, <-firstErr)
	require.Len(t, answers, 1)
	assert.Equal(t, "first", answers[0].QuestionID)
	assert.NotEmpty(t, resolvedID)

	// The second ask is still parked.
	assert.True(t, broker.HasPending("sess-1"))
	_, err = broker.ResolveSession("sess-1", []tools.Answer{{QuestionID: "second", Answer: "y"}})
	require.NoError(t, err)
	<-secondCh
	require.NoError(t, <-secondErr)
}

func TestQuestionBroker_ResolveSessionEmpty(t *testing.T) {
	broker := NewQuestionBroker(0)

	_, err := broker.ResolveSession("ghost", nil)

	assert.ErrorIs(t, err, ErrNoPendingQuestion)
}

func TestQuestionBroker_OnAskNotifies(t *testing.T) {
	broker := NewQuestionBroker(0)
	notified := make(chan PendingQuestions, 1)
	broker.OnAsk(func(pq PendingQuestions) { notified <- pq })

	_, errCh := park(t, broker, "sess-9", singleQuestion("q1", tools.QuestionText))

	select {
	case pq := <-notified:
		assert.Equal(t, "sess-9", pq.SessionID)
		require.Len(t, pq.Questions, 1)
		assert.Equal(t, "q1", pq.Questions[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("OnAsk callback never fired")
	}

	_, err := broker.ResolveSession("sess-9", []tools.Answer{{QuestionID: "q1", Answer: "done"}})
	require.NoError(t, err)
	require.NoError(t, <-errCh)
}

func TestQuestionBroker_SweepExpired(t *testing.T) {
	broker := NewQuestionBroker(300 * time.Millisecond)
	_, errCh := park(t, broker, "sess-1", singleQuestion("q1", tools.QuestionText))

	removed := broker.SweepExpired(0)

	assert.Equal(t, 1, removed)
	assert.False(t, broker.HasPending("sess-1"))

	// The abandoned Ask still times out on its own.
	assert.ErrorIs(t, <-errCh, ErrQuestionTimeout)
}

func TestQuestionBroker_ValidatesRequest(t *testing.T) {
	broker := NewQuestionBroker(0)

	_, err := broker.Ask(context.Background(), "sess-1", &tools.AskUserRequest{})
	assert.Equal(t, tools.CodeInvalidArgument, toolCode(t, err))

	_, err = broker.Ask(context.Background(), "sess-1", singleQuestion("sel", tools.QuestionSelect))
	assert.Equal(t, tools.CodeInvalidArgument, toolCode(t, err), "select without options")
}

func TestValidateAnswers_Types(t *testing.T) {
	cases := []struct {
		name   string
		qt     tools.QuestionType
		opts   []string
		answer interface{}
		valid  bool
	}{
		{"text ok", tools.QuestionText, nil, "hello", true},
		{"text wrong type", tools.QuestionText, nil, 42.0, false},
		{"number ok", tools.QuestionNumber, nil, 3.14, true},
		{"number from string", tools.QuestionNumber, nil, "3.14", false},
		{"boolean ok", tools.QuestionBoolean, nil, true, true},
		{"boolean wrong", tools.QuestionBoolean, nil, "yes", false},
		{"select valid option", tools.QuestionSelect, []string{"red", "blue"}, "red", true},
		{"select invalid option", tools.QuestionSelect, []string{"red", "blue"}, "green", false},
		{"multiselect ok", tools.QuestionMultiSelect, []string{"a", "b"}, []interface{}{"a", "b"}, true},
		{"multiselect bad entry", tools.QuestionMultiSelect, []string{"a", "b"}, []interface{}{"a", "z"}, false},
		{"email ok", tools.QuestionEmail, nil, "dev@example.com", true},
		{"email bad", tools.QuestionEmail, nil, "not-an-email", false},
		{"url ok", tools.QuestionURL, nil, "https://example.com/path", true},
		{"url bad", tools.QuestionURL, nil, "not a url", false},
		{"filepath ok", tools.QuestionFilePath, nil, "/tmp/file.txt", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			questions := []tools.Question{{ID: "q", ResponseType: tc.qt, Options: tc.opts}}
			out := validateAnswers(questions, []tools.Answer{{QuestionID: "q", Answer: tc.answer}})
			require.Len(t, out, 1)
			assert.Equal(t, tc.valid, out[0].Valid, "validation error: %s", out[0].ValidationError)
		})
	}
}

func TestValidateAnswers_UnknownAndRequired(t *testing.T) {
	questions := []tools.Question{
		{ID: "needed", ResponseType: tools.QuestionText, Required: true},
	}

	out := validateAnswers(questions, []tools.Answer{{QuestionID: "bogus", Answer: "x"}})

	require.Len(t, out, 2)
	assert.False(t, out[0].Valid)
	assert.Equal(t, "unknown question id", out[0].ValidationError)
	assert.False(t, out[1].Valid)
	assert.Equal(t, "needed", out[1].QuestionID)
	assert.Contains(t, out[1].ValidationError, "required")
}

func TestExecutor_AskUser_SessionRouting(t *testing.T) {
	broker := NewQuestionBroker(0)
	exec := newTestExecutor(t, Options{Questions: broker})

	respCh := make(chan tools.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		ctx := tracing.WithSessionID(context.Background(), "sess-route")
		resp, err := exec.Execute(ctx, singleQuestion("color", tools.QuestionSelect, "red", "blue"))
		respCh <- resp
		errCh <- err
	}()
	require.Eventually(t, func() bool { return broker.HasPending("sess-route") }, 2*time.Second, 5*time.Millisecond)

	_, err := broker.ResolveSession("sess-route", []tools.Answer{{QuestionID: "color", Answer: "blue"}})
	require.NoError(t, err)

	resp := <-respCh
	require.NoError(t, <-errCh)
	ask, ok := resp.(*tools.AskUserResponse)
	require.True(t, ok)
	assert.True(t, ask.Completed)
	require.Len(t, ask.Responses, 1)
	assert.True(t, ask.Responses[0].Valid)
}

func TestExecutor_AskUser_InvalidAnswerNotCompleted(t *testing.T) {
	broker := NewQuestionBroker(0)
	exec := newTestExecutor(t, Options{Questions: broker})

	respCh := make(chan tools.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		ctx := tracing.WithSessionID(context.Background(), "sess-bad")
		resp, err := exec.Execute(ctx, singleQuestion("count", tools.QuestionNumber))
		respCh <- resp
		errCh <- err
	}()
	require.Eventually(t, func() bool { return broker.HasPending("sess-bad") }, 2*time.Second, 5*time.Millisecond)

	_, err := broker.ResolveSession("sess-bad", []tools.Answer{{QuestionID: "count", Answer: "many"}})
	require.NoError(t, err)

	resp := <-respCh
	require.NoError(t, <-errCh)
	ask := resp.(*tools.AskUserResponse)
	assert.False(t, ask.Completed)
	require.Len(t, ask.Responses, 1)
	assert.False(t, ask.Responses[0].Valid)
	assert.NotEmpty(t, ask.Responses[0].ValidationError)
}
