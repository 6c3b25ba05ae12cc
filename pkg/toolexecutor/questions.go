package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/brainless/nocodo-agent/internal/tracing"
	"github.com/brainless/nocodo-agent/pkg/tools"
)

// DefaultAskTimeout bounds how long an ask_user call waits for a human.
const DefaultAskTimeout = 10 * time.Minute

// askUser parks the call on the question broker until answers arrive.
// The session id travels in the context so concurrent sessions keep
// their questions apart.
func (e *Executor) askUser(ctx context.Context, req *tools.AskUserRequest) (tools.Response, error) {
	if e.questions == nil {
		return nil, tools.ExecutionFailed("ask_user is not configured")
	}

	sessionID := tracing.GetSessionID(ctx)
	start := time.Now()
	answers, err := e.questions.Ask(ctx, sessionID, req)
	if err != nil {
		if errors.Is(err, ErrQuestionTimeout) {
			return nil, tools.Timeout("%v", err)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, tools.AsError(err)
	}

	completed := true
	for _, a := range answers {
		if !a.Valid {
			completed = false
			break
		}
	}

	return &tools.AskUserResponse{
		Completed:        completed,
		Responses:        answers,
		ResponseTimeSecs: time.Since(start).Seconds(),
	}, nil
}

var (
	// ErrNoPendingQuestion is returned when an answer arrives for a
	// question set that is unknown or already resolved.
	ErrNoPendingQuestion = errors.New("no pending question")

	// ErrQuestionTimeout is returned when nobody answers in time.
	ErrQuestionTimeout = errors.New("question timed out waiting for an answer")
)

// PendingQuestions is one outstanding ask_user call.
type PendingQuestions struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	Prompt    string           `json:"prompt,omitempty"`
	Questions []tools.Question `json:"questions"`
	AskedAt   time.Time        `json:"asked_at"`

	ch chan []tools.Answer
}

// QuestionBroker parks ask_user calls until a human answers them. Each
// pending set resolves exactly once; late or duplicate answers get
// ErrNoPendingQuestion.
type QuestionBroker struct {
	defaultTimeout time.Duration

	mu        sync.Mutex
	pending   map[string]*PendingQuestions
	bySession map[string][]string
	notify    func(PendingQuestions)
}

// NewQuestionBroker builds a broker with the given wait ceiling; zero
// means DefaultAskTimeout.
func NewQuestionBroker(defaultTimeout time.Duration) *QuestionBroker {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultAskTimeout
	}
	return &QuestionBroker{
		defaultTimeout: defaultTimeout,
		pending:        make(map[string]*PendingQuestions),
		bySession:      make(map[string][]string),
	}
}

// OnAsk registers a callback invoked whenever a question set is parked,
// so the caller can surface it to clients.
func (b *QuestionBroker) OnAsk(fn func(PendingQuestions)) {
	b.mu.Lock()
	b.notify = fn
	b.mu.Unlock()
}

// Ask parks the questions and blocks until Resolve delivers answers, the
// timeout passes, or ctx is cancelled.
func (b *QuestionBroker) Ask(ctx context.Context, sessionID string, req *tools.AskUserRequest) ([]tools.Answer, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	timeout := b.defaultTimeout
	if req.TimeoutSecs > 0 {
		timeout = time.Duration(req.TimeoutSecs) * time.Second
	}

	set := &PendingQuestions{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Prompt:    req.Prompt,
		Questions: req.Questions,
		AskedAt:   time.Now(),
		ch:        make(chan []tools.Answer, 1),
	}

	b.mu.Lock()
	b.pending[set.ID] = set
	b.bySession[sessionID] = append(b.bySession[sessionID], set.ID)
	notify := b.notify
	b.mu.Unlock()

	log.Info().
		Str("session_id", sessionID).
		Str("question_set", set.ID).
		Int("questions", len(req.Questions)).
		Msg("Waiting for user answers")

	if notify != nil {
		notify(*set)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case answers := <-set.ch:
		return answers, nil
	case <-timer.C:
		b.remove(set.ID)
		return nil, fmt.Errorf("%w after %s", ErrQuestionTimeout, timeout)
	case <-ctx.Done():
		b.remove(set.ID)
		return nil, ctx.Err()
	}
}

// Resolve delivers answers for a question set. Answers are validated
// against their question's response type before delivery; validation
// verdicts travel inside the answers so the model sees what was wrong.
func (b *QuestionBroker) Resolve(setID string, answers []tools.Answer) error {
	b.mu.Lock()
	set, ok := b.pending[setID]
	if ok {
		b.removeLocked(setID)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingQuestion, setID)
	}

	validated := validateAnswers(set.Questions, answers)
	set.ch <- validated
	return nil
}

// ResolveSession answers the oldest pending set of a session and returns
// its id.
func (b *QuestionBroker) ResolveSession(sessionID string, answers []tools.Answer) (string, error) {
	b.mu.Lock()
	ids := b.bySession[sessionID]
	b.mu.Unlock()
	if len(ids) == 0 {
		return "", fmt.Errorf("%w for session %s", ErrNoPendingQuestion, sessionID)
	}
	return ids[0], b.Resolve(ids[0], answers)
}

// PendingForSession lists a session's outstanding question sets, oldest
// first.
func (b *QuestionBroker) PendingForSession(sessionID string) []PendingQuestions {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PendingQuestions, 0, len(b.bySession[sessionID]))
	for _, id := range b.bySession[sessionID] {
		if set, ok := b.pending[id]; ok {
			out = append(out, *set)
		}
	}
	return out
}

// HasPending reports whether the session is blocked on a question.
func (b *QuestionBroker) HasPending(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bySession[sessionID]) > 0
}

// SweepExpired drops question sets older than maxAge whose Ask already
// gave up, and returns how many were removed.
func (b *QuestionBroker) SweepExpired(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for id, set := range b.pending {
		if set.AskedAt.Before(cutoff) {
			b.removeLocked(id)
			removed++
		}
	}
	return removed
}

func (b *QuestionBroker) remove(setID string) {
	b.mu.Lock()
	b.removeLocked(setID)
	b.mu.Unlock()
}

func (b *QuestionBroker) removeLocked(setID string) {
	set, ok := b.pending[setID]
	if !ok {
		return
	}
	delete(b.pending, setID)
	ids := b.bySession[set.SessionID]
	for i, id := range ids {
		if id == setID {
			b.bySession[set.SessionID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(b.bySession[set.SessionID]) == 0 {
		delete(b.bySession, set.SessionID)
	}
}

// validateAnswers checks each answer against its question and fills the
// Valid/ValidationError fields. Unknown question ids are marked invalid;
// required questions missing an answer get a synthetic invalid entry.
func validateAnswers(questions []tools.Question, answers []tools.Answer) []tools.Answer {
	byID := make(map[string]tools.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	answered := make(map[string]bool, len(answers))
	out := make([]tools.Answer, 0, len(answers))
	for _, a := range answers {
		q, ok := byID[a.QuestionID]
		if !ok {
			a.Valid = false
			a.ValidationError = "unknown question id"
			out = append(out, a)
			continue
		}
		answered[a.QuestionID] = true
		a.Valid, a.ValidationError = checkAnswer(q, a.Answer)
		out = append(out, a)
	}

	for _, q := range questions {
		if q.Required && !answered[q.ID] {
			out = append(out, tools.Answer{
				QuestionID:      q.ID,
				Valid:           false,
				ValidationError: "required question was not answered",
			})
		}
	}
	return out
}

func checkAnswer(q tools.Question, value interface{}) (bool, string) {
	if value == nil {
		if q.Required {
			return false, "answer is required"
		}
		return true, ""
	}

	switch q.ResponseType {
	case tools.QuestionNumber:
		switch value.(type) {
		case float64, int, int64:
			return true, ""
		}
		return false, "expected a number"

	case tools.QuestionBoolean:
		if _, ok := value.(bool); ok {
			return true, ""
		}
		return false, "expected a boolean"

	case tools.QuestionSelect:
		s, ok := value.(string)
		if !ok {
			return false, "expected one of the options"
		}
		for _, opt := range q.Options {
			if s == opt {
				return true, ""
			}
		}
		return false, fmt.Sprintf("%q is not one of the options", s)

	case tools.QuestionMultiSelect:
		items, ok := value.([]interface{})
		if !ok {
			return false, "expected a list of options"
		}
		for _, item := range items {
			s, isStr := item.(string)
			if !isStr {
				return false, "expected a list of options"
			}
			found := false
			for _, opt := range q.Options {
				if s == opt {
					found = true
					break
				}
			}
			if !found {
				return false, fmt.Sprintf("%q is not one of the options", s)
			}
		}
		return true, ""

	case tools.QuestionEmail:
		s, ok := value.(string)
		if !ok || !strings.Contains(s, "@") || strings.Contains(s, " ") {
			return false, "expected an email address"
		}
		return true, ""

	case tools.QuestionURL:
		s, ok := value.(string)
		if !ok {
			return false, "expected a URL"
		}
		parsed, err := url.Parse(s)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return false, "expected an absolute URL"
		}
		return true, ""

	case tools.QuestionText, tools.QuestionPassword, tools.QuestionFilePath:
		if _, ok := value.(string); ok {
			return true, ""
		}
		return false, "expected a string"

	default:
		return true, ""
	}
}
