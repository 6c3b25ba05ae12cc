package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/brainless/nocodo-agent/internal/observability"
	"github.com/brainless/nocodo-agent/internal/tracing"
	"github.com/brainless/nocodo-agent/pkg/commandqueue"
	"github.com/brainless/nocodo-agent/pkg/llm"
	"github.com/brainless/nocodo-agent/pkg/session"
	"github.com/brainless/nocodo-agent/pkg/toolexecutor"
	"github.com/brainless/nocodo-agent/pkg/tools"
)

const defaultSystemPrompt = "You are a coding agent working inside a sandboxed project directory. " +
	"Use the available tools to inspect and change the project. " +
	"When the objective is met, reply with a short summary and no tool calls."

// Runner drives agent sessions end to end.
type Runner struct {
	store       *session.Store
	executor    *toolexecutor.Executor
	llm         *llm.Client
	queue       *commandqueue.CommandQueue
	broadcaster Broadcaster
	questions   *toolexecutor.QuestionBroker
	logger      zerolog.Logger
	limits      Limits
	systemBase  string

	// capabilities restricts the tool set per agent kind. Kinds absent
	// from the map get every tool the executor serves.
	capabilities map[string][]string

	activeRuns map[string]*runState
	runsMu     sync.RWMutex
}

type runState struct {
	cancelled atomic.Bool
}

// Config holds runner configuration.
type Config struct {
	Store        *session.Store
	Executor     *toolexecutor.Executor
	LLM          *llm.Client
	Queue        *commandqueue.CommandQueue
	Broadcaster  Broadcaster
	Questions    *toolexecutor.QuestionBroker
	Logger       zerolog.Logger
	Limits       Limits
	SystemPrompt string
	Capabilities map[string][]string
}

// NewRunner creates an agent runner.
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if cfg.LLM == nil {
		return nil, fmt.Errorf("llm client is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("command queue is required")
	}

	r := &Runner{
		store:        cfg.Store,
		executor:     cfg.Executor,
		llm:          cfg.LLM,
		queue:        cfg.Queue,
		broadcaster:  cfg.Broadcaster,
		questions:    cfg.Questions,
		logger:       cfg.Logger,
		limits:       cfg.Limits.withDefaults(),
		systemBase:   cfg.SystemPrompt,
		capabilities: cfg.Capabilities,
		activeRuns:   make(map[string]*runState),
	}

	if r.questions != nil {
		r.questions.OnAsk(func(p toolexecutor.PendingQuestions) {
			r.broadcast(p.SessionID, EventAskUserRequested, p)
		})
	}

	return r, nil
}

// StartSession creates a session and enqueues its run on the session's
// own lane. It returns as soon as the session row exists; progress is
// observed through broadcasts or by polling the store.
func (r *Runner) StartSession(ctx context.Context, kind, objective, prompt string) (*session.Session, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"nocodo.agent",
		"agent.start_session",
		attribute.String("kind", kind),
	)
	defer span.End()

	if prompt == "" {
		prompt = objective
	}

	sess, err := r.store.CreateSession(ctx, kind, objective)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// Register the run state now, not when the queued task starts: a
	// cancel arriving before the first iteration lands on the flag and
	// is observed at the first loop boundary.
	r.runsMu.Lock()
	r.activeRuns[sess.ID] = &runState{}
	r.runsMu.Unlock()

	r.broadcastStatus(sess.ID, session.StatusCreated, "", "")
	r.enqueueRun(sess.ID, prompt)
	return sess, nil
}

// enqueueRun hands the run to the session lane. EnqueueWithContext
// blocks until the task returns, so it runs in its own goroutine; the
// outcome is already persisted on the session by the run itself.
func (r *Runner) enqueueRun(sessionID, prompt string) {
	lane := laneFor(sessionID)
	go func() {
		ctx := tracing.NewSessionContext(context.Background(), sessionID)
		_, err := r.queue.EnqueueWithContext(ctx, lane, func(taskCtx context.Context) (interface{}, error) {
			return nil, r.execute(taskCtx, sessionID, prompt)
		}, nil)
		if err != nil {
			r.logger.Error().Err(err).Str("session_id", sessionID).Msg("Agent run failed")
		}
		// Covers rejection before the task ever ran; a no-op otherwise.
		r.runsMu.Lock()
		delete(r.activeRuns, sessionID)
		r.runsMu.Unlock()
	}()
}

func laneFor(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}

// IsRunning reports whether a run for the session is active in this
// process.
func (r *Runner) IsRunning(sessionID string) bool {
	r.runsMu.RLock()
	defer r.runsMu.RUnlock()

	_, ok := r.activeRuns[sessionID]
	return ok
}

// CancelSession requests cooperative cancellation of a running session.
// The run observes the flag at its next loop boundary; in-flight tool
// calls finish first. Cancelling a session with no live run falls
// through to the store's state machine.
func (r *Runner) CancelSession(ctx context.Context, sessionID string) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"nocodo.agent",
		"agent.cancel_session",
		attribute.String("session_id", sessionID),
	)
	defer span.End()

	r.runsMu.RLock()
	st := r.activeRuns[sessionID]
	r.runsMu.RUnlock()

	if st == nil {
		if err := r.store.CancelSession(ctx, sessionID); err != nil {
			return err
		}
		r.broadcastStatus(sessionID, session.StatusCancelled, "", "")
		return nil
	}

	st.cancelled.Store(true)
	logger := tracing.LoggerFromContext(ctx, r.logger)
	logger.Info().
		Str("session_id", sessionID).
		Msg("Cancellation requested")

	// A parked question would hold the loop until its own timeout;
	// resolve it with empty answers so the batch returns promptly.
	if r.questions != nil {
		for r.questions.HasPending(sessionID) {
			if _, err := r.questions.ResolveSession(sessionID, nil); err != nil {
				break
			}
		}
	}
	return nil
}

// SendInput delivers user input to a session. A pending question
// consumes it as answers; a running session without one rejects it with
// ErrBusy; a terminal session with session.ErrInvalidState; a created
// session records it as a user message for the queued run.
func (r *Runner) SendInput(ctx context.Context, sessionID, content string) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"nocodo.agent",
		"agent.send_input",
		attribute.String("session_id", sessionID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("session_id", sessionID).Logger()

	if strings.TrimSpace(content) == "" {
		return errors.New("input content is required")
	}

	if r.questions != nil && r.questions.HasPending(sessionID) {
		setID, err := r.questions.ResolveSession(sessionID, r.answersFromInput(sessionID, content))
		if err == nil {
			logger.Info().Str("question_set", setID).Msg("Answered pending question")
			return nil
		}
		if !errors.Is(err, toolexecutor.ErrNoPendingQuestion) {
			return err
		}
		// Raced with a timeout; fall through to the state checks.
	}

	sess, _, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	switch {
	case sess.Status == session.StatusRunning:
		return ErrBusy
	case sess.Status.Terminal():
		return fmt.Errorf("%w: session is %s", session.ErrInvalidState, sess.Status)
	}

	// Created: the queued run loads the message as history.
	if _, err := r.store.AppendMessage(ctx, sessionID, llm.RoleUser, content); err != nil {
		return err
	}
	logger.Info().Msg("Recorded follow-up input")
	return nil
}

// answersFromInput decodes structured answers, falling back to treating
// the whole input as a free-text answer to the first open question.
func (r *Runner) answersFromInput(sessionID, content string) []tools.Answer {
	trimmed := strings.TrimSpace(content)

	var answers []tools.Answer
	if err := json.Unmarshal([]byte(trimmed), &answers); err == nil && len(answers) > 0 {
		return answers
	}
	var one tools.Answer
	if err := json.Unmarshal([]byte(trimmed), &one); err == nil && one.QuestionID != "" {
		return []tools.Answer{one}
	}

	pending := r.questions.PendingForSession(sessionID)
	if len(pending) == 0 || len(pending[0].Questions) == 0 {
		return nil
	}
	return []tools.Answer{{QuestionID: pending[0].Questions[0].ID, Answer: trimmed}}
}

// execute is the queue task wrapping one run.
func (r *Runner) execute(ctx context.Context, sessionID, prompt string) error {
	start := time.Now()
	if tracing.GetSessionID(ctx) == "" {
		ctx = tracing.WithSessionID(ctx, sessionID)
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"nocodo.agent",
		"agent.run",
		attribute.String("session_id", sessionID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("session_id", sessionID).Logger()

	r.runsMu.Lock()
	st := r.activeRuns[sessionID]
	if st == nil {
		st = &runState{}
		r.activeRuns[sessionID] = st
	}
	r.runsMu.Unlock()
	defer func() {
		r.runsMu.Lock()
		delete(r.activeRuns, sessionID)
		r.runsMu.Unlock()
	}()

	outcome, err := r.runLoop(ctx, st, sessionID, prompt, logger)
	observability.RecordAgentRun(outcome, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Str("outcome", outcome).Dur("duration", time.Since(start)).Msg("Agent run failed")
		return err
	}

	logger.Info().Str("outcome", outcome).Dur("duration", time.Since(start)).Msg("Agent run finished")
	return nil
}

func (r *Runner) runLoop(ctx context.Context, st *runState, sessionID, prompt string, logger zerolog.Logger) (string, error) {
	sess, history, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return outcomeFailed, fmt.Errorf("load session: %w", err)
	}

	switch sess.Status {
	case session.StatusCreated:
		if err := r.store.SetStatus(ctx, sessionID, session.StatusRunning); err != nil {
			return outcomeFailed, fmt.Errorf("mark session running: %w", err)
		}
		r.broadcastStatus(sessionID, session.StatusRunning, "", "")
	case session.StatusRunning:
		// Left running by an interrupted predecessor; keep going.
	default:
		return string(sess.Status), fmt.Errorf("%w: session is %s", session.ErrInvalidState, sess.Status)
	}

	conv := conversationFromHistory(history)
	if _, err := r.store.AppendMessage(ctx, sessionID, llm.RoleUser, prompt); err != nil {
		return r.failRun(ctx, sessionID, "persist user message", err)
	}
	conv = append(conv, llm.Message{Role: llm.RoleUser, Content: prompt})

	specs, allowed := r.toolsFor(sess.Kind)
	system := r.systemPromptFor(sess)

	failures := 0
	for iteration := 0; iteration < r.limits.MaxIterations; iteration++ {
		if done, outcome, err := r.checkCancelled(ctx, st, sessionID); done {
			return outcome, err
		}

		resp, err := r.callModel(ctx, sessionID, conv, specs, system)
		if err != nil {
			if ctx.Err() != nil {
				return r.interruptRun(ctx, sessionID)
			}
			return r.failRun(ctx, sessionID, "provider error", err)
		}

		logger.Debug().
			Int("iteration", iteration).
			Str("provider", resp.Provider).
			Int("tool_calls", len(resp.ToolCalls)).
			Msg("Model turn")

		msg, err := r.store.AppendMessage(ctx, sessionID, llm.RoleAssistant, resp.Content)
		if err != nil {
			return r.failRun(ctx, sessionID, "persist assistant message", err)
		}

		// No tool calls: the content is the session's result.
		if len(resp.ToolCalls) == 0 {
			if err := r.store.CompleteSession(ctx, sessionID, resp.Content); err != nil {
				return outcomeFailed, fmt.Errorf("complete session: %w", err)
			}
			r.broadcastStatus(sessionID, session.StatusCompleted, resp.Content, "")
			return outcomeCompleted, nil
		}

		conv = append(conv, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		// Boundary check: a cancel during the model call stops here,
		// with the reply persisted and no tool rows left dangling.
		if done, outcome, err := r.checkCancelled(ctx, st, sessionID); done {
			return outcome, err
		}

		batch, err := r.runToolBatch(ctx, sessionID, msg.ID, resp.ToolCalls, allowed, logger)
		if err != nil {
			return r.failRun(ctx, sessionID, "tool batch", err)
		}
		conv = append(conv, batch.messages...)

		if batch.anySuccess {
			failures = 0
		} else {
			failures++
			if failures >= r.limits.MaxConsecutiveToolFailures {
				if err := r.failSession(ctx, sessionID, "too many consecutive tool failures"); err != nil {
					return outcomeFailed, err
				}
				return outcomeFailed, nil
			}
		}
	}

	if err := r.failSession(ctx, sessionID, "iteration limit reached"); err != nil {
		return outcomeFailed, err
	}
	return outcomeFailed, nil
}

func (r *Runner) callModel(ctx context.Context, sessionID string, conv []llm.Message, specs []tools.Spec, system string) (*llm.Response, error) {
	req := llm.Request{Messages: conv, Tools: specs, System: system}
	if !r.limits.StreamOutput {
		return r.llm.Complete(ctx, req)
	}
	return r.llm.Stream(ctx, req, func(delta string) {
		r.emitOutput(ctx, sessionID, delta)
	})
}

type batchOutcome struct {
	messages   []llm.Message
	anySuccess bool
}

// runToolBatch records, dispatches and persists one batch of model tool
// calls. Malformed and capability-excluded calls fail synthetically and
// never reach the executor; everything else runs concurrently through
// ExecuteBatch. Result messages come back in original call order.
func (r *Runner) runToolBatch(ctx context.Context, sessionID, messageID string, calls []llm.ToolCall, allowed map[string]bool, logger zerolog.Logger) (batchOutcome, error) {
	outcome := batchOutcome{messages: make([]llm.Message, len(calls))}

	type dispatch struct {
		idx  int
		call llm.ToolCall
		row  *session.ToolCall
		req  tools.Request
	}
	var dispatches []dispatch

	for i, call := range calls {
		row, err := r.store.RecordToolCall(ctx, sessionID, messageID, call.Name, call.Arguments)
		if err != nil {
			return outcome, fmt.Errorf("record tool call: %w", err)
		}

		var toolErr *tools.Error
		if allowed != nil && !allowed[call.Name] {
			toolErr = tools.PermissionDenied("tool %q is not available to this agent kind", call.Name)
		} else if req, perr := tools.ParseRequest(call.Name, call.Arguments); perr == nil {
			dispatches = append(dispatches, dispatch{idx: i, call: call, row: row, req: req})
			r.broadcast(sessionID, EventToolCallStarted, ToolCallEvent{
				SessionID:  sessionID,
				ToolCallID: row.ID,
				Tool:       call.Name,
			})
			continue
		} else {
			toolErr = tools.AsError(perr)
		}

		logger.Warn().Str("tool", call.Name).Str("error", toolErr.Error()).Msg("Rejected tool call")
		msg, err := r.failToolCall(ctx, sessionID, row, call, toolErr)
		if err != nil {
			return outcome, err
		}
		outcome.messages[i] = msg
	}

	if len(dispatches) == 0 {
		return outcome, nil
	}

	reqs := make([]tools.Request, len(dispatches))
	for i, d := range dispatches {
		reqs[i] = d.req
	}
	results := r.executor.ExecuteBatch(ctx, reqs)

	for i, d := range dispatches {
		res := results[i]
		if res.Err != nil {
			msg, err := r.failToolCall(ctx, sessionID, d.row, d.call, res.Err)
			if err != nil {
				return outcome, err
			}
			outcome.messages[d.idx] = msg
			continue
		}

		encoded, err := tools.EncodeResponse(res.Response)
		if err != nil {
			return outcome, fmt.Errorf("encode tool response: %w", err)
		}
		if err := r.store.CompleteToolCall(ctx, d.row.ID, encoded, ""); err != nil {
			return outcome, fmt.Errorf("complete tool call: %w", err)
		}
		observability.RecordToolAudit(ctx, d.call.Name, sessionID, "success", map[string]interface{}{
			"tool_call_id": d.row.ID,
		})
		r.broadcast(sessionID, EventToolCallCompleted, ToolCallEvent{
			SessionID:  sessionID,
			ToolCallID: d.row.ID,
			Tool:       d.call.Name,
		})
		outcome.messages[d.idx] = llm.Message{
			Role:       llm.RoleTool,
			Content:    string(encoded),
			ToolCallID: d.call.ID,
		}
		outcome.anySuccess = true
	}

	return outcome, nil
}

// failToolCall persists a failed outcome and renders it as the tool
// message the model will see.
func (r *Runner) failToolCall(ctx context.Context, sessionID string, row *session.ToolCall, call llm.ToolCall, toolErr *tools.Error) (llm.Message, error) {
	if err := r.store.CompleteToolCall(ctx, row.ID, nil, toolErr.Error()); err != nil {
		return llm.Message{}, fmt.Errorf("complete tool call: %w", err)
	}
	observability.RecordToolAudit(ctx, call.Name, sessionID, "failure", map[string]interface{}{
		"tool_call_id": row.ID,
		"error":        toolErr.Error(),
	})
	r.broadcast(sessionID, EventToolCallFailed, ToolCallEvent{
		SessionID:  sessionID,
		ToolCallID: row.ID,
		Tool:       call.Name,
		Error:      toolErr.Error(),
	})

	encoded, err := tools.EncodeError(call.Name, toolErr)
	if err != nil {
		return llm.Message{}, fmt.Errorf("encode tool error: %w", err)
	}
	return llm.Message{Role: llm.RoleTool, Content: string(encoded), ToolCallID: call.ID}, nil
}

// checkCancelled handles both cancellation paths at a loop boundary:
// daemon shutdown through the context, user cancellation through the
// flag. Persistence after shutdown uses a detached context.
func (r *Runner) checkCancelled(ctx context.Context, st *runState, sessionID string) (bool, string, error) {
	if ctx.Err() != nil {
		outcome, err := r.interruptRun(ctx, sessionID)
		return true, outcome, err
	}
	if !st.cancelled.Load() {
		return false, "", nil
	}

	pctx := tracing.CloneContext(ctx)
	if err := r.store.CancelSession(pctx, sessionID); err != nil {
		return true, outcomeCancelled, fmt.Errorf("mark session cancelled: %w", err)
	}
	r.broadcastStatus(sessionID, session.StatusCancelled, "", "")
	return true, outcomeCancelled, nil
}

func (r *Runner) interruptRun(ctx context.Context, sessionID string) (string, error) {
	pctx := tracing.CloneContext(ctx)
	if err := r.store.FailSession(pctx, sessionID, "interrupted by shutdown"); err != nil {
		r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Could not persist interruption")
	} else {
		r.broadcastStatus(sessionID, session.StatusFailed, "", "interrupted by shutdown")
	}
	return outcomeInterrupted, ctx.Err()
}

func (r *Runner) failRun(ctx context.Context, sessionID, action string, cause error) (string, error) {
	runErr := fmt.Errorf("%s: %w", action, cause)
	if err := r.failSession(ctx, sessionID, runErr.Error()); err != nil {
		r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Could not persist failure")
	}
	return outcomeFailed, runErr
}

func (r *Runner) failSession(ctx context.Context, sessionID, reason string) error {
	if err := r.store.FailSession(ctx, sessionID, reason); err != nil {
		return fmt.Errorf("mark session failed: %w", err)
	}
	r.broadcastStatus(sessionID, session.StatusFailed, "", reason)
	return nil
}

func (r *Runner) emitOutput(ctx context.Context, sessionID, content string) {
	if content == "" {
		return
	}
	seq, err := r.store.AppendOutputChunk(ctx, sessionID, session.StreamStdout, content)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, r.logger)
		logger.Warn().
			Err(err).
			Str("session_id", sessionID).
			Msg("Dropping output chunk")
		return
	}
	r.broadcast(sessionID, EventOutputChunk, OutputEvent{
		SessionID: sessionID,
		Seq:       seq,
		Stream:    session.StreamStdout,
		Content:   content,
	})
}

func (r *Runner) broadcastStatus(sessionID string, status session.Status, result, errMsg string) {
	r.broadcast(sessionID, EventSessionStatusChanged, StatusEvent{
		SessionID: sessionID,
		Status:    status,
		Result:    result,
		Error:     errMsg,
	})
}

func (r *Runner) broadcast(sessionID, event string, payload interface{}) {
	if r.broadcaster == nil {
		return
	}
	r.broadcaster.Broadcast(sessionID, event, payload)
}

// toolsFor returns the tool schema offered to the model for a kind, and
// the allow-set used to reject excluded calls (nil means everything).
func (r *Runner) toolsFor(kind string) ([]tools.Spec, map[string]bool) {
	specs := r.executor.Specs()
	names, ok := r.capabilities[kind]
	if !ok {
		return specs, nil
	}

	allowed := make(map[string]bool, len(names))
	for _, name := range names {
		allowed[name] = true
	}
	filtered := make([]tools.Spec, 0, len(names))
	for _, spec := range specs {
		if allowed[spec.Name] {
			filtered = append(filtered, spec)
		}
	}
	return filtered, allowed
}

func (r *Runner) systemPromptFor(sess *session.Session) string {
	base := r.systemBase
	if base == "" {
		base = defaultSystemPrompt
	}
	return fmt.Sprintf("%s\n\nAgent kind: %s\nObjective: %s", base, sess.Kind, sess.Objective)
}

// conversationFromHistory rebuilds the model-facing transcript. Tool
// messages and empty assistant turns are skipped: their call linkage
// does not survive the round trip, and terminal sessions never run
// again, so replay only ever sees user turns in practice.
func conversationFromHistory(history []session.Message) []llm.Message {
	conv := make([]llm.Message, 0, len(history)+1)
	for _, msg := range history {
		if msg.Role == llm.RoleTool || msg.Content == "" {
			continue
		}
		conv = append(conv, llm.Message{Role: msg.Role, Content: msg.Content})
	}
	return conv
}
