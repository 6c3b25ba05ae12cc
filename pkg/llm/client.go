package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brainless/nocodo-agent/internal/observability"
	"github.com/brainless/nocodo-agent/internal/tracing"
)

// DefaultCooldownBase is the cooldown applied after a provider's first
// consecutive failure; each further failure extends it linearly.
const DefaultCooldownBase = time.Minute

// ProviderConfig binds a provider to the model it serves by default.
// Slice order is failover priority.
type ProviderConfig struct {
	Provider Provider
	Model    string

	// MaxTokens caps generations routed through this provider when the
	// request sets no limit of its own. Zero defers to the provider's
	// default.
	MaxTokens int
}

// Options configures a failover Client.
type Options struct {
	// Providers are tried in order. At least one is required.
	Providers []ProviderConfig

	// CooldownBase scales the per-provider cooldown: cooldown =
	// base × consecutive failures. Defaults to DefaultCooldownBase.
	CooldownBase time.Duration
}

type providerState struct {
	provider  Provider
	model     string
	maxTokens int

	failures      int
	cooldownUntil time.Time
}

// Client fans requests across providers in priority order. A provider
// that fails goes into cooldown and is skipped until the cooldown
// expires; any retryable failure moves on to the next provider.
type Client struct {
	cooldownBase time.Duration

	mu     sync.Mutex
	states []*providerState
}

// NewClient builds a failover client over the given providers.
func NewClient(opts Options) (*Client, error) {
	if len(opts.Providers) == 0 {
		return nil, ErrNoProviders
	}
	if opts.CooldownBase <= 0 {
		opts.CooldownBase = DefaultCooldownBase
	}

	states := make([]*providerState, 0, len(opts.Providers))
	for _, pc := range opts.Providers {
		if pc.Provider == nil {
			return nil, fmt.Errorf("nil provider in configuration")
		}
		states = append(states, &providerState{provider: pc.Provider, model: pc.Model, maxTokens: pc.MaxTokens})
	}

	return &Client{
		cooldownBase: opts.CooldownBase,
		states:       states,
	}, nil
}

// Providers lists the configured provider names in priority order.
func (c *Client) Providers() []string {
	names := make([]string, len(c.states))
	for i, st := range c.states {
		names[i] = st.provider.Name()
	}
	return names
}

// Complete tries each provider in order until one succeeds.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	return c.run(ctx, req, func(ctx context.Context, p Provider, req Request) (*Response, error) {
		return p.Complete(ctx, req)
	}, nil)
}

// Stream is Complete with deltas forwarded to onDelta. Once any delta
// has reached the consumer a failure no longer fails over: replaying
// the turn on another provider would duplicate output the caller has
// already shown.
func (c *Client) Stream(ctx context.Context, req Request, onDelta func(string)) (*Response, error) {
	deltaSeen := false
	guarded := func(s string) {
		deltaSeen = true
		if onDelta != nil {
			onDelta(s)
		}
	}

	return c.run(ctx, req, func(ctx context.Context, p Provider, req Request) (*Response, error) {
		return p.Stream(ctx, req, guarded)
	}, func() bool { return deltaSeen })
}

type attemptFunc func(ctx context.Context, p Provider, req Request) (*Response, error)

// run walks the provider list, skipping cooldowns and failing over on
// retryable errors. abort, when non-nil, stops the chain after a failed
// attempt that already produced consumer-visible output.
func (c *Client) run(ctx context.Context, req Request, attempt attemptFunc, abort func() bool) (*Response, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	var lastErr error
	for _, st := range c.states {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name := st.provider.Name()
		if c.inCooldown(st) {
			observability.SetProviderCooldown(name, true)
			logger.Debug().Str("provider", name).Msg("Skipping provider in cooldown")
			continue
		}
		observability.SetProviderCooldown(name, false)

		attemptReq := req
		if attemptReq.Model == "" {
			attemptReq.Model = st.model
		}
		if attemptReq.MaxTokens == 0 {
			attemptReq.MaxTokens = st.maxTokens
		}

		start := time.Now()
		resp, err := attempt(ctx, st.provider, attemptReq)
		if err == nil {
			err = validateResponse(resp)
		}
		if err == nil {
			c.markSuccess(st)
			observability.RecordLLMRequest(name, time.Since(start), true)
			observability.RecordLLMTokens(name, resp.Usage.InputTokens, resp.Usage.OutputTokens)
			return resp, nil
		}

		lastErr = err
		c.markFailure(st)
		observability.RecordLLMRequest(name, time.Since(start), false)
		logger.Warn().Str("provider", name).Err(err).Msg("Provider call failed")

		if !IsRetryableError(err) {
			return nil, err
		}
		if abort != nil && abort() {
			return nil, err
		}
		observability.RecordLLMFailover(name)
	}

	if lastErr == nil {
		return nil, fmt.Errorf("%w: every provider is in cooldown", ErrAllProvidersFailed)
	}
	return nil, fmt.Errorf("%w: %w", ErrAllProvidersFailed, lastErr)
}

func (c *Client) inCooldown(st *providerState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Before(st.cooldownUntil)
}

func (c *Client) markSuccess(st *providerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st.failures = 0
	st.cooldownUntil = time.Time{}
	observability.SetProviderCooldown(st.provider.Name(), false)
}

func (c *Client) markFailure(st *providerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st.failures++
	st.cooldownUntil = time.Now().Add(c.cooldownBase * time.Duration(st.failures))
	observability.SetProviderCooldown(st.provider.Name(), true)
}
