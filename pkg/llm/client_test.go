package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider consumes a scripted turn per call, recording the requests
// it saw.
type fakeProvider struct {
	name string

	mu     sync.Mutex
	seen   []Request
	script []fakeTurn
}

type fakeTurn struct {
	deltas []string
	resp   *Response
	err    error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) next(req Request) fakeTurn {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, req)
	if len(f.script) == 0 {
		return fakeTurn{err: errors.New("provider script exhausted")}
	}
	turn := f.script[0]
	f.script = f.script[1:]
	return turn
}

func (f *fakeProvider) Complete(_ context.Context, req Request) (*Response, error) {
	turn := f.next(req)
	return turn.resp, turn.err
}

func (f *fakeProvider) Stream(_ context.Context, req Request, onDelta func(string)) (*Response, error) {
	turn := f.next(req)
	for _, d := range turn.deltas {
		onDelta(d)
	}
	return turn.resp, turn.err
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

func (f *fakeProvider) requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.seen...)
}

func textResponse(provider, content string) *Response {
	return &Response{
		Content:  content,
		Provider: provider,
		Usage:    Usage{InputTokens: 12, OutputTokens: 4},
	}
}

func userRequest(content string) Request {
	return Request{Messages: []Message{{Role: RoleUser, Content: content}}}
}

func newTestClient(t *testing.T, cooldown time.Duration, providers ...*fakeProvider) *Client {
	t.Helper()
	configs := make([]ProviderConfig, len(providers))
	for i, p := range providers {
		configs[i] = ProviderConfig{Provider: p, Model: "test-model"}
	}
	client, err := NewClient(Options{Providers: configs, CooldownBase: cooldown})
	require.NoError(t, err)
	return client
}

func TestNewClient_NoProviders(t *testing.T) {
	_, err := NewClient(Options{})
	assert.ErrorIs(t, err, ErrNoProviders)
}

func TestNewClient_NilProvider(t *testing.T) {
	_, err := NewClient(Options{Providers: []ProviderConfig{{Model: "m"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil provider")
}

func TestNewClient_DefaultCooldown(t *testing.T) {
	client := newTestClient(t, 0, &fakeProvider{name: "p"})
	assert.Equal(t, DefaultCooldownBase, client.cooldownBase)
}

func TestClient_Providers(t *testing.T) {
	client := newTestClient(t, time.Hour,
		&fakeProvider{name: "primary"},
		&fakeProvider{name: "secondary"},
	)
	assert.Equal(t, []string{"primary", "secondary"}, client.Providers())
}

func TestClient_FirstProviderWins(t *testing.T) {
	primary := &fakeProvider{name: "primary", script: []fakeTurn{
		{resp: textResponse("primary", "answer")},
	}}
	secondary := &fakeProvider{name: "secondary"}
	client := newTestClient(t, time.Hour, primary, secondary)

	resp, err := client.Complete(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "primary", resp.Provider)
	assert.Equal(t, "answer", resp.Content)
	assert.Equal(t, 0, secondary.callCount())
}

func TestClient_FailoverOnRetryableError(t *testing.T) {
	primary := &fakeProvider{name: "primary", script: []fakeTurn{
		{err: errors.New("503 service unavailable")},
	}}
	secondary := &fakeProvider{name: "secondary", script: []fakeTurn{
		{resp: textResponse("secondary", "rescued")},
	}}
	client := newTestClient(t, time.Hour, primary, secondary)

	resp, err := client.Complete(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "secondary", resp.Provider)
	assert.Equal(t, 1, primary.callCount())
	assert.Equal(t, 1, secondary.callCount())
}

func TestClient_EmptyResponseFailsOver(t *testing.T) {
	primary := &fakeProvider{name: "primary", script: []fakeTurn{
		{resp: &Response{Provider: "primary"}},
	}}
	secondary := &fakeProvider{name: "secondary", script: []fakeTurn{
		{resp: textResponse("secondary", "content")},
	}}
	client := newTestClient(t, time.Hour, primary, secondary)

	resp, err := client.Complete(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "secondary", resp.Provider)
}

func TestClient_NonRetryableStopsChain(t *testing.T) {
	primary := &fakeProvider{name: "primary", script: []fakeTurn{
		{err: errors.New("400 max_tokens must be positive")},
	}}
	secondary := &fakeProvider{name: "secondary"}
	client := newTestClient(t, time.Hour, primary, secondary)

	_, err := client.Complete(context.Background(), userRequest("hi"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAllProvidersFailed)
	assert.Equal(t, 0, secondary.callCount(), "a request-shaped error is the caller's to fix, not another provider's")
}

func TestClient_AllProvidersFailed(t *testing.T) {
	primary := &fakeProvider{name: "primary", script: []fakeTurn{
		{err: errors.New("429 rate limit exceeded")},
	}}
	secondary := &fakeProvider{name: "secondary", script: []fakeTurn{
		{err: errors.New("503 service unavailable")},
	}}
	client := newTestClient(t, time.Hour, primary, secondary)

	_, err := client.Complete(context.Background(), userRequest("hi"))
	require.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.Contains(t, err.Error(), "service unavailable")
}

func TestClient_CooldownSkipsFailedProvider(t *testing.T) {
	primary := &fakeProvider{name: "primary", script: []fakeTurn{
		{err: errors.New("429 rate limit exceeded")},
	}}
	secondary := &fakeProvider{name: "secondary", script: []fakeTurn{
		{resp: textResponse("secondary", "first")},
		{resp: textResponse("secondary", "second")},
	}}
	client := newTestClient(t, time.Hour, primary, secondary)

	resp, err := client.Complete(context.Background(), userRequest("one"))
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Content)

	resp, err = client.Complete(context.Background(), userRequest("two"))
	require.NoError(t, err)
	assert.Equal(t, "second", resp.Content)
	assert.Equal(t, 1, primary.callCount(), "a provider in cooldown is skipped, not retried")
}

func TestClient_CooldownExpires(t *testing.T) {
	primary := &fakeProvider{name: "primary", script: []fakeTurn{
		{err: errors.New("503 service unavailable")},
		{resp: textResponse("primary", "back")},
	}}
	secondary := &fakeProvider{name: "secondary", script: []fakeTurn{
		{resp: textResponse("secondary", "rescue")},
	}}
	client := newTestClient(t, 10*time.Millisecond, primary, secondary)

	resp, err := client.Complete(context.Background(), userRequest("one"))
	require.NoError(t, err)
	assert.Equal(t, "rescue", resp.Content)

	time.Sleep(50 * time.Millisecond)

	resp, err = client.Complete(context.Background(), userRequest("two"))
	require.NoError(t, err)
	assert.Equal(t, "back", resp.Content)
	assert.Equal(t, 1, secondary.callCount())
}

func TestClient_ConsecutiveFailuresExtendCooldown(t *testing.T) {
	provider := &fakeProvider{name: "flaky", script: []fakeTurn{
		{err: errors.New("503 service unavailable")},
		{err: errors.New("503 service unavailable")},
		{resp: textResponse("flaky", "recovered")},
	}}
	client := newTestClient(t, time.Millisecond, provider)

	_, err := client.Complete(context.Background(), userRequest("one"))
	require.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.Equal(t, 1, client.states[0].failures)

	time.Sleep(10 * time.Millisecond)
	_, err = client.Complete(context.Background(), userRequest("two"))
	require.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.Equal(t, 2, client.states[0].failures)

	time.Sleep(20 * time.Millisecond)
	resp, err := client.Complete(context.Background(), userRequest("three"))
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, 0, client.states[0].failures)
	assert.True(t, client.states[0].cooldownUntil.IsZero())
}

func TestClient_AllProvidersInCooldown(t *testing.T) {
	provider := &fakeProvider{name: "only", script: []fakeTurn{
		{err: errors.New("503 service unavailable")},
	}}
	client := newTestClient(t, time.Hour, provider)

	_, err := client.Complete(context.Background(), userRequest("one"))
	require.ErrorIs(t, err, ErrAllProvidersFailed)

	_, err = client.Complete(context.Background(), userRequest("two"))
	require.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.Contains(t, err.Error(), "every provider is in cooldown")
	assert.Equal(t, 1, provider.callCount())
}

func TestClient_ModelDefaultsPerProvider(t *testing.T) {
	provider := &fakeProvider{name: "p", script: []fakeTurn{
		{resp: textResponse("p", "a")},
		{resp: textResponse("p", "b")},
	}}
	client := newTestClient(t, time.Hour, provider)

	_, err := client.Complete(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	req := userRequest("hi")
	req.Model = "override-model"
	_, err = client.Complete(context.Background(), req)
	require.NoError(t, err)

	seen := provider.requests()
	require.Len(t, seen, 2)
	assert.Equal(t, "test-model", seen[0].Model)
	assert.Equal(t, "override-model", seen[1].Model)
}

func TestClient_ContextCancelled(t *testing.T) {
	provider := &fakeProvider{name: "p", script: []fakeTurn{
		{resp: textResponse("p", "never served")},
	}}
	client := newTestClient(t, time.Hour, provider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Complete(ctx, userRequest("hi"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, provider.callCount())
}

func TestClient_StreamForwardsDeltas(t *testing.T) {
	provider := &fakeProvider{name: "p", script: []fakeTurn{
		{deltas: []string{"Hel", "lo"}, resp: textResponse("p", "Hello")},
	}}
	client := newTestClient(t, time.Hour, provider)

	var got []string
	resp, err := client.Stream(context.Background(), userRequest("hi"), func(d string) {
		got = append(got, d)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, got)
	assert.Equal(t, "Hello", resp.Content)
}

func TestClient_StreamFailsOverBeforeAnyDelta(t *testing.T) {
	primary := &fakeProvider{name: "primary", script: []fakeTurn{
		{err: errors.New("503 service unavailable")},
	}}
	secondary := &fakeProvider{name: "secondary", script: []fakeTurn{
		{deltas: []string{"rescued"}, resp: textResponse("secondary", "rescued")},
	}}
	client := newTestClient(t, time.Hour, primary, secondary)

	var got []string
	resp, err := client.Stream(context.Background(), userRequest("hi"), func(d string) {
		got = append(got, d)
	})
	require.NoError(t, err)
	assert.Equal(t, "secondary", resp.Provider)
	assert.Equal(t, []string{"rescued"}, got)
}

func TestClient_StreamNeverFailsOverAfterDelta(t *testing.T) {
	primary := &fakeProvider{name: "primary", script: []fakeTurn{
		{deltas: []string{"partial "}, err: errors.New("connection reset by peer")},
	}}
	secondary := &fakeProvider{name: "secondary", script: []fakeTurn{
		{resp: textResponse("secondary", "would duplicate output")},
	}}
	client := newTestClient(t, time.Hour, primary, secondary)

	var got []string
	_, err := client.Stream(context.Background(), userRequest("hi"), func(d string) {
		got = append(got, d)
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAllProvidersFailed)
	assert.Equal(t, 0, secondary.callCount(),
		"output already reached the consumer; replaying elsewhere would duplicate it")
	assert.Equal(t, []string{"partial "}, got)
}
