// Package llm provides chat-completion providers over the Anthropic and
// OpenAI SDKs and a failover client that tries them in priority order.
//
// Invariants:
// - A provider in cooldown is skipped, never waited on.
// - A nil or empty provider result is an error, never a silent success.
// - Context cancellation stops the failover chain immediately.
//
// Usage:
//
//	client, _ := llm.NewClient(llm.Options{
//		Providers: []llm.ProviderConfig{
//			{Provider: llm.NewAnthropicProvider(key), Model: "claude-3-5-sonnet-20241022"},
//			{Provider: llm.NewOpenAIProvider(key2), Model: "gpt-4o"},
//		},
//	})
//	resp, _ := client.Complete(ctx, llm.Request{Messages: msgs, Tools: tools.Specs()})
//	_ = resp
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/brainless/nocodo-agent/pkg/tools"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

var (
	// ErrAllProvidersFailed wraps the last provider error once every
	// configured provider has been tried or skipped.
	ErrAllProvidersFailed = errors.New("all providers failed")

	// ErrNoProviders is returned by a client configured without providers.
	ErrNoProviders = errors.New("no providers configured")

	// ErrEmptyResponse marks a provider result with neither content nor
	// tool calls.
	ErrEmptyResponse = errors.New("provider returned an empty response")
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one turn in the conversation. Tool results carry the
// ToolCallID they answer; assistant turns may carry tool calls.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Request contains the parameters for one completion call. System is the
// only system-prompt channel; messages with a system role are ignored.
type Request struct {
	Messages    []Message
	Tools       []tools.Spec
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Usage tracks token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the model's reply to one completion call.
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
	Provider  string     `json:"provider"`
	Model     string     `json:"model"`
}

// Provider is a single LLM backend.
type Provider interface {
	// Complete makes one blocking completion call.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream makes one completion call, forwarding text deltas to
	// onDelta as they arrive, and returns the complete response.
	Stream(ctx context.Context, req Request, onDelta func(string)) (*Response, error)

	// Name returns the provider identifier used in logs and metrics.
	Name() string
}

// DefaultMaxTokens bounds generations when the request sets no limit.
const DefaultMaxTokens = 4096

// IsRetryableError reports whether an error should trigger failover to
// the next provider. Rate limits, server errors, timeouts, connection
// failures and auth rejections all qualify: another provider with its
// own credentials and capacity may still succeed. Malformed requests do
// not, since every provider would reject them the same way.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrEmptyResponse) {
		return true
	}

	msg := strings.ToLower(err.Error())

	// Rate limits
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") || strings.Contains(msg, "too many requests") {
		return true
	}

	// Server errors, including Anthropic's 529 overloaded
	for _, s := range []string{"500", "502", "503", "504", "529",
		"internal server error", "bad gateway", "service unavailable",
		"gateway timeout", "overloaded"} {
		if strings.Contains(msg, s) {
			return true
		}
	}

	// Timeouts and connection failures
	for _, s := range []string{"timeout", "timed out", "deadline exceeded",
		"connection reset", "connection refused", "no such host"} {
		if strings.Contains(msg, s) {
			return true
		}
	}

	// Auth rejections fail over: the next provider has its own key.
	for _, s := range []string{"401", "403", "authentication",
		"invalid api key", "invalid x-api-key", "permission"} {
		if strings.Contains(msg, s) {
			return true
		}
	}

	return false
}

// validateResponse rejects nil and empty provider results.
func validateResponse(resp *Response) error {
	if resp == nil {
		return ErrEmptyResponse
	}
	if resp.Content == "" && len(resp.ToolCalls) == 0 {
		return ErrEmptyResponse
	}
	return nil
}

// decodeArguments parses raw tool-call arguments into the map form the
// provider SDKs expect. Empty arguments decode to an empty object.
func decodeArguments(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("parse tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}

// normalizeArguments guarantees tool-call arguments are a JSON object,
// mapping empty and null input to {}.
func normalizeArguments(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(trimmed)
}
