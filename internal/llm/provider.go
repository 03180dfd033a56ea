// Package llm is the gateway to chat-completion providers: an ordered
// strategy list with circuit breakers, per-attempt timeouts and rate-limit
// backoff, plus tolerant JSON extraction and schema validation of replies.
package llm

import "context"

// Request is one completion call.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Provider is one strategy in the failover chain.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// Completer is what generators depend on. *Gateway implements it.
type Completer interface {
	Complete(ctx context.Context, system, prompt string, opts ...CallOption) (string, error)
}

type CallOption func(*Request)

func WithTemperature(t float64) CallOption {
	return func(r *Request) { r.Temperature = t }
}

func WithMaxTokens(n int) CallOption {
	return func(r *Request) { r.MaxTokens = n }
}

// ProviderFunc adapts a function to Provider; handy in tests and for
// wrapping ad hoc endpoints.
type ProviderFunc struct {
	ProviderName string
	Fn           func(ctx context.Context, req Request) (string, error)
}

func (p ProviderFunc) Name() string { return p.ProviderName }

func (p ProviderFunc) Complete(ctx context.Context, req Request) (string, error) {
	return p.Fn(ctx, req)
}
