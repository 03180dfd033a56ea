package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/storyforge/internal/otel"
	"github.com/basket/storyforge/internal/pricing"
	"github.com/basket/storyforge/internal/tokenutil"
)

// KVStore persists breaker state across restarts.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

type Options struct {
	Timeout           time.Duration // per attempt, default 30s
	RateLimitRetries  *int          // nil means 3; 0 disables retries
	RetryBaseDelay    time.Duration // default 500ms
	Temperature       float64
	MaxTokens         int
	FailoverThreshold int           // consecutive failures before a breaker trips, default 5
	FailoverCooldown  time.Duration // default 5m

	KV      KVStore
	Tracer  trace.Tracer
	Metrics *otel.Metrics
	Logger  *slog.Logger
}

// modeler is implemented by providers that know their model name, which
// is what cost estimation keys on.
type modeler interface {
	Model() string
}

type usage struct {
	calls   int
	tokens  int
	costUSD float64
}

type breaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

// Gateway tries providers in order; the first non-error reply wins.
type Gateway struct {
	opts    Options
	retries int

	mu        sync.Mutex
	providers []Provider
	breakers  map[string]*breaker
	usage     map[string]*usage

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewGateway(providers []Provider, opts Options) *Gateway {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 500 * time.Millisecond
	}
	if opts.FailoverThreshold <= 0 {
		opts.FailoverThreshold = 5
	}
	if opts.FailoverCooldown <= 0 {
		opts.FailoverCooldown = 5 * time.Minute
	}
	if opts.Tracer == nil {
		opts.Tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	retries := 3
	if opts.RateLimitRetries != nil {
		retries = max(0, *opts.RateLimitRetries)
	}
	g := &Gateway{
		opts:     opts,
		retries:  retries,
		breakers: make(map[string]*breaker),
		usage:    make(map[string]*usage),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	g.SetProviders(providers)
	return g
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetProviders swaps the strategy list, keeping breaker state for providers
// that survive the swap. Used on config reload.
func (g *Gateway) SetProviders(providers []Provider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers = append([]Provider(nil), providers...)
	for _, p := range providers {
		if _, ok := g.breakers[p.Name()]; !ok {
			g.breakers[p.Name()] = &breaker{}
		}
	}
}

// Available reports whether any provider is configured.
func (g *Gateway) Available() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.providers) > 0
}

// Complete runs the failover chain. Every failure wraps ErrUnavailable.
func (g *Gateway) Complete(ctx context.Context, system, prompt string, opts ...CallOption) (string, error) {
	req := Request{
		System:      system,
		Prompt:      prompt,
		Temperature: g.opts.Temperature,
		MaxTokens:   g.opts.MaxTokens,
	}
	for _, o := range opts {
		o(&req)
	}

	g.mu.Lock()
	providers := append([]Provider(nil), g.providers...)
	g.mu.Unlock()
	if len(providers) == 0 {
		return "", fmt.Errorf("%w: no providers configured", ErrUnavailable)
	}

	var lastErr error
	for _, p := range providers {
		name := p.Name()
		if g.isTripped(name) {
			g.opts.Logger.Info("llm: skipping tripped provider", "provider", name)
			continue
		}

		text, err := g.attempt(ctx, p, req)
		if err == nil {
			g.recordSuccess(ctx, name)
			return text, nil
		}

		lastErr = err
		g.recordFailure(ctx, name)
		ec := ClassifyError(err)
		g.opts.Logger.Warn("llm: provider failed", "provider", name, "error_class", string(ec), "error", err)

		// The prompt is the same everywhere, so nobody else will accept it.
		if ec == ErrorClassContextOverflow {
			return "", fmt.Errorf("%w: context overflow from %s: %w", ErrUnavailable, name, err)
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
		}
	}
	if lastErr == nil {
		return "", fmt.Errorf("%w: all providers are cooling down", ErrUnavailable)
	}
	return "", fmt.Errorf("%w: all providers failed: %w", ErrUnavailable, lastErr)
}

// attempt calls one provider, retrying rate-limit errors with exponential
// backoff (base, 2×base, 4×base ...).
func (g *Gateway) attempt(ctx context.Context, p Provider, req Request) (string, error) {
	for try := 0; ; try++ {
		callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
		callCtx, span := otel.StartProviderSpan(callCtx, g.opts.Tracer, p.Name(), try+1)
		start := g.now()
		text, err := p.Complete(callCtx, req)
		if err == nil && strings.TrimSpace(text) == "" {
			err = fmt.Errorf("%s: empty response", p.Name())
		}
		elapsed := g.now().Sub(start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		cancel()

		if err == nil {
			g.opts.Metrics.RecordLLMCall(ctx, p.Name(), elapsed, "")
			g.recordUsage(ctx, p, req, text)
			return text, nil
		}
		ec := ClassifyError(err)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%s: attempt timed out after %s: %w", p.Name(), g.opts.Timeout, err)
			ec = ErrorClassTimeout
		}
		g.opts.Metrics.RecordLLMCall(ctx, p.Name(), elapsed, string(ec))
		if ec != ErrorClassRateLimit || try >= g.retries {
			return "", err
		}
		delay := g.opts.RetryBaseDelay << uint(try)
		g.opts.Logger.Info("llm: rate limited, backing off", "provider", p.Name(), "attempt", try+1, "delay", delay)
		if serr := g.sleep(ctx, delay); serr != nil {
			return "", serr
		}
	}
}

// recordUsage tallies estimated tokens and cost for a successful call.
// Token counts are heuristic; providers' own usage fields are not parsed.
func (g *Gateway) recordUsage(ctx context.Context, p Provider, req Request, reply string) {
	promptTokens := tokenutil.EstimateTokens(req.System) + tokenutil.EstimateTokens(req.Prompt)
	completionTokens := tokenutil.EstimateTokens(reply)
	var cost float64
	if m, ok := p.(modeler); ok {
		cost = pricing.EstimateCost(m.Model(), promptTokens, completionTokens)
	}
	g.opts.Metrics.RecordLLMUsage(ctx, p.Name(), promptTokens+completionTokens, cost)

	g.mu.Lock()
	defer g.mu.Unlock()
	u, ok := g.usage[p.Name()]
	if !ok {
		u = &usage{}
		g.usage[p.Name()] = u
	}
	u.calls++
	u.tokens += promptTokens + completionTokens
	u.costUSD += cost
}

// ProviderStatus is one row of Status.
type ProviderStatus struct {
	Name             string    `json:"name"`
	Failures         int       `json:"failures"`
	Tripped          bool      `json:"tripped"`
	LastFailure      time.Time `json:"lastFailure,omitempty"`
	Calls            int       `json:"calls"`
	EstimatedTokens  int       `json:"estimatedTokens"`
	EstimatedCostUSD float64   `json:"estimatedCostUsd"`
}

type Status struct {
	Available bool             `json:"available"`
	Providers []ProviderStatus `json:"providers"`
}

// Status reports the configured chain and breaker states.
func (g *Gateway) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := Status{Available: len(g.providers) > 0, Providers: []ProviderStatus{}}
	for _, p := range g.providers {
		cb := g.breakers[p.Name()]
		ps := ProviderStatus{Name: p.Name()}
		if cb != nil {
			ps.Failures, ps.Tripped, ps.LastFailure = cb.failures, cb.tripped, cb.lastFailure
		}
		if u := g.usage[p.Name()]; u != nil {
			ps.Calls, ps.EstimatedTokens, ps.EstimatedCostUSD = u.calls, u.tokens, u.costUSD
		}
		st.Providers = append(st.Providers, ps)
	}
	return st
}

// isTripped resets the breaker once the cooldown has elapsed.
func (g *Gateway) isTripped(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	cb, ok := g.breakers[name]
	if !ok || !cb.tripped {
		return false
	}
	if g.now().Sub(cb.lastFailure) >= g.opts.FailoverCooldown {
		cb.tripped = false
		cb.failures = 0
		g.opts.Logger.Info("llm: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

func (g *Gateway) recordFailure(ctx context.Context, name string) {
	g.mu.Lock()
	cb, ok := g.breakers[name]
	if !ok {
		cb = &breaker{}
		g.breakers[name] = cb
	}
	cb.failures++
	cb.lastFailure = g.now()
	if cb.failures >= g.opts.FailoverThreshold && !cb.tripped {
		cb.tripped = true
		g.opts.Logger.Warn("llm: circuit breaker tripped", "provider", name, "failures", cb.failures)
	}
	st := cb.state()
	g.mu.Unlock()
	g.persistBreaker(ctx, name, st)
}

func (g *Gateway) recordSuccess(ctx context.Context, name string) {
	g.mu.Lock()
	cb, ok := g.breakers[name]
	if !ok || (cb.failures == 0 && !cb.tripped) {
		g.mu.Unlock()
		return
	}
	cb.failures = 0
	cb.tripped = false
	st := cb.state()
	g.mu.Unlock()
	g.persistBreaker(ctx, name, st)
}

type breakerState struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	Tripped     bool      `json:"tripped"`
}

func (cb *breaker) state() breakerState {
	return breakerState{Failures: cb.failures, LastFailure: cb.lastFailure, Tripped: cb.tripped}
}

func breakerKey(name string) string { return "llm:breaker:" + name }

// persistBreaker writes a copy of the state taken under g.mu; it must be
// called without the lock so a slow store never stalls other calls.
func (g *Gateway) persistBreaker(ctx context.Context, name string, st breakerState) {
	if g.opts.KV == nil {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := g.opts.KV.KVSet(context.WithoutCancel(ctx), breakerKey(name), string(data)); err != nil {
		g.opts.Logger.Warn("llm: persist breaker state failed", "provider", name, "error", err)
	}
}

// LoadBreakerState restores breaker state saved by a previous process.
func (g *Gateway) LoadBreakerState(ctx context.Context) {
	if g.opts.KV == nil {
		return
	}
	g.mu.Lock()
	names := make([]string, 0, len(g.breakers))
	for name := range g.breakers {
		names = append(names, name)
	}
	g.mu.Unlock()

	for _, name := range names {
		val, err := g.opts.KV.KVGet(ctx, breakerKey(name))
		if err != nil || val == "" {
			continue
		}
		var st breakerState
		if err := json.Unmarshal([]byte(val), &st); err != nil {
			continue
		}
		g.mu.Lock()
		if cb, ok := g.breakers[name]; ok {
			cb.failures, cb.lastFailure, cb.tripped = st.Failures, st.LastFailure, st.Tripped
		}
		g.mu.Unlock()
	}
}
