package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type memKV struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memKV) KVSet(_ context.Context, k, v string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string]string{}
	}
	m.data[k] = v
	return nil
}

func (m *memKV) KVGet(_ context.Context, k string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[k], nil
}

// stallingKV blocks every write until release is closed.
type stallingKV struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (k *stallingKV) KVSet(context.Context, string, string) error {
	k.once.Do(func() { close(k.entered) })
	<-k.release
	return nil
}

func (k *stallingKV) KVGet(context.Context, string) (string, error) { return "", nil }

func fixed(name, reply string, err error, calls *int) Provider {
	return ProviderFunc{ProviderName: name, Fn: func(context.Context, Request) (string, error) {
		if calls != nil {
			*calls++
		}
		return reply, err
	}}
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestGateway_FirstProviderWins(t *testing.T) {
	var primary, secondary int
	g := NewGateway([]Provider{
		fixed("groq", "fast answer", nil, &primary),
		fixed("openai", "slow answer", nil, &secondary),
	}, Options{})
	got, err := g.Complete(context.Background(), "sys", "hi")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got != "fast answer" || primary != 1 || secondary != 0 {
		t.Fatalf("got %q primary=%d secondary=%d", got, primary, secondary)
	}
}

func TestGateway_FailsOverInOrder(t *testing.T) {
	var order []string
	mk := func(name string, err error) Provider {
		return ProviderFunc{ProviderName: name, Fn: func(context.Context, Request) (string, error) {
			order = append(order, name)
			if err != nil {
				return "", err
			}
			return "from " + name, nil
		}}
	}
	g := NewGateway([]Provider{
		mk("groq", errors.New("connection refused")),
		mk("openai", &StatusError{Provider: "openai", StatusCode: 401}),
		mk("anthropic", nil),
	}, Options{})
	got, err := g.Complete(context.Background(), "", "hi")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got != "from anthropic" || strings.Join(order, ",") != "groq,openai,anthropic" {
		t.Fatalf("got %q via %v", got, order)
	}
}

func TestGateway_NoProvidersIsUnavailable(t *testing.T) {
	g := NewGateway(nil, Options{})
	_, err := g.Complete(context.Background(), "", "hi")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if g.Available() {
		t.Fatal("gateway without providers must not report available")
	}
}

func TestGateway_AllFailWrapsUnavailableAndLastError(t *testing.T) {
	last := errors.New("boom")
	g := NewGateway([]Provider{
		fixed("a", "", errors.New("first"), nil),
		fixed("b", "", last, nil),
	}, Options{})
	_, err := g.Complete(context.Background(), "", "hi")
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, last) {
		t.Fatalf("expected ErrUnavailable wrapping last error, got %v", err)
	}
}

func TestGateway_RetriesRateLimitWithBackoff(t *testing.T) {
	calls := 0
	p := ProviderFunc{ProviderName: "groq", Fn: func(context.Context, Request) (string, error) {
		calls++
		if calls < 3 {
			return "", &StatusError{Provider: "groq", StatusCode: 429}
		}
		return "ok", nil
	}}
	g := NewGateway([]Provider{p}, Options{RetryBaseDelay: 100 * time.Millisecond})
	var delays []time.Duration
	g.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	got, err := g.Complete(context.Background(), "", "hi")
	if err != nil || got != "ok" {
		t.Fatalf("complete: %q %v", got, err)
	}
	if len(delays) != 2 || delays[0] != 100*time.Millisecond || delays[1] != 200*time.Millisecond {
		t.Fatalf("expected doubling backoff, got %v", delays)
	}
}

func retries(n int) *int { return &n }

func TestGateway_ZeroRateLimitRetriesDisablesRetry(t *testing.T) {
	var calls int
	g := NewGateway([]Provider{fixed("groq", "", errors.New("429 too many requests"), &calls)}, Options{RateLimitRetries: retries(0)})
	g.sleep = noSleep
	if _, err := g.Complete(context.Background(), "sys", "hi"); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestGateway_RateLimitRetriesAreCapped(t *testing.T) {
	calls := 0
	g := NewGateway([]Provider{fixed("groq", "", errors.New("429 too many requests"), &calls)}, Options{RateLimitRetries: retries(3)})
	g.sleep = noSleep
	_, err := g.Complete(context.Background(), "", "hi")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 1 call + 3 retries, got %d", calls)
	}
}

func TestGateway_ContextOverflowStopsChain(t *testing.T) {
	var second int
	g := NewGateway([]Provider{
		fixed("a", "", errors.New("maximum context length exceeded"), nil),
		fixed("b", "never", nil, &second),
	}, Options{})
	_, err := g.Complete(context.Background(), "", "huge")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if second != 0 {
		t.Fatal("context overflow must not fail over")
	}
}

func TestGateway_PerAttemptTimeout(t *testing.T) {
	slow := ProviderFunc{ProviderName: "slow", Fn: func(ctx context.Context, _ Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	g := NewGateway([]Provider{slow, fixed("fast", "rescued", nil, nil)}, Options{Timeout: 20 * time.Millisecond})
	got, err := g.Complete(context.Background(), "", "hi")
	if err != nil || got != "rescued" {
		t.Fatalf("expected fallback provider after timeout, got %q %v", got, err)
	}
}

func TestGateway_EmptyReplyCountsAsFailure(t *testing.T) {
	g := NewGateway([]Provider{fixed("a", "   ", nil, nil), fixed("b", "real", nil, nil)}, Options{})
	got, err := g.Complete(context.Background(), "", "hi")
	if err != nil || got != "real" {
		t.Fatalf("got %q %v", got, err)
	}
}

func TestGateway_BreakerTripsAndResets(t *testing.T) {
	calls := 0
	kv := &memKV{}
	g := NewGateway([]Provider{fixed("a", "", errors.New("down"), &calls)}, Options{
		FailoverThreshold: 2,
		FailoverCooldown:  time.Minute,
		KV:                kv,
	})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, _ = g.Complete(context.Background(), "", "hi")
	}
	if calls != 2 {
		t.Fatalf("expected breaker to skip third call, got %d calls", calls)
	}
	st := g.Status()
	if len(st.Providers) != 1 || !st.Providers[0].Tripped {
		t.Fatalf("expected tripped breaker in status, got %+v", st)
	}
	if v, _ := kv.KVGet(context.Background(), "llm:breaker:a"); !strings.Contains(v, `"tripped":true`) {
		t.Fatalf("expected persisted breaker state, got %q", v)
	}

	restored := NewGateway([]Provider{fixed("a", "", nil, nil)}, Options{KV: kv, FailoverCooldown: time.Minute})
	restored.now = g.now
	restored.LoadBreakerState(context.Background())
	if !restored.Status().Providers[0].Tripped {
		t.Fatal("expected breaker state to survive restart")
	}

	now = now.Add(2 * time.Minute)
	_, _ = g.Complete(context.Background(), "", "hi")
	if calls != 3 {
		t.Fatalf("expected call after cooldown, got %d", calls)
	}
}

func TestGateway_CallOptionsOverrideDefaults(t *testing.T) {
	var seen Request
	p := ProviderFunc{ProviderName: "a", Fn: func(_ context.Context, r Request) (string, error) {
		seen = r
		return "ok", nil
	}}
	g := NewGateway([]Provider{p}, Options{Temperature: 0.7, MaxTokens: 4096})
	if _, err := g.Complete(context.Background(), "sys", "user", WithTemperature(0.2), WithMaxTokens(512)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if seen.System != "sys" || seen.Prompt != "user" || seen.Temperature != 0.2 || seen.MaxTokens != 512 {
		t.Fatalf("unexpected request %+v", seen)
	}
}

type modeledProvider struct {
	ProviderFunc
	model string
}

func (p modeledProvider) Model() string { return p.model }

func TestGateway_StatusTalliesUsage(t *testing.T) {
	priced := modeledProvider{ProviderFunc: fixed("openai", strings.Repeat("word ", 400), nil, nil).(ProviderFunc), model: "gpt-4o"}
	g := NewGateway([]Provider{priced, fixed("local", "unused", nil, nil)}, Options{})
	for i := 0; i < 2; i++ {
		if _, err := g.Complete(context.Background(), "sys", "write stories"); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	st := g.Status()
	if len(st.Providers) != 2 {
		t.Fatalf("providers = %d", len(st.Providers))
	}
	openai, local := st.Providers[0], st.Providers[1]
	if openai.Calls != 2 || openai.EstimatedTokens == 0 || openai.EstimatedCostUSD <= 0 {
		t.Fatalf("openai usage = %+v", openai)
	}
	if local.Calls != 0 || local.EstimatedCostUSD != 0 {
		t.Fatalf("local usage = %+v", local)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{nil, ErrorClassUnknown},
		{&StatusError{Provider: "x", StatusCode: 429}, ErrorClassRateLimit},
		{&StatusError{Provider: "x", StatusCode: 401}, ErrorClassAuth},
		{&StatusError{Provider: "x", StatusCode: 402}, ErrorClassBilling},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), ErrorClassTimeout},
		{errors.New("Rate limit reached for model"), ErrorClassRateLimit},
		{errors.New("This model's maximum context length is 8192 tokens"), ErrorClassContextOverflow},
		{errors.New("invalid api key provided"), ErrorClassAuth},
		{errors.New("connection reset by peer"), ErrorClassUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.want {
			t.Errorf("ClassifyError(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestGateway_SlowBreakerWriteDoesNotHoldLock(t *testing.T) {
	kv := &stallingKV{entered: make(chan struct{}), release: make(chan struct{})}
	g := NewGateway([]Provider{fixed("groq", "", errors.New("upstream exploded"), nil)}, Options{KV: kv})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = g.Complete(context.Background(), "sys", "hi")
	}()
	select {
	case <-kv.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("breaker state never persisted")
	}

	status := make(chan Status, 1)
	go func() { status <- g.Status() }()
	select {
	case st := <-status:
		if st.Providers[0].Failures != 1 {
			t.Fatalf("failures = %d, want 1", st.Providers[0].Failures)
		}
	case <-time.After(time.Second):
		t.Fatal("Status blocked behind the breaker write")
	}
	close(kv.release)
	<-done
}
