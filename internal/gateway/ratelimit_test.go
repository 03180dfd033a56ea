package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/storyforge/internal/gateway"
)

func limitedRequest(handler http.Handler, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/api/projects", nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_BurstThenReject(t *testing.T) {
	handler := gateway.NewRateLimitMiddleware(60, 3, nil).Wrap(okHandler(t))

	for i := 0; i < 3; i++ {
		if rec := limitedRequest(handler, "k"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := limitedRequest(handler, "k")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if ra := rec.Header().Get("Retry-After"); ra != "1" {
		t.Fatalf("Retry-After = %q", ra)
	}
}

func TestRateLimit_RetryAfterReflectsRefillRate(t *testing.T) {
	// 6 rpm is one token every ten seconds.
	handler := gateway.NewRateLimitMiddleware(6, 1, nil).Wrap(okHandler(t))
	limitedRequest(handler, "slow")
	rec := limitedRequest(handler, "slow")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if ra := rec.Header().Get("Retry-After"); ra != "10" {
		t.Fatalf("Retry-After = %q, want 10", ra)
	}
}

func TestRateLimit_RefillOverTime(t *testing.T) {
	// 60 rpm is one token per second.
	handler := gateway.NewRateLimitMiddleware(60, 1, nil).Wrap(okHandler(t))

	if rec := limitedRequest(handler, "refill"); rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	if rec := limitedRequest(handler, "refill"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 immediately after, got %d", rec.Code)
	}
	time.Sleep(1100 * time.Millisecond)
	if rec := limitedRequest(handler, "refill"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after refill, got %d", rec.Code)
	}
}

func TestRateLimit_PerKeyIsolation(t *testing.T) {
	handler := gateway.NewRateLimitMiddleware(60, 1, nil).Wrap(okHandler(t))

	limitedRequest(handler, "key-a")
	if rec := limitedRequest(handler, "key-a"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("key-a: expected 429, got %d", rec.Code)
	}
	if rec := limitedRequest(handler, "key-b"); rec.Code != http.StatusOK {
		t.Fatalf("key-b: expected 200, got %d", rec.Code)
	}
}

func TestRateLimit_SkipsHealthz(t *testing.T) {
	handler := gateway.NewRateLimitMiddleware(60, 1, nil).Wrap(okHandler(t))
	limitedRequest(handler, "")

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("/healthz %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	handler := gateway.NewRateLimitMiddleware(0, 1, nil).Wrap(okHandler(t))
	for i := 0; i < 5; i++ {
		if rec := limitedRequest(handler, "k"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(60, 5, nil)
	handler := rl.Wrap(okHandler(t))
	limitedRequest(handler, "a")
	limitedRequest(handler, "b")
	if rl.BucketCount() != 2 {
		t.Fatalf("buckets = %d, want 2", rl.BucketCount())
	}
	time.Sleep(20 * time.Millisecond)
	rl.EvictStale(10 * time.Millisecond)
	if rl.BucketCount() != 0 {
		t.Fatalf("buckets after eviction = %d, want 0", rl.BucketCount())
	}
}
