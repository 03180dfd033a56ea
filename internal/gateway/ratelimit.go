package gateway

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/basket/storyforge/internal/apperr"
	"github.com/basket/storyforge/internal/audit"
	"github.com/basket/storyforge/internal/otel"
)

// bucket is a token bucket. All fields are guarded by the limiter's mutex.
type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// RateLimitMiddleware keeps one token bucket per client: the presented
// token when there is one, else the remote IP.
type RateLimitMiddleware struct {
	perSecond float64
	burst     float64
	metrics   *otel.Metrics
	now       func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewRateLimitMiddleware returns a limiter; rpm <= 0 disables it. burst
// defaults to 10.
func NewRateLimitMiddleware(rpm, burst int, metrics *otel.Metrics) *RateLimitMiddleware {
	if burst <= 0 {
		burst = 10
	}
	return &RateLimitMiddleware{
		perSecond: float64(rpm) / 60,
		burst:     float64(burst),
		metrics:   metrics,
		now:       time.Now,
		buckets:   make(map[string]*bucket),
	}
}

// take spends one token for key. When the bucket is empty it reports how
// long until the next token is available.
func (rl *RateLimitMiddleware) take(key string) (bool, time.Duration) {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.burst, lastSeen: now}
		rl.buckets[key] = b
	}
	b.tokens = math.Min(rl.burst, b.tokens+now.Sub(b.lastSeen).Seconds()*rl.perSecond)
	b.lastSeen = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	return false, time.Duration((1 - b.tokens) / rl.perSecond * float64(time.Second))
}

// StartEviction periodically drops buckets idle for longer than maxAge.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) {
	cutoff := rl.now().Add(-maxAge)
	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.buckets))
	}
}

func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// retryAfterSeconds rounds up and never advertises less than one second.
func retryAfterSeconds(wait time.Duration) string {
	return strconv.Itoa(max(1, int(math.Ceil(wait.Seconds()))))
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if rl.perSecond <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractToken(r)
		if key == "" {
			key = clientIP(r)
		}
		if ok, wait := rl.take(key); !ok {
			rl.metrics.RecordRateLimitReject(r.Context())
			audit.Record(r.Context(), audit.DecisionDeny, "api.rate_limit", "bucket_empty", clientIP(r))
			w.Header().Set("Retry-After", retryAfterSeconds(wait))
			writeStatus(w, http.StatusTooManyRequests, envelope{Error: &errorBody{Code: apperr.CodeRateLimited, Message: "rate limit exceeded"}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
