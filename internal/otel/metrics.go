package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the service's instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	LLMCallDuration  metric.Float64Histogram
	LLMFailures      metric.Int64Counter
	LLMTokens        metric.Int64Counter
	LLMCost          metric.Float64Counter
	AIFallbacks      metric.Int64Counter
	SyncFlags        metric.Int64Counter
	BatchItemErrors  metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.RequestDuration, err = meter.Float64Histogram("storyforge.request.duration",
		metric.WithDescription("REST request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.LLMCallDuration, err = meter.Float64Histogram("storyforge.llm.duration",
		metric.WithDescription("LLM provider call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.LLMFailures, err = meter.Int64Counter("storyforge.llm.failures",
		metric.WithDescription("Failed LLM provider attempts by error class"),
	); err != nil {
		return nil, err
	}
	if m.LLMTokens, err = meter.Int64Counter("storyforge.llm.tokens",
		metric.WithDescription("Estimated prompt plus completion tokens"),
	); err != nil {
		return nil, err
	}
	if m.LLMCost, err = meter.Float64Counter("storyforge.llm.cost",
		metric.WithDescription("Estimated provider spend"),
		metric.WithUnit("USD"),
	); err != nil {
		return nil, err
	}
	if m.AIFallbacks, err = meter.Int64Counter("storyforge.ai.fallbacks",
		metric.WithDescription("Generator results served from deterministic fallbacks"),
	); err != nil {
		return nil, err
	}
	if m.SyncFlags, err = meter.Int64Counter("storyforge.sync.flags",
		metric.WithDescription("Stories and test cases flagged by requirement changes"),
	); err != nil {
		return nil, err
	}
	if m.BatchItemErrors, err = meter.Int64Counter("storyforge.batch.item_errors",
		metric.WithDescription("Failed items inside batch operations"),
	); err != nil {
		return nil, err
	}
	if m.RateLimitRejects, err = meter.Int64Counter("storyforge.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordRequest(ctx context.Context, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrRoute.String(route), AttrStatus.Int(status)))
}

func (m *Metrics) RecordLLMCall(ctx context.Context, provider string, d time.Duration, errClass string) {
	if m == nil {
		return
	}
	m.LLMCallDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrProvider.String(provider)))
	if errClass != "" {
		m.LLMFailures.Add(ctx, 1, metric.WithAttributes(AttrProvider.String(provider), attribute.String("error_class", errClass)))
	}
}

func (m *Metrics) RecordLLMUsage(ctx context.Context, provider string, tokens int, costUSD float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrProvider.String(provider))
	m.LLMTokens.Add(ctx, int64(tokens), attrs)
	if costUSD > 0 {
		m.LLMCost.Add(ctx, costUSD, attrs)
	}
}

func (m *Metrics) RecordFallback(ctx context.Context, feature string) {
	if m == nil {
		return
	}
	m.AIFallbacks.Add(ctx, 1, metric.WithAttributes(AttrFeature.String(feature)))
}

func (m *Metrics) RecordSyncFlags(ctx context.Context, entity string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SyncFlags.Add(ctx, int64(n), metric.WithAttributes(attribute.String("entity", entity)))
}

func (m *Metrics) RecordBatchErrors(ctx context.Context, op string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.BatchItemErrors.Add(ctx, int64(n), metric.WithAttributes(attribute.String("op", op)))
}

func (m *Metrics) RecordRateLimitReject(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}
