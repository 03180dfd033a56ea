package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartRequestSpan opens the server span for one REST request. The name is
// provisional; callers rename it once the route pattern is known.
func StartRequestSpan(ctx context.Context, tracer trace.Tracer, method, target, requestID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, method+" "+target,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", target),
			AttrRequestID.String(requestID),
		),
	)
}

// StartProviderSpan opens a client span for one LLM provider attempt.
// attempt counts from 1; rate-limit retries get their own span.
func StartProviderSpan(ctx context.Context, tracer trace.Tracer, provider string, attempt int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "llm.complete "+provider,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrProvider.String(provider), AttrAttempt.Int(attempt)),
	)
}
