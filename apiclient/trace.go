package apiclient

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Error type classifications for the error.type span attribute.
const (
	errorTypeClient      = "client_error"
	errorTypeServer      = "server_error"
	errorTypeRateLimited = "rate_limited"
	errorTypeExhausted   = "retry_exhausted"
	errorTypeCircuitOpen = "circuit_open"
	errorTypeTimeout     = "timeout"
	errorTypeNetwork     = "network_error"
	errorTypeCancelled   = "cancelled"
	errorTypeUnknown     = "unknown"
)

// errorType classifies err for the error.type attribute. The closed error
// set makes this a direct mapping. RetryExhaustedError is checked before
// the types it wraps, and timeouts before generic network errors, for the
// same reason classifyFallback orders its checks.
func errorType(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return errorTypeCancelled
	}

	var (
		exhausted   *RetryExhaustedError
		circuitOpen *CircuitOpenError
		rateLimited *RateLimitedError
		clientErr   *ClientError
		serverErr   *ServerError
	)
	switch {
	case errors.As(err, &exhausted):
		return errorTypeExhausted
	case errors.As(err, &circuitOpen):
		return errorTypeCircuitOpen
	case errors.As(err, &rateLimited):
		return errorTypeRateLimited
	case errors.As(err, &clientErr):
		return errorTypeClient
	case errors.As(err, &serverErr):
		return errorTypeServer
	case isTimeoutError(err):
		return errorTypeTimeout
	case isNetworkError(err):
		return errorTypeNetwork
	}
	return errorTypeUnknown
}

// startRequestSpan opens the span covering one logical request, retries
// included.
func startRequestSpan(ctx context.Context, tracer trace.Tracer, source, method, endpoint string) (context.Context, trace.Span) {
	return tracer.Start(ctx, method+" "+endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("source", source),
			attribute.String("http.method", method),
			attribute.String("endpoint", endpoint),
		),
	)
}

// addRetryEvent marks a rescheduled attempt on the active span.
func addRetryEvent(ctx context.Context, attempt int, next time.Duration, err error) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent("retry", trace.WithAttributes(
		attribute.Int("retry.attempt", attempt),
		attribute.Float64("retry.wait_ms", float64(next.Milliseconds())),
		attribute.String("error", err.Error()),
	))
}

// setSpanError records an error on the span with proper status and attributes.
func setSpanError(span trace.Span, err error, errorType string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errorType != "" {
		span.SetAttributes(attribute.String("error.type", errorType))
	}
}
