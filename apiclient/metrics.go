package apiclient

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the metric instruments for client operations. Every
// record helper is nil-safe so a client without a meter provider pays
// almost nothing.
type metrics struct {
	// === Request Metrics ===

	// requests counts completed attempts by source, method, and status.
	requests metric.Int64Counter

	// requestDuration measures a single attempt's duration in seconds.
	requestDuration metric.Float64Histogram

	// responseBodySize measures response body sizes in bytes.
	responseBodySize metric.Int64Histogram

	// === Resilience Metrics ===

	// rateLimitWait measures time spent blocked on the token bucket.
	rateLimitWait metric.Float64Histogram

	// breakerState tracks the breaker state per source
	// (0 closed, 1 half-open, 2 open).
	breakerState metric.Int64Gauge

	// breakerRejections counts calls refused while the breaker was open.
	breakerRejections metric.Int64Counter

	// retryAttempts counts retries. Incremented each time an attempt is
	// rescheduled, not on the first try.
	retryAttempts metric.Int64Counter

	// retryExhausted counts requests that consumed every attempt.
	retryExhausted metric.Int64Counter

	// fallbacks counts degraded responses served, by strategy.
	fallbacks metric.Int64Counter

	// === Cache Metrics ===

	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter

	// === Pagination Metrics ===

	// pages counts pages fetched, by strategy.
	pages metric.Int64Counter

	// partialFailures counts short pages queued for requeue.
	partialFailures metric.Int64Counter
}

// newMetrics creates and registers metric instruments.
func newMetrics(meter metric.Meter) (*metrics, error) {
	m := &metrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"apiclient.requests",
		metric.WithDescription("Number of completed request attempts"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.requestDuration, err = meter.Float64Histogram(
		"apiclient.request.duration",
		metric.WithDescription("Duration of a single request attempt in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10,
		),
	)
	if err != nil {
		return nil, err
	}

	m.responseBodySize, err = meter.Int64Histogram(
		"apiclient.response.body.size",
		metric.WithDescription("Size of response bodies in bytes"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(
			0, 100, 1024, 10*1024, 100*1024, 1024*1024, 10*1024*1024,
		),
	)
	if err != nil {
		return nil, err
	}

	m.rateLimitWait, err = meter.Float64Histogram(
		"apiclient.rate_limit.wait",
		metric.WithDescription("Time spent waiting for a rate limit token in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
		),
	)
	if err != nil {
		return nil, err
	}

	m.breakerState, err = meter.Int64Gauge(
		"apiclient.breaker.state",
		metric.WithDescription("Circuit breaker state (0 closed, 1 half-open, 2 open)"),
	)
	if err != nil {
		return nil, err
	}

	m.breakerRejections, err = meter.Int64Counter(
		"apiclient.breaker.rejections",
		metric.WithDescription("Number of calls refused while the breaker was open"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	m.retryAttempts, err = meter.Int64Counter(
		"apiclient.retry.attempts",
		metric.WithDescription("Number of retried request attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.retryExhausted, err = meter.Int64Counter(
		"apiclient.retry.exhausted",
		metric.WithDescription("Number of requests that exhausted all retries"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.fallbacks, err = meter.Int64Counter(
		"apiclient.fallbacks",
		metric.WithDescription("Number of degraded fallback responses served"),
		metric.WithUnit("{response}"),
	)
	if err != nil {
		return nil, err
	}

	m.cacheHits, err = meter.Int64Counter(
		"apiclient.cache.hits",
		metric.WithDescription("Number of responses served from cache"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, err
	}

	m.cacheMisses, err = meter.Int64Counter(
		"apiclient.cache.misses",
		metric.WithDescription("Number of cache lookups that missed"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, err
	}

	m.pages, err = meter.Int64Counter(
		"apiclient.pages",
		metric.WithDescription("Number of pages fetched during pagination"),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		return nil, err
	}

	m.partialFailures, err = meter.Int64Counter(
		"apiclient.partial_failures",
		metric.WithDescription("Number of short pages queued for requeue"),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func sourceAttr(source string) attribute.KeyValue {
	return attribute.String("source", source)
}

// recordRequest records one completed attempt.
func (m *metrics) recordRequest(ctx context.Context, source, method string, status int) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(
		sourceAttr(source),
		attribute.String("http.method", method),
		attribute.Int("http.status", status),
	))
}

func (m *metrics) recordRequestDuration(ctx context.Context, source string, d time.Duration) {
	if m == nil || m.requestDuration == nil {
		return
	}
	m.requestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(sourceAttr(source)))
}

func (m *metrics) recordResponseSize(ctx context.Context, source string, size int64) {
	if m == nil || m.responseBodySize == nil {
		return
	}
	m.responseBodySize.Record(ctx, size, metric.WithAttributes(sourceAttr(source)))
}

func (m *metrics) recordRateLimitWait(ctx context.Context, source string, d time.Duration) {
	if m == nil || m.rateLimitWait == nil {
		return
	}
	m.rateLimitWait.Record(ctx, d.Seconds(), metric.WithAttributes(sourceAttr(source)))
}

func (m *metrics) recordBreakerState(ctx context.Context, source string, state gobreaker.State) {
	if m == nil || m.breakerState == nil {
		return
	}
	m.breakerState.Record(ctx, int64(state), metric.WithAttributes(sourceAttr(source)))
}

func (m *metrics) recordBreakerRejection(ctx context.Context, source string) {
	if m == nil || m.breakerRejections == nil {
		return
	}
	m.breakerRejections.Add(ctx, 1, metric.WithAttributes(sourceAttr(source)))
}

// recordRetry records attempt being rescheduled after a failure.
func (m *metrics) recordRetry(ctx context.Context, source string, attempt int) {
	if m == nil || m.retryAttempts == nil {
		return
	}
	m.retryAttempts.Add(ctx, 1, metric.WithAttributes(
		sourceAttr(source),
		attribute.Int("retry.attempt", attempt),
	))
}

func (m *metrics) recordRetryExhausted(ctx context.Context, source string) {
	if m == nil || m.retryExhausted == nil {
		return
	}
	m.retryExhausted.Add(ctx, 1, metric.WithAttributes(sourceAttr(source)))
}

func (m *metrics) recordFallback(ctx context.Context, source, strategy string) {
	if m == nil || m.fallbacks == nil {
		return
	}
	m.fallbacks.Add(ctx, 1, metric.WithAttributes(
		sourceAttr(source),
		attribute.String("fallback.strategy", strategy),
	))
}

func (m *metrics) recordCacheHit(ctx context.Context, source string) {
	if m == nil || m.cacheHits == nil {
		return
	}
	m.cacheHits.Add(ctx, 1, metric.WithAttributes(sourceAttr(source)))
}

func (m *metrics) recordCacheMiss(ctx context.Context, source string) {
	if m == nil || m.cacheMisses == nil {
		return
	}
	m.cacheMisses.Add(ctx, 1, metric.WithAttributes(sourceAttr(source)))
}

func (m *metrics) recordPage(ctx context.Context, source, strategy string) {
	if m == nil || m.pages == nil {
		return
	}
	m.pages.Add(ctx, 1, metric.WithAttributes(
		sourceAttr(source),
		attribute.String("page.strategy", strategy),
	))
}

func (m *metrics) recordPartialFailure(ctx context.Context, source string) {
	if m == nil || m.partialFailures == nil {
		return
	}
	m.partialFailures.Add(ctx, 1, metric.WithAttributes(sourceAttr(source)))
}
