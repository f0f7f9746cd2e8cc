package apiclient

import (
	"net/http"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// scope is the instrumentation scope name for OpenTelemetry.
	scope = "github.com/kroma-labs/harvest-go/apiclient"
)

// internalConfig carries the cross-cutting settings a SourceConfig does not:
// logging, observability providers, store injection, and test seams.
type internalConfig struct {
	// Logger receives request, retry, fallback, and cache events.
	// Defaults to a no-op logger.
	Logger zerolog.Logger

	// Debug additionally logs every request/response pair and renders a
	// reproduction cURL command for failed requests.
	Debug bool

	// Transport overrides the pooled transport built from the
	// SourceConfig timeouts. Used for MockTransport in tests.
	Transport http.RoundTripper

	// CacheStore overrides the default in-memory store.
	CacheStore CacheStore

	// BreakerStore shares breaker state across processes (Redis). If nil
	// the breaker is process-local.
	BreakerStore gobreaker.SharedDataStore

	// Release is the initial release marker scoping the cache namespace.
	Release string

	// Clock drives limiter refills and retry waits. Tests substitute a
	// fake; production uses the system clock.
	Clock Clock

	// TracerProvider and MeterProvider default to the otel globals.
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	// Tracer and Meter are derived from the providers after options run.
	Tracer trace.Tracer
	Meter  metric.Meter

	// Metrics holds the metric instruments.
	Metrics *metrics
}

// newInternalConfig applies options over defaults and initializes the
// observability handles.
func newInternalConfig(opts ...Option) *internalConfig {
	cfg := &internalConfig{
		Logger:         zerolog.Nop(),
		Clock:          systemClock{},
		TracerProvider: otel.GetTracerProvider(),
		MeterProvider:  otel.GetMeterProvider(),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	cfg.Tracer = cfg.TracerProvider.Tracer(scope)
	cfg.Meter = cfg.MeterProvider.Meter(scope)

	// Instruments are best-effort: a failed registration leaves nil-safe
	// no-op recorders.
	cfg.Metrics, _ = newMetrics(cfg.Meter)

	return cfg
}

// Option configures a Client beyond its SourceConfig.
type Option func(*internalConfig)

// WithLogger routes the client's structured logs to the given logger.
//
// Example:
//
//	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
//	client, err := apiclient.New(cfg, apiclient.WithLogger(logger))
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *internalConfig) {
		cfg.Logger = logger
	}
}

// WithDebug enables request/response logging plus cURL reproduction
// commands for failed requests. Noisy; keep it off in production.
func WithDebug() Option {
	return func(cfg *internalConfig) {
		cfg.Debug = true
	}
}

// WithTransport replaces the pooled transport built from the source's
// timeouts. The caller owns the transport's lifecycle.
func WithTransport(rt http.RoundTripper) Option {
	return func(cfg *internalConfig) {
		cfg.Transport = rt
	}
}

// WithMockTransport is a convenience for tests: route all requests through
// the given mock instead of the network.
func WithMockTransport(mock *MockTransport) Option {
	return func(cfg *internalConfig) {
		cfg.Transport = mock
	}
}

// WithCacheStore replaces the in-memory cache store. Use NewRedisStore for
// a shared cache or NewSQLStore for one that survives restarts.
//
// Example:
//
//	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{"localhost:6379"}})
//	client, err := apiclient.New(cfg, apiclient.WithCacheStore(apiclient.NewRedisStore(rdb)))
func WithCacheStore(store CacheStore) Option {
	return func(cfg *internalConfig) {
		cfg.CacheStore = store
	}
}

// WithBreakerStore shares circuit breaker state across processes. When one
// worker trips the breaker for a source, all workers stop calling it.
//
// Example:
//
//	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{"localhost:6379"}})
//	client, err := apiclient.New(cfg, apiclient.WithBreakerStore(apiclient.NewBreakerRedisStore(rdb)))
func WithBreakerStore(store gobreaker.SharedDataStore) Option {
	return func(cfg *internalConfig) {
		cfg.BreakerStore = store
	}
}

// WithRelease sets the initial release marker (upstream dataset version).
// Cache keys include the marker, so bumping it on a new upstream release
// invalidates every prior entry without touching the store. Change it at
// runtime with Client.SetRelease.
func WithRelease(marker string) Option {
	return func(cfg *internalConfig) {
		cfg.Release = marker
	}
}

// WithClock substitutes the time source used for limiter refills and retry
// waits. Tests inject a fake clock to make timing deterministic.
func WithClock(clock Clock) Option {
	return func(cfg *internalConfig) {
		cfg.Clock = clock
	}
}

// WithTracerProvider sets a custom OpenTelemetry TracerProvider.
// If not called, the global provider from otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cfg *internalConfig) {
		cfg.TracerProvider = tp
	}
}

// WithMeterProvider sets a custom OpenTelemetry MeterProvider.
// If not called, the global provider from otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(cfg *internalConfig) {
		cfg.MeterProvider = mp
	}
}
