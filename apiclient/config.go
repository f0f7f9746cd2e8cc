package apiclient

import (
	"net/url"
	"time"
)

// =============================================================================
// SourceConfig - Per-Source Configuration Record
// =============================================================================

// SourceConfig declares how one named upstream source is called. A config is
// constructed once, validated by New, and owned exclusively by that client;
// nothing mutates it afterwards. Create one client per source.
//
// Use DefaultSourceConfig() as a starting point, then adjust fields:
//
//	cfg := apiclient.DefaultSourceConfig("chembl", "https://www.ebi.ac.uk/chembl/api/data")
//	cfg.MaxCalls = 3
//	cfg.Period = time.Second
//
//	client, err := apiclient.New(cfg)
type SourceConfig struct {
	// =======================================================================
	// Identity
	// =======================================================================

	// Name identifies the source ("chembl", "pubmed"). Used in error
	// messages, log fields, metric attributes, breaker naming, and the
	// cache namespace prefix.
	Name string

	// BaseURL is prepended to every endpoint path. Must parse as an
	// absolute URL.
	BaseURL string

	// Headers are attached to every request (e.g. "Accept:
	// application/json", API keys). Per-request headers override these
	// key by key.
	Headers map[string]string

	// =======================================================================
	// Rate Limiting
	// =======================================================================

	// MaxCalls is the number of calls permitted per Period. The limiter
	// refills all tokens at once when a full Period has elapsed since the
	// last refill.
	//
	// Default: 5
	MaxCalls int

	// Period is the refill window for MaxCalls.
	//
	// Default: 1s
	Period time.Duration

	// Jitter, when true, sleeps a uniform random duration up to Period/10
	// after each token acquisition. This smooths bursts that would
	// otherwise land at the window edge.
	//
	// Default: true
	Jitter bool

	// =======================================================================
	// Retry
	// =======================================================================

	// RetryTotal is the total number of attempts, counting the first call.
	// Attempt numbers are 1-indexed; once attempt >= RetryTotal the policy
	// gives up and the last error is wrapped in RetryExhaustedError.
	//
	// Default: 3
	RetryTotal int

	// BackoffFactor controls the wait schedule between attempts:
	// wait(attempt) = BackoffFactor^attempt seconds. Must be >= 1.
	//
	// Default: 2 (waits 2s, 4s, 8s, ...)
	BackoffFactor float64

	// GiveUpOn lists errors that abort retrying immediately when matched
	// with errors.Is, regardless of the other rules. Use it for failure
	// modes that are known-permanent for a source (e.g.
	// context.DeadlineExceeded when the caller's budget is strict).
	GiveUpOn []error

	// RetryAfterCap bounds how long a 429 Retry-After header is honored.
	//
	// Default: 60s
	RetryAfterCap time.Duration

	// =======================================================================
	// Timeouts
	// =======================================================================

	// ConnectTimeout bounds TCP dial time.
	//
	// Default: 5s
	ConnectTimeout time.Duration

	// ReadTimeout bounds the wait for response headers once the request
	// has been written.
	//
	// Default: 30s
	ReadTimeout time.Duration

	// =======================================================================
	// Circuit Breaker
	// =======================================================================

	// BreakerThreshold is the number of consecutive failures that trips
	// the breaker open. 5xx responses and network errors count as
	// failures; 429s do not (they are the retry engine's problem).
	//
	// Default: 5
	BreakerThreshold int

	// BreakerTimeout is how long the breaker stays open before admitting
	// a single half-open probe.
	//
	// Default: 60s
	BreakerTimeout time.Duration

	// =======================================================================
	// Fallback
	// =======================================================================

	// FallbackEnabled turns on graceful degradation after the retry
	// policy gives up.
	//
	// Default: false
	FallbackEnabled bool

	// FallbackStrategies selects which failure classes degrade instead of
	// propagating: FallbackNetwork, FallbackTimeout, FallbackServerError.
	FallbackStrategies []FallbackStrategy

	// =======================================================================
	// Caching
	// =======================================================================

	// CacheEnabled turns on release-scoped response caching for GET calls
	// (including GETs rewritten to override POSTs).
	//
	// Default: true
	CacheEnabled bool

	// CacheTTL is the lifetime of a cache entry, enforced lazily on read.
	//
	// Default: 24h
	CacheTTL time.Duration

	// CacheMaxSize bounds the in-memory store's entry count; the oldest
	// entry is evicted when full. Ignored by external stores, which have
	// their own eviction.
	//
	// Default: 10000
	CacheMaxSize int

	// =======================================================================
	// Request Shaping
	// =======================================================================

	// MaxURLLength is the rendered-URL length beyond which a GET is
	// transparently rewritten as an override POST carrying the same
	// parameters as a form body.
	//
	// Default: 4000
	MaxURLLength int

	// BatchSize chunks batch-ID pagination; at most BatchSize IDs go into
	// one call.
	//
	// Default: 25
	BatchSize int

	// MaxPartialRetries bounds the requeue pass for partial pages; a page
	// still short after this many refetches escalates to
	// RetryExhaustedError.
	//
	// Default: 2
	MaxPartialRetries int
}

// Default tunables for SourceConfig.
const (
	DefaultMaxCalls          = 5
	DefaultPeriod            = 1 * time.Second
	DefaultRetryTotal        = 3
	DefaultBackoffFactor     = 2.0
	DefaultRetryAfterCap     = 60 * time.Second
	DefaultConnectTimeout    = 5 * time.Second
	DefaultReadTimeout       = 30 * time.Second
	DefaultBreakerThreshold  = 5
	DefaultBreakerTimeout    = 60 * time.Second
	DefaultCacheTTL          = 24 * time.Hour
	DefaultCacheMaxSize      = 10000
	DefaultMaxURLLength      = 4000
	DefaultBatchSize         = 25
	DefaultMaxPartialRetries = 2
)

// DefaultSourceConfig returns a balanced configuration for a typical
// rate-limited public API.
//
// Configuration:
//   - 5 calls/second with jitter
//   - 3 attempts, backoff 2^attempt seconds
//   - breaker trips after 5 consecutive failures, 60s cooldown
//   - 24h release-scoped cache
func DefaultSourceConfig(name, baseURL string) SourceConfig {
	return SourceConfig{
		Name:    name,
		BaseURL: baseURL,
		Headers: map[string]string{"Accept": "application/json"},

		MaxCalls: DefaultMaxCalls,
		Period:   DefaultPeriod,
		Jitter:   true,

		RetryTotal:    DefaultRetryTotal,
		BackoffFactor: DefaultBackoffFactor,
		RetryAfterCap: DefaultRetryAfterCap,

		ConnectTimeout: DefaultConnectTimeout,
		ReadTimeout:    DefaultReadTimeout,

		BreakerThreshold: DefaultBreakerThreshold,
		BreakerTimeout:   DefaultBreakerTimeout,

		CacheEnabled: true,
		CacheTTL:     DefaultCacheTTL,
		CacheMaxSize: DefaultCacheMaxSize,

		MaxURLLength:      DefaultMaxURLLength,
		BatchSize:         DefaultBatchSize,
		MaxPartialRetries: DefaultMaxPartialRetries,
	}
}

// BulkSourceConfig returns a configuration for high-volume harvesting jobs
// against sources that tolerate sustained traffic.
//
// Key differences from DefaultSourceConfig:
//   - 20 calls per second
//   - larger batch chunks (100 IDs per call)
//   - 5 attempts with a gentler 1.5x backoff curve
//   - week-long cache for stable bulk datasets
//
// Best for: full-corpus downloads, nightly re-syncs, backfills.
func BulkSourceConfig(name, baseURL string) SourceConfig {
	cfg := DefaultSourceConfig(name, baseURL)
	cfg.MaxCalls = 20
	cfg.Period = 1 * time.Second
	cfg.RetryTotal = 5
	cfg.BackoffFactor = 1.5
	cfg.BatchSize = 100
	cfg.CacheTTL = 7 * 24 * time.Hour
	cfg.ReadTimeout = 120 * time.Second
	return cfg
}

// ConservativeSourceConfig returns a configuration for fragile or strictly
// rate-limited sources where backing off hard beats finishing fast.
//
// Key differences from DefaultSourceConfig:
//   - 1 call per 2 seconds
//   - 2 attempts with a steep 3^attempt backoff
//   - breaker trips after 3 consecutive failures with a long cooldown
//
// Best for: small academic APIs, endpoints with aggressive 429 policies.
func ConservativeSourceConfig(name, baseURL string) SourceConfig {
	cfg := DefaultSourceConfig(name, baseURL)
	cfg.MaxCalls = 1
	cfg.Period = 2 * time.Second
	cfg.RetryTotal = 2
	cfg.BackoffFactor = 3
	cfg.BreakerThreshold = 3
	cfg.BreakerTimeout = 5 * time.Minute
	cfg.BatchSize = 10
	return cfg
}

// Validate reports the first invalid field. New calls it; call it yourself
// when configs come from operator input.
func (c SourceConfig) Validate() error {
	if c.Name == "" {
		return &ConfigError{Field: "Name", Reason: "must not be empty"}
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return &ConfigError{Field: "BaseURL", Reason: "must be an absolute URL"}
	}
	if c.MaxCalls <= 0 {
		return &ConfigError{Field: "MaxCalls", Reason: "must be positive"}
	}
	if c.Period <= 0 {
		return &ConfigError{Field: "Period", Reason: "must be positive"}
	}
	if c.RetryTotal < 1 {
		return &ConfigError{Field: "RetryTotal", Reason: "must be at least 1"}
	}
	if c.BackoffFactor < 1 {
		return &ConfigError{Field: "BackoffFactor", Reason: "must be >= 1"}
	}
	if c.BreakerThreshold <= 0 {
		return &ConfigError{Field: "BreakerThreshold", Reason: "must be positive"}
	}
	if c.BreakerTimeout <= 0 {
		return &ConfigError{Field: "BreakerTimeout", Reason: "must be positive"}
	}
	if c.CacheEnabled && c.CacheTTL <= 0 {
		return &ConfigError{Field: "CacheTTL", Reason: "must be positive when caching is enabled"}
	}
	if c.CacheEnabled && c.CacheMaxSize <= 0 {
		return &ConfigError{Field: "CacheMaxSize", Reason: "must be positive when caching is enabled"}
	}
	if c.BatchSize <= 0 {
		return &ConfigError{Field: "BatchSize", Reason: "must be positive"}
	}
	if c.MaxPartialRetries < 0 {
		return &ConfigError{Field: "MaxPartialRetries", Reason: "must not be negative"}
	}
	if c.MaxURLLength <= 0 {
		return &ConfigError{Field: "MaxURLLength", Reason: "must be positive"}
	}
	for _, s := range c.FallbackStrategies {
		switch s {
		case FallbackNetwork, FallbackTimeout, FallbackServerError:
		default:
			return &ConfigError{Field: "FallbackStrategies", Reason: "unknown strategy " + string(s)}
		}
	}
	return nil
}
