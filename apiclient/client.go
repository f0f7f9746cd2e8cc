package apiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// RequestOptions customize one request beyond the source defaults. The
// zero value (or nil) is a plain request.
type RequestOptions struct {
	// Params are query parameters. They participate in the cache key and
	// render in sorted order.
	Params Params

	// Headers merge over the source's default headers, key by key.
	Headers map[string]string

	// Body is the POST body. []byte and string pass through unchanged
	// (set Content-Type via Headers), url.Values and Params form-encode,
	// anything else is marshalled as JSON.
	Body any

	// NoCache bypasses the cache for this request even when enabled.
	NoCache bool

	// ForceRefresh skips the cache read but stores the fresh result,
	// overwriting whatever the cache held for this request.
	ForceRefresh bool

	// Fallback overrides the default empty fallback result for this
	// request when a fallback strategy absorbs its final error.
	Fallback any
}

// preparedRequest is one request's immutable shape, rendered once so every
// retry attempt replays identical bytes.
type preparedRequest struct {
	method   string
	endpoint string
	params   Params
	headers  map[string]string
	body     []byte
	bodyType string
}

// Client is the resilient entry point for every call to one external data
// source. It coordinates, in order: context, token-bucket rate limiting,
// the circuit breaker, the HTTP exchange, status classification, retries
// with exponential backoff, fallbacks, response parsing, and release-scoped
// caching. Many goroutines may share one Client.
//
// Create a Client with New:
//
//	cfg := apiclient.DefaultSourceConfig("chembl", "https://www.ebi.ac.uk/chembl/api/data")
//	client, err := apiclient.New(cfg,
//	    apiclient.WithLogger(logger),
//	    apiclient.WithRelease("chembl_35"),
//	)
//
//	molecules, err := client.Get(ctx, "/molecule", apiclient.Params{"limit": "100"})
type Client struct {
	cfg      SourceConfig
	icfg     *internalConfig
	http     *http.Client
	limiter  *tokenBucket
	breaker  *sourceBreaker
	retry    *retryPolicy
	fallback *fallbackManager
	cache    *requestCache
	clock    Clock
	log      zerolog.Logger
	counters statCounters
}

// New validates cfg and builds a Client for the source it describes.
func New(cfg SourceConfig, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	icfg := newInternalConfig(opts...)
	log := icfg.Logger.With().Str("source", cfg.Name).Logger()

	transport := icfg.Transport
	if transport == nil {
		transport = newPooledTransport(cfg)
	}

	c := &Client{
		cfg:  cfg,
		icfg: icfg,
		http: &http.Client{
			Transport: transport,
			// Bounds one whole attempt, body read included; dial and
			// header waits have tighter bounds on the transport.
			Timeout: cfg.ConnectTimeout + cfg.ReadTimeout,
		},
		limiter:  newTokenBucket(cfg.MaxCalls, cfg.Period, cfg.Jitter, icfg.Clock),
		breaker:  newSourceBreaker(cfg, icfg.BreakerStore, icfg.Logger, icfg.Metrics),
		retry:    newRetryPolicy(cfg, icfg.Logger, icfg.Metrics),
		fallback: newFallbackManager(cfg, icfg.Logger, icfg.Metrics),
		clock:    icfg.Clock,
		log:      log,
	}

	if cfg.CacheEnabled {
		store := icfg.CacheStore
		if store == nil {
			store = NewMemoryStore(cfg.CacheMaxSize)
		}
		c.cache = newRequestCache(cfg, store, icfg.Release, icfg.Logger, icfg.Metrics)
	}

	return c, nil
}

// Get issues a GET for endpoint with the given query parameters.
func (c *Client) Get(ctx context.Context, endpoint string, params Params) (any, error) {
	return c.Request(ctx, http.MethodGet, endpoint, &RequestOptions{Params: params})
}

// Post issues a POST for endpoint. See RequestOptions.Body for how body is
// encoded.
func (c *Client) Post(ctx context.Context, endpoint string, params Params, body any) (any, error) {
	return c.Request(ctx, http.MethodPost, endpoint, &RequestOptions{Params: params, Body: body})
}

// Request performs one resilient call and returns the parsed response
// body: maps and slices for JSON and XML, []string for line-oriented text.
// An empty 2xx body returns (nil, nil).
//
// Errors are the package's classified types; after retries are exhausted
// the final error arrives wrapped in RetryExhaustedError unless an enabled
// fallback strategy absorbs it.
func (c *Client) Request(ctx context.Context, method, endpoint string, opts *RequestOptions) (any, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}
	method = strings.ToUpper(method)

	ctx, span := startRequestSpan(ctx, c.icfg.Tracer, c.cfg.Name, method, endpoint)
	defer span.End()

	res, fromCache, err := c.fetch(ctx, method, endpoint, opts)
	if err != nil {
		var exhausted *RetryExhaustedError
		if errors.As(err, &exhausted) {
			c.counters.retriesExhausted.Add(1)
			c.log.Error().
				Str("endpoint", endpoint).
				Int("attempts", exhausted.Attempts).
				Err(exhausted.Last).
				Msg("retries exhausted")
		}

		if data, ok := c.fallback.resolve(ctx, endpoint, err, opts.Fallback); ok {
			c.counters.fallbacks.Add(1)
			span.AddEvent("fallback")
			return data, nil
		}

		setSpanError(span, err, errorType(err))
		return nil, err
	}

	span.SetAttributes(attribute.Bool("cache.hit", fromCache))

	if len(res.body) == 0 {
		return nil, nil
	}
	parsed, err := parseResponse(res.contentType, res.body)
	if err != nil {
		setSpanError(span, err, errorTypeUnknown)
		return nil, err
	}
	return parsed, nil
}

// fetch runs the retry-wrapped request, through the cache when the call is
// a cacheable GET.
func (c *Client) fetch(ctx context.Context, method, endpoint string, opts *RequestOptions) (attemptResult, bool, error) {
	body, bodyType, err := encodeBody(opts.Body)
	if err != nil {
		return attemptResult{}, false, err
	}

	pr := preparedRequest{
		method:   method,
		endpoint: endpoint,
		params:   opts.Params,
		headers:  opts.Headers,
		body:     body,
		bodyType: bodyType,
	}

	fill := func() (attemptResult, error) {
		return c.retry.run(ctx, endpoint, func(attempt int) (attemptResult, error) {
			return c.attempt(ctx, pr, attempt)
		})
	}

	if method == http.MethodGet && c.cache != nil && !opts.NoCache {
		if opts.ForceRefresh {
			res, err := c.cache.refresh(ctx, endpoint, opts.Params, fill)
			return res, false, err
		}
		res, fromCache, err := c.cache.fetch(ctx, endpoint, opts.Params, fill)
		if err != nil {
			return attemptResult{}, false, err
		}
		if fromCache {
			c.counters.cacheHits.Add(1)
		} else {
			c.counters.cacheMisses.Add(1)
		}
		return res, fromCache, nil
	}

	res, err := fill()
	return res, false, err
}

// attempt performs one network attempt: token, breaker, HTTP exchange,
// classification. It returns classified errors only; retry decisions
// belong to the policy above it.
func (c *Client) attempt(ctx context.Context, pr preparedRequest, attempt int) (attemptResult, error) {
	if attempt > 1 {
		c.counters.retries.Add(1)
	}

	waitStart := c.clock.Now()
	if err := c.limiter.acquire(ctx); err != nil {
		return attemptResult{}, err
	}
	c.icfg.Metrics.recordRateLimitWait(ctx, c.cfg.Name, c.clock.Now().Sub(waitStart))

	req, sentBody, err := c.buildRequest(ctx, pr)
	if err != nil {
		return attemptResult{}, err
	}

	if c.icfg.Debug {
		logAttempt(c.log, req, attempt)
	}

	start := c.clock.Now()
	resp, err := c.breaker.call(func() (*http.Response, error) {
		return c.http.Do(req)
	})
	duration := c.clock.Now().Sub(start)
	c.icfg.Metrics.recordRequestDuration(ctx, c.cfg.Name, duration)

	if err != nil {
		var open *CircuitOpenError
		if errors.As(err, &open) {
			c.counters.breakerRejections.Add(1)
			c.icfg.Metrics.recordBreakerRejection(ctx, c.cfg.Name)
		}
		if c.icfg.Debug {
			logFailure(c.log, req, sentBody, err)
		}
		return attemptResult{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return attemptResult{}, fmt.Errorf("apiclient: read response body: %w", err)
	}

	c.counters.requests.Add(1)
	c.icfg.Metrics.recordRequest(ctx, c.cfg.Name, pr.method, resp.StatusCode)
	c.icfg.Metrics.recordResponseSize(ctx, c.cfg.Name, int64(len(respBody)))

	if c.icfg.Debug {
		logResponse(c.log, resp, duration, len(respBody))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		cerr := classifyStatus(c.cfg.Name, pr.endpoint, resp, respBody, c.cfg.RetryAfterCap)
		var rateLimited *RateLimitedError
		if errors.As(cerr, &rateLimited) {
			c.counters.rateLimited.Add(1)
		}
		if c.icfg.Debug {
			logFailure(c.log, req, sentBody, cerr)
		}
		return attemptResult{}, cerr
	}

	contentType := resp.Header.Get("Content-Type")

	// A 2xx body that does not parse fails the attempt here, before it
	// can enter the cache; truncated responses get retried like any
	// other transient failure.
	if len(respBody) > 0 {
		if _, perr := parseResponse(contentType, respBody); perr != nil {
			return attemptResult{}, perr
		}
	}

	return attemptResult{contentType: contentType, body: respBody}, nil
}

// buildRequest renders pr into an *http.Request. A GET whose rendered URL
// exceeds MaxURLLength is rewritten as an override POST carrying the same
// parameters as a form body; it stays logically a GET, with the same cache
// identity. The returned bytes are what was sent, for failure logging.
func (c *Client) buildRequest(ctx context.Context, pr preparedRequest) (*http.Request, []byte, error) {
	base := joinURL(c.cfg.BaseURL, pr.endpoint)
	query := pr.params.Encode()

	fullURL := base
	if query != "" {
		fullURL = base + "?" + query
	}

	if pr.method == http.MethodGet && len(fullURL) > c.cfg.MaxURLLength {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base, strings.NewReader(query))
		if err != nil {
			return nil, nil, err
		}
		c.applyHeaders(req, pr.headers)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-HTTP-Method-Override", http.MethodGet)
		return req, []byte(query), nil
	}

	var reader io.Reader
	if len(pr.body) > 0 {
		reader = bytes.NewReader(pr.body)
	}
	req, err := http.NewRequestWithContext(ctx, pr.method, fullURL, reader)
	if err != nil {
		return nil, nil, err
	}
	c.applyHeaders(req, pr.headers)
	if pr.bodyType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", pr.bodyType)
	}
	return req, pr.body, nil
}

func (c *Client) applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

func joinURL(base, endpoint string) string {
	if endpoint == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

// encodeBody renders a request body once, ahead of the retry loop, so
// every attempt replays identical bytes.
func encodeBody(body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return b, "", nil
	case string:
		return []byte(b), "", nil
	case url.Values:
		return []byte(b.Encode()), "application/x-www-form-urlencoded", nil
	case Params:
		return []byte(b.Encode()), "application/x-www-form-urlencoded", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("apiclient: encode request body: %w", err)
		}
		return data, "application/json", nil
	}
}

// SetRelease moves the cache to the given release marker's namespace.
// Prior entries become unaddressable without touching the store. Safe to
// call with requests in flight.
func (c *Client) SetRelease(marker string) {
	if c.cache != nil {
		c.cache.setRelease(marker)
	}
	c.log.Info().Str("release", marker).Msg("release marker set")
}

// ClearCache drops this source's cached entries and additionally salts the
// cache namespace with a fresh run identifier, so entries a slow store
// failed to delete stay unreachable. Returns the number of entries the
// store removed.
func (c *Client) ClearCache(ctx context.Context) (int, error) {
	if c.cache == nil {
		return 0, nil
	}
	return c.cache.clear(ctx)
}

// Source returns the configured source name.
func (c *Client) Source() string {
	return c.cfg.Name
}

// CloseIdleConnections releases pooled connections. Call it when the
// client is no longer needed.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

// statCounters aggregates client activity with atomics; Stats() snapshots
// them.
type statCounters struct {
	requests          atomic.Uint64
	retries           atomic.Uint64
	retriesExhausted  atomic.Uint64
	rateLimited       atomic.Uint64
	breakerRejections atomic.Uint64
	cacheHits         atomic.Uint64
	cacheMisses       atomic.Uint64
	fallbacks         atomic.Uint64
	partialFailures   atomic.Uint64
}

// Stats is a point-in-time snapshot of one client's activity.
type Stats struct {
	// Source is the configured source name.
	Source string

	// Requests counts completed HTTP attempts, all statuses.
	Requests uint64

	// Retries counts attempts beyond the first.
	Retries uint64

	// RetriesExhausted counts requests that consumed every attempt.
	RetriesExhausted uint64

	// RateLimited counts 429 responses received.
	RateLimited uint64

	// BreakerRejections counts calls refused while the breaker was open.
	BreakerRejections uint64

	// CacheHits and CacheMisses count cacheable GET lookups.
	CacheHits   uint64
	CacheMisses uint64

	// Fallbacks counts degraded responses served in place of errors.
	Fallbacks uint64

	// PartialFailures counts short pages queued for requeue.
	PartialFailures uint64

	// BreakerState is the current breaker state: "closed", "half-open",
	// or "open".
	BreakerState string

	// TokensAvailable is the limiter's current token count.
	TokensAvailable int
}

// Stats returns a snapshot of the client's counters and current limiter
// and breaker state.
func (c *Client) Stats() Stats {
	return Stats{
		Source:            c.cfg.Name,
		Requests:          c.counters.requests.Load(),
		Retries:           c.counters.retries.Load(),
		RetriesExhausted:  c.counters.retriesExhausted.Load(),
		RateLimited:       c.counters.rateLimited.Load(),
		BreakerRejections: c.counters.breakerRejections.Load(),
		CacheHits:         c.counters.cacheHits.Load(),
		CacheMisses:       c.counters.cacheMisses.Load(),
		Fallbacks:         c.counters.fallbacks.Load(),
		PartialFailures:   c.counters.partialFailures.Load(),
		BreakerState:      c.breaker.currentState().String(),
		TokensAvailable:   c.limiter.snapshot(),
	}
}
