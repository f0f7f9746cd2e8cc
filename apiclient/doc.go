// Package apiclient provides a resilient client core for pulling data from
// rate-limited external APIs, with caching, pagination, and OpenTelemetry
// instrumentation built in.
//
// # Features
//
//   - Token-bucket rate limiting per source, jittered to spread bursts
//   - Circuit breaker per source, optionally shared across processes via Redis
//   - Automatic retries with exponential backoff and Retry-After compliance
//   - Semantic give-up classification (429/5xx → retry; other 4xx → stop)
//   - Fallback results when a source stays down (network, timeout, 5xx)
//   - Response parsing for JSON, XML, and line-oriented text bodies
//   - Pagination over page-number, cursor, offset, and ID-batch APIs
//   - Partial pages re-fetched through a bounded requeue pass
//   - Release-scoped response caching: in-memory, Redis, or SQL backed
//   - OpenTelemetry metrics and traces, Prometheus stats bridge
//
// # Quick Start
//
// One Client serves one named source; share it across goroutines:
//
//	cfg := apiclient.DefaultSourceConfig("chembl", "https://www.ebi.ac.uk/chembl/api/data")
//	client, err := apiclient.New(cfg,
//	    apiclient.WithLogger(logger),
//	    apiclient.WithRelease("chembl_35"),
//	)
//	if err != nil {
//	    return err
//	}
//
//	body, err := client.Get(ctx, "/molecule", apiclient.Params{"limit": "100"})
//
// Responses come back parsed by content type: maps and slices for JSON and
// XML, []string for plain text. Errors are the package's classified types
// (ClientError, ServerError, RateLimitedError, RetryExhaustedError,
// CircuitOpenError); raw transport errors never cross the client boundary
// except wrapped inside RetryExhaustedError.
//
// # Configuration Presets
//
// Three per-source profiles cover most upstreams:
//
//	// Default: 5 calls/s, 3 attempts, 24h cache
//	cfg := apiclient.DefaultSourceConfig("chembl", baseURL)
//
//	// Bulk: high call budget and long cache, for dump-style endpoints
//	cfg := apiclient.BulkSourceConfig("pubchem", baseURL)
//
//	// Conservative: low call budget, patient backoff, for fragile hosts
//	cfg := apiclient.ConservativeSourceConfig("uniprot", baseURL)
//
// # Pagination
//
// Paginate walks an endpoint lazily, one page per Next call:
//
//	pager, err := client.Paginate(ctx, "/molecule", apiclient.PageConfig{
//	    Strategy: apiclient.StrategyOffset,
//	    PageSize: 200,
//	})
//	for pager.Next() {
//	    page := pager.Page()
//	    process(page.Items)
//	}
//	if err := pager.Err(); err != nil {
//	    return err
//	}
//
// Pages holding fewer records than the upstream advertised are queued and
// re-fetched after the main traversal, bounded by MaxPartialRetries.
//
// # Caching
//
// Cache keys hash the endpoint, the sorted parameters, and the release
// marker, so bumping the marker retires every prior entry at once:
//
//	client.SetRelease("chembl_36")        // new namespace, old entries dark
//	removed, err := client.ClearCache(ctx) // explicit wipe plus run salt
//
// The default store is an in-process map; Redis and SQL stores share the
// same interface:
//
//	client, err := apiclient.New(cfg,
//	    apiclient.WithCacheStore(apiclient.NewRedisStore(rdb)),
//	)
//
// # Observability
//
// The client emits OpenTelemetry metrics (apiclient.requests,
// apiclient.request.duration, apiclient.retry.attempts,
// apiclient.cache.hits, ...) and one span per request with retry events.
// For Prometheus-first setups, StatsCollector exposes the same counters
// from Stats snapshots:
//
//	prometheus.MustRegister(apiclient.NewStatsCollector(client))
//
// # Testing
//
// MockTransport scripts responses without a network:
//
//	mock := apiclient.NewMockTransport().
//	    StubPath("/molecule", 200, `{"items": [1, 2]}`)
//	client, err := apiclient.New(cfg, apiclient.WithMockTransport(mock))
//
// # Debug Utilities
//
// WithDebug logs every attempt and response, and failed requests log an
// equivalent cURL command for replay:
//
//	client, err := apiclient.New(cfg,
//	    apiclient.WithDebug(),
//	    apiclient.WithLogger(logger),
//	)
package apiclient
