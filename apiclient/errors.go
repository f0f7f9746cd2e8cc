package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"
)

// The client surfaces transport failures as a closed set of error types.
// Classification happens exactly once, next to the HTTP call; code above the
// orchestrator never sees a raw status code or an unwrapped transport error,
// it switches on these types with errors.As.

// ClientError reports a 4xx response other than 429. Client errors are
// never retried: the request itself is wrong and repeating it cannot help.
type ClientError struct {
	// Source is the configured source name ("chembl", "pubmed", ...).
	Source string

	// Endpoint is the request path relative to the source base URL.
	Endpoint string

	// Status is the HTTP status code, in [400, 500) and != 429.
	Status int

	// Body holds the response body, truncated to errBodyLimit bytes.
	Body string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("apiclient: %s %s: client error %d", e.Source, e.Endpoint, e.Status)
}

// ServerError reports a 5xx response. Server errors are transient by
// assumption and are retried with backoff.
type ServerError struct {
	Source   string
	Endpoint string
	Status   int
	Body     string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("apiclient: %s %s: server error %d", e.Source, e.Endpoint, e.Status)
}

// RateLimitedError reports a 429 response. RetryAfter carries the honored
// Retry-After header value, already capped at the configured ceiling; the
// retry engine waits at least that long before the next attempt.
type RateLimitedError struct {
	Source     string
	Endpoint   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("apiclient: %s %s: rate limited, retry after %s", e.Source, e.Endpoint, e.RetryAfter)
}

// RetryExhaustedError reports that every configured attempt was consumed.
// Last is the classified error from the final attempt.
type RetryExhaustedError struct {
	Source   string
	Endpoint string
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("apiclient: %s %s: retries exhausted after %d attempts: %v",
		e.Source, e.Endpoint, e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }

// PartialFailureError reports a paginated fetch that returned fewer items
// than the upstream advertised for the page. The pager queues it for a
// bounded requeue pass instead of dropping it.
type PartialFailureError struct {
	Endpoint string
	Params   Params
	Expected int
	Received int
	Attempt  int
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("apiclient: %s: partial page, got %d of %d items (attempt %d)",
		e.Endpoint, e.Received, e.Expected, e.Attempt)
}

// CircuitOpenError reports that the circuit breaker rejected the call
// before any network I/O happened.
type CircuitOpenError struct {
	Source string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("apiclient: %s: circuit breaker open", e.Source)
}

// ConfigError reports an invalid SourceConfig or PageConfig, detected at
// construction before any network call.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("apiclient: invalid config: %s: %s", e.Field, e.Reason)
}

// errBodyLimit bounds how much of an error response body is kept on the
// classified error.
const errBodyLimit = 2048

// classifyStatus maps a non-2xx response to its classified error.
// retryAfterCap bounds the honored Retry-After value.
func classifyStatus(source, endpoint string, resp *http.Response, body []byte, retryAfterCap time.Duration) error {
	truncated := string(body)
	if len(truncated) > errBodyLimit {
		truncated = truncated[:errBodyLimit]
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{
			Source:     source,
			Endpoint:   endpoint,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), retryAfterCap),
		}
	case resp.StatusCode >= 500:
		return &ServerError{Source: source, Endpoint: endpoint, Status: resp.StatusCode, Body: truncated}
	default:
		// Everything else non-2xx (4xx plus stray 3xx the transport did not
		// follow) is a request the caller must fix, never retried.
		return &ClientError{Source: source, Endpoint: endpoint, Status: resp.StatusCode, Body: truncated}
	}
}

// parseRetryAfter reads an integer-seconds Retry-After value. Missing or
// malformed headers fall back to defaultRetryAfter; the result never
// exceeds ceiling.
func parseRetryAfter(header string, ceiling time.Duration) time.Duration {
	d := defaultRetryAfter
	if header != "" {
		if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
			d = time.Duration(secs) * time.Second
		}
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return d
}

// defaultRetryAfter is used when a 429 arrives without a usable
// Retry-After header.
const defaultRetryAfter = 1 * time.Second

// isTimeoutError reports whether err is a connect/read deadline failure.
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isNetworkError reports whether err is a connection-level failure:
// dial errors, resets, DNS failures, unexpected EOF.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	return false
}
