package apiclient

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// retryPolicy drives the attempt loop around one logical request. The
// give-up rules run in a fixed order; the 4xx fail-fast and the
// retry-on-429/5xx split are invariants of the client, not tunables.
type retryPolicy struct {
	total         int
	backoffFactor float64
	giveUpOn      []error
	log           zerolog.Logger
	metrics       *metrics
	source        string
}

func newRetryPolicy(cfg SourceConfig, log zerolog.Logger, m *metrics) *retryPolicy {
	return &retryPolicy{
		total:         cfg.RetryTotal,
		backoffFactor: cfg.BackoffFactor,
		giveUpOn:      cfg.GiveUpOn,
		log:           log,
		metrics:       m,
		source:        cfg.Name,
	}
}

// shouldGiveUp applies the classification rules in order. Attempts are
// 1-indexed: the first call is attempt 1.
//
//  1. attempt >= total: give up.
//  2. err matches the configured give-up list: give up.
//  3. 429 or 5xx: keep retrying (only rule 1 stops these).
//  4. any other 4xx: give up immediately; repeating a bad request is waste.
//  5. everything else (network errors and the like): keep retrying.
func (p *retryPolicy) shouldGiveUp(err error, attempt int) bool {
	if attempt >= p.total {
		return true
	}

	for _, target := range p.giveUpOn {
		if errors.Is(err, target) {
			return true
		}
	}

	var rateLimited *RateLimitedError
	var serverErr *ServerError
	if errors.As(err, &rateLimited) || errors.As(err, &serverErr) {
		return false
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		p.log.Error().
			Str("source", p.source).
			Str("endpoint", clientErr.Endpoint).
			Int("status", clientErr.Status).
			Int("attempt", attempt).
			Msg("client error, giving up")
		return true
	}

	return false
}

// waitTime returns the pause before the attempt following the given one:
// backoffFactor^attempt seconds.
func (p *retryPolicy) waitTime(attempt int) time.Duration {
	return time.Duration(math.Pow(p.backoffFactor, float64(attempt)) * float64(time.Second))
}

// exponential builds the backoff schedule matching waitTime: the first
// retry waits backoffFactor^1 seconds and each further wait multiplies by
// backoffFactor. RandomizationFactor stays 0 so the schedule is exact;
// request spreading comes from the limiter's jitter instead.
func (p *retryPolicy) exponential() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     p.waitTime(1),
		RandomizationFactor: 0,
		Multiplier:          p.backoffFactor,
		MaxInterval:         maxBackoffInterval,
	}
}

// maxBackoffInterval caps a single backoff pause regardless of the
// configured factor.
const maxBackoffInterval = 5 * time.Minute

// attemptResult carries one successful attempt's payload through the retry
// engine.
type attemptResult struct {
	contentType string
	body        []byte
}

// run executes op under the policy until it succeeds, a rule gives up, or
// ctx is cancelled. op receives the 1-indexed attempt number and must
// return classified errors only.
//
// Waits between attempts come from the exponential schedule, except after a
// RateLimitedError, where the honored Retry-After duration is used instead.
// Exhausting every attempt wraps the final error in RetryExhaustedError;
// rule-2 and rule-4 give-ups surface their classified error unchanged.
func (p *retryPolicy) run(ctx context.Context, endpoint string, op func(attempt int) (attemptResult, error)) (attemptResult, error) {
	var attempt int

	wrapped := func() (attemptResult, error) {
		attempt++
		res, err := op(attempt)
		if err == nil {
			return res, nil
		}

		if p.shouldGiveUp(err, attempt) {
			if attempt >= p.total {
				err = &RetryExhaustedError{
					Source:   p.source,
					Endpoint: endpoint,
					Attempts: attempt,
					Last:     err,
				}
			}
			// The engine hands Permanent errors back unwrapped, so
			// callers match on the classified types.
			return attemptResult{}, backoff.Permanent(err)
		}

		// Joining a RetryAfterError makes the engine wait exactly the
		// honored Retry-After; the classified error stays visible to
		// the notify log.
		var rateLimited *RateLimitedError
		if errors.As(err, &rateLimited) && rateLimited.RetryAfter > 0 {
			return attemptResult{}, errors.Join(err, &backoff.RetryAfterError{Duration: rateLimited.RetryAfter})
		}

		return attemptResult{}, err
	}

	notify := func(err error, next time.Duration) {
		p.metrics.recordRetry(ctx, p.source, attempt)
		addRetryEvent(ctx, attempt, next, err)
		p.log.Warn().
			Str("source", p.source).
			Str("endpoint", endpoint).
			Int("attempt", attempt).
			Dur("next_wait", next).
			Err(err).
			Msg("retrying request")
	}

	res, err := backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(p.exponential()),
		backoff.WithMaxTries(uint(p.total)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		if attempt >= p.total {
			p.metrics.recordRetryExhausted(ctx, p.source)
		}
		return attemptResult{}, err
	}
	return res, nil
}
