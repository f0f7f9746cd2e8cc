package apiclient

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRetryPolicy(total int, factor float64, giveUpOn ...error) *retryPolicy {
	cfg := newTestConfig()
	cfg.RetryTotal = total
	cfg.BackoffFactor = factor
	cfg.GiveUpOn = giveUpOn
	return newRetryPolicy(cfg, zerolog.Nop(), nil)
}

func TestRetryPolicy_WaitTime(t *testing.T) {
	t.Parallel()

	p := newTestRetryPolicy(5, 2)

	assert.Equal(t, 2*time.Second, p.waitTime(1))
	assert.Equal(t, 4*time.Second, p.waitTime(2))
	assert.Equal(t, 8*time.Second, p.waitTime(3))
}

func TestRetryPolicy_ShouldGiveUp(t *testing.T) {
	t.Parallel()

	errSkip := errors.New("skip this source")

	serverErr := &ServerError{Source: "testsource", Endpoint: "/x", Status: 502}
	clientErr := &ClientError{Source: "testsource", Endpoint: "/x", Status: 404}
	rateLimited := &RateLimitedError{Source: "testsource", Endpoint: "/x", RetryAfter: time.Second}

	tests := []struct {
		name    string
		policy  *retryPolicy
		err     error
		attempt int
		giveUp  bool
	}{
		{"attempts exhausted", newTestRetryPolicy(3, 1), serverErr, 3, true},
		{"server error keeps retrying", newTestRetryPolicy(3, 1), serverErr, 1, false},
		{"rate limited keeps retrying", newTestRetryPolicy(3, 1), rateLimited, 2, false},
		{"client error gives up first attempt", newTestRetryPolicy(3, 1), clientErr, 1, true},
		{"configured give-up matches", newTestRetryPolicy(3, 1, errSkip), fmt.Errorf("wrapped: %w", errSkip), 1, true},
		{"network error keeps retrying", newTestRetryPolicy(3, 1), errDNS, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.giveUp, tt.policy.shouldGiveUp(tt.err, tt.attempt))
		})
	}
}

func TestRetryPolicy_RunRecoversAfterServerErrors(t *testing.T) {
	t.Parallel()

	p := newTestRetryPolicy(3, 1)

	var attempts []int
	op := func(attempt int) (attemptResult, error) {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return attemptResult{}, &ServerError{Source: "testsource", Endpoint: "/x", Status: 500}
		}
		return attemptResult{contentType: "application/json", body: []byte(`{}`)}, nil
	}

	start := time.Now()
	res, err := p.run(context.Background(), "/x", op)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, []byte(`{}`), res.body)
	assert.Equal(t, []int{1, 2, 3}, attempts)

	// Two waits of backoffFactor^n = 1s each.
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
}

func TestRetryPolicy_RunClientErrorStopsOnFirstAttempt(t *testing.T) {
	t.Parallel()

	p := newTestRetryPolicy(3, 2)

	var calls int
	clientErr := &ClientError{Source: "testsource", Endpoint: "/x", Status: 400}
	op := func(int) (attemptResult, error) {
		calls++
		return attemptResult{}, clientErr
	}

	start := time.Now()
	_, err := p.run(context.Background(), "/x", op)
	elapsed := time.Since(start)

	var got *ClientError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, 400, got.Status)

	// No RetryExhaustedError wrapper when a rule stops early.
	var exhausted *RetryExhaustedError
	assert.False(t, errors.As(err, &exhausted))

	assert.Equal(t, 1, calls)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestRetryPolicy_RunWrapsExhaustion(t *testing.T) {
	t.Parallel()

	p := newTestRetryPolicy(2, 1)

	serverErr := &ServerError{Source: "testsource", Endpoint: "/x", Status: 503}
	op := func(int) (attemptResult, error) {
		return attemptResult{}, serverErr
	}

	start := time.Now()
	_, err := p.run(context.Background(), "/x", op)
	elapsed := time.Since(start)

	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)
	assert.Equal(t, "/x", exhausted.Endpoint)
	assert.ErrorIs(t, err, serverErr)

	assert.GreaterOrEqual(t, elapsed, 1*time.Second)
}

func TestRetryPolicy_RunHonorsRetryAfterOverBackoff(t *testing.T) {
	t.Parallel()

	p := newTestRetryPolicy(3, 1)

	op := func(attempt int) (attemptResult, error) {
		if attempt == 1 {
			return attemptResult{}, &RateLimitedError{
				Source:     "testsource",
				Endpoint:   "/x",
				RetryAfter: 1500 * time.Millisecond,
			}
		}
		return attemptResult{body: []byte("ok")}, nil
	}

	start := time.Now()
	res, err := p.run(context.Background(), "/x", op)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "ok", string(res.body))

	// The wait came from Retry-After (1.5s), not the 1s backoff step.
	assert.GreaterOrEqual(t, elapsed, 1500*time.Millisecond)
}

func TestRetryPolicy_RunConfiguredGiveUpSurfacesUnchanged(t *testing.T) {
	t.Parallel()

	errSkip := errors.New("skip this source")
	p := newTestRetryPolicy(3, 1, errSkip)

	var calls int
	op := func(int) (attemptResult, error) {
		calls++
		return attemptResult{}, fmt.Errorf("fetch: %w", errSkip)
	}

	_, err := p.run(context.Background(), "/x", op)
	require.ErrorIs(t, err, errSkip)

	var exhausted *RetryExhaustedError
	assert.False(t, errors.As(err, &exhausted))
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_RunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	p := newTestRetryPolicy(5, 2)

	ctx, cancel := context.WithCancel(context.Background())
	op := func(int) (attemptResult, error) {
		return attemptResult{}, &ServerError{Source: "testsource", Endpoint: "/x", Status: 500}
	}

	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := p.run(ctx, "/x", op)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// Cancelled during the first 2s backoff wait, well before it ended.
	assert.Less(t, elapsed, 1500*time.Millisecond)
}
