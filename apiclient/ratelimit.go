package apiclient

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// tokenBucket paces outbound calls: maxCalls tokens per period, refilled all
// at once when a full period has elapsed since the last refill. This keeps
// call counts inside a strict window rather than smearing them at a
// continuous rate, which is what strict per-window API quotas expect.
//
// All state sits behind one mutex; acquire is safe for any number of
// concurrent callers sharing the limiter.
type tokenBucket struct {
	mu         sync.Mutex
	clock      Clock
	maxCalls   int
	period     time.Duration
	jitter     bool
	tokens     int
	lastRefill time.Time
}

// wakeStagger bounds the extra randomized sleep added when a blocked caller
// wakes for a refill, so a crowd of waiters does not re-contend the lock at
// the same instant.
const wakeStagger = 25 * time.Millisecond

func newTokenBucket(maxCalls int, period time.Duration, jitter bool, clock Clock) *tokenBucket {
	return &tokenBucket{
		clock:      clock,
		maxCalls:   maxCalls,
		period:     period,
		jitter:     jitter,
		tokens:     maxCalls,
		lastRefill: clock.Now(),
	}
}

// acquire blocks until a token is available or ctx is cancelled. With jitter
// enabled it additionally sleeps uniform(0, period/10) after taking a token.
func (b *tokenBucket) acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		b.mu.Lock()
		now := b.clock.Now()
		if now.Sub(b.lastRefill) >= b.period {
			b.tokens = b.maxCalls
			b.lastRefill = now
		}

		if b.tokens > 0 {
			b.tokens--
			b.mu.Unlock()

			if b.jitter {
				if err := b.clock.Sleep(ctx, randomDuration(b.period/10)); err != nil {
					return err
				}
			}
			return nil
		}

		wait := b.period - now.Sub(b.lastRefill)
		b.mu.Unlock()

		// Stagger wakeups under contention so blocked callers do not all
		// hit the refill boundary together.
		wait += randomDuration(wakeStagger)
		if err := b.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// snapshot returns the current token count, refreshing the window first.
// Used by Stats.
func (b *tokenBucket) snapshot() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clock.Now().Sub(b.lastRefill) >= b.period {
		b.tokens = b.maxCalls
		b.lastRefill = b.clock.Now()
	}
	return b.tokens
}

// randomDuration returns a uniform duration in [0, max].
//
//nolint:gosec // weak rand is fine for pacing jitter
func randomDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}
