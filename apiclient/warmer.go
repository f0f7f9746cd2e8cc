package apiclient

import (
	"context"

	"golang.org/x/time/rate"
)

// WarmTarget is one endpoint for the warmer to pre-fetch.
type WarmTarget struct {
	Endpoint string
	Params   Params
}

// Warmer pre-fetches endpoints through the client's full resilient path so
// later callers land on a hot cache. Its pace bound is independent of the
// client's own limiter, which still applies underneath.
//
// Warm blocks; run it on its own goroutine for background warming.
type Warmer struct {
	client  *Client
	limiter *rate.Limiter
}

// NewWarmer builds a warmer fetching at most perSecond targets per second.
// Values at or below zero fall back to one per second.
func NewWarmer(c *Client, perSecond float64) *Warmer {
	if perSecond <= 0 {
		perSecond = 1
	}
	return &Warmer{
		client:  c,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

// Warm fetches every target in order and returns how many loaded cleanly.
// Individual fetch failures are logged and skipped; cancelling ctx stops
// the sweep and returns the count so far with the context's error.
func (w *Warmer) Warm(ctx context.Context, targets []WarmTarget) (int, error) {
	warmed := 0
	for _, t := range targets {
		if err := w.limiter.Wait(ctx); err != nil {
			return warmed, err
		}

		if _, err := w.client.Get(ctx, t.Endpoint, t.Params); err != nil {
			if ctx.Err() != nil {
				return warmed, context.Cause(ctx)
			}
			w.client.log.Warn().
				Str("endpoint", t.Endpoint).
				Err(err).
				Msg("warm fetch failed")
			continue
		}
		warmed++
	}
	return warmed, nil
}
