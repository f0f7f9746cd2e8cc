package apiclient

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// FallbackStrategy names an error class the fallback manager may absorb
// once the retry policy has given up on a request.
type FallbackStrategy string

const (
	// FallbackNetwork absorbs connection-level failures: refused dials,
	// resets, DNS errors.
	FallbackNetwork FallbackStrategy = "network"

	// FallbackTimeout absorbs connect and read deadline failures.
	FallbackTimeout FallbackStrategy = "timeout"

	// FallbackServerError absorbs 5xx responses, including retry runs that
	// exhausted on one.
	FallbackServerError FallbackStrategy = "5xx"
)

// fallbackManager trades a failed request for a stand-in value, but only
// for the error classes the source opted into. It never sees an error the
// retry policy still intends to retry.
type fallbackManager struct {
	enabled    bool
	strategies []FallbackStrategy
	log        zerolog.Logger
	metrics    *metrics
	source     string
}

func newFallbackManager(cfg SourceConfig, log zerolog.Logger, m *metrics) *fallbackManager {
	return &fallbackManager{
		enabled:    cfg.FallbackEnabled,
		strategies: cfg.FallbackStrategies,
		log:        log,
		metrics:    m,
		source:     cfg.Name,
	}
}

// classifyFallback maps err to the strategy that would absorb it. Timeouts
// are checked before network errors: a deadline failure satisfies net.Error
// too, and timeout is the more specific class.
func classifyFallback(err error) (FallbackStrategy, bool) {
	switch {
	case isTimeoutError(err):
		return FallbackTimeout, true
	case isNetworkError(err):
		return FallbackNetwork, true
	}

	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return FallbackServerError, true
	}

	return "", false
}

// resolve returns the stand-in value for err when its class matches an
// enabled strategy. data overrides the default empty result; the boolean
// reports whether the fallback applied. RetryExhaustedError unwraps to the
// final attempt's error, so an exhausted run of 5xx responses still matches
// FallbackServerError.
func (f *fallbackManager) resolve(ctx context.Context, endpoint string, err error, data any) (any, bool) {
	if !f.enabled {
		return nil, false
	}

	strategy, ok := classifyFallback(err)
	if !ok || !f.has(strategy) {
		return nil, false
	}

	if data == nil {
		data = map[string]any{}
	}

	f.metrics.recordFallback(ctx, f.source, string(strategy))
	f.log.Warn().
		Str("source", f.source).
		Str("endpoint", endpoint).
		Str("strategy", string(strategy)).
		Err(err).
		Msg("serving fallback result")

	return data, true
}

func (f *fallbackManager) has(s FallbackStrategy) bool {
	for _, enabled := range f.strategies {
		if enabled == s {
			return true
		}
	}
	return false
}
