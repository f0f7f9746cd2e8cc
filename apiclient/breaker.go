package apiclient

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	gobreakerredis "github.com/sony/gobreaker/v2/redis"
)

// NewBreakerRedisStore creates a gobreaker SharedDataStore backed by Redis,
// for sharing breaker state between harvest workers. Pass it to
// WithBreakerStore.
//
// Usage:
//
//	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{"localhost:6379"}})
//	store := apiclient.NewBreakerRedisStore(rdb)
func NewBreakerRedisStore(client redis.UniversalClient) gobreaker.SharedDataStore {
	return gobreakerredis.NewStoreFromClient(client)
}

// breakerCore is the slice of gobreaker's API the client uses; both the
// local and the distributed breaker satisfy it. (Their State methods have
// different signatures, so state is tracked via OnStateChange instead.)
type breakerCore interface {
	Execute(req func() (*http.Response, error)) (*http.Response, error)
}

// errBreakerFailure signals the breaker that a call failed (a 5xx) even
// though the transport returned no error. It is unwrapped before the
// response is handed back to the caller.
var errBreakerFailure = errors.New("breaker: counted failure")

// breakerFailure decides whether a call outcome counts toward tripping the
// breaker. Network and timeout errors do, as does the synthetic 5xx marker.
// 429s deliberately do not; they signal quota pressure, not a failing
// endpoint, and belong to the retry engine.
func breakerFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errBreakerFailure) {
		return true
	}
	return isNetworkError(err) || isTimeoutError(err)
}

// sourceBreaker guards one source's transport calls.
//
// State machine: closed passes calls through and counts consecutive
// failures; at BreakerThreshold failures it opens and rejects every call
// with CircuitOpenError before any network I/O; after BreakerTimeout it
// half-opens and admits exactly one probe; a successful probe resets the
// counts and closes, a failed one reopens.
type sourceBreaker struct {
	name  string
	core  breakerCore
	state atomic.Int32
}

func newSourceBreaker(cfg SourceConfig, store gobreaker.SharedDataStore, log zerolog.Logger, m *metrics) *sourceBreaker {
	b := &sourceBreaker{name: cfg.Name}

	st := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerThreshold)
		},
		IsSuccessful: func(err error) bool {
			return !breakerFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.state.Store(int32(to))
			log.Warn().
				Str("source", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
			m.recordBreakerState(context.Background(), name, to)
		},
	}

	if store != nil {
		dcb, err := gobreaker.NewDistributedCircuitBreaker[*http.Response](store, st)
		if err != nil {
			// A local breaker still protects this process; shared state is
			// an optimization, not a correctness requirement.
			log.Error().Err(err).Str("source", cfg.Name).
				Msg("distributed breaker unavailable, falling back to local")
			b.core = gobreaker.NewCircuitBreaker[*http.Response](st)
		} else {
			b.core = dcb
		}
	} else {
		b.core = gobreaker.NewCircuitBreaker[*http.Response](st)
	}

	return b
}

// call gates fn behind the breaker. Responses the failure classifier flags
// (5xx) are counted as failures but still returned to the caller, which owns
// status classification. An open breaker yields CircuitOpenError with no
// transport call.
func (b *sourceBreaker) call(fn func() (*http.Response, error)) (*http.Response, error) {
	resp, err := b.core.Execute(func() (*http.Response, error) {
		resp, err := fn()
		if err != nil {
			return resp, err
		}
		if resp != nil && resp.StatusCode >= 500 {
			return resp, errBreakerFailure
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &CircuitOpenError{Source: b.name}
		}
		if errors.Is(err, errBreakerFailure) {
			return resp, nil
		}
		return nil, err
	}
	return resp, nil
}

// currentState returns the last observed breaker state; used by Stats.
func (b *sourceBreaker) currentState() gobreaker.State {
	return gobreaker.State(b.state.Load())
}
