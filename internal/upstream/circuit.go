package upstream

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
)

// ErrCircuitOpen is returned when the upstream circuit breaker rejects a call.
var ErrCircuitOpen = errors.New("upstream circuit breaker is open")

// Circuit breaker defaults. Key-level failures are handled by the registry;
// the circuit only guards against the upstream itself being down.
const (
	DefaultFailureThreshold = 10
	DefaultHalfOpenProbes   = 3
	DefaultOpenDuration     = 30 * time.Second
)

// CircuitBreaker wraps sony/gobreaker for upstream availability tracking.
type CircuitBreaker struct {
	cb *gobreaker.TwoStepCircuitBreaker[struct{}]
}

// NewCircuitBreaker creates a circuit breaker with the given thresholds.
// Non-positive arguments fall back to the package defaults.
func NewCircuitBreaker(failureThreshold, halfOpenProbes int, openDuration time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if halfOpenProbes <= 0 {
		halfOpenProbes = DefaultHalfOpenProbes
	}
	if openDuration <= 0 {
		openDuration = DefaultOpenDuration
	}

	settings := gobreaker.Settings{
		Name:        "gemini",
		MaxRequests: uint32(halfOpenProbes), //nolint:gosec // validated positive above
		Timeout:     openDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failureThreshold) //nolint:gosec // validated positive above
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			event := log.Info()
			if to == gobreaker.StateOpen {
				event = log.Warn()
			}
			event.
				Str("upstream", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}

	return &CircuitBreaker{cb: gobreaker.NewTwoStepCircuitBreaker[struct{}](settings)}
}

// Allow checks whether a request may proceed. The returned done callback
// records the outcome and must be called exactly once.
func (c *CircuitBreaker) Allow() (done func(err error), err error) {
	d, err := c.cb.Allow()
	if err != nil {
		return nil, ErrCircuitOpen
	}
	return d, nil
}

// State returns the current circuit breaker state.
func (c *CircuitBreaker) State() gobreaker.State {
	return c.cb.State()
}

// circuitError maps a request error to what the circuit should record.
// Key-specific rejections (auth failures, quota, bad requests) say nothing
// about upstream availability, so they do not count against the circuit.
func circuitError(err error) error {
	if err == nil {
		return nil
	}
	if code, ok := StatusCode(err); ok && code < 500 {
		return nil
	}
	return err
}
