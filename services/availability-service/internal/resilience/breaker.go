package resilience

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Breaker guards one upstream connection. Only infrastructure failures
// (5xx, timeout, network) count toward tripping; a 404 or validation error
// says nothing about provider health.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[any]
}

// NewBreaker trips open after consecutive infrastructure failures and allows
// a single probe per reset interval while half-open.
func NewBreaker(name string, failures uint32, resetTimeout time.Duration) *Breaker {
	return &Breaker{cb: gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			switch Classify(err).Kind {
			case KindServerError, KindTimeout, KindNetwork:
				return false
			}
			return true
		},
	})}
}

// Do runs op through the breaker. While open, ops are rejected without
// touching the upstream.
func Do[T any](b *Breaker, op func() (T, error)) (T, error) {
	v, err := b.cb.Execute(func() (any, error) { return op() })
	if err != nil {
		var zero T
		if t, ok := v.(T); ok {
			return t, err
		}
		return zero, err
	}
	return v.(T), nil
}

// State exposes the breaker state for health reporting.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// IsBreakerOpen reports whether err is a breaker rejection rather than a
// genuine upstream failure.
func IsBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
