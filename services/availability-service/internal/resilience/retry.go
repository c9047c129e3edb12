package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a retried operation. Tries counts the first attempt.
type Policy struct {
	Tries           uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Reads tolerate one more retry than writes: a re-fetched busy list is
// harmless, a re-sent booking is not.
var (
	ReadPolicy  = Policy{Tries: 4, InitialInterval: 200 * time.Millisecond, MaxInterval: 5 * time.Second}
	WritePolicy = Policy{Tries: 3, InitialInterval: 200 * time.Millisecond, MaxInterval: 5 * time.Second}
)

// Execute runs op with classified retries. Non-retryable failures stop
// immediately; 429s with a Retry-After honor the upstream's requested delay.
// The returned error is always a *ClassifiedError when op failed.
func Execute[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempt := func() (T, error) {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		class := Classify(err)
		cerr := &ClassifiedError{Err: err, Class: class}
		if !class.Retryable {
			return v, backoff.Permanent(cerr)
		}
		var se *StatusError
		if errors.As(err, &se) && se.Status == 429 && se.RetryAfter > 0 {
			return v, errors.Join(cerr, backoff.RetryAfter(int(se.RetryAfter/time.Second)))
		}
		return v, cerr
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	v, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.Tries),
	)
	if err != nil {
		var cerr *ClassifiedError
		if !errors.As(err, &cerr) {
			// ctx cancellation and other harness errors arrive unclassified.
			err = &ClassifiedError{Err: err, Class: Classify(err)}
		}
	}
	return v, err
}
