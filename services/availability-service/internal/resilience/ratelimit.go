package resilience

import (
	"context"
	"sync"
	"time"
)

const (
	maxBackoff        = 5 * time.Minute
	baseBackoff       = time.Second
	adaptationFactor  = 1.1
	recoveryThreshold = 0.9
)

// AdaptiveLimiter is a fixed-window rate limiter whose limit moves with
// upstream feedback: 429s and 5xxs shrink it, sustained success grows it
// back. One limiter per upstream connection.
type AdaptiveLimiter struct {
	mu sync.Mutex

	limit    float64 // allowed requests per window
	minLimit float64
	maxLimit float64
	window   time.Duration

	windowStart       time.Time
	requestCount      int
	backoffUntil      time.Time
	consecutiveErrors int

	// rolling success stats, halved periodically so old traffic ages out
	successes int
	total     int

	now func() time.Time
}

// NewAdaptiveLimiter starts at initial requests per window, clamped to
// [min, max] as feedback arrives.
func NewAdaptiveLimiter(initial, min, max float64, window time.Duration) *AdaptiveLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &AdaptiveLimiter{
		limit:    initial,
		minLimit: min,
		maxLimit: max,
		window:   window,
		now:      time.Now,
	}
}

// WaitForSlot blocks until the caller may issue one request, or until ctx is
// done. It parks on a timer through backoff periods and window exhaustion
// rather than spinning.
func (l *AdaptiveLimiter) WaitForSlot(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()

		if wait := l.backoffUntil.Sub(now); wait > 0 {
			l.mu.Unlock()
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		if now.Sub(l.windowStart) >= l.window {
			l.windowStart = now
			l.requestCount = 0
		}
		if float64(l.requestCount) < l.limit {
			l.requestCount++
			l.mu.Unlock()
			return nil
		}

		wait := l.windowStart.Add(l.window).Sub(now)
		l.mu.Unlock()
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// RecordResponse feeds an upstream outcome back into the limit. retryAfter is
// the parsed Retry-After value for 429s, zero when absent.
func (l *AdaptiveLimiter) RecordResponse(status int, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	l.total++
	if status >= 200 && status < 300 {
		l.successes++
	}
	if l.total >= 100 {
		l.total /= 2
		l.successes /= 2
	}

	switch {
	case status == 429:
		l.consecutiveErrors++
		l.limit /= 2
		if retryAfter <= 0 {
			shift := l.consecutiveErrors - 1
			if shift > 9 {
				shift = 9
			}
			retryAfter = baseBackoff << uint(shift)
		}
		if retryAfter > maxBackoff {
			retryAfter = maxBackoff
		}
		l.backoffUntil = now.Add(retryAfter)

	case status >= 500:
		l.consecutiveErrors++
		l.limit *= 0.8
		wait := time.Duration(l.consecutiveErrors) * baseBackoff
		if wait > maxBackoff {
			wait = maxBackoff
		}
		l.backoffUntil = now.Add(wait)

	case status >= 400:
		l.limit *= 0.95

	case status >= 200 && status < 300:
		l.consecutiveErrors = 0
		if l.total > 0 && float64(l.successes)/float64(l.total) > recoveryThreshold {
			l.limit *= adaptationFactor
		}
	}

	if l.limit < l.minLimit {
		l.limit = l.minLimit
	}
	if l.limit > l.maxLimit {
		l.limit = l.maxLimit
	}
}

// Limit returns the current allowed requests per window.
func (l *AdaptiveLimiter) Limit() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// BackoffUntil returns when the limiter stops rejecting outright, zero when
// no backoff is active.
func (l *AdaptiveLimiter) BackoffUntil() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backoffUntil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
