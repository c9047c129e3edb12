package resilience

import (
	"testing"
	"time"
)

func TestBreakerTripsOnConsecutiveFailures(t *testing.T) {
	b := NewBreaker("graph", 3, time.Minute)
	for i := 0; i < 3; i++ {
		_, err := Do(b, func() (int, error) {
			return 0, &StatusError{Op: "list", Status: 500}
		})
		if IsBreakerOpen(err) {
			t.Fatalf("breaker opened early at failure %d", i)
		}
	}

	called := false
	_, err := Do(b, func() (int, error) {
		called = true
		return 1, nil
	})
	if !IsBreakerOpen(err) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if called {
		t.Fatal("open breaker must not invoke the operation")
	}
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	b := NewBreaker("graph", 2, time.Minute)
	for i := 0; i < 10; i++ {
		_, _ = Do(b, func() (int, error) {
			return 0, &StatusError{Op: "get", Status: 404}
		})
	}
	got, err := Do(b, func() (int, error) { return 42, nil })
	if err != nil {
		t.Fatalf("client errors tripped the breaker: %v", err)
	}
	if got != 42 {
		t.Fatalf("unexpected value: %d", got)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreaker("calcom", 1, 30*time.Millisecond)
	_, _ = Do(b, func() (string, error) {
		return "", &StatusError{Op: "list", Status: 503}
	})
	if _, err := Do(b, func() (string, error) { return "x", nil }); !IsBreakerOpen(err) {
		t.Fatalf("expected open breaker, got %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	got, err := Do(b, func() (string, error) { return "recovered", nil })
	if err != nil {
		t.Fatalf("half-open probe failed: %v", err)
	}
	if got != "recovered" {
		t.Fatalf("unexpected value: %q", got)
	}
}
