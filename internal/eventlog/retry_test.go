package eventlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Budget: 50 * time.Millisecond}
}

func TestRetry_RecoversFromTransientErrors(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), fastPolicy(), zaptest.NewLogger(t), "op", func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection refused")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 || calls != 3 {
		t.Fatalf("expected 42 after 3 calls, got %d after %d", v, calls)
	}
}

func TestRetry_BudgetExhausted(t *testing.T) {
	_, err := Retry(context.Background(), fastPolicy(), nil, "op", func() (int, error) {
		return 0, errors.New("still down")
	})
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	conflict := &ConflictError{Stream: "s", Expected: 1, Actual: 2}
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(), nil, "op", func() (int, error) {
		calls++
		return 0, Permanent(conflict)
	})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("permanent error must not be reported as upstream unavailable")
	}
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConflictError, got %v", err)
	}
}
