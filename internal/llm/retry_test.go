package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result, err := WithRetry(context.Background(), 3, time.Millisecond, func() (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %q, want %q", result, "ok")
	}
	if calls != 1 {
		t.Errorf("op called %d times, want 1", calls)
	}
}

func TestWithRetry_ExhaustsOnPersistentThrottling(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), 3, time.Millisecond, func() (int, error) {
		calls++
		return 0, &RateLimitError{Status: 429}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	// maxRetries counts retries, so total attempts is maxRetries+1.
	if calls != 4 {
		t.Errorf("op called %d times, want 4", calls)
	}
	if !IsRateLimit(err) {
		t.Errorf("exhaustion error should wrap the throttle error, got %v", err)
	}
}

func TestWithRetry_DelayDoublesEachAttempt(t *testing.T) {
	var gaps []time.Duration
	last := time.Now()
	initial := 20 * time.Millisecond

	_, _ = WithRetry(context.Background(), 2, initial, func() (int, error) {
		now := time.Now()
		gaps = append(gaps, now.Sub(last))
		last = now
		return 0, &RateLimitError{Status: 429}
	})

	if len(gaps) != 3 {
		t.Fatalf("op called %d times, want 3", len(gaps))
	}
	// gap before retry n should be at least initial * 2^(n-1).
	if gaps[1] < initial {
		t.Errorf("first retry waited %v, want >= %v", gaps[1], initial)
	}
	if gaps[2] < 2*initial {
		t.Errorf("second retry waited %v, want >= %v", gaps[2], 2*initial)
	}
}

func TestWithRetry_NonThrottleErrorPropagatesImmediately(t *testing.T) {
	boom := errors.New("connection refused")
	calls := 0
	_, err := WithRetry(context.Background(), 5, time.Millisecond, func() (int, error) {
		calls++
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	if calls != 1 {
		t.Errorf("op called %d times, want 1", calls)
	}
}

func TestWithRetry_RecoversAfterThrottling(t *testing.T) {
	calls := 0
	result, err := WithRetry(context.Background(), 3, time.Millisecond, func() (string, error) {
		calls++
		if calls < 3 {
			return "", &RateLimitError{Status: 429}
		}
		return "recovered", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "recovered" {
		t.Errorf("result = %q, want %q", result, "recovered")
	}
	if calls != 3 {
		t.Errorf("op called %d times, want 3", calls)
	}
}

func TestWithRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := WithRetry(ctx, 3, time.Hour, func() (int, error) {
		calls++
		return 0, &RateLimitError{Status: 429}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("op called %d times, want 1", calls)
	}
}
