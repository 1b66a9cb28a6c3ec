package utils

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, 0, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success on the third attempt, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestRetryStopsOnFirstSuccess(t *testing.T) {
	calls := 0
	if err := Retry(context.Background(), 5, 0, func() error {
		calls++
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("Expected a single call, got %d", calls)
	}
}

func TestRetryExhaustionWrapsLastError(t *testing.T) {
	sentinel := errors.New("still broken")
	err := Retry(context.Background(), 2, 0, func() error { return sentinel })
	if err == nil {
		t.Fatal("Expected an error after exhaustion")
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("Expected the last error to be wrapped, got %v", err)
	}
	if !strings.Contains(err.Error(), "all 2 attempts failed") {
		t.Errorf("Unexpected error message %q", err)
	}
}

func TestRetryHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Retry(ctx, 3, time.Hour, func() error {
		calls++
		return errors.New("never retried")
	})
	if err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Errorf("Cancelled context must prevent any attempt, got %d calls", calls)
	}
}

func TestRetryMinimumOneAttempt(t *testing.T) {
	calls := 0
	_ = Retry(context.Background(), 0, 0, func() error {
		calls++
		return errors.New("x")
	})
	if calls != 1 {
		t.Errorf("Zero attempts should still run once, got %d", calls)
	}
}
