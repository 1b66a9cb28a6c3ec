// utils/retry.go
package utils

import (
	"context"
	"fmt"
	"time"
)

// Retry runs fn up to attempts times, waiting delay between tries with a
// linear backoff (delay, 2*delay, ...). It stops early when fn succeeds or
// the context is cancelled. All gateway calls go through this helper so the
// retry behavior stays uniform across the codebase.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("all %d attempts failed, last error: %w", attempts, lastErr)
}
