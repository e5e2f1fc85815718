package utils

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// Backoff returns base * 2^(attempt-1), capped at max.
func Backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := &backoff.Backoff{Min: base, Max: max, Factor: 2}
	return b.ForAttempt(float64(attempt - 1))
}

// Sleep waits for d or until ctx ends. It reports whether the full wait elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
