package delivery

import (
	"context"
	"math"
	"time"
)

// SleepFunc suspends the caller for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the production SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

// Backoff returns base^attempt units, attempt counted from zero. A base of 1
// or less would not grow, so DefaultBackoffBase is used instead.
func Backoff(base float64, unit time.Duration, attempt int) time.Duration {
	if base <= 1 {
		base = DefaultBackoffBase
	}
	return time.Duration(math.Pow(base, float64(attempt)) * float64(unit))
}
