package batch

import (
	"context"
	"math"
	"time"
)

const maxShift = 62

// Backoff returns the delay before retry number attempt: base * 2^(attempt-1).
// Attempts below 1 are treated as 1 and the result saturates instead of
// overflowing.
func Backoff(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	} else if shift > maxShift {
		shift = maxShift
	}
	multiplier := int64(1) << shift
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(base) * multiplier)
}

// Sleeper suspends the caller between retries.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// TimerSleeper sleeps on a real timer and wakes early on cancellation.
type TimerSleeper struct{}

func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
