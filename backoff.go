package reportflow

import (
	"context"
	"math/rand"
	"time"
)

// Backoff computes exponential retry delays with additive jitter:
//
//	delay(attempt) = min(Base * 2^attempt, Max) + U(10%, 30%) of the capped delay
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is 1s base, 60s cap.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 60 * time.Second}
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	return d + Jitter(d)
}

// Jitter returns a uniformly random 10–30% of d. It is added to retry
// delays and throttle windows so that concurrent callers spread out.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	frac := 0.1 + 0.2*rand.Float64() //nolint:gosec
	return time.Duration(float64(d) * frac)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
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

// Sleep is the context-aware sleep used by the orchestration packages.
func Sleep(ctx context.Context, d time.Duration) error {
	return sleep(ctx, d)
}
