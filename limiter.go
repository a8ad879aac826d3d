package reportflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default Graph quotas.
const (
	DefaultPerSecond = 10
	DefaultPerMinute = 600
)

// RateLimiter admits requests under a per-second and a per-minute quota
// using sliding windows, and holds every caller back while a throttle
// window set by NotifyThrottled is active. Safe for concurrent use.
type RateLimiter struct {
	perSecond int
	perMinute int
	logger    *slog.Logger
	now       func() time.Time

	mu             sync.Mutex
	second         []time.Time
	minute         []time.Time
	throttledUntil time.Time

	waitLog rate.Sometimes
}

// NewRateLimiter creates a limiter. Non-positive quotas fall back to the
// defaults (10/s, 600/min).
func NewRateLimiter(perSecond, perMinute int) *RateLimiter {
	if perSecond <= 0 {
		perSecond = DefaultPerSecond
	}
	if perMinute <= 0 {
		perMinute = DefaultPerMinute
	}
	return &RateLimiter{
		perSecond: perSecond,
		perMinute: perMinute,
		logger:    slog.Default().With("component", "ratelimit"),
		now:       time.Now,
		waitLog:   rate.Sometimes{Interval: 5 * time.Second},
	}
}

// WithLogger replaces the limiter's logger.
func (l *RateLimiter) WithLogger(logger *slog.Logger) *RateLimiter {
	if logger != nil {
		l.logger = logger
	}
	return l
}

// Acquire blocks until a request is permitted. It returns ctx.Err() if
// the context ends first; in that case nothing is recorded.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		wait := l.reserve(l.now())
		l.mu.Unlock()
		if wait <= 0 {
			return nil
		}
		l.waitLog.Do(func() {
			l.logger.DebugContext(ctx, "rate limiter holding request", "wait", wait)
		})
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// reserve prunes the windows and either records an admission at now
// (returning 0) or returns how long the caller must wait before trying
// again. Callers hold l.mu.
func (l *RateLimiter) reserve(now time.Time) time.Duration {
	if now.Before(l.throttledUntil) {
		return l.throttledUntil.Sub(now)
	}

	l.minute = prune(l.minute, now.Add(-time.Minute))
	l.second = prune(l.second, now.Add(-time.Second))

	var wait time.Duration
	if len(l.minute) >= l.perMinute {
		wait = max(wait, l.minute[0].Add(time.Minute).Sub(now))
	}
	if len(l.second) >= l.perSecond {
		wait = max(wait, l.second[0].Add(time.Second).Sub(now))
	}
	if wait > 0 {
		return wait
	}

	l.minute = append(l.minute, now)
	l.second = append(l.second, now)
	return 0
}

// prune drops timestamps at or before cutoff. An entry exactly one window
// old no longer counts, so the oldest entry's expiry is what callers wait for.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// NotifyThrottled opens a throttle window of retryAfter plus 10–30%
// jitter and returns its total length. A shorter window never shortens
// one that is already active.
func (l *RateLimiter) NotifyThrottled(retryAfter time.Duration) time.Duration {
	if retryAfter < 0 {
		retryAfter = 0
	}
	total := retryAfter + Jitter(retryAfter)

	l.mu.Lock()
	defer l.mu.Unlock()
	until := l.now().Add(total)
	if until.After(l.throttledUntil) {
		l.throttledUntil = until
	}
	return total
}

// ThrottledUntil returns the end of the active throttle window, or the
// zero time when none has been set.
func (l *RateLimiter) ThrottledUntil() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.throttledUntil
}

// Quotas returns the configured per-second and per-minute quotas.
func (l *RateLimiter) Quotas() (perSecond, perMinute int) {
	return l.perSecond, l.perMinute
}
