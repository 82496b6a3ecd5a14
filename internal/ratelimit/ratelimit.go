// Package ratelimit gates outbound calls to the conversion service. A single
// Limiter instance is shared by every worker; the budget is a fixed window of
// N calls per period, counted in Redis so concurrent orchestrator processes
// share one budget.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/terarelay/terarelay/internal/cache"
)

// ErrAcquireTimeout is returned when a slot did not free up within the
// configured maximum wait.
var ErrAcquireTimeout = errors.New("rate limit acquire timeout")

// Limiter admits at most limit calls per period across all callers.
type Limiter struct {
	cache   cache.Cache
	limit   int64
	period  time.Duration
	waitMax time.Duration

	now func() time.Time
}

// New creates a Limiter. waitMax bounds how long Acquire may block.
func New(c cache.Cache, limit int, period, waitMax time.Duration) *Limiter {
	return &Limiter{
		cache:   c,
		limit:   int64(limit),
		period:  period,
		waitMax: waitMax,
		now:     time.Now,
	}
}

// Acquire blocks until the current window has budget for one more call. It
// returns ErrAcquireTimeout once waitMax has elapsed without a free slot, or
// the context error if ctx is canceled first. A cache failure admits the
// call rather than stalling every worker behind an unavailable Redis.
func (l *Limiter) Acquire(ctx context.Context) error {
	deadline := l.now().Add(l.waitMax)

	for {
		now := l.now()
		window := now.UnixNano() / int64(l.period)

		count, err := l.cache.IncrWithExpiry(ctx, cache.DebridWindowKey(window), l.period)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Fail open on cache errors, matching the HTTP limiter.
			return nil
		}
		if count <= l.limit {
			return nil
		}

		// Window exhausted; the next one opens at the period boundary.
		next := time.Unix(0, (window+1)*int64(l.period))
		if next.After(deadline) {
			return ErrAcquireTimeout
		}
		if err := sleep(ctx, next.Sub(now)); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
