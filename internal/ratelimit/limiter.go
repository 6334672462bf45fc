// Package ratelimit provides admission control and retry handling for every
// outbound call to the remote ticketing system. A single Limiter instance is
// shared by all callers so the bookkeeping stays serialized even when pairs
// are processed in parallel.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter enforces a sliding-window call budget: at most `calls` admissions
// within any window of `period`. Acquire blocks until a slot frees.
type Limiter struct {
	mu     sync.Mutex
	calls  int
	period time.Duration
	// admitted holds the admission times still inside the window, oldest first.
	admitted []time.Time
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates a limiter admitting at most calls per period.
func NewLimiter(calls int, period time.Duration) *Limiter {
	return &Limiter{
		calls:  calls,
		period: period,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Acquire blocks until a rate-limit slot is available or ctx is done.
// A cancelled context is reported even when a slot is free.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.mu.Lock()
		now := l.now()
		l.prune(now)

		if len(l.admitted) < l.calls {
			l.admitted = append(l.admitted, now)
			l.mu.Unlock()
			return nil
		}

		wait := l.admitted[0].Add(l.period).Sub(now)
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// prune drops admissions that have aged out of the window.
// Caller must hold the mutex.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.period)
	i := 0
	for i < len(l.admitted) && !l.admitted[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.admitted = append(l.admitted[:0], l.admitted[i:]...)
	}
}

// InFlight returns the number of admissions currently inside the window.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.admitted)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
