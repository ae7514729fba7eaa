// Package ratelimit gates outbound API calls per tier and handles
// server-directed flood-wait pauses.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Tier names a class of API calls sharing one minimum interval.
type Tier string

const (
	// TierRead covers read-only API calls.
	TierRead Tier = "api_read"
	// TierWrite covers mutating API calls.
	TierWrite Tier = "api_write"
)

// Default minimum intervals between calls of the same tier.
const (
	DefaultReadInterval  = 250 * time.Millisecond
	DefaultWriteInterval = 500 * time.Millisecond
)

// Limiter enforces a minimum interval per tier and a global flood-wait
// pause. Single-process only; safe for concurrent use.
type Limiter struct {
	mu         sync.Mutex
	tiers      map[Tier]*rate.Limiter
	floodUntil time.Time
}

// New builds a Limiter with the default tiers. Per-service overrides
// replace a tier's minimum interval; unknown tiers are added.
func New(overrides map[Tier]time.Duration) *Limiter {
	intervals := map[Tier]time.Duration{
		TierRead:  DefaultReadInterval,
		TierWrite: DefaultWriteInterval,
	}
	for tier, interval := range overrides {
		intervals[tier] = interval
	}

	tiers := make(map[Tier]*rate.Limiter, len(intervals))
	for tier, interval := range intervals {
		// limit = 1/interval with burst 1 is exactly a minimum-interval
		// gate: the second caller waits out the remainder.
		tiers[tier] = rate.NewLimiter(rate.Every(interval), 1)
	}
	return &Limiter{tiers: tiers}
}

// Acquire blocks until the minimum interval for tier has elapsed since
// the previous Acquire of the same tier, and until any active
// flood-wait pause has passed. Unknown tiers pass immediately.
func (l *Limiter) Acquire(ctx context.Context, tier Tier) error {
	l.mu.Lock()
	wait := time.Until(l.floodUntil)
	lim := l.tiers[tier]
	l.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

// SleepFloodWait pauses for a server-directed duration. All Acquire
// callers wait behind the pause; the per-tier intervals do not advance
// underneath it.
func (l *Limiter) SleepFloodWait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	until := time.Now().Add(d)

	l.mu.Lock()
	if until.After(l.floodUntil) {
		l.floodUntil = until
	}
	l.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
