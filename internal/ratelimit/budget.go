// Package ratelimit tracks request weight consumed against the market-data source and
// paces outgoing requests so the provider's per-minute weight limit is not exceeded.
//
// One RateBudget is constructed per process and passed to every fetcher worker; it is the
// only mutable state shared between symbols during a run.
package ratelimit

import (
	"sync"
	"time"
)

type weightEvent struct {
	at     time.Time
	weight int
}

// RateBudget is a rolling-window counter of consumed request weight. It is safe for
// concurrent use by any number of workers.
type RateBudget struct {
	mu     sync.Mutex
	window time.Duration
	events []weightEvent

	// Weight reported by the provider itself, which also covers requests made by other
	// processes sharing the same IP.
	reported   int
	reportedAt time.Time

	now func() time.Time
}

// NewRateBudget creates a budget counting weight over window.
func NewRateBudget(window time.Duration) *RateBudget {
	if window <= 0 {
		window = time.Minute
	}
	return &RateBudget{
		window: window,
		now:    time.Now,
	}
}

// Record adds weight consumed by one request.
func (b *RateBudget) Record(weight int) {
	if weight <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.evictLocked(now)
	b.events = append(b.events, weightEvent{at: now, weight: weight})
}

// Observe stores the used weight reported by the provider. Responses of concurrent workers
// can arrive out of order, so a lower figure does not replace a higher one observed within
// the last window.
func (b *RateBudget) Observe(used int) {
	if used < 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.reportedLocked(now) && used < b.reported {
		return
	}
	b.reported = used
	b.reportedAt = now
}

func (b *RateBudget) reportedLocked(now time.Time) bool {
	return !b.reportedAt.IsZero() && now.Sub(b.reportedAt) < b.window
}

// Consumed returns the weight consumed within the window: the larger of the locally
// recorded total and the most recent provider-reported figure still inside the window.
func (b *RateBudget) Consumed() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.evictLocked(now)

	total := 0
	for _, e := range b.events {
		total += e.weight
	}
	if b.reportedLocked(now) && b.reported > total {
		return b.reported
	}
	return total
}

// Window returns the counting window.
func (b *RateBudget) Window() time.Duration {
	return b.window
}

func (b *RateBudget) evictLocked(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.events) && !b.events[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		b.events = append(b.events[:0], b.events[i:]...)
	}
}
