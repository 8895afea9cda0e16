// Package ratelimit bounds per-actor ingestion throughput with a fixed
// window counter. State lives behind storage.RateLimitStore, a keyed store
// with explicit expiry, swept by the reaper.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/tally-io/tally/internal/core/storage"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed bool
	// RetryAfter is how long the caller should wait before the window
	// resets. Zero when allowed.
	RetryAfter time.Duration
}

// Limiter enforces a fixed-window per-actor limit.
type Limiter struct {
	store  storage.RateLimitStore
	limit  int
	window time.Duration
}

// NewLimiter creates a limiter allowing limit hits per window per actor.
func NewLimiter(store storage.RateLimitStore, limit int, window time.Duration) *Limiter {
	if store == nil {
		panic("ratelimit: store must not be nil")
	}
	if limit <= 0 {
		limit = 120
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{store: store, limit: limit, window: window}
}

// Window returns the configured window size. The reaper uses it to compute
// the expiry cutoff.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Allow records one hit for actor and reports whether it fits the window.
// The store handles window restarts atomically, so concurrent checks for
// one actor never race.
func (l *Limiter) Allow(ctx context.Context, actorID string) (Decision, error) {
	now := time.Now().UTC()
	count, windowStart, err := l.store.Bump(ctx, actorID, now, now.Add(-l.window))
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check for %q: %w", actorID, err)
	}

	if count <= l.limit {
		return Decision{Allowed: true}, nil
	}

	retryAfter := windowStart.Add(l.window).Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}, nil
}
