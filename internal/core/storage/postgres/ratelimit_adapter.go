package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RateLimitAdapter implements storage.RateLimitStore using PostgreSQL.
// The whole fixed-window algorithm is one upsert, so concurrent requests
// from the same actor never race a read-modify-write.
type RateLimitAdapter struct {
	db *sql.DB
}

// NewRateLimitAdapter creates a RateLimitAdapter sharing the given
// connection.
func NewRateLimitAdapter(db *sql.DB) *RateLimitAdapter {
	return &RateLimitAdapter{db: db}
}

// Bump records one hit for actor, restarting the window when the stored
// one started at or before resetBefore.
func (a *RateLimitAdapter) Bump(ctx context.Context, actorID string, now, resetBefore time.Time) (int, time.Time, error) {
	var count int
	var windowStart time.Time
	err := a.db.QueryRowContext(ctx, queryBumpRateLimit, actorID, now, resetBefore).Scan(&count, &windowStart)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to bump rate limit for %q: %w", actorID, err)
	}
	return count, windowStart, nil
}

// DeleteExpiredBefore removes entries whose window started before cutoff.
func (a *RateLimitAdapter) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := a.db.ExecContext(ctx, queryDeleteExpiredRateLimits, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired rate limits: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted rate limits: %w", err)
	}
	return int(n), nil
}
