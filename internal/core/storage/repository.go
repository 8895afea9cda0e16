package storage

import (
	"context"
	"errors"
	"time"

	v1 "github.com/tally-io/tally/internal/api/v1"
	"github.com/tally-io/tally/internal/core/retry"
)

// ErrDuplicate is returned when a pending batch with the same batch_id
// already exists. Ingestion maps it to an idempotent success.
var ErrDuplicate = errors.New("batch already exists")

// PendingBatch is one ingested unit of work: a client-identified group of
// events parked in a shard until the aggregator drains it. Created by the
// ingestion writer; state moved only by the aggregator and retry logic;
// deleted by the reaper once committed and aged out.
type PendingBatch struct {
	BatchID    string
	ShardID    string
	CreatedBy  string
	State      retry.State
	RetryCount int
	Events     []v1.Event
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// BatchStore persists pending batches.
type BatchStore interface {
	// SaveBatch inserts a new batch in StatePending.
	// Returns ErrDuplicate when the batch_id was already ingested.
	SaveBatch(ctx context.Context, batch *PendingBatch) error

	// ListPending fetches undrained batches (pending or retrying) for the
	// given shards, oldest first. Batches with retry_count >= maxRetry are
	// failed units and excluded from the candidate set.
	ListPending(ctx context.Context, shardIDs []string, maxRetry, limit int) ([]*PendingBatch, error)

	// MarkProcessing claims batches for the current run.
	MarkProcessing(ctx context.Context, batchIDs []string) error

	// MarkCommitted finalizes batches whose deltas are durably applied.
	MarkCommitted(ctx context.Context, batchIDs []string) error

	// MarkPending returns claimed batches to StatePending without touching
	// retry_count. Used when a run ends before their chunks were attempted.
	MarkPending(ctx context.Context, batchIDs []string) error

	// ReclaimStale returns batches left in StateProcessing since before
	// cutoff to StatePending, without touching retry_count. A claim that
	// old belongs to a run that died before settlement; reclaiming keeps
	// its batches drainable by the next run.
	ReclaimStale(ctx context.Context, shardIDs []string, cutoff time.Time) (int, error)

	// RecordFailure increments retry_count and moves each batch to
	// StateRetrying, or StateFailed once the budget is exhausted.
	RecordFailure(ctx context.Context, batchIDs []string, maxRetry int) error

	// DeleteCommittedBefore removes committed batches older than cutoff.
	// Never touches undrained batches regardless of age.
	DeleteCommittedBefore(ctx context.Context, cutoff time.Time) (int, error)

	// CountStuck reports undrained batches older than cutoff plus all
	// failed ones. Surfaced by the reaper, never deleted by it.
	CountStuck(ctx context.Context, cutoff time.Time) (int, error)
}

// ClampedCounter records a negative-projection correction: the increment
// would have driven the counter below zero and was clamped.
type ClampedCounter struct {
	EntityID string
	Metric   string
	Delta    int64
}

// CounterStore applies delta chunks to the durable entity counters.
type CounterStore interface {
	// ApplyDeltas commits one chunk as a single atomic unit using
	// increment semantics, clamping projected-negative values to zero.
	// Returns the clamp corrections so callers can log the anomaly.
	ApplyDeltas(ctx context.Context, deltas map[string]map[string]int64) ([]ClampedCounter, error)

	// GetCounters reads all metric values for one entity.
	GetCounters(ctx context.Context, entityID string) (map[string]int64, error)
}

// RateLimitStore keeps fixed-window hit counts per actor.
type RateLimitStore interface {
	// Bump records one hit for actor. When the stored window started at or
	// before resetBefore the window is restarted at now. Returns the count
	// within the current window and that window's start.
	Bump(ctx context.Context, actorID string, now, resetBefore time.Time) (count int, windowStart time.Time, err error)

	// DeleteExpiredBefore removes entries whose window started before
	// cutoff and were never touched since.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// LeaseStore serializes aggregation runs: at most one holder per key.
type LeaseStore interface {
	// AcquireLease returns ok=false without blocking when another run
	// holds the key. On success the returned release func must be called.
	AcquireLease(ctx context.Context, key string) (release func(), ok bool, err error)
}
