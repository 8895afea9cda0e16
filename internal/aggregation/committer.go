package aggregation

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/tally-io/tally/internal/core/counter"
	"github.com/tally-io/tally/internal/core/retry"
	"github.com/tally-io/tally/internal/core/storage"
	"github.com/tally-io/tally/internal/observability"
)

// Committer turns delta maps into bounded write chunks and applies them
// with per-chunk retry. A chunk is one transaction; chunks are independent
// (at-least-once, chunk-granular).
type Committer struct {
	counters  storage.CounterStore
	policy    retry.Policy
	metrics   *observability.Metrics
	maxWrites int
}

// NewCommitter wires the batch committer.
func NewCommitter(counters storage.CounterStore, policy retry.Policy, metrics *observability.Metrics, maxWritesPerChunk int) *Committer {
	if maxWritesPerChunk <= 0 {
		maxWritesPerChunk = 450
	}
	return &Committer{
		counters:  counters,
		policy:    policy,
		metrics:   metrics,
		maxWrites: maxWritesPerChunk,
	}
}

// CommitResult reports the per-entity outcome of one commit pass.
type CommitResult struct {
	Succeeded map[string]bool
	Failed    map[string]bool
	// Unattempted holds entities whose chunk was never started because the
	// run budget expired or the circuit breaker opened.
	Unattempted map[string]bool
	Clamped     int
	Partial     bool
	CircuitOpen bool
}

// Chunks splits a combined delta map into slices of at most maxEntities
// entities each, in deterministic entity order.
func Chunks(deltas counter.DeltaMap, maxEntities int) []counter.DeltaMap {
	if len(deltas) == 0 {
		return nil
	}
	if maxEntities <= 0 {
		maxEntities = 450
	}

	entityIDs := make([]string, 0, len(deltas))
	for id := range deltas {
		entityIDs = append(entityIDs, id)
	}
	sort.Strings(entityIDs)

	var chunks []counter.DeltaMap
	current := counter.DeltaMap{}
	for _, id := range entityIDs {
		current[id] = deltas[id]
		if len(current) == maxEntities {
			chunks = append(chunks, current)
			current = counter.DeltaMap{}
		}
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// Commit applies the delta map chunk by chunk. Each chunk is retried with
// backoff on transient errors; the breaker counts consecutive chunk
// failures and aborts the rest of the pass when it trips. A chunk started
// before the deadline always runs to completion; the deadline only stops
// new chunks from being picked up.
func (c *Committer) Commit(ctx context.Context, deltas counter.DeltaMap, breaker *retry.Breaker, deadline time.Time) CommitResult {
	result := CommitResult{
		Succeeded:   make(map[string]bool),
		Failed:      make(map[string]bool),
		Unattempted: make(map[string]bool),
	}

	chunks := Chunks(deltas, c.maxWrites)
	for i, chunk := range chunks {
		if result.CircuitOpen || (!deadline.IsZero() && time.Now().After(deadline)) {
			for entityID := range chunk {
				result.Unattempted[entityID] = true
			}
			if !result.CircuitOpen {
				result.Partial = true
			}
			continue
		}

		clamped, err := c.commitChunk(ctx, chunk)
		breaker.Record(err)
		if err != nil {
			slog.Error("[Committer] Chunk commit failed",
				"chunk", i+1,
				"chunks", len(chunks),
				"entities", len(chunk),
				"category", retry.Classify(err).String(),
				"error", err)
			for entityID := range chunk {
				result.Failed[entityID] = true
			}
			if breaker.Open() {
				slog.Error("[Committer] Circuit breaker open, aborting run",
					"consecutive_failures", breaker.Consecutive())
				c.metrics.CircuitOpens.Inc()
				result.CircuitOpen = true
			}
			continue
		}

		for entityID := range chunk {
			result.Succeeded[entityID] = true
		}
		result.Clamped += len(clamped)
		for _, anomaly := range clamped {
			// Anomaly, not an error: a removal outran its paired addition.
			slog.Warn("[Committer] Clamped projected-negative counter",
				"entity_id", anomaly.EntityID,
				"metric", anomaly.Metric,
				"delta", anomaly.Delta)
		}
		c.metrics.NegativeClamps.Add(float64(len(clamped)))
	}

	return result
}

func (c *Committer) commitChunk(ctx context.Context, chunk counter.DeltaMap) ([]storage.ClampedCounter, error) {
	var clamped []storage.ClampedCounter
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		var applyErr error
		clamped, applyErr = c.counters.ApplyDeltas(ctx, chunk)
		return applyErr
	})
	if err != nil {
		return nil, err
	}
	return clamped, nil
}
