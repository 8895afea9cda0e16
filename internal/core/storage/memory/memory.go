// Package memory provides in-process implementations of the storage
// interfaces. Used by unit tests and by deployments that run the rate
// limiter without an external store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tally-io/tally/internal/core/retry"
	"github.com/tally-io/tally/internal/core/storage"
)

// BatchStore is an in-memory storage.BatchStore.
type BatchStore struct {
	mu      sync.Mutex
	batches map[string]*storage.PendingBatch
}

// NewBatchStore creates an empty in-memory batch store.
func NewBatchStore() *BatchStore {
	return &BatchStore{batches: make(map[string]*storage.PendingBatch)}
}

func (s *BatchStore) SaveBatch(_ context.Context, batch *storage.PendingBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[batch.BatchID]; exists {
		return storage.ErrDuplicate
	}
	copied := *batch
	s.batches[batch.BatchID] = &copied
	return nil
}

func (s *BatchStore) ListPending(_ context.Context, shardIDs []string, maxRetry, limit int) ([]*storage.PendingBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shardSet := make(map[string]bool, len(shardIDs))
	for _, id := range shardIDs {
		shardSet[id] = true
	}

	var result []*storage.PendingBatch
	for _, batch := range s.batches {
		if !shardSet[batch.ShardID] {
			continue
		}
		if batch.State != retry.StatePending && batch.State != retry.StateRetrying {
			continue
		}
		if batch.RetryCount >= maxRetry {
			continue
		}
		copied := *batch
		result = append(result, &copied)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *BatchStore) MarkProcessing(_ context.Context, batchIDs []string) error {
	return s.setState(batchIDs, retry.StateProcessing)
}

func (s *BatchStore) MarkCommitted(_ context.Context, batchIDs []string) error {
	return s.setState(batchIDs, retry.StateCommitted)
}

func (s *BatchStore) MarkPending(_ context.Context, batchIDs []string) error {
	return s.setState(batchIDs, retry.StatePending)
}

func (s *BatchStore) setState(batchIDs []string, state retry.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, id := range batchIDs {
		if batch, ok := s.batches[id]; ok {
			batch.State = state
			batch.UpdatedAt = now
		}
	}
	return nil
}

func (s *BatchStore) ReclaimStale(_ context.Context, shardIDs []string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shardSet := make(map[string]bool, len(shardIDs))
	for _, id := range shardIDs {
		shardSet[id] = true
	}

	reclaimed := 0
	now := time.Now().UTC()
	for _, batch := range s.batches {
		if !shardSet[batch.ShardID] || batch.State != retry.StateProcessing {
			continue
		}
		if !batch.UpdatedAt.Before(cutoff) {
			continue
		}
		batch.State = retry.StatePending
		batch.UpdatedAt = now
		reclaimed++
	}
	return reclaimed, nil
}

func (s *BatchStore) RecordFailure(_ context.Context, batchIDs []string, maxRetry int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, id := range batchIDs {
		batch, ok := s.batches[id]
		if !ok {
			continue
		}
		batch.RetryCount++
		if batch.RetryCount >= maxRetry {
			batch.State = retry.StateFailed
		} else {
			batch.State = retry.StateRetrying
		}
		batch.UpdatedAt = now
	}
	return nil
}

func (s *BatchStore) DeleteCommittedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, batch := range s.batches {
		if batch.State == retry.StateCommitted && batch.CreatedAt.Before(cutoff) {
			delete(s.batches, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *BatchStore) CountStuck(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stuck := 0
	for _, batch := range s.batches {
		if batch.State == retry.StateFailed {
			stuck++
			continue
		}
		if batch.State != retry.StateCommitted && batch.CreatedAt.Before(cutoff) {
			stuck++
		}
	}
	return stuck, nil
}

// Get returns a copy of a stored batch. Test helper.
func (s *BatchStore) Get(batchID string) (storage.PendingBatch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return storage.PendingBatch{}, false
	}
	return *batch, true
}

// CounterStore is an in-memory storage.CounterStore.
type CounterStore struct {
	mu       sync.Mutex
	counters map[string]map[string]int64

	// FailFor makes ApplyDeltas fail when the chunk touches the entity.
	// Test hook for retry/breaker paths.
	FailFor map[string]error
}

// NewCounterStore creates an empty in-memory counter store.
func NewCounterStore() *CounterStore {
	return &CounterStore{counters: make(map[string]map[string]int64)}
}

func (s *CounterStore) ApplyDeltas(_ context.Context, deltas map[string]map[string]int64) ([]storage.ClampedCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for entityID := range deltas {
		if err, ok := s.FailFor[entityID]; ok {
			return nil, err
		}
	}

	var clamped []storage.ClampedCounter
	for entityID, metrics := range deltas {
		m, ok := s.counters[entityID]
		if !ok {
			m = make(map[string]int64)
			s.counters[entityID] = m
		}
		for metric, delta := range metrics {
			m[metric] += delta
			if m[metric] < 0 {
				m[metric] = 0
				clamped = append(clamped, storage.ClampedCounter{
					EntityID: entityID,
					Metric:   metric,
					Delta:    delta,
				})
			}
		}
	}
	return clamped, nil
}

func (s *CounterStore) GetCounters(_ context.Context, entityID string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string]int64)
	for metric, value := range s.counters[entityID] {
		result[metric] = value
	}
	return result, nil
}

// RateLimitStore is an in-memory storage.RateLimitStore.
type RateLimitStore struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
}

type rateLimitEntry struct {
	count       int
	windowStart time.Time
}

// NewRateLimitStore creates an empty in-memory rate limit store.
func NewRateLimitStore() *RateLimitStore {
	return &RateLimitStore{entries: make(map[string]*rateLimitEntry)}
}

func (s *RateLimitStore) Bump(_ context.Context, actorID string, now, resetBefore time.Time) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[actorID]
	if !ok || !entry.windowStart.After(resetBefore) {
		entry = &rateLimitEntry{count: 1, windowStart: now}
		s.entries[actorID] = entry
		return entry.count, entry.windowStart, nil
	}
	entry.count++
	return entry.count, entry.windowStart, nil
}

func (s *RateLimitStore) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for actorID, entry := range s.entries {
		if entry.windowStart.Before(cutoff) {
			delete(s.entries, actorID)
			deleted++
		}
	}
	return deleted, nil
}

// LeaseStore is an in-memory storage.LeaseStore.
type LeaseStore struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLeaseStore creates an empty in-memory lease store.
func NewLeaseStore() *LeaseStore {
	return &LeaseStore{held: make(map[string]bool)}
}

func (s *LeaseStore) AcquireLease(_ context.Context, key string) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[key] {
		return nil, false, nil
	}
	s.held[key] = true
	release := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.held, key)
	}
	return release, true, nil
}
