package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tally-io/tally/internal/core/storage"
)

// CounterAdapter implements storage.CounterStore using PostgreSQL.
// One ApplyDeltas call is one transaction, the chunk atomicity unit.
type CounterAdapter struct {
	db *sql.DB
}

// NewCounterAdapter creates a CounterAdapter sharing the given connection.
func NewCounterAdapter(db *sql.DB) *CounterAdapter {
	return &CounterAdapter{db: db}
}

// ApplyDeltas commits one delta chunk atomically. Every increment is a
// single upsert (`value = value + delta`), never read-then-write, so
// concurrent runs converge. Projected-negative values are clamped to zero
// inside the same transaction and reported back as anomalies.
func (a *CounterAdapter) ApplyDeltas(ctx context.Context, deltas map[string]map[string]int64) ([]storage.ClampedCounter, error) {
	if len(deltas) == 0 {
		return nil, nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("counter apply: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	applyStmt, err := tx.PrepareContext(ctx, queryApplyDelta)
	if err != nil {
		return nil, fmt.Errorf("counter apply: prepare upsert: %w", err)
	}
	defer applyStmt.Close()

	now := time.Now().UTC()
	var clamped []storage.ClampedCounter

	// Deterministic ordering avoids deadlocks between concurrent
	// transactions touching overlapping entity sets.
	for _, entityID := range sortedKeys(deltas) {
		metrics := deltas[entityID]
		for _, metric := range sortedMetricKeys(metrics) {
			delta := metrics[metric]
			if delta == 0 {
				continue
			}

			var value int64
			if err := applyStmt.QueryRowContext(ctx, entityID, metric, delta, now).Scan(&value); err != nil {
				return nil, fmt.Errorf("counter apply: upsert %s/%s: %w", entityID, metric, err)
			}

			if value < 0 {
				if _, err := tx.ExecContext(ctx, queryClampCounter, entityID, metric, now); err != nil {
					return nil, fmt.Errorf("counter apply: clamp %s/%s: %w", entityID, metric, err)
				}
				clamped = append(clamped, storage.ClampedCounter{
					EntityID: entityID,
					Metric:   metric,
					Delta:    delta,
				})
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("counter apply: commit: %w", err)
	}

	slog.Debug("[CounterAdapter] Applied delta chunk",
		"entities", len(deltas),
		"clamped", len(clamped))
	return clamped, nil
}

// GetCounters reads all metric values for one entity.
func (a *CounterAdapter) GetCounters(ctx context.Context, entityID string) (map[string]int64, error) {
	rows, err := a.db.QueryContext(ctx, queryGetCounters, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query counters: %w", err)
	}
	defer rows.Close()

	counters := make(map[string]int64)
	for rows.Next() {
		var metric string
		var value int64
		if err := rows.Scan(&metric, &value); err != nil {
			return nil, fmt.Errorf("failed to scan counter row: %w", err)
		}
		counters[metric] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counters: %w", err)
	}

	return counters, nil
}

func sortedKeys(m map[string]map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedMetricKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
