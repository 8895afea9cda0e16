package aggregation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/tally-io/tally/internal/core/counter"
	"github.com/tally-io/tally/internal/core/retry"
	"github.com/tally-io/tally/internal/core/storage/memory"
	"github.com/tally-io/tally/internal/observability"
)

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func testMetrics() *observability.Metrics {
	return observability.New(prometheus.NewRegistry())
}

func deltasFor(entityIDs ...string) counter.DeltaMap {
	deltas := counter.DeltaMap{}
	for _, id := range entityIDs {
		deltas.Add(id, counter.MetricClicks, 1)
	}
	return deltas
}

func TestChunks_Bounds(t *testing.T) {
	ids := make([]string, 1000)
	for i := range ids {
		ids[i] = fmt.Sprintf("listing-%04d", i)
	}
	chunks := Chunks(deltasFor(ids...), 450)

	require.Len(t, chunks, 3)
	require.Len(t, chunks[0], 450)
	require.Len(t, chunks[1], 450)
	require.Len(t, chunks[2], 100)

	// No entity split or duplicated across chunks.
	seen := map[string]bool{}
	for _, chunk := range chunks {
		for id := range chunk {
			require.False(t, seen[id])
			seen[id] = true
		}
	}
	require.Len(t, seen, 1000)
}

func TestChunks_Empty(t *testing.T) {
	require.Nil(t, Chunks(counter.DeltaMap{}, 450))
}

func TestCommit_AllSucceed(t *testing.T) {
	counters := memory.NewCounterStore()
	committer := NewCommitter(counters, testPolicy(), testMetrics(), 2)

	deltas := deltasFor("a", "b", "c")
	result := committer.Commit(context.Background(), deltas, retry.NewBreaker(5), time.Time{})

	require.Len(t, result.Succeeded, 3)
	require.Empty(t, result.Failed)
	require.Empty(t, result.Unattempted)
	require.False(t, result.Partial)
	require.False(t, result.CircuitOpen)

	values, err := counters.GetCounters(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, int64(1), values[counter.MetricClicks])
}

func TestCommit_ChunkFailureIsolated(t *testing.T) {
	counters := memory.NewCounterStore()
	counters.FailFor = map[string]error{"b": errors.New("connection refused")}

	// One entity per chunk so only b's chunk fails.
	committer := NewCommitter(counters, testPolicy(), testMetrics(), 1)
	result := committer.Commit(context.Background(), deltasFor("a", "b", "c"), retry.NewBreaker(5), time.Time{})

	require.True(t, result.Succeeded["a"])
	require.True(t, result.Succeeded["c"])
	require.True(t, result.Failed["b"])
	require.Empty(t, result.Unattempted)
	require.False(t, result.CircuitOpen)
}

func TestCommit_TerminalErrorSkipsRetry(t *testing.T) {
	counters := memory.NewCounterStore()
	counters.FailFor = map[string]error{"a": retry.ErrTerminal}

	committer := NewCommitter(counters, testPolicy(), testMetrics(), 1)
	result := committer.Commit(context.Background(), deltasFor("a"), retry.NewBreaker(5), time.Time{})

	require.True(t, result.Failed["a"])
}

func TestCommit_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	counters := memory.NewCounterStore()
	counters.FailFor = map[string]error{
		"a": errors.New("down"),
		"b": errors.New("down"),
	}

	committer := NewCommitter(counters, testPolicy(), testMetrics(), 1)
	breaker := retry.NewBreaker(2)
	result := committer.Commit(context.Background(), deltasFor("a", "b", "c", "d"), breaker, time.Time{})

	require.True(t, result.CircuitOpen)
	require.Len(t, result.Failed, 2)
	// Chunks after the breaker opened were never started.
	require.True(t, result.Unattempted["c"])
	require.True(t, result.Unattempted["d"])
	require.Empty(t, result.Succeeded)
}

func TestCommit_SuccessResetsBreaker(t *testing.T) {
	counters := memory.NewCounterStore()
	counters.FailFor = map[string]error{"a": errors.New("down"), "c": errors.New("down")}

	committer := NewCommitter(counters, testPolicy(), testMetrics(), 1)
	breaker := retry.NewBreaker(2)
	result := committer.Commit(context.Background(), deltasFor("a", "b", "c", "d"), breaker, time.Time{})

	// Failures are not consecutive (b succeeds between them), breaker stays
	// closed and every chunk is attempted.
	require.False(t, result.CircuitOpen)
	require.Len(t, result.Failed, 2)
	require.Len(t, result.Succeeded, 2)
	require.Empty(t, result.Unattempted)
}

func TestCommit_DeadlineStopsNewChunks(t *testing.T) {
	counters := memory.NewCounterStore()
	committer := NewCommitter(counters, testPolicy(), testMetrics(), 1)

	expired := time.Now().Add(-time.Second)
	result := committer.Commit(context.Background(), deltasFor("a", "b"), retry.NewBreaker(5), expired)

	require.True(t, result.Partial)
	require.Empty(t, result.Succeeded)
	require.True(t, result.Unattempted["a"])
	require.True(t, result.Unattempted["b"])
}

func TestCommit_ReportsClamps(t *testing.T) {
	counters := memory.NewCounterStore()
	committer := NewCommitter(counters, testPolicy(), testMetrics(), 10)

	deltas := counter.DeltaMap{}
	deltas.Add("a", counter.MetricCartCount, -3)
	result := committer.Commit(context.Background(), deltas, retry.NewBreaker(5), time.Time{})

	require.True(t, result.Succeeded["a"])
	require.Equal(t, 1, result.Clamped)

	values, err := counters.GetCounters(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, int64(0), values[counter.MetricCartCount])
}
