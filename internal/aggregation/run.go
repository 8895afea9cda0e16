package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	v1 "github.com/tally-io/tally/internal/api/v1"
	"github.com/tally-io/tally/internal/core/counter"
	"github.com/tally-io/tally/internal/core/retry"
	"github.com/tally-io/tally/internal/core/shard"
	"github.com/tally-io/tally/internal/core/storage"
	"github.com/tally-io/tally/internal/observability"
)

const (
	defaultBatchLimit   = 5000
	defaultWorkerCount  = 8
	defaultClaimTimeout = 15 * time.Minute
	// Safety limit on drain passes per run, mirrors the backlog guard in
	// the scheduler: a runaway producer must not pin a run forever.
	maxDrainPasses = 100
)

// ErrRunInProgress is returned when another run holds the shard window
// lease. The caller reports it instead of draining the same shards twice.
var ErrRunInProgress = errors.New("aggregation run already in progress")

// Options controls throughput and failure behavior for aggregation runs.
type Options struct {
	BatchLimit           int
	WorkerCount          int
	MaxWritesPerChunk    int
	RunBudget            time.Duration
	MaxConsecutiveErrors int
	// ClaimTimeout is the age past which a batch still claimed as
	// processing is treated as abandoned by a dead run and reclaimed.
	// Must exceed the longest plausible run.
	ClaimTimeout time.Duration
	RetryPolicy  retry.Policy
}

// DefaultOptions returns safe defaults for scheduled processing.
func DefaultOptions() Options {
	return Options{
		BatchLimit:           defaultBatchLimit,
		WorkerCount:          defaultWorkerCount,
		MaxWritesPerChunk:    450,
		RunBudget:            5 * time.Minute,
		MaxConsecutiveErrors: 5,
		ClaimTimeout:         defaultClaimTimeout,
		RetryPolicy:          retry.DefaultPolicy(),
	}
}

func (o Options) normalized() Options {
	n := o
	if n.BatchLimit <= 0 {
		n.BatchLimit = defaultBatchLimit
	}
	if n.WorkerCount <= 0 {
		n.WorkerCount = defaultWorkerCount
	}
	if n.MaxWritesPerChunk <= 0 {
		n.MaxWritesPerChunk = 450
	}
	if n.MaxConsecutiveErrors <= 0 {
		n.MaxConsecutiveErrors = 5
	}
	if n.ClaimTimeout <= 0 {
		n.ClaimTimeout = defaultClaimTimeout
	}
	return n
}

// Runner drains pending shards and folds raw events into durable entity
// counters. One Runner handles the whole pipeline read path; the lease
// keeps concurrent triggers from double-counting.
type Runner struct {
	router    shard.Router
	batches   storage.BatchStore
	leases    storage.LeaseStore
	committer *Committer
	metrics   *observability.Metrics
	opts      Options
}

// NewRunner wires the aggregator.
func NewRunner(
	router shard.Router,
	batches storage.BatchStore,
	counters storage.CounterStore,
	leases storage.LeaseStore,
	metrics *observability.Metrics,
	opts Options,
) *Runner {
	opts = opts.normalized()
	return &Runner{
		router:    router,
		batches:   batches,
		leases:    leases,
		committer: NewCommitter(counters, opts.RetryPolicy, metrics, opts.MaxWritesPerChunk),
		metrics:   metrics,
		opts:      opts,
	}
}

// Run executes one aggregation run over the current and previous shard
// buckets. Deltas are always recomputed from raw events, never from a
// previous run's output, so reprocessing after a crash converges.
func (r *Runner) Run(ctx context.Context, now time.Time) (v1.RunSummary, error) {
	summary := v1.RunSummary{RunID: uuid.NewString()}
	start := time.Now()

	shards := r.router.ToProcess(now)
	shardIDs := make([]string, len(shards))
	for i, id := range shards {
		shardIDs[i] = id.String()
	}

	// One run per shard window. The window pair is identified by its
	// newest bucket.
	leaseKey := "aggregate:" + shard.BucketLabel(now)
	release, ok, err := r.leases.AcquireLease(ctx, leaseKey)
	if err != nil {
		return summary, fmt.Errorf("acquire run lease: %w", err)
	}
	if !ok {
		slog.Warn("[Aggregator] Run already in progress", "lease", leaseKey)
		return summary, ErrRunInProgress
	}
	defer release()

	// A crashed run leaves its batches claimed as processing, where
	// ListPending cannot see them. Reclaim the old claims first so a
	// crash between claim and settlement never strands a batch.
	reclaimed, err := r.batches.ReclaimStale(ctx, shardIDs, now.Add(-r.opts.ClaimTimeout))
	if err != nil {
		return summary, fmt.Errorf("reclaim stale batches: %w", err)
	}
	if reclaimed > 0 {
		slog.Warn("[Aggregator] Reclaimed batches from a dead run",
			"run_id", summary.RunID,
			"count", reclaimed)
	}

	var deadline time.Time
	if r.opts.RunBudget > 0 {
		deadline = start.Add(r.opts.RunBudget)
	}
	breaker := retry.NewBreaker(r.opts.MaxConsecutiveErrors)

	slog.Info("[Aggregator] Starting run",
		"run_id", summary.RunID,
		"shards", len(shardIDs),
		"batch_limit", r.opts.BatchLimit,
		"workers", r.opts.WorkerCount)

	// Drain the backlog in passes so one run catches up after bursts.
	for pass := 0; pass < maxDrainPasses; pass++ {
		processed, done, err := r.drainOnce(ctx, shardIDs, breaker, deadline, &summary)
		if err != nil {
			r.metrics.RunFailures.Inc()
			return summary, err
		}
		if done || processed < r.opts.BatchLimit {
			break
		}
	}

	summary.DurationMs = time.Since(start).Milliseconds()
	r.metrics.RunDuration.Observe(time.Since(start).Seconds())
	if summary.Failures > 0 {
		r.metrics.RunFailures.Inc()
	}

	slog.Info("[Aggregator] Run complete",
		"run_id", summary.RunID,
		"batches_processed", summary.BatchesProcessed,
		"entities_updated", summary.EntitiesUpdated,
		"failures", summary.Failures,
		"partial", summary.Partial,
		"duration_ms", summary.DurationMs)

	return summary, nil
}

// drainOnce processes up to BatchLimit batches. Returns done=true when the
// run must stop (budget spent or breaker open).
func (r *Runner) drainOnce(ctx context.Context, shardIDs []string, breaker *retry.Breaker, deadline time.Time, summary *v1.RunSummary) (int, bool, error) {
	if !deadline.IsZero() && time.Now().After(deadline) {
		summary.Partial = true
		return 0, true, nil
	}

	pending, err := r.batches.ListPending(ctx, shardIDs, r.opts.RetryPolicy.MaxAttempts, r.opts.BatchLimit)
	if err != nil {
		return 0, false, fmt.Errorf("list pending batches: %w", err)
	}
	if len(pending) == 0 {
		return 0, true, nil
	}

	batchIDs := make([]string, len(pending))
	for i, b := range pending {
		batchIDs[i] = b.BatchID
	}
	if err := r.batches.MarkProcessing(ctx, batchIDs); err != nil {
		return 0, false, fmt.Errorf("mark batches processing: %w", err)
	}

	deltas := r.fold(pending)
	result := r.committer.Commit(ctx, deltas, breaker, deadline)

	committed, failed, deferred := splitBatches(pending, result)

	if err := r.batches.MarkCommitted(ctx, committed); err != nil {
		return 0, false, fmt.Errorf("mark batches committed: %w", err)
	}
	if err := r.batches.RecordFailure(ctx, failed, r.opts.RetryPolicy.MaxAttempts); err != nil {
		return 0, false, fmt.Errorf("record batch failures: %w", err)
	}
	// Batches whose chunks were never attempted go back to pending
	// untouched: no work was done, no retry budget is spent.
	if err := r.batches.MarkPending(ctx, deferred); err != nil {
		return 0, false, fmt.Errorf("return deferred batches to pending: %w", err)
	}

	summary.BatchesProcessed += len(committed)
	summary.EntitiesUpdated += len(result.Succeeded)
	summary.Failures += len(failed)
	if result.Partial {
		summary.Partial = true
	}
	r.metrics.BatchesProcessed.Add(float64(len(committed)))
	r.metrics.EntitiesUpdated.Add(float64(len(result.Succeeded)))

	if result.CircuitOpen {
		return len(pending), true, fmt.Errorf("run aborted: %d consecutive chunk failures", breaker.Consecutive())
	}
	return len(pending), result.Partial, nil
}

// fold merges raw events into one combined delta map. Worker-local maps
// are merged at the end; summation commutes, so the grouping and merge
// order cannot affect the result.
func (r *Runner) fold(pending []*storage.PendingBatch) counter.DeltaMap {
	workers := r.opts.WorkerCount
	if workers > len(pending) {
		workers = len(pending)
	}

	jobs := make(chan *storage.PendingBatch)
	locals := make(chan [2]counter.DeltaMap, workers)

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			net, lifetime := counter.DeltaMap{}, counter.DeltaMap{}
			for batch := range jobs {
				for i := range batch.Events {
					counter.Fold(net, lifetime, &batch.Events[i])
				}
			}
			locals <- [2]counter.DeltaMap{net, lifetime}
			return nil
		})
	}

	for _, batch := range pending {
		jobs <- batch
	}
	close(jobs)
	g.Wait() //nolint:errcheck // workers never return errors
	close(locals)

	combined := counter.DeltaMap{}
	for local := range locals {
		combined.Merge(local[0])
		combined.Merge(local[1])
	}
	return combined
}

// splitBatches buckets the drained batches by commit outcome. A batch is
// committed only when every entity it touches (including owner targets)
// was durably applied; one failed target keeps the whole batch undrained
// so it is never partially applied.
func splitBatches(pending []*storage.PendingBatch, result CommitResult) (committed, failed, deferred []string) {
	for _, batch := range pending {
		anyFailed := false
		anyUnattempted := false
		for _, target := range batchTargets(batch) {
			if result.Failed[target] {
				anyFailed = true
			}
			if result.Unattempted[target] {
				anyUnattempted = true
			}
		}
		switch {
		case anyFailed:
			failed = append(failed, batch.BatchID)
		case anyUnattempted:
			deferred = append(deferred, batch.BatchID)
		default:
			committed = append(committed, batch.BatchID)
		}
	}
	return committed, failed, deferred
}

// batchTargets lists every counter record a batch's events touch.
func batchTargets(batch *storage.PendingBatch) []string {
	seen := make(map[string]bool)
	var targets []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			targets = append(targets, id)
		}
	}
	for i := range batch.Events {
		add(batch.Events[i].EntityID)
		add(batch.Events[i].OwnerID)
	}
	return targets
}
