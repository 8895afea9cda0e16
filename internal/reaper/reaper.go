// Package reaper removes aged-out pipeline state: committed batches past
// their retention and rate limit windows nobody touches anymore. It never
// deletes undrained batches; those are counted and surfaced instead.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	v1 "github.com/tally-io/tally/internal/api/v1"
	httperr "github.com/tally-io/tally/internal/core/errors"
	"github.com/tally-io/tally/internal/core/storage"
	"github.com/tally-io/tally/internal/observability"
)

// Reaper sweeps expired storage rows on a schedule or on demand.
type Reaper struct {
	batches    storage.BatchStore
	rateLimits storage.RateLimitStore
	metrics    *observability.Metrics
	retention  time.Duration
	stuckAfter time.Duration
	rlWindow   time.Duration
}

// New wires the reaper. rateLimits may be nil when rate limiting runs on
// the in-memory store, which expires its own entries.
func New(
	batches storage.BatchStore,
	rateLimits storage.RateLimitStore,
	metrics *observability.Metrics,
	retention, stuckAfter, rateLimitWindow time.Duration,
) *Reaper {
	if batches == nil {
		panic("reaper: batch store is required")
	}
	if metrics == nil {
		panic("reaper: metrics are required")
	}
	return &Reaper{
		batches:    batches,
		rateLimits: rateLimits,
		metrics:    metrics,
		retention:  retention,
		stuckAfter: stuckAfter,
		rlWindow:   rateLimitWindow,
	}
}

// Sweep runs one cleanup pass. Deletion is retention-driven only; a
// batch's state never shortens or extends its lifetime once committed.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) (v1.SweepSummary, error) {
	var summary v1.SweepSummary

	deleted, err := r.batches.DeleteCommittedBefore(ctx, now.Add(-r.retention))
	if err != nil {
		return summary, fmt.Errorf("delete committed batches: %w", err)
	}
	summary.BatchesDeleted = deleted

	if r.rateLimits != nil {
		// Entries older than one full window can no longer influence a
		// rate limit decision.
		expired, err := r.rateLimits.DeleteExpiredBefore(ctx, now.Add(-r.rlWindow))
		if err != nil {
			return summary, fmt.Errorf("delete expired rate limit entries: %w", err)
		}
		summary.RateLimitEntriesDeleted = expired
	}

	stuck, err := r.batches.CountStuck(ctx, now.Add(-r.stuckAfter))
	if err != nil {
		return summary, fmt.Errorf("count stuck batches: %w", err)
	}
	summary.StuckBatches = stuck
	r.metrics.StuckBatches.Set(float64(stuck))
	if stuck > 0 {
		slog.Warn("[Reaper] Stuck batches detected",
			"count", stuck,
			"older_than", r.stuckAfter.String())
	}

	slog.Info("[Reaper] Sweep complete",
		"batches_deleted", summary.BatchesDeleted,
		"rate_limit_entries_deleted", summary.RateLimitEntriesDeleted,
		"stuck_batches", summary.StuckBatches)

	return summary, nil
}

// RegisterRoutes mounts the manual sweep trigger.
func (r *Reaper) RegisterRoutes(router gin.IRouter) {
	router.POST("/v1/jobs/sweep", r.SweepHandler)
}

// SweepHandler triggers one sweep pass and reports what it removed.
func (r *Reaper) SweepHandler(c *gin.Context) {
	summary, err := r.Sweep(c.Request.Context(), time.Now().UTC())
	if err != nil {
		slog.Error("[Reaper] Sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   "sweep failed",
		})
		return
	}
	c.JSON(http.StatusOK, summary)
}
