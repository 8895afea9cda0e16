package aggregation

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	httperr "github.com/tally-io/tally/internal/core/errors"
	"github.com/tally-io/tally/internal/core/storage"
)

// Service exposes the aggregator over HTTP: a manual run trigger and the
// read endpoint for durable counters.
type Service struct {
	runner   *Runner
	counters storage.CounterStore
}

// NewService wires the aggregation endpoints.
func NewService(runner *Runner, counters storage.CounterStore) *Service {
	if runner == nil {
		panic("aggregation: runner must not be nil")
	}
	if counters == nil {
		panic("aggregation: counter store must not be nil")
	}
	return &Service{runner: runner, counters: counters}
}

// RegisterRoutes registers the aggregation routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/v1/jobs/aggregate", s.RunHandler)
	r.GET("/v1/counters/:entity_id", s.GetCountersHandler)
}

// RunHandler triggers one aggregation run. Concurrent triggers collapse to
// one run; the loser gets 409 and retries later.
func (s *Service) RunHandler(c *gin.Context) {
	summary, err := s.runner.Run(c.Request.Context(), time.Now().UTC())
	if errors.Is(err, ErrRunInProgress) {
		c.JSON(http.StatusConflict, httperr.ErrorResponse{
			ErrorType: httperr.HttpRunInProgressError,
			Message:   "an aggregation run is already in progress",
		})
		return
	}
	if err != nil {
		slog.Error("[Aggregator] Run failed", "run_id", summary.RunID, "error", err)
		c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   "aggregation run failed",
			Details:   gin.H{"run_id": summary.RunID},
		})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GetCountersHandler reads the durable counter values for one entity.
// Entities nobody has counted yet read as an empty metric map, not 404:
// absence of events is a valid state, not an error.
func (s *Service) GetCountersHandler(c *gin.Context) {
	entityID := c.Param("entity_id")
	if entityID == "" {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpValidationError,
			Message:   "entity_id is required",
		})
		return
	}

	counters, err := s.counters.GetCounters(c.Request.Context(), entityID)
	if err != nil {
		slog.Error("[Aggregator] Counter read failed", "entity_id", entityID, "error", err)
		c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   "failed to read counters",
		})
		return
	}
	if counters == nil {
		counters = map[string]int64{}
	}

	c.JSON(http.StatusOK, gin.H{
		"entity_id": entityID,
		"counters":  counters,
	})
}
