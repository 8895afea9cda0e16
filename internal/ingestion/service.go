package ingestion

import (
	"github.com/gin-gonic/gin"
	"github.com/tally-io/tally/internal/core/shard"
	"github.com/tally-io/tally/internal/core/storage"
	"github.com/tally-io/tally/internal/observability"
	"github.com/tally-io/tally/internal/ratelimit"
)

// Service is the ingestion writer: the only write path into the pipeline.
// It validates, rate limits, routes to a shard and persists the pending
// batch. It never touches entity counters.
type Service struct {
	router           shard.Router
	store            storage.BatchStore
	limiter          *ratelimit.Limiter
	metrics          *observability.Metrics
	maxItems         int
	maxCountPerItem  int64
	maxBodySizeBytes int
}

// NewService wires the ingestion writer. limiter may be nil (rate limiting
// disabled by config).
func NewService(
	router shard.Router,
	store storage.BatchStore,
	limiter *ratelimit.Limiter,
	metrics *observability.Metrics,
	maxItems int,
	maxCountPerItem int64,
	maxBodySizeMB int,
) *Service {
	if store == nil {
		panic("ingestion: store must not be nil")
	}
	if metrics == nil {
		panic("ingestion: metrics must not be nil")
	}
	if maxItems <= 0 {
		maxItems = 500
	}
	if maxCountPerItem <= 0 {
		maxCountPerItem = 100
	}
	if maxBodySizeMB <= 0 {
		maxBodySizeMB = 1
	}
	return &Service{
		router:           router,
		store:            store,
		limiter:          limiter,
		metrics:          metrics,
		maxItems:         maxItems,
		maxCountPerItem:  maxCountPerItem,
		maxBodySizeBytes: maxBodySizeMB * 1024 * 1024,
	}
}

// RegisterRoutes registers the ingestion routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/v1/batches", s.IngestHandler)
}
