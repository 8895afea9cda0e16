package ingestion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	v1 "github.com/tally-io/tally/internal/api/v1"
	httperr "github.com/tally-io/tally/internal/core/errors"
	"github.com/tally-io/tally/internal/core/retry"
	"github.com/tally-io/tally/internal/core/storage"
)

const (
	msgReadBodyFailed = "Failed to read request body"
	msgInvalidJSON    = "Invalid JSON body"
	msgPersistFailed  = "Failed to persist batch"
)

// ingestionError carries the structured HTTP error shape from a helper back
// to the handler. Helpers return this instead of writing to gin.Context
// directly, keeping them decoupled from HTTP.
type ingestionError struct {
	statusCode int
	errorType  string
	message    string
	details    interface{}
}

func (e *ingestionError) Error() string {
	return e.message
}

// IngestHandler handles POST /v1/batches.
func (s *Service) IngestHandler(c *gin.Context) {
	req, err := s.parseBatch(c)
	if err != nil {
		s.metrics.BatchesIngested.WithLabelValues("rejected").Inc()
		writeError(c, err)
		return
	}

	if err := s.validateBatch(req); err != nil {
		s.metrics.BatchesIngested.WithLabelValues("rejected").Inc()
		writeError(c, err)
		return
	}

	routingKey := routingKeyFor(req)
	actor := routingKey
	if actor == "" {
		actor = "ip:" + c.ClientIP()
	}
	if err := s.checkRateLimit(c.Request.Context(), actor); err != nil {
		s.metrics.RateLimitRejected.Inc()
		writeError(c, err)
		return
	}

	// Anonymous batches get a random sub-shard: spread matters there,
	// determinism does not.
	shardID := s.router.For(time.Now().UTC(), routingKey)

	resp, err := s.persistBatch(c.Request.Context(), req, shardID.String(), actor)
	if err != nil {
		s.metrics.BatchesIngested.WithLabelValues("rejected").Inc()
		writeError(c, err)
		return
	}

	if resp.Idempotent {
		// Retried submit of a durably recorded batch: success, no new row.
		s.metrics.BatchesIngested.WithLabelValues("idempotent").Inc()
		c.JSON(http.StatusOK, resp)
		return
	}

	slog.Info("[Ingestion] Accepted batch",
		"batch_id", req.BatchID,
		"shard_id", shardID.String(),
		"events", len(req.Events),
		"actor", actor)

	s.metrics.BatchesIngested.WithLabelValues("accepted").Inc()
	s.metrics.EventsIngested.Add(float64(len(req.Events)))
	c.JSON(http.StatusAccepted, resp)
}

// parseBatch reads the bounded request body and binds it into BatchRequest.
func (s *Service) parseBatch(c *gin.Context) (*v1.BatchRequest, *ingestionError) {
	maxBytes := int64(s.maxBodySizeBytes)
	limitedBody := io.LimitReader(c.Request.Body, maxBytes+1) // +1 to detect oversized requests

	bodyBytes, err := io.ReadAll(limitedBody)
	if err != nil {
		slog.Error("Failed to read request body", "error", err)
		return nil, &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgReadBodyFailed,
		}
	}

	if int64(len(bodyBytes)) > maxBytes {
		slog.Warn("Request body exceeds maximum size", "size", len(bodyBytes), "max", maxBytes)
		return nil, &ingestionError{
			statusCode: http.StatusRequestEntityTooLarge,
			errorType:  httperr.HttpValidationError,
			message:    "Serialized payload exceeds maximum allowed size",
			details: map[string]interface{}{
				"max_size_mb": maxBytes / (1024 * 1024),
			},
		}
	}

	c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	var req v1.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.Warn("Invalid JSON body received", "error", err, "payload_size", len(bodyBytes))
		return nil, &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgInvalidJSON,
		}
	}
	return &req, nil
}

// validateBatch runs the full shape check. Fail-fast and atomic: any bad
// event rejects the whole submission, nothing is partially ingested.
func (s *Service) validateBatch(req *v1.BatchRequest) *ingestionError {
	if req.BatchID == "" {
		return validationError("batch_id is required")
	}
	if len(req.Events) == 0 {
		return validationError("events must not be empty")
	}
	if len(req.Events) > s.maxItems {
		return validationError(fmt.Sprintf("batch cardinality %d exceeds maximum %d", len(req.Events), s.maxItems))
	}
	for i := range req.Events {
		if err := req.Events[i].Validate(s.maxCountPerItem); err != nil {
			slog.Warn("Batch validation failed", "batch_id", req.BatchID, "error", err)
			return validationError(err.Error())
		}
	}
	return nil
}

func validationError(msg string) *ingestionError {
	return &ingestionError{
		statusCode: http.StatusBadRequest,
		errorType:  httperr.HttpValidationError,
		message:    msg,
	}
}

// checkRateLimit enforces the per-actor window before anything is persisted.
func (s *Service) checkRateLimit(ctx context.Context, actor string) *ingestionError {
	if s.limiter == nil {
		return nil
	}
	decision, err := s.limiter.Allow(ctx, actor)
	if err != nil {
		// The limiter failing must not take ingestion down with it.
		slog.Error("Rate limit check failed, allowing request", "actor", actor, "error", err)
		return nil
	}
	if decision.Allowed {
		return nil
	}

	retryAfter := int(decision.RetryAfter.Seconds())
	slog.Warn("Rate limited", "actor", actor, "retry_after_seconds", retryAfter)
	return &ingestionError{
		statusCode: http.StatusTooManyRequests,
		errorType:  httperr.HttpRateLimitedError,
		message:    "Too many requests",
		details: map[string]interface{}{
			"retry_after_seconds": retryAfter,
		},
	}
}

// persistBatch saves the pending batch, mapping a duplicate batch_id to an
// idempotent success.
func (s *Service) persistBatch(ctx context.Context, req *v1.BatchRequest, shardID, actor string) (*v1.BatchResponse, *ingestionError) {
	now := time.Now().UTC()
	batch := &storage.PendingBatch{
		BatchID:   req.BatchID,
		ShardID:   shardID,
		CreatedBy: actor,
		State:     retry.StatePending,
		Events:    req.Events,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.SaveBatch(ctx, batch); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			slog.Info("Duplicate batch treated as idempotent", "batch_id", req.BatchID)
			return &v1.BatchResponse{Accepted: true, Idempotent: true}, nil
		}

		slog.Error("Failed to persist batch", "error", err, "batch_id", req.BatchID)
		return nil, &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgPersistFailed,
		}
	}

	return &v1.BatchResponse{Accepted: true, Idempotent: false, ShardID: shardID}, nil
}

// routingKeyFor returns the first actor named by the batch, or "" for
// anonymous traffic. Rate limiting falls back to the client address so the
// per-actor key is never empty there.
func routingKeyFor(req *v1.BatchRequest) string {
	for i := range req.Events {
		if req.Events[i].ActorID != "" {
			return req.Events[i].ActorID
		}
	}
	return ""
}

// writeError serializes an ingestionError as the JSON HTTP response.
func writeError(c *gin.Context, err *ingestionError) {
	c.JSON(err.statusCode, httperr.ErrorResponse{
		ErrorType: err.errorType,
		Message:   err.message,
		Details:   err.details,
	})
}
