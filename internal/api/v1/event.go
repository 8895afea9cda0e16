package v1

import (
	"fmt"
	"time"
)

// EventType is the closed set of interaction events the pipeline accepts.
// Adding a type is a deliberate schema change: it must also be given metric
// weights in internal/core/counter before the aggregator will count it.
type EventType string

const (
	TypeCartAdded       EventType = "cart_added"
	TypeCartRemoved     EventType = "cart_removed"
	TypeFavoriteAdded   EventType = "favorite_added"
	TypeFavoriteRemoved EventType = "favorite_removed"
	TypeClick           EventType = "click"
	TypeImpression      EventType = "impression"
	TypePurchase        EventType = "purchase"
)

// KnownTypes maps every accepted event type to true. Validation and the
// aggregator both key off this set; anything else is rejected at the door.
var KnownTypes = map[EventType]bool{
	TypeCartAdded:       true,
	TypeCartRemoved:     true,
	TypeFavoriteAdded:   true,
	TypeFavoriteRemoved: true,
	TypeClick:           true,
	TypeImpression:      true,
	TypePurchase:        true,
}

// Event is a single user interaction. Immutable once ingested.
type Event struct {
	// Type is the interaction kind. Must be a member of KnownTypes.
	Type EventType `json:"type"`

	// EntityID is the product/listing the interaction targets.
	// Primary accumulation dimension; required.
	EntityID string `json:"entity_id"`

	// OwnerID is the shop that owns the entity. Optional; when present it
	// feeds the owner-level lifetime engagement counters.
	OwnerID string `json:"owner_id,omitempty"`

	// ActorID identifies the user performing the action. Optional
	// (anonymous traffic); used for sub-shard routing and rate limiting.
	ActorID string `json:"actor_id,omitempty"`

	// Count is the quantity the event carries (e.g. items added).
	// Defaults to 1 when omitted; bounded by validation.
	Count int64 `json:"count,omitempty"`

	// OccurredAt is the client-side event time, recorded for audit.
	// Shard routing buckets by ingestion time, not by this field: a
	// delayed client timestamp would land outside the drainable window.
	OccurredAt time.Time `json:"occurred_at"`
}

// Validate checks the per-event shape constraints. maxCount is the
// configured per-item quantity ceiling.
func (e *Event) Validate(maxCount int64) error {
	if !KnownTypes[e.Type] {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at is required")
	}
	if e.Count < 0 || e.Count > maxCount {
		return fmt.Errorf("count %d out of range [1, %d]", e.Count, maxCount)
	}
	return nil
}

// EffectiveCount returns the carried quantity, defaulting to 1.
func (e *Event) EffectiveCount() int64 {
	if e.Count == 0 {
		return 1
	}
	return e.Count
}

// BatchRequest is the ingestion payload: a client-identified group of events.
// BatchID is the idempotency key: resubmitting the same id is a no-op.
type BatchRequest struct {
	BatchID string  `json:"batch_id"`
	Events  []Event `json:"events"`
}

// BatchResponse reports the outcome of an ingestion call.
type BatchResponse struct {
	Accepted   bool   `json:"accepted"`
	Idempotent bool   `json:"idempotent"`
	ShardID    string `json:"shard_id,omitempty"`
}

// RunSummary is returned by the aggregation job trigger.
type RunSummary struct {
	RunID            string `json:"run_id"`
	BatchesProcessed int    `json:"batches_processed"`
	EntitiesUpdated  int    `json:"entities_updated"`
	Failures         int    `json:"failures"`
	Partial          bool   `json:"partial"`
	DurationMs       int64  `json:"duration_ms"`
}

// SweepSummary is returned by the cleanup job trigger.
type SweepSummary struct {
	BatchesDeleted          int `json:"batches_deleted"`
	RateLimitEntriesDeleted int `json:"rate_limit_entries_deleted"`
	StuckBatches            int `json:"stuck_batches"`
}
