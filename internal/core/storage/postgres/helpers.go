package postgres

import (
	"encoding/json"
	"fmt"

	v1 "github.com/tally-io/tally/internal/api/v1"
	"github.com/tally-io/tally/internal/core/retry"
	"github.com/tally-io/tally/internal/core/storage"
)

// marshalEvents serializes a batch's events for the jsonb column.
func marshalEvents(events []v1.Event) ([]byte, error) {
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal events: %w", err)
	}
	return eventsJSON, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanBatchRow scans a database row into a PendingBatch.
// Compatible with both sql.Row (single) and sql.Rows (multiple).
func scanBatchRow(row scanner) (*storage.PendingBatch, error) {
	var batch storage.PendingBatch
	var state string
	var eventsJSON []byte

	err := row.Scan(
		&batch.BatchID,
		&batch.ShardID,
		&batch.CreatedBy,
		&state,
		&batch.RetryCount,
		&eventsJSON,
		&batch.CreatedAt,
		&batch.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan batch row: %w", err)
	}

	batch.State = retry.State(state)
	if err := json.Unmarshal(eventsJSON, &batch.Events); err != nil {
		return nil, fmt.Errorf("failed to unmarshal events: %w", err)
	}

	return &batch, nil
}
