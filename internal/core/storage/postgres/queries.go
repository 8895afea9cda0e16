package postgres

// SQL for the pipeline tables. Counter mutations are increment-only; the
// aggregator is the sole writer of entity_counters.

const (
	// querySaveBatch inserts a pending batch with batch_id idempotency.
	// ON CONFLICT DO NOTHING returns no rows (sql.ErrNoRows) for duplicates.
	querySaveBatch = `
		INSERT INTO pending_batches (
			batch_id, shard_id, created_by, state, retry_count,
			events, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (batch_id) DO NOTHING
		RETURNING batch_id
	`

	// queryListPending fetches drainable batches for a shard set, oldest
	// first. Failed units (retry_count >= max) are excluded: they are
	// surfaced by the reaper, not retried automatically.
	queryListPending = `
		SELECT
			batch_id, shard_id, created_by, state, retry_count,
			events, created_at, updated_at
		FROM pending_batches
		WHERE shard_id = ANY($1)
		  AND state IN ('pending', 'retrying')
		  AND retry_count < $2
		ORDER BY created_at ASC
		LIMIT $3
	`

	queryMarkState = `
		UPDATE pending_batches
		SET state = $2, updated_at = $3
		WHERE batch_id = ANY($1)
	`

	// queryRecordFailure bumps retry_count and settles the state: retrying
	// while budget remains, failed once it is exhausted.
	queryRecordFailure = `
		UPDATE pending_batches
		SET retry_count = retry_count + 1,
		    state = CASE WHEN retry_count + 1 >= $2 THEN 'failed' ELSE 'retrying' END,
		    updated_at = $3
		WHERE batch_id = ANY($1)
	`

	// queryReclaimStale returns batches abandoned mid-run to the candidate
	// set. A batch still in 'processing' past the claim timeout belongs to
	// a run that died before settling it; retry_count is untouched because
	// no failure was recorded.
	queryReclaimStale = `
		UPDATE pending_batches
		SET state = 'pending', updated_at = $3
		WHERE shard_id = ANY($1)
		  AND state = 'processing'
		  AND updated_at < $2
	`

	// queryDeleteCommitted removes aged-out drained batches only. An
	// undrained batch is never deleted regardless of age.
	queryDeleteCommitted = `
		DELETE FROM pending_batches
		WHERE state = 'committed'
		  AND created_at < $1
	`

	queryCountStuck = `
		SELECT COUNT(*)
		FROM pending_batches
		WHERE state = 'failed'
		   OR (state <> 'committed' AND created_at < $1)
	`

	// queryApplyDelta is the atomic increment: concurrent runs converge
	// regardless of interleaving because addition commutes.
	queryApplyDelta = `
		INSERT INTO entity_counters (entity_id, metric, value, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entity_id, metric)
		DO UPDATE SET
			value = entity_counters.value + EXCLUDED.value,
			updated_at = EXCLUDED.updated_at
		RETURNING value
	`

	// queryClampCounter zeroes a counter the preceding increment drove
	// negative. Same transaction as the increment, so readers never
	// observe the negative intermediate value.
	queryClampCounter = `
		UPDATE entity_counters
		SET value = 0, updated_at = $3
		WHERE entity_id = $1 AND metric = $2
	`

	queryGetCounters = `
		SELECT metric, value
		FROM entity_counters
		WHERE entity_id = $1
		ORDER BY metric ASC
	`

	// queryBumpRateLimit is the whole fixed-window algorithm in one
	// statement: restart the window when it expired, otherwise count.
	queryBumpRateLimit = `
		INSERT INTO rate_limits (actor_id, count, window_start)
		VALUES ($1, 1, $2)
		ON CONFLICT (actor_id)
		DO UPDATE SET
			count = CASE WHEN rate_limits.window_start <= $3 THEN 1 ELSE rate_limits.count + 1 END,
			window_start = CASE WHEN rate_limits.window_start <= $3 THEN $2 ELSE rate_limits.window_start END
		RETURNING count, window_start
	`

	queryDeleteExpiredRateLimits = `
		DELETE FROM rate_limits
		WHERE window_start < $1
	`
)
