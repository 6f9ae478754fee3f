package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldnote/analysis-engine/internal/domain"
	"github.com/fieldnote/analysis-engine/internal/platform/logger"
	"github.com/fieldnote/analysis-engine/internal/store"
)

// itemColumns is the column list shared by every run_items SELECT/RETURNING.
const itemColumns = `id, run_id, content_item_id, content, state, claimed_by,
	claimed_at, completed_at, attempts, next_attempt_at, last_error_code, cost,
	created_at, updated_at`

// RunItemStore implements the store.RunItemStore interface using PostgreSQL.
//
// Claiming uses a set-based conditional UPDATE over FOR UPDATE SKIP LOCKED:
// concurrent claimants lock disjoint row sets, so two calls never return
// overlapping items and no claimant ever waits on another's lock. Every
// state transition is conditional on the row's current state, which enforces
// the single-writer-per-claim invariant even against a sweeper that has
// already reclaimed the row.
type RunItemStore struct {
	db *sql.DB
	q  store.DBTX
}

// NewRunItemStore creates a new RunItemStore backed by the given database.
func NewRunItemStore(db *sql.DB) *RunItemStore {
	return &RunItemStore{db: db, q: db}
}

// WithTx returns a RunItemStore bound to the provided transaction.
func (s *RunItemStore) WithTx(tx *sql.Tx) store.RunItemStore {
	return &RunItemStore{q: tx}
}

// inTransaction executes fn inside a transaction, or directly when the store
// is already bound to one.
func (s *RunItemStore) inTransaction(ctx context.Context, fn func(q store.DBTX) error) error {
	if s.db == nil {
		return fn(s.q)
	}
	return store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		return fn(tx)
	})
}

// CreateBatch inserts items in queued state.
func (s *RunItemStore) CreateBatch(ctx context.Context, items []*domain.RunItem) error {
	if len(items) == 0 {
		return nil
	}

	for _, item := range items {
		if err := item.Validate(); err != nil {
			return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
		}
	}

	query := `
		INSERT INTO run_items (run_id, content_item_id, content, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	return s.inTransaction(ctx, func(q store.DBTX) error {
		for _, item := range items {
			err := q.QueryRowContext(ctx, query,
				item.RunID,
				item.ContentItemID,
				item.Content,
				item.State,
				item.CreatedAt,
				item.UpdatedAt,
			).Scan(&item.ID)
			if err != nil {
				return store.NewStoreError("run item", "create", "insert failed", MapError(err))
			}
		}
		return nil
	})
}

// GetByID retrieves a single item.
func (s *RunItemStore) GetByID(ctx context.Context, id int64) (*domain.RunItem, error) {
	query := `SELECT ` + itemColumns + ` FROM run_items WHERE id = $1`

	item, err := scanItem(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if store.IsNotFoundError(MapError(err)) {
			return nil, store.ErrItemNotFound
		}
		return nil, store.NewStoreError("run item", "get", "query failed", MapError(err))
	}

	return item, nil
}

// ListByRun retrieves all items for a run in ascending ID order.
func (s *RunItemStore) ListByRun(ctx context.Context, runID uuid.UUID) ([]*domain.RunItem, error) {
	query := `SELECT ` + itemColumns + ` FROM run_items WHERE run_id = $1 ORDER BY id ASC`

	rows, err := s.q.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, store.NewStoreError("run item", "list", "query failed", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var items []*domain.RunItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, store.NewStoreError("run item", "list", "scan failed", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewStoreError("run item", "list", "row iteration failed", err)
	}

	return items, nil
}

// ClaimBatch atomically claims up to batchSize queued items of the run in
// ascending ID order. SKIP LOCKED makes concurrent claims take disjoint row
// sets; the transaction also keeps the run counters in step and flips a
// pending run to running on its first claim. If the transaction aborts, the
// claim never becomes visible.
func (s *RunItemStore) ClaimBatch(
	ctx context.Context,
	runID uuid.UUID,
	workerID string,
	batchSize int,
) ([]*domain.RunItem, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive", store.ErrInvalidEntity)
	}

	claimQuery := `
		UPDATE run_items
		SET state = 'processing', claimed_by = $2, claimed_at = now(), updated_at = now()
		WHERE id IN (
			SELECT id FROM run_items
			WHERE run_id = $1
			  AND state = 'queued'
			  AND (next_attempt_at IS NULL OR next_attempt_at <= now())
			ORDER BY id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + itemColumns

	var items []*domain.RunItem
	err := s.inTransaction(ctx, func(q store.DBTX) error {
		rows, err := q.QueryContext(ctx, claimQuery, runID, workerID, batchSize)
		if err != nil {
			return store.NewStoreError("run item", "claim", "claim update failed", MapError(err))
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			item, err := scanItem(rows)
			if err != nil {
				return store.NewStoreError("run item", "claim", "scan failed", err)
			}
			items = append(items, item)
		}
		if err := rows.Err(); err != nil {
			return store.NewStoreError("run item", "claim", "row iteration failed", err)
		}

		if len(items) == 0 {
			return nil
		}

		_, err = q.ExecContext(ctx,
			`UPDATE runs
				SET queued_count = queued_count - $2,
					processing_count = processing_count + $2,
					status = CASE WHEN status = 'pending' THEN 'running' ELSE status END,
					updated_at = now()
				WHERE id = $1`,
			runID, len(items))
		if err != nil {
			return store.NewStoreError("run item", "claim", "counter update failed", MapError(err))
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return items, nil
}

// MarkCompleted moves a processing item to completed.
func (s *RunItemStore) MarkCompleted(ctx context.Context, id int64, cost float64) error {
	return s.transition(ctx, id, "complete",
		`UPDATE run_items
			SET state = 'completed', completed_at = now(), cost = $2, updated_at = now()
			WHERE id = $1 AND state = 'processing'
			RETURNING run_id`,
		`UPDATE runs
			SET processing_count = processing_count - 1,
				completed_count = completed_count + 1, updated_at = now()
			WHERE id = $1`,
		cost)
}

// MarkFailed moves a processing item to failed with the given error code.
func (s *RunItemStore) MarkFailed(ctx context.Context, id int64, errorCode string) error {
	return s.transition(ctx, id, "fail",
		`UPDATE run_items
			SET state = 'failed', completed_at = now(), last_error_code = $2, updated_at = now()
			WHERE id = $1 AND state = 'processing'
			RETURNING run_id`,
		`UPDATE runs
			SET processing_count = processing_count - 1,
				failed_count = failed_count + 1, updated_at = now()
			WHERE id = $1`,
		errorCode)
}

// Requeue moves a processing item back to queued for a deferred retry.
func (s *RunItemStore) Requeue(ctx context.Context, id int64, errorCode string, nextAttemptAt time.Time) error {
	return s.transition(ctx, id, "requeue",
		`UPDATE run_items
			SET state = 'queued', claimed_by = NULL, claimed_at = NULL,
				attempts = attempts + 1, last_error_code = $2,
				next_attempt_at = $3, updated_at = now()
			WHERE id = $1 AND state = 'processing'
			RETURNING run_id`,
		`UPDATE runs
			SET processing_count = processing_count - 1,
				queued_count = queued_count + 1, updated_at = now()
			WHERE id = $1`,
		errorCode, nextAttemptAt.UTC())
}

// Release returns a processing item to queued without counting an attempt.
// If the owning run already reached a terminal status, the item is skipped
// instead: terminal runs are never listed again, so an item requeued into
// one would sit there forever.
func (s *RunItemStore) Release(ctx context.Context, id int64) error {
	return s.inTransaction(ctx, func(q store.DBTX) error {
		var runID uuid.UUID
		var state domain.ItemState
		err := q.QueryRowContext(ctx,
			`UPDATE run_items i
				SET state = CASE WHEN r.status IN ('pending', 'running')
						THEN 'queued' ELSE 'skipped' END,
					completed_at = CASE WHEN r.status IN ('pending', 'running')
						THEN i.completed_at ELSE now() END,
					claimed_by = NULL, claimed_at = NULL, updated_at = now()
				FROM runs r
				WHERE i.id = $1 AND i.run_id = r.id AND i.state = 'processing'
				RETURNING i.run_id, i.state`,
			id).Scan(&runID, &state)
		if err != nil {
			if store.IsNotFoundError(MapError(err)) {
				return s.staleOrMissing(ctx, q, id)
			}
			return store.NewStoreError("run item", "release", "item update failed", MapError(err))
		}

		counterQuery := `UPDATE runs
			SET processing_count = processing_count - 1,
				queued_count = queued_count + 1, updated_at = now()
			WHERE id = $1`
		if state == domain.ItemStateSkipped {
			counterQuery = `UPDATE runs
				SET processing_count = processing_count - 1,
					skipped_count = skipped_count + 1, updated_at = now()
				WHERE id = $1`
		}
		if _, err := q.ExecContext(ctx, counterQuery, runID); err != nil {
			return store.NewStoreError("run item", "release", "counter update failed", MapError(err))
		}

		return nil
	})
}

// transition applies a conditional item update and the matching run counter
// adjustment in one transaction. A conditional update that matches no row
// means another writer (worker or sweeper) moved the item first; that
// surfaces as ErrStaleState so the caller can drop its claim.
func (s *RunItemStore) transition(
	ctx context.Context,
	id int64,
	operation string,
	itemQuery string,
	counterQuery string,
	args ...any,
) error {
	return s.inTransaction(ctx, func(q store.DBTX) error {
		queryArgs := append([]any{id}, args...)

		var runID uuid.UUID
		err := q.QueryRowContext(ctx, itemQuery, queryArgs...).Scan(&runID)
		if err != nil {
			if store.IsNotFoundError(MapError(err)) {
				return s.staleOrMissing(ctx, q, id)
			}
			return store.NewStoreError("run item", operation, "item update failed", MapError(err))
		}

		if _, err := q.ExecContext(ctx, counterQuery, runID); err != nil {
			return store.NewStoreError("run item", operation, "counter update failed", MapError(err))
		}

		return nil
	})
}

// ReclaimStale reverts items stuck in processing past the timeout back to
// queued, clearing their claim fields, and repairs the affected runs'
// counters in the same transaction. Stale items whose run already reached a
// terminal status are skipped instead of requeued, matching the queued item
// sweep Terminate performs.
func (s *RunItemStore) ReclaimStale(ctx context.Context, olderThan time.Duration) (map[uuid.UUID]int, error) {
	reclaimed := make(map[uuid.UUID]int)

	err := s.inTransaction(ctx, func(q store.DBTX) error {
		rows, err := q.QueryContext(ctx,
			`UPDATE run_items i
				SET state = CASE WHEN r.status IN ('pending', 'running')
						THEN 'queued' ELSE 'skipped' END,
					completed_at = CASE WHEN r.status IN ('pending', 'running')
						THEN i.completed_at ELSE now() END,
					claimed_by = NULL, claimed_at = NULL, updated_at = now()
				FROM runs r
				WHERE i.state = 'processing' AND i.run_id = r.id
				  AND i.claimed_at < now() - $1::interval
				RETURNING i.run_id, i.state`,
			durationToInterval(olderThan))
		if err != nil {
			return store.NewStoreError("run item", "reclaim", "reclaim update failed", MapError(err))
		}
		defer func() { _ = rows.Close() }()

		requeued := make(map[uuid.UUID]int)
		skipped := make(map[uuid.UUID]int)
		for rows.Next() {
			var runID uuid.UUID
			var state domain.ItemState
			if err := rows.Scan(&runID, &state); err != nil {
				return store.NewStoreError("run item", "reclaim", "scan failed", err)
			}
			reclaimed[runID]++
			if state == domain.ItemStateSkipped {
				skipped[runID]++
			} else {
				requeued[runID]++
			}
		}
		if err := rows.Err(); err != nil {
			return store.NewStoreError("run item", "reclaim", "row iteration failed", err)
		}

		for runID, count := range reclaimed {
			_, err := q.ExecContext(ctx,
				`UPDATE runs
					SET processing_count = processing_count - $2,
						queued_count = queued_count + $3,
						skipped_count = skipped_count + $4, updated_at = now()
					WHERE id = $1`,
				runID, count, requeued[runID], skipped[runID])
			if err != nil {
				return store.NewStoreError("run item", "reclaim", "counter update failed", MapError(err))
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(reclaimed) > 0 {
		logger.FromContext(ctx).Warn("reclaimed stale processing items",
			"runs_affected", len(reclaimed))
	}

	return reclaimed, nil
}

// DeferredStats reports queued items awaiting retry, grouped by run and
// error code.
func (s *RunItemStore) DeferredStats(ctx context.Context) ([]store.DeferredStat, error) {
	query := `
		SELECT run_id, COALESCE(last_error_code, ''), COUNT(*),
			COALESCE(MIN(next_attempt_at), now())
		FROM run_items
		WHERE state = 'queued' AND attempts > 0
		GROUP BY run_id, last_error_code
		ORDER BY run_id, last_error_code
	`

	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, store.NewStoreError("run item", "deferred_stats", "query failed", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var stats []store.DeferredStat
	for rows.Next() {
		var stat store.DeferredStat
		var nextAttemptAt time.Time
		if err := rows.Scan(&stat.RunID, &stat.ErrorCode, &stat.Count, &nextAttemptAt); err != nil {
			return nil, store.NewStoreError("run item", "deferred_stats", "scan failed", err)
		}
		stat.NextAttemptAt = nextAttemptAt.UTC()
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewStoreError("run item", "deferred_stats", "row iteration failed", err)
	}

	return stats, nil
}

// staleOrMissing distinguishes "item is gone" from "item in another state".
func (s *RunItemStore) staleOrMissing(ctx context.Context, q store.DBTX, id int64) error {
	var exists bool
	err := q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM run_items WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return store.NewStoreError("run item", "transition", "existence check failed", MapError(err))
	}
	if !exists {
		return store.ErrItemNotFound
	}
	return store.ErrStaleState
}

// durationToInterval renders a duration as a Postgres interval literal.
func durationToInterval(d time.Duration) string {
	return fmt.Sprintf("%f seconds", d.Seconds())
}

// scanItem reads one run_items row into a domain entity.
func scanItem(row rowScanner) (*domain.RunItem, error) {
	var item domain.RunItem
	var claimedBy, lastErrorCode sql.NullString
	var claimedAt, completedAt, nextAttemptAt sql.NullTime
	var createdAt, updatedAt time.Time

	err := row.Scan(
		&item.ID,
		&item.RunID,
		&item.ContentItemID,
		&item.Content,
		&item.State,
		&claimedBy,
		&claimedAt,
		&completedAt,
		&item.Attempts,
		&nextAttemptAt,
		&lastErrorCode,
		&item.Cost,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.ClaimedBy = claimedBy.String
	item.LastErrorCode = lastErrorCode.String
	if claimedAt.Valid {
		t := claimedAt.Time.UTC()
		item.ClaimedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		item.CompletedAt = &t
	}
	if nextAttemptAt.Valid {
		t := nextAttemptAt.Time.UTC()
		item.NextAttemptAt = &t
	}
	item.CreatedAt = createdAt.UTC()
	item.UpdatedAt = updatedAt.UTC()

	return &item, nil
}
