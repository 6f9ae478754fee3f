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

// runColumns is the column list shared by every run SELECT.
const runColumns = `id, scope, model_tag, rate_per_second, item_limit, status,
	queued_count, processing_count, completed_count, failed_count, skipped_count,
	heartbeat_at, created_at, updated_at`

// RunStore implements the store.RunStore interface using PostgreSQL.
type RunStore struct {
	// db is the connection used to open transactions for the multi-statement
	// operations. Nil when the store is bound to a caller-managed transaction.
	db *sql.DB

	// q is the handle queries run against: db, or the bound transaction.
	q store.DBTX
}

// NewRunStore creates a new RunStore backed by the given database.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db, q: db}
}

// WithTx returns a RunStore bound to the provided transaction.
func (s *RunStore) WithTx(tx *sql.Tx) store.RunStore {
	return &RunStore{q: tx}
}

// inTransaction executes fn inside a transaction, or directly when the store
// is already bound to one.
func (s *RunStore) inTransaction(ctx context.Context, fn func(q store.DBTX) error) error {
	if s.db == nil {
		return fn(s.q)
	}
	return store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		return fn(tx)
	})
}

// Create saves a new run to the store.
func (s *RunStore) Create(ctx context.Context, run *domain.Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO runs (id, scope, model_tag, rate_per_second, item_limit, status,
			queued_count, processing_count, completed_count, failed_count, skipped_count,
			heartbeat_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	c := run.Counters
	_, err := s.q.ExecContext(ctx, query,
		run.ID,
		run.Scope,
		run.Params.ModelTag,
		run.Params.RatePerSecond,
		run.Params.ItemLimit,
		run.Status,
		c.Queued, c.Processing, c.Completed, c.Failed, c.Skipped,
		run.HeartbeatAt,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return store.NewStoreError("run", "create", "insert failed", MapError(err))
	}

	return nil
}

// GetByID retrieves a run by its unique ID.
func (s *RunStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`

	run, err := scanRun(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if store.IsNotFoundError(MapError(err)) {
			return nil, store.ErrRunNotFound
		}
		return nil, store.NewStoreError("run", "get", "query failed", MapError(err))
	}

	return run, nil
}

// ListActive retrieves all runs in pending or running status.
func (s *RunStore) ListActive(ctx context.Context) ([]*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE status IN ($1, $2)
		ORDER BY created_at ASC`

	rows, err := s.q.QueryContext(ctx, query, domain.RunStatusPending, domain.RunStatusRunning)
	if err != nil {
		return nil, store.NewStoreError("run", "list_active", "query failed", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, store.NewStoreError("run", "list_active", "scan failed", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewStoreError("run", "list_active", "row iteration failed", err)
	}

	return runs, nil
}

// Heartbeat refreshes the run's liveness timestamp.
func (s *RunStore) Heartbeat(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE runs SET heartbeat_at = now(), updated_at = now() WHERE id = $1`

	result, err := s.q.ExecContext(ctx, query, id)
	if err != nil {
		return store.NewStoreError("run", "heartbeat", "update failed", MapError(err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return store.NewStoreError("run", "heartbeat", "rows affected failed", err)
	}
	if rowsAffected == 0 {
		return store.ErrRunNotFound
	}

	return nil
}

// Terminate atomically moves the run to a terminal status and skips any
// still-queued items, keeping the counters in step with the rows.
func (s *RunStore) Terminate(ctx context.Context, id uuid.UUID, status domain.RunStatus) error {
	if status != domain.RunStatusCompleted &&
		status != domain.RunStatusFailed &&
		status != domain.RunStatusCancelled {
		return fmt.Errorf("%w: %s is not a terminal run status", store.ErrInvalidEntity, status)
	}

	return s.inTransaction(ctx, func(q store.DBTX) error {
		result, err := q.ExecContext(ctx,
			`UPDATE runs SET status = $2, updated_at = now()
				WHERE id = $1 AND status IN ('pending', 'running')`,
			id, status)
		if err != nil {
			return store.NewStoreError("run", "terminate", "status update failed", MapError(err))
		}
		if err := s.checkConditionalUpdate(ctx, q, id, result); err != nil {
			return err
		}

		skipResult, err := q.ExecContext(ctx,
			`UPDATE run_items SET state = 'skipped', completed_at = now(), updated_at = now()
				WHERE run_id = $1 AND state = 'queued'`,
			id)
		if err != nil {
			return store.NewStoreError("run", "terminate", "item skip failed", MapError(err))
		}

		skipped, err := skipResult.RowsAffected()
		if err != nil {
			return store.NewStoreError("run", "terminate", "rows affected failed", err)
		}
		if skipped > 0 {
			_, err = q.ExecContext(ctx,
				`UPDATE runs SET queued_count = queued_count - $2,
					skipped_count = skipped_count + $2, updated_at = now()
					WHERE id = $1`,
				id, skipped)
			if err != nil {
				return store.NewStoreError("run", "terminate", "counter update failed", MapError(err))
			}
		}

		logger.FromContext(ctx).Info("run terminated",
			"run_id", id,
			"status", status,
			"items_skipped", skipped)
		return nil
	})
}

// ReconcileCounters recomputes the run's aggregate counters from the item
// rows inside a single transaction, healing any drift.
func (s *RunStore) ReconcileCounters(ctx context.Context, id uuid.UUID) (domain.RunCounters, error) {
	var counters domain.RunCounters

	err := s.inTransaction(ctx, func(q store.DBTX) error {
		rows, err := q.QueryContext(ctx,
			`SELECT state, COUNT(*) FROM run_items WHERE run_id = $1 GROUP BY state`,
			id)
		if err != nil {
			return store.NewStoreError("run", "reconcile", "count query failed", MapError(err))
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var state domain.ItemState
			var count int
			if err := rows.Scan(&state, &count); err != nil {
				return store.NewStoreError("run", "reconcile", "scan failed", err)
			}
			switch state {
			case domain.ItemStateQueued:
				counters.Queued = count
			case domain.ItemStateProcessing:
				counters.Processing = count
			case domain.ItemStateCompleted:
				counters.Completed = count
			case domain.ItemStateFailed:
				counters.Failed = count
			case domain.ItemStateSkipped:
				counters.Skipped = count
			}
		}
		if err := rows.Err(); err != nil {
			return store.NewStoreError("run", "reconcile", "row iteration failed", err)
		}

		_, err = q.ExecContext(ctx,
			`UPDATE runs SET queued_count = $2, processing_count = $3,
				completed_count = $4, failed_count = $5, skipped_count = $6,
				updated_at = now()
				WHERE id = $1`,
			id, counters.Queued, counters.Processing,
			counters.Completed, counters.Failed, counters.Skipped)
		if err != nil {
			return store.NewStoreError("run", "reconcile", "counter update failed", MapError(err))
		}

		return nil
	})
	if err != nil {
		return domain.RunCounters{}, err
	}

	return counters, nil
}

// checkConditionalUpdate distinguishes "run is gone" from "run was in some
// other status" after a conditional update matched no rows.
func (s *RunStore) checkConditionalUpdate(ctx context.Context, q store.DBTX, id uuid.UUID, result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return store.NewStoreError("run", "terminate", "rows affected failed", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var exists bool
	err = q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM runs WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return store.NewStoreError("run", "terminate", "existence check failed", MapError(err))
	}
	if !exists {
		return store.ErrRunNotFound
	}

	return store.ErrStaleState
}

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRun reads one run row into a domain entity.
func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var heartbeatAt, createdAt, updatedAt time.Time

	err := row.Scan(
		&run.ID,
		&run.Scope,
		&run.Params.ModelTag,
		&run.Params.RatePerSecond,
		&run.Params.ItemLimit,
		&run.Status,
		&run.Counters.Queued,
		&run.Counters.Processing,
		&run.Counters.Completed,
		&run.Counters.Failed,
		&run.Counters.Skipped,
		&heartbeatAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.HeartbeatAt = heartbeatAt.UTC()
	run.CreatedAt = createdAt.UTC()
	run.UpdatedAt = updatedAt.UTC()
	return &run, nil
}
