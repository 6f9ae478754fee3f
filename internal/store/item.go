package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/fieldnote/analysis-engine/internal/domain"
)

// DeferredStat summarizes queued items that are waiting on a retry after a
// transient failure, grouped per run and error code.
type DeferredStat struct {
	RunID         uuid.UUID `json:"run_id"`
	ErrorCode     string    `json:"error_code"`
	Count         int       `json:"count"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
}

// RunItemStore defines the interface for work item persistence. It is the
// only path that moves items between states; every mutating method adjusts
// the owning run's aggregate counters in the same transaction so the
// counters never drift from the rows.
type RunItemStore interface {
	// CreateBatch inserts items in queued state. Callers enqueueing items
	// together with a new run should do so inside a single transaction via
	// WithTx.
	CreateBatch(ctx context.Context, items []*domain.RunItem) error

	// GetByID retrieves a single item.
	// Returns ErrItemNotFound if the item does not exist.
	GetByID(ctx context.Context, id int64) (*domain.RunItem, error)

	// ListByRun retrieves all items for a run in ascending ID order.
	ListByRun(ctx context.Context, runID uuid.UUID) ([]*domain.RunItem, error)

	// ClaimBatch atomically claims up to batchSize queued items of the run
	// whose retry time (if any) has arrived, in ascending ID order, moving
	// them to processing with the worker identity and claim time recorded.
	// Two concurrent calls never return overlapping items. The run is moved
	// from pending to running on its first successful claim.
	//
	// Returns an empty slice, not an error, when no claimable items remain.
	ClaimBatch(ctx context.Context, runID uuid.UUID, workerID string, batchSize int) ([]*domain.RunItem, error)

	// MarkCompleted moves a processing item to completed, recording the
	// completion time and accumulated cost. Returns ErrStaleState if the
	// item was no longer processing (e.g. reclaimed by the sweeper).
	MarkCompleted(ctx context.Context, id int64, cost float64) error

	// MarkFailed moves a processing item to failed with the given error
	// code. Returns ErrStaleState if the item was no longer processing.
	MarkFailed(ctx context.Context, id int64, errorCode string) error

	// Requeue moves a processing item back to queued for a later retry:
	// the claim fields are cleared, the attempt count incremented, the error
	// code recorded, and the next attempt deferred until nextAttemptAt.
	// Returns ErrStaleState if the item was no longer processing.
	Requeue(ctx context.Context, id int64, errorCode string, nextAttemptAt time.Time) error

	// Release returns a processing item to queued without counting an
	// attempt, clearing its claim fields. Used on graceful shutdown for
	// claimed items the worker never started, so they become claimable
	// immediately instead of waiting out the stale timeout. An item whose
	// run already reached a terminal status is skipped instead of requeued,
	// since nothing claims from terminal runs.
	// Returns ErrStaleState if the item was no longer processing.
	Release(ctx context.Context, id int64) error

	// ReclaimStale reverts items stuck in processing for longer than
	// olderThan back to queued, clearing their claim fields. Items of runs
	// already in a terminal status are skipped instead of requeued. Returns
	// the IDs of the runs that had items reclaimed, with counts.
	ReclaimStale(ctx context.Context, olderThan time.Duration) (map[uuid.UUID]int, error)

	// DeferredStats reports queued items awaiting retry, grouped by run and
	// error code.
	DeferredStats(ctx context.Context) ([]DeferredStat, error)

	// WithTx returns a new RunItemStore instance that uses the provided
	// transaction.
	WithTx(tx *sql.Tx) RunItemStore
}
