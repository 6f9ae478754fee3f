package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/fieldnote/analysis-engine/internal/domain"
)

// RunStore defines the interface for run persistence.
type RunStore interface {
	// Create saves a new run to the store.
	// Returns ErrDuplicate if a run with the same ID already exists.
	// Returns validation errors if the run data is invalid.
	Create(ctx context.Context, run *domain.Run) error

	// GetByID retrieves a run by its unique ID.
	// Returns ErrRunNotFound if the run does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error)

	// ListActive retrieves all runs in pending or running status, ordered by
	// creation time. These are the runs the worker loop claims from.
	ListActive(ctx context.Context) ([]*domain.Run, error)

	// Heartbeat refreshes the run's liveness timestamp.
	// Returns ErrRunNotFound if the run does not exist.
	Heartbeat(ctx context.Context, id uuid.UUID) error

	// Terminate atomically moves the run to a terminal status and
	// transitions any still-queued items to skipped, keeping the aggregate
	// counters in step, all within a single transaction. In-flight items are
	// left untouched and finish normally.
	//
	// Used for operator cancellation, for run-fatal classification failures,
	// and for ordinary completion (where the skip clause is a no-op because
	// no queued items remain).
	Terminate(ctx context.Context, id uuid.UUID, status domain.RunStatus) error

	// ReconcileCounters recomputes the run's aggregate counters from the
	// underlying item rows, healing any drift. Returns the fresh counters.
	ReconcileCounters(ctx context.Context, id uuid.UUID) (domain.RunCounters, error)

	// WithTx returns a new RunStore instance that uses the provided
	// transaction. The transaction is created and managed by the caller,
	// typically via RunInTransaction.
	WithTx(tx *sql.Tx) RunStore
}
