package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fieldnote/analysis-engine/internal/domain"
	"github.com/fieldnote/analysis-engine/internal/store"
)

// Common sentinel errors for RunService.
var (
	// ErrRunNotFound indicates that the run does not exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunNotCancellable indicates the run is already in a terminal
	// state and cannot be cancelled.
	ErrRunNotCancellable = errors.New("run is already in a terminal state")

	// ErrNoContentItems indicates a run was requested with nothing to
	// analyze.
	ErrNoContentItems = errors.New("run requires at least one content item")

	// ErrRunNotActive indicates items were submitted to a run that is no
	// longer accepting work.
	ErrRunNotActive = errors.New("run is not accepting items")
)

// RunServiceError wraps errors from the run service with context.
type RunServiceError struct {
	Operation string
	Message   string
	Err       error
}

// Error implements the error interface for RunServiceError.
func (e *RunServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("run service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("run service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *RunServiceError) Unwrap() error {
	return e.Err
}

// newRunServiceError creates a new RunServiceError, passing known sentinel
// errors through directly without wrapping.
func newRunServiceError(operation, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRunNotFound) || errors.Is(err, ErrRunNotCancellable) ||
		errors.Is(err, ErrNoContentItems) || errors.Is(err, ErrRunNotActive) {
		return err
	}
	if errors.Is(err, store.ErrRunNotFound) {
		return ErrRunNotFound
	}
	if errors.Is(err, store.ErrStaleState) {
		return ErrRunNotCancellable
	}
	return &RunServiceError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}

// ContentItem is a unit of content submitted for analysis.
type ContentItem struct {
	ID      uuid.UUID `json:"id"`
	Content string    `json:"content"`
}

// RunStatusReport is the progress view of a run returned to callers.
type RunStatusReport struct {
	Run          *domain.Run   `json:"run"`
	HeartbeatAge time.Duration `json:"heartbeat_age"`
}

// Defaults supplies values applied to run parameters the caller omitted.
type Defaults struct {
	// RatePerSecond is used when a run is created without an explicit rate.
	RatePerSecond float64

	// ModelTag is used when a run is created without an explicit model.
	ModelTag string
}

// RunService provides run lifecycle operations.
type RunService interface {
	// CreateRun creates a run over the given content items and enqueues
	// one work item per content item, atomically. Omitted parameters are
	// filled from the configured defaults; when the run's item limit is
	// lower than the submitted count, the excess items are dropped.
	CreateRun(ctx context.Context, scope string, params domain.RunParams, items []ContentItem) (*domain.Run, error)

	// EnqueueItems appends content items to an existing run that is still
	// accepting work. The run's item limit, when set, caps the total item
	// count; excess submissions are dropped.
	EnqueueItems(ctx context.Context, runID uuid.UUID, items []ContentItem) error

	// GetRunStatus returns the run with its live progress counters and
	// heartbeat age.
	GetRunStatus(ctx context.Context, id uuid.UUID) (*RunStatusReport, error)

	// ListActiveRuns returns all runs still eligible for processing.
	ListActiveRuns(ctx context.Context) ([]*domain.Run, error)

	// CancelRun moves an active run to cancelled and skips its remaining
	// queued items. Items already in flight finish normally.
	CancelRun(ctx context.Context, id uuid.UUID) error

	// GetResult returns the current analysis result for a content item.
	GetResult(ctx context.Context, contentItemID uuid.UUID) (*domain.AnalysisResult, error)

	// DeferredStats reports items waiting on a retry, grouped per run and
	// error code.
	DeferredStats(ctx context.Context) ([]store.DeferredStat, error)
}

// runServiceImpl implements the RunService interface.
type runServiceImpl struct {
	db       *sql.DB
	runs     store.RunStore
	items    store.RunItemStore
	results  store.ResultStore
	defaults Defaults
	logger   *slog.Logger
}

// NewRunService creates a new RunService. db may be nil when the stores do
// not require transactions (in-memory stores); with a Postgres backend it
// must be the connection the stores were built on.
func NewRunService(
	db *sql.DB,
	runs store.RunStore,
	items store.RunItemStore,
	results store.ResultStore,
	defaults Defaults,
	logger *slog.Logger,
) (RunService, error) {
	if runs == nil {
		return nil, &RunServiceError{Operation: "create_service", Message: "runs store cannot be nil"}
	}
	if items == nil {
		return nil, &RunServiceError{Operation: "create_service", Message: "items store cannot be nil"}
	}
	if results == nil {
		return nil, &RunServiceError{Operation: "create_service", Message: "results store cannot be nil"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &runServiceImpl{
		db:       db,
		runs:     runs,
		items:    items,
		results:  results,
		defaults: defaults,
		logger:   logger.With("component", "run_service"),
	}, nil
}

// CreateRun creates the run row and its work items in a single transaction
// so a half-enqueued run can never be claimed.
func (s *runServiceImpl) CreateRun(
	ctx context.Context,
	scope string,
	params domain.RunParams,
	items []ContentItem,
) (*domain.Run, error) {
	if len(items) == 0 {
		return nil, ErrNoContentItems
	}

	if params.RatePerSecond <= 0 {
		params.RatePerSecond = s.defaults.RatePerSecond
	}
	if params.ModelTag == "" {
		params.ModelTag = s.defaults.ModelTag
	}
	if params.ItemLimit > 0 && len(items) > params.ItemLimit {
		s.logger.Warn("truncating submitted items to run limit",
			"submitted", len(items),
			"limit", params.ItemLimit)
		items = items[:params.ItemLimit]
	}

	run, err := domain.NewRun(scope, params)
	if err != nil {
		return nil, newRunServiceError("create_run", "invalid run parameters", err)
	}

	runItems := make([]*domain.RunItem, 0, len(items))
	for _, item := range items {
		runItem, err := domain.NewRunItem(run.ID, item.ID, item.Content)
		if err != nil {
			return nil, newRunServiceError("create_run", "invalid content item", err)
		}
		runItems = append(runItems, runItem)
	}

	err = s.inTransaction(ctx, func(runs store.RunStore, runItemStore store.RunItemStore) error {
		if err := runs.Create(ctx, run); err != nil {
			return fmt.Errorf("failed to save run: %w", err)
		}
		if err := runItemStore.CreateBatch(ctx, runItems); err != nil {
			return fmt.Errorf("failed to enqueue items: %w", err)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to create run",
			"scope", scope,
			"item_count", len(runItems),
			"error", err)
		return nil, newRunServiceError("create_run", "failed to persist run", err)
	}

	run.Counters.Queued = len(runItems)
	s.logger.Info("run created",
		"run_id", run.ID,
		"scope", scope,
		"model_tag", params.ModelTag,
		"rate_per_second", params.RatePerSecond,
		"item_count", len(runItems))
	return run, nil
}

// EnqueueItems appends items to an active run. Items landing after workers
// have drained the queue are picked up on the next cycle because the run
// only finalizes when no live items remain.
func (s *runServiceImpl) EnqueueItems(ctx context.Context, runID uuid.UUID, items []ContentItem) error {
	if len(items) == 0 {
		return ErrNoContentItems
	}

	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return newRunServiceError("enqueue_items", "failed to load run", err)
	}
	if !run.IsActive() {
		return ErrRunNotActive
	}

	if limit := run.Params.ItemLimit; limit > 0 {
		counters, err := s.runs.ReconcileCounters(ctx, runID)
		if err != nil {
			return newRunServiceError("enqueue_items", "failed to reconcile counters", err)
		}
		remaining := limit - counters.Total()
		if remaining <= 0 {
			s.logger.Warn("run item limit reached, dropping submitted items",
				"run_id", runID,
				"submitted", len(items))
			return nil
		}
		if len(items) > remaining {
			s.logger.Warn("truncating submitted items to run limit",
				"run_id", runID,
				"submitted", len(items),
				"remaining", remaining)
			items = items[:remaining]
		}
	}

	runItems := make([]*domain.RunItem, 0, len(items))
	for _, item := range items {
		runItem, err := domain.NewRunItem(runID, item.ID, item.Content)
		if err != nil {
			return newRunServiceError("enqueue_items", "invalid content item", err)
		}
		runItems = append(runItems, runItem)
	}

	err = s.inTransaction(ctx, func(_ store.RunStore, itemStore store.RunItemStore) error {
		return itemStore.CreateBatch(ctx, runItems)
	})
	if err != nil {
		return newRunServiceError("enqueue_items", "failed to enqueue items", err)
	}

	s.logger.Info("items enqueued",
		"run_id", runID,
		"item_count", len(runItems))
	return nil
}

// GetRunStatus returns the run with counters reconciled from the item rows,
// so the report never shows drifted numbers.
func (s *runServiceImpl) GetRunStatus(ctx context.Context, id uuid.UUID) (*RunStatusReport, error) {
	counters, err := s.runs.ReconcileCounters(ctx, id)
	if err != nil {
		return nil, newRunServiceError("get_run_status", "failed to reconcile counters", err)
	}

	run, err := s.runs.GetByID(ctx, id)
	if err != nil {
		return nil, newRunServiceError("get_run_status", "failed to load run", err)
	}
	run.Counters = counters

	return &RunStatusReport{
		Run:          run,
		HeartbeatAge: run.HeartbeatAge(time.Now().UTC()),
	}, nil
}

// ListActiveRuns returns all pending and running runs.
func (s *runServiceImpl) ListActiveRuns(ctx context.Context) ([]*domain.Run, error) {
	runs, err := s.runs.ListActive(ctx)
	if err != nil {
		return nil, newRunServiceError("list_active_runs", "failed to list runs", err)
	}
	return runs, nil
}

// CancelRun terminates the run as cancelled.
func (s *runServiceImpl) CancelRun(ctx context.Context, id uuid.UUID) error {
	if err := s.runs.Terminate(ctx, id, domain.RunStatusCancelled); err != nil {
		return newRunServiceError("cancel_run", "failed to cancel run", err)
	}
	s.logger.Info("run cancelled", "run_id", id)
	return nil
}

// GetResult returns the current analysis result for a content item.
func (s *runServiceImpl) GetResult(ctx context.Context, contentItemID uuid.UUID) (*domain.AnalysisResult, error) {
	result, err := s.results.GetByContentItemID(ctx, contentItemID)
	if err != nil {
		return nil, newRunServiceError("get_result", "failed to load result", err)
	}
	return result, nil
}

// DeferredStats reports items waiting on a retry.
func (s *runServiceImpl) DeferredStats(ctx context.Context) ([]store.DeferredStat, error) {
	stats, err := s.items.DeferredStats(ctx)
	if err != nil {
		return nil, newRunServiceError("deferred_stats", "failed to collect deferred stats", err)
	}
	return stats, nil
}

// inTransaction runs fn against transactional store views when a database
// handle is available, and against the base stores otherwise.
func (s *runServiceImpl) inTransaction(
	ctx context.Context,
	fn func(runs store.RunStore, items store.RunItemStore) error,
) error {
	if s.db == nil {
		return fn(s.runs, s.items)
	}
	return store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		return fn(s.runs.WithTx(tx), s.items.WithTx(tx))
	})
}
