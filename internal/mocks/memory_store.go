package mocks

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldnote/analysis-engine/internal/domain"
	"github.com/fieldnote/analysis-engine/internal/store"
)

// MemoryStore is an in-memory implementation of store.RunStore,
// store.RunItemStore, and store.ResultStore backed by a single mutex, so
// claims, transitions, and counter updates are atomic with respect to each
// other just as they are in the Postgres stores. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	runs    map[uuid.UUID]*domain.Run
	items   map[int64]*domain.RunItem
	results map[uuid.UUID]*domain.AnalysisResult
	nextID  int64

	// Error injection, applied to every call of the matching method.
	CreateErr error
	ClaimErr  error
	UpsertErr error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[uuid.UUID]*domain.Run),
		items:   make(map[int64]*domain.RunItem),
		results: make(map[uuid.UUID]*domain.AnalysisResult),
	}
}

// --- store.RunStore ---

// Create saves a new run.
func (m *MemoryStore) Create(ctx context.Context, run *domain.Run) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	if err := run.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.ID]; exists {
		return store.ErrDuplicate
	}
	clone := *run
	m.runs[run.ID] = &clone
	return nil
}

// GetByID retrieves a run by ID.
func (m *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, store.ErrRunNotFound
	}
	clone := *run
	return &clone, nil
}

// ListActive returns pending and running runs in creation order.
func (m *MemoryStore) ListActive(ctx context.Context) ([]*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var active []*domain.Run
	for _, run := range m.runs {
		if run.IsActive() {
			clone := *run
			active = append(active, &clone)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active, nil
}

func (m *MemoryStore) updateStatusLocked(id uuid.UUID, status domain.RunStatus) error {
	run, ok := m.runs[id]
	if !ok {
		return store.ErrRunNotFound
	}
	if err := run.TransitionTo(status); err != nil {
		return store.ErrStaleState
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

// Heartbeat refreshes the run's liveness timestamp.
func (m *MemoryStore) Heartbeat(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return store.ErrRunNotFound
	}
	run.HeartbeatAt = time.Now().UTC()
	return nil
}

// Terminate moves the run to a terminal status and skips its queued items.
func (m *MemoryStore) Terminate(ctx context.Context, id uuid.UUID, status domain.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.updateStatusLocked(id, status); err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, item := range m.items {
		if item.RunID == id && item.State == domain.ItemStateQueued {
			item.State = domain.ItemStateSkipped
			item.CompletedAt = &now
			item.UpdatedAt = now
		}
	}
	m.reconcileLocked(id)
	return nil
}

// ReconcileCounters recomputes the run's counters from its items.
func (m *MemoryStore) ReconcileCounters(ctx context.Context, id uuid.UUID) (domain.RunCounters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[id]; !ok {
		return domain.RunCounters{}, store.ErrRunNotFound
	}
	return m.reconcileLocked(id), nil
}

func (m *MemoryStore) reconcileLocked(id uuid.UUID) domain.RunCounters {
	run, ok := m.runs[id]
	if !ok {
		return domain.RunCounters{}
	}

	var counters domain.RunCounters
	for _, item := range m.items {
		if item.RunID != id {
			continue
		}
		switch item.State {
		case domain.ItemStateQueued:
			counters.Queued++
		case domain.ItemStateProcessing:
			counters.Processing++
		case domain.ItemStateCompleted:
			counters.Completed++
		case domain.ItemStateFailed:
			counters.Failed++
		case domain.ItemStateSkipped:
			counters.Skipped++
		}
	}
	run.Counters = counters
	return counters
}

// --- store.RunItemStore ---

// CreateBatch inserts items in queued state, assigning ascending IDs.
func (m *MemoryStore) CreateBatch(ctx context.Context, items []*domain.RunItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range items {
		if err := item.Validate(); err != nil {
			return err
		}
		m.nextID++
		item.ID = m.nextID
		clone := *item
		m.items[item.ID] = &clone
		if run, ok := m.runs[item.RunID]; ok {
			run.Counters.Queued++
		}
	}
	return nil
}

func (m *MemoryStore) getItemLocked(id int64) (*domain.RunItem, error) {
	item, ok := m.items[id]
	if !ok {
		return nil, store.ErrItemNotFound
	}
	return item, nil
}

// ListByRun returns the run's items in ascending ID order.
func (m *MemoryStore) ListByRun(ctx context.Context, runID uuid.UUID) ([]*domain.RunItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []*domain.RunItem
	for _, item := range m.items {
		if item.RunID == runID {
			clone := *item
			items = append(items, &clone)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// ClaimBatch claims up to batchSize claimable items in ascending ID order.
func (m *MemoryStore) ClaimBatch(
	ctx context.Context,
	runID uuid.UUID,
	workerID string,
	batchSize int,
) ([]*domain.RunItem, error) {
	if m.ClaimErr != nil {
		return nil, m.ClaimErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var candidates []*domain.RunItem
	for _, item := range m.items {
		if item.RunID != runID || item.State != domain.ItemStateQueued {
			continue
		}
		if item.NextAttemptAt != nil && item.NextAttemptAt.After(now) {
			continue
		}
		candidates = append(candidates, item)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	run := m.runs[runID]
	claimed := make([]*domain.RunItem, 0, len(candidates))
	for _, item := range candidates {
		claimedAt := now
		item.State = domain.ItemStateProcessing
		item.ClaimedBy = workerID
		item.ClaimedAt = &claimedAt
		item.NextAttemptAt = nil
		item.UpdatedAt = now
		if run != nil {
			run.Counters.Queued--
			run.Counters.Processing++
		}
		clone := *item
		claimed = append(claimed, &clone)
	}

	if len(claimed) > 0 && run != nil && run.Status == domain.RunStatusPending {
		_ = run.TransitionTo(domain.RunStatusRunning)
	}
	return claimed, nil
}

// MarkCompleted moves a processing item to completed.
func (m *MemoryStore) MarkCompleted(ctx context.Context, id int64, cost float64) error {
	return m.transition(id, domain.ItemStateCompleted, func(item *domain.RunItem, now time.Time) {
		item.CompletedAt = &now
		item.Cost = cost
		item.ClaimedBy = ""
		item.ClaimedAt = nil
	})
}

// MarkFailed moves a processing item to failed.
func (m *MemoryStore) MarkFailed(ctx context.Context, id int64, errorCode string) error {
	return m.transition(id, domain.ItemStateFailed, func(item *domain.RunItem, now time.Time) {
		item.CompletedAt = &now
		item.LastErrorCode = errorCode
		item.ClaimedBy = ""
		item.ClaimedAt = nil
	})
}

// Requeue moves a processing item back to queued with an incremented
// attempt count and a deferred retry time.
func (m *MemoryStore) Requeue(ctx context.Context, id int64, errorCode string, nextAttemptAt time.Time) error {
	return m.transition(id, domain.ItemStateQueued, func(item *domain.RunItem, now time.Time) {
		item.Attempts++
		item.LastErrorCode = errorCode
		item.NextAttemptAt = &nextAttemptAt
		item.ClaimedBy = ""
		item.ClaimedAt = nil
	})
}

// Release returns a processing item to queued without counting an attempt.
// Items of an already terminal run are skipped instead.
func (m *MemoryStore) Release(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := domain.ItemStateQueued
	if item, ok := m.items[id]; ok {
		if run, ok := m.runs[item.RunID]; ok && !run.IsActive() {
			target = domain.ItemStateSkipped
		}
	}
	return m.transitionLocked(id, target, func(item *domain.RunItem, now time.Time) {
		if target == domain.ItemStateSkipped {
			item.CompletedAt = &now
		}
		item.ClaimedBy = ""
		item.ClaimedAt = nil
	})
}

// transition moves the item to the target state via fn, adjusting the
// owning run's counters. The item state machine gates the move; a
// disallowed transition means another writer got there first and surfaces
// as ErrStaleState.
func (m *MemoryStore) transition(id int64, to domain.ItemState, fn func(item *domain.RunItem, now time.Time)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(id, to, fn)
}

func (m *MemoryStore) transitionLocked(id int64, to domain.ItemState, fn func(item *domain.RunItem, now time.Time)) error {
	item, err := m.getItemLocked(id)
	if err != nil {
		return err
	}
	if !domain.CanTransitionItem(item.State, to) {
		return store.ErrStaleState
	}

	now := time.Now().UTC()
	item.State = to
	fn(item, now)
	item.UpdatedAt = now
	m.reconcileLocked(item.RunID)
	return nil
}

// ReclaimStale reverts long-claimed processing items back to queued, or to
// skipped when their run is already terminal.
func (m *MemoryStore) ReclaimStale(ctx context.Context, olderThan time.Duration) (map[uuid.UUID]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cutoff := now.Add(-olderThan)
	reclaimed := make(map[uuid.UUID]int)
	for _, item := range m.items {
		if item.State != domain.ItemStateProcessing {
			continue
		}
		if item.ClaimedAt == nil || item.ClaimedAt.After(cutoff) {
			continue
		}
		if run, ok := m.runs[item.RunID]; ok && !run.IsActive() {
			item.State = domain.ItemStateSkipped
			item.CompletedAt = &now
		} else {
			item.State = domain.ItemStateQueued
		}
		item.ClaimedBy = ""
		item.ClaimedAt = nil
		item.UpdatedAt = now
		reclaimed[item.RunID]++
	}
	for runID := range reclaimed {
		if _, ok := m.runs[runID]; ok {
			m.reconcileLocked(runID)
		}
	}
	return reclaimed, nil
}

// DeferredStats reports queued items awaiting retry, grouped by run and
// error code.
func (m *MemoryStore) DeferredStats(ctx context.Context) ([]store.DeferredStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type key struct {
		runID uuid.UUID
		code  string
	}
	grouped := make(map[key]*store.DeferredStat)
	for _, item := range m.items {
		if item.State != domain.ItemStateQueued || item.NextAttemptAt == nil {
			continue
		}
		k := key{runID: item.RunID, code: item.LastErrorCode}
		stat, ok := grouped[k]
		if !ok {
			stat = &store.DeferredStat{
				RunID:         item.RunID,
				ErrorCode:     item.LastErrorCode,
				NextAttemptAt: *item.NextAttemptAt,
			}
			grouped[k] = stat
		}
		stat.Count++
		if item.NextAttemptAt.Before(stat.NextAttemptAt) {
			stat.NextAttemptAt = *item.NextAttemptAt
		}
	}

	stats := make([]store.DeferredStat, 0, len(grouped))
	for _, stat := range grouped {
		stats = append(stats, *stat)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].RunID != stats[j].RunID {
			return stats[i].RunID.String() < stats[j].RunID.String()
		}
		return stats[i].ErrorCode < stats[j].ErrorCode
	})
	return stats, nil
}

// SetClaimedAt backdates an item's claim time, simulating a worker that
// claimed the item and then disappeared.
func (m *MemoryStore) SetClaimedAt(id int64, claimedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, err := m.getItemLocked(id)
	if err != nil {
		return err
	}
	item.ClaimedAt = &claimedAt
	return nil
}

// GetItemByID retrieves a single item by ID.
func (m *MemoryStore) GetItemByID(ctx context.Context, id int64) (*domain.RunItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, err := m.getItemLocked(id)
	if err != nil {
		return nil, err
	}
	clone := *item
	return &clone, nil
}

// --- store.ResultStore ---

// Upsert writes the result for a content item, replacing any previous one.
func (m *MemoryStore) Upsert(ctx context.Context, result *domain.AnalysisResult) error {
	if m.UpsertErr != nil {
		return m.UpsertErr
	}
	if err := result.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *result
	m.results[result.ContentItemID] = &clone
	return nil
}

// GetByContentItemID retrieves the current result for a content item.
func (m *MemoryStore) GetByContentItemID(ctx context.Context, contentItemID uuid.UUID) (*domain.AnalysisResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result, ok := m.results[contentItemID]
	if !ok {
		return nil, store.ErrResultNotFound
	}
	clone := *result
	return &clone, nil
}

// ResultCount returns the number of persisted results.
func (m *MemoryStore) ResultCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

// --- interface adapters ---

// Runs exposes the store through the RunStore interface.
func (m *MemoryStore) Runs() store.RunStore { return (*memoryRunStore)(m) }

// Items exposes the store through the RunItemStore interface.
func (m *MemoryStore) Items() store.RunItemStore { return (*memoryItemStore)(m) }

// Results exposes the store through the ResultStore interface.
func (m *MemoryStore) Results() store.ResultStore { return (*memoryResultStore)(m) }

// memoryRunStore adapts MemoryStore to store.RunStore, resolving the
// GetByID collision between runs and items.
type memoryRunStore MemoryStore

func (s *memoryRunStore) Create(ctx context.Context, run *domain.Run) error {
	return (*MemoryStore)(s).Create(ctx, run)
}

func (s *memoryRunStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	return (*MemoryStore)(s).GetByID(ctx, id)
}

func (s *memoryRunStore) ListActive(ctx context.Context) ([]*domain.Run, error) {
	return (*MemoryStore)(s).ListActive(ctx)
}

func (s *memoryRunStore) Heartbeat(ctx context.Context, id uuid.UUID) error {
	return (*MemoryStore)(s).Heartbeat(ctx, id)
}

func (s *memoryRunStore) Terminate(ctx context.Context, id uuid.UUID, status domain.RunStatus) error {
	return (*MemoryStore)(s).Terminate(ctx, id, status)
}

func (s *memoryRunStore) ReconcileCounters(ctx context.Context, id uuid.UUID) (domain.RunCounters, error) {
	return (*MemoryStore)(s).ReconcileCounters(ctx, id)
}

func (s *memoryRunStore) WithTx(tx *sql.Tx) store.RunStore { return s }

// memoryItemStore adapts MemoryStore to store.RunItemStore.
type memoryItemStore MemoryStore

func (s *memoryItemStore) CreateBatch(ctx context.Context, items []*domain.RunItem) error {
	return (*MemoryStore)(s).CreateBatch(ctx, items)
}

func (s *memoryItemStore) GetByID(ctx context.Context, id int64) (*domain.RunItem, error) {
	return (*MemoryStore)(s).GetItemByID(ctx, id)
}

func (s *memoryItemStore) ListByRun(ctx context.Context, runID uuid.UUID) ([]*domain.RunItem, error) {
	return (*MemoryStore)(s).ListByRun(ctx, runID)
}

func (s *memoryItemStore) ClaimBatch(
	ctx context.Context,
	runID uuid.UUID,
	workerID string,
	batchSize int,
) ([]*domain.RunItem, error) {
	return (*MemoryStore)(s).ClaimBatch(ctx, runID, workerID, batchSize)
}

func (s *memoryItemStore) MarkCompleted(ctx context.Context, id int64, cost float64) error {
	return (*MemoryStore)(s).MarkCompleted(ctx, id, cost)
}

func (s *memoryItemStore) MarkFailed(ctx context.Context, id int64, errorCode string) error {
	return (*MemoryStore)(s).MarkFailed(ctx, id, errorCode)
}

func (s *memoryItemStore) Requeue(ctx context.Context, id int64, errorCode string, nextAttemptAt time.Time) error {
	return (*MemoryStore)(s).Requeue(ctx, id, errorCode, nextAttemptAt)
}

func (s *memoryItemStore) Release(ctx context.Context, id int64) error {
	return (*MemoryStore)(s).Release(ctx, id)
}

func (s *memoryItemStore) ReclaimStale(ctx context.Context, olderThan time.Duration) (map[uuid.UUID]int, error) {
	return (*MemoryStore)(s).ReclaimStale(ctx, olderThan)
}

func (s *memoryItemStore) DeferredStats(ctx context.Context) ([]store.DeferredStat, error) {
	return (*MemoryStore)(s).DeferredStats(ctx)
}

func (s *memoryItemStore) WithTx(tx *sql.Tx) store.RunItemStore { return s }

// memoryResultStore adapts MemoryStore to store.ResultStore.
type memoryResultStore MemoryStore

func (s *memoryResultStore) Upsert(ctx context.Context, result *domain.AnalysisResult) error {
	return (*MemoryStore)(s).Upsert(ctx, result)
}

func (s *memoryResultStore) GetByContentItemID(ctx context.Context, contentItemID uuid.UUID) (*domain.AnalysisResult, error) {
	return (*MemoryStore)(s).GetByContentItemID(ctx, contentItemID)
}

func (s *memoryResultStore) WithTx(tx *sql.Tx) store.ResultStore { return s }
