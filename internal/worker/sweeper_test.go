package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldnote/analysis-engine/internal/domain"
	"github.com/fieldnote/analysis-engine/internal/mocks"
	"github.com/fieldnote/analysis-engine/internal/worker"
)

func TestSweeperReclaimsStaleItems(t *testing.T) {
	t.Parallel()

	store := mocks.NewMemoryStore()
	run, _ := seedRun(t, store, 2)
	ctx := context.Background()

	// Simulate a crashed worker: claim both items, then age one claim past
	// the processing timeout.
	claimed, err := store.ClaimBatch(ctx, run.ID, "crashed-worker-1", 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	stale := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.SetClaimedAt(claimed[0].ID, stale))

	sweeper := worker.NewSweeper(store.Runs(), store.Items(), worker.SweeperConfig{
		Interval:          time.Hour, // only the startup sweep runs
		ProcessingTimeout: 5 * time.Minute,
		HeartbeatTimeout:  time.Minute,
	}, testLogger())

	sweepCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sweeper.Run(sweepCtx)
	}()

	// The startup sweep is synchronous with Run starting; give it a moment.
	require.Eventually(t, func() bool {
		items, err := store.ListByRun(ctx, run.ID)
		require.NoError(t, err)
		return items[0].State == domain.ItemStateQueued
	}, 2*time.Second, 10*time.Millisecond, "stale item was not reclaimed")

	cancel()
	<-done

	items, err := store.ListByRun(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.ItemStateQueued, items[0].State)
	assert.Empty(t, items[0].ClaimedBy)
	assert.Nil(t, items[0].ClaimedAt)
	assert.Zero(t, items[0].Attempts, "reclaiming does not count an attempt")

	assert.Equal(t, domain.ItemStateProcessing, items[1].State,
		"fresh claims are left alone")

	// Counters were reconciled after the reclaim.
	final, err := store.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, final.Counters.Queued)
	assert.Equal(t, 1, final.Counters.Processing)
}

func TestSweeperSkipsStaleItemsOfCancelledRun(t *testing.T) {
	t.Parallel()

	store := mocks.NewMemoryStore()
	run, _ := seedRun(t, store, 2)
	ctx := context.Background()

	// A worker claims an item, the operator cancels the run, and the worker
	// then crashes without finishing. The claimed item must not end up back
	// in queued: the cancelled run is never listed again, so nothing would
	// ever claim or skip it.
	claimed, err := store.ClaimBatch(ctx, run.ID, "crashed-worker-1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, store.Terminate(ctx, run.ID, domain.RunStatusCancelled))
	require.NoError(t, store.SetClaimedAt(claimed[0].ID, time.Now().UTC().Add(-time.Hour)))

	reclaimed, err := store.ReclaimStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]int{run.ID: 1}, reclaimed)

	item, err := store.GetItemByID(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemStateSkipped, item.State)
	assert.NotNil(t, item.CompletedAt)
	assert.True(t, item.IsTerminal())

	// Both items are terminal and the counters agree.
	final, err := store.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, final.Status)
	assert.Zero(t, final.Counters.Queued)
	assert.Zero(t, final.Counters.Processing)
	assert.Equal(t, 2, final.Counters.Skipped)

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestSweeperReclaimedItemIsReclaimable(t *testing.T) {
	t.Parallel()

	store := mocks.NewMemoryStore()
	run, _ := seedRun(t, store, 1)
	ctx := context.Background()

	claimed, err := store.ClaimBatch(ctx, run.ID, "crashed-worker-1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, store.SetClaimedAt(claimed[0].ID, time.Now().UTC().Add(-time.Hour)))

	reclaimed, err := store.ReclaimStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]int{run.ID: 1}, reclaimed)

	// A healthy worker can now claim the item again.
	again, err := store.ClaimBatch(ctx, run.ID, "healthy-worker-2", 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, claimed[0].ID, again[0].ID)
	assert.Equal(t, "healthy-worker-2", again[0].ClaimedBy)
}
