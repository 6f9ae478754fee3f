package mocks_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldnote/analysis-engine/internal/domain"
	"github.com/fieldnote/analysis-engine/internal/mocks"
)

func seedItems(t *testing.T, store *mocks.MemoryStore, itemCount int) *domain.Run {
	t.Helper()

	run, err := domain.NewRun("claim test", domain.RunParams{
		ModelTag:      "gemini-2.0-flash",
		RatePerSecond: 1,
	})
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), run))

	items := make([]*domain.RunItem, 0, itemCount)
	for i := 0; i < itemCount; i++ {
		item, err := domain.NewRunItem(run.ID, uuid.New(), "text")
		require.NoError(t, err)
		items = append(items, item)
	}
	require.NoError(t, store.CreateBatch(context.Background(), items))
	return run
}

func TestClaimBatchMutualExclusion(t *testing.T) {
	t.Parallel()

	store := mocks.NewMemoryStore()
	run := seedItems(t, store, 40)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	claims := make([][]*domain.RunItem, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				batch, err := store.ClaimBatch(ctx, run.ID, "worker", 3)
				if !assert.NoError(t, err) {
					return
				}
				if len(batch) == 0 {
					return
				}
				claims[w] = append(claims[w], batch...)
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[int64]int)
	total := 0
	for _, batch := range claims {
		for _, item := range batch {
			seen[item.ID]++
			total++
		}
	}

	assert.Equal(t, 40, total, "every item claimed exactly once")
	for id, count := range seen {
		assert.Equal(t, 1, count, "item %d claimed by more than one worker", id)
	}
}

func TestClaimBatchOrderAndDeferral(t *testing.T) {
	t.Parallel()

	store := mocks.NewMemoryStore()
	run := seedItems(t, store, 3)
	ctx := context.Background()

	batch, err := store.ClaimBatch(ctx, run.ID, "w1", 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Less(t, batch[0].ID, batch[1].ID)
	assert.Less(t, batch[1].ID, batch[2].ID)

	// Requeue the first with a future retry time; it must not be claimable
	// until then.
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, store.Requeue(ctx, batch[0].ID, "server_error", future))
	require.NoError(t, store.Release(ctx, batch[1].ID))
	require.NoError(t, store.MarkCompleted(ctx, batch[2].ID, 0.001))

	again, err := store.ClaimBatch(ctx, run.ID, "w2", 3)
	require.NoError(t, err)
	require.Len(t, again, 1, "only the released item is claimable")
	assert.Equal(t, batch[1].ID, again[0].ID)
	assert.Zero(t, again[0].Attempts)

	stats, err := store.DeferredStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, run.ID, stats[0].RunID)
	assert.Equal(t, "server_error", stats[0].ErrorCode)
	assert.Equal(t, 1, stats[0].Count)
}

func TestReleaseIntoTerminalRunSkipsItem(t *testing.T) {
	t.Parallel()

	store := mocks.NewMemoryStore()
	run := seedItems(t, store, 2)
	ctx := context.Background()

	batch, err := store.ClaimBatch(ctx, run.ID, "w1", 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	// The run is cancelled while the item is claimed; a shutdown release
	// must not requeue the item into a run nothing will ever claim from.
	require.NoError(t, store.Terminate(ctx, run.ID, domain.RunStatusCancelled))
	require.NoError(t, store.Release(ctx, batch[0].ID))

	item, err := store.GetItemByID(ctx, batch[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemStateSkipped, item.State)
	assert.Zero(t, item.Attempts, "releasing does not count an attempt")

	fresh, err := store.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Zero(t, fresh.Counters.Queued)
	assert.Zero(t, fresh.Counters.Processing)
	assert.Equal(t, 2, fresh.Counters.Skipped)
}

func TestReleaseIntoActiveRunRequeues(t *testing.T) {
	t.Parallel()

	store := mocks.NewMemoryStore()
	run := seedItems(t, store, 1)
	ctx := context.Background()

	batch, err := store.ClaimBatch(ctx, run.ID, "w1", 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, store.Release(ctx, batch[0].ID))

	item, err := store.GetItemByID(ctx, batch[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemStateQueued, item.State)
	assert.Empty(t, item.ClaimedBy)
}

func TestUpsertIsIdempotent(t *testing.T) {
	t.Parallel()

	store := mocks.NewMemoryStore()
	ctx := context.Background()
	contentID := uuid.New()

	result, err := domain.NewAnalysisResult(contentID, domain.Classification{
		Sentiment: domain.SentimentPositive,
		Impact:    domain.ImpactLow,
	}, "gemini-2.0-flash")
	require.NoError(t, err)

	// Writing the same result twice must be harmless; a later write for
	// the same content item replaces the earlier one.
	require.NoError(t, store.Upsert(ctx, result))
	require.NoError(t, store.Upsert(ctx, result))
	assert.Equal(t, 1, store.ResultCount())

	replacement := domain.NewFallbackResult(contentID, "gemini-2.0-flash")
	require.NoError(t, store.Upsert(ctx, replacement))

	got, err := store.GetByContentItemID(ctx, contentID)
	require.NoError(t, err)
	assert.True(t, got.Fallback)
	assert.Equal(t, 1, store.ResultCount())
}

func TestClaimBatchMovesRunToRunning(t *testing.T) {
	t.Parallel()

	store := mocks.NewMemoryStore()
	run := seedItems(t, store, 1)
	ctx := context.Background()

	_, err := store.ClaimBatch(ctx, run.ID, "w1", 1)
	require.NoError(t, err)

	fresh, err := store.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, fresh.Status)
}
