package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldnote/analysis-engine/internal/worker"
)

func TestRateLimiterPacing(t *testing.T) {
	t.Parallel()

	limiter := worker.NewRateLimiter(1, time.Millisecond)
	runID := uuid.New()
	ctx := context.Background()

	// At 2 requests/second, 10 acquires mean 9 inter-request gaps of
	// 500ms: no faster than 4.5 seconds regardless of worker count.
	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, limiter.Acquire(ctx, runID, 2))
	}
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 4500*time.Millisecond,
		"acquires completed faster than the configured rate allows")
}

func TestRateLimiterIsPerRun(t *testing.T) {
	t.Parallel()

	limiter := worker.NewRateLimiter(1, time.Millisecond)
	ctx := context.Background()

	// A slow run must not delay a different run.
	slowRun := uuid.New()
	require.NoError(t, limiter.Acquire(ctx, slowRun, 0.1))

	fastRun := uuid.New()
	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Acquire(ctx, fastRun, 1000))
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestRateLimiterInvalidRateFallsBackToDefault(t *testing.T) {
	t.Parallel()

	limiter := worker.NewRateLimiter(100, time.Millisecond)
	runID := uuid.New()
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Acquire(ctx, runID, -3))
	}
	elapsed := time.Since(start)

	// Default 100 rps paces 5 acquires inside ~40ms+overhead; a failure to
	// fall back would either return an error or stall for seconds.
	assert.Less(t, elapsed, time.Second)
	assert.GreaterOrEqual(t, elapsed, 4*10*time.Millisecond*9/10)
}

func TestRateLimiterAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	limiter := worker.NewRateLimiter(1, time.Millisecond)
	runID := uuid.New()

	// Consume the single burst token, then wait with an already-cancelled
	// context.
	require.NoError(t, limiter.Acquire(context.Background(), runID, 0.01))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, limiter.Acquire(ctx, runID, 0.01))
}

func TestRateLimiterForget(t *testing.T) {
	t.Parallel()

	limiter := worker.NewRateLimiter(1, time.Millisecond)
	runID := uuid.New()
	ctx := context.Background()

	// Drain the burst token at a very slow rate, forget the run, and the
	// next acquire gets a fresh bucket immediately.
	require.NoError(t, limiter.Acquire(ctx, runID, 0.01))
	limiter.Forget(runID)

	start := time.Now()
	require.NoError(t, limiter.Acquire(ctx, runID, 0.01))
	assert.Less(t, time.Since(start), time.Second)
}
