package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/fieldnote/analysis-engine/internal/classifier"
	"github.com/fieldnote/analysis-engine/internal/domain"
	"github.com/fieldnote/analysis-engine/internal/platform/logger"
	"github.com/fieldnote/analysis-engine/internal/store"
)

// Config holds configuration for the worker runner.
type Config struct {
	// WorkerCount determines how many concurrent worker loops to run.
	WorkerCount int

	// ChunkSize bounds how many items a single claim takes per run.
	ChunkSize int

	// SleepInterval is how long a loop idles after a cycle that claimed
	// nothing.
	SleepInterval time.Duration

	// MaxAttempts bounds retries for transient failures; past the ceiling
	// a neutral fallback result is persisted instead.
	MaxAttempts int

	// RetryBackoffBase is the base delay for exponential retry backoff.
	RetryBackoffBase time.Duration

	// CallTimeout bounds a single classification call.
	CallTimeout time.Duration

	// FailureRatio is the fraction of failed terminal items above which a
	// finished run is marked failed rather than completed.
	FailureRatio float64
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount:      2,
		ChunkSize:        10,
		SleepInterval:    5 * time.Second,
		MaxAttempts:      3,
		RetryBackoffBase: 2 * time.Second,
		CallTimeout:      30 * time.Second,
		FailureRatio:     0.5,
	}
}

// Runner drives the processing pipeline: claim a batch, rate-limit, call
// the classifier, classify the outcome, persist, update counters, repeat.
// Multiple Runner processes may point at the same database; they coordinate
// only through the claim protocol, never through shared memory.
type Runner struct {
	runs       store.RunStore
	items      store.RunItemStore
	results    store.ResultStore
	classifier classifier.Classifier
	limiter    *RateLimiter
	config     Config
	logger     *slog.Logger
	rng        *rand.Rand
	rngMu      sync.Mutex
}

// cycleStats accumulates per-cycle telemetry.
type cycleStats struct {
	claimed   int
	completed int
	failed    int
	requeued  int
	cost      float64
}

// NewRunner creates a new Runner. Zero config values fall back to defaults.
func NewRunner(
	runs store.RunStore,
	items store.RunItemStore,
	results store.ResultStore,
	cls classifier.Classifier,
	limiter *RateLimiter,
	config Config,
	log *slog.Logger,
) *Runner {
	defaults := DefaultConfig()
	if config.WorkerCount <= 0 {
		config.WorkerCount = defaults.WorkerCount
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = defaults.ChunkSize
	}
	if config.SleepInterval <= 0 {
		config.SleepInterval = defaults.SleepInterval
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.RetryBackoffBase <= 0 {
		config.RetryBackoffBase = defaults.RetryBackoffBase
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = defaults.CallTimeout
	}
	if config.FailureRatio <= 0 || config.FailureRatio > 1 {
		config.FailureRatio = defaults.FailureRatio
	}

	return &Runner{
		runs:       runs,
		items:      items,
		results:    results,
		classifier: cls,
		limiter:    limiter,
		config:     config,
		logger:     log,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run starts the configured number of worker loops and blocks until the
// context is cancelled and every loop has finished its in-flight item.
func (r *Runner) Run(ctx context.Context) {
	hostname, _ := os.Hostname()

	var wg sync.WaitGroup
	for i := 0; i < r.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-%d-%d", hostname, os.Getpid(), i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.loop(ctx, workerID)
		}()
	}
	wg.Wait()
}

// loop runs claim/process cycles until the context is cancelled. A cycle
// that claims nothing, or that hits an infrastructure error, sleeps before
// the next attempt; infrastructure errors never crash the loop.
func (r *Runner) loop(ctx context.Context, workerID string) {
	log := r.logger.With("worker_id", workerID)
	log.Info("starting worker loop")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker loop stopped")
			return
		default:
		}

		claimed, err := r.cycle(ctx, workerID, log)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("worker cycle failed, backing off", "error", err)
				CycleErrors.Inc()
			}
			r.sleep(ctx)
			continue
		}

		if claimed == 0 {
			r.sleep(ctx)
		}
	}
}

// cycle claims and processes one batch per active run. Returns the number
// of items claimed across all runs. An error from one run's processing is
// logged and does not stop the remaining runs.
func (r *Runner) cycle(ctx context.Context, workerID string, log *slog.Logger) (int, error) {
	start := time.Now()
	defer func() {
		CycleDuration.Observe(time.Since(start).Seconds())
	}()

	ctx = logger.WithContext(ctx, log)

	runs, err := r.runs.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active runs: %w", err)
	}

	var stats cycleStats
	for _, run := range runs {
		if ctx.Err() != nil {
			break
		}

		if err := r.processRun(ctx, workerID, run, &stats); err != nil {
			log.Error("failed to process run",
				"run_id", run.ID,
				"error", err)
			CycleErrors.Inc()
		}
	}

	if stats.claimed > 0 {
		log.Info("cycle finished",
			"runs_active", len(runs),
			"items_claimed", stats.claimed,
			"items_completed", stats.completed,
			"items_failed", stats.failed,
			"items_requeued", stats.requeued,
			"cost", stats.cost,
			"duration", time.Since(start))
	}

	return stats.claimed, nil
}

// processRun claims one batch for the run and processes it item by item.
// The stop signal is honored between items, never inside an in-flight
// classification call; remaining claimed items are released back to the
// queue so another worker can pick them up immediately.
func (r *Runner) processRun(ctx context.Context, workerID string, run *domain.Run, stats *cycleStats) error {
	log := logger.FromContext(ctx).With("run_id", run.ID)

	items, err := r.items.ClaimBatch(ctx, run.ID, workerID, r.config.ChunkSize)
	if err != nil {
		return fmt.Errorf("claim failed: %w", err)
	}

	if len(items) == 0 {
		return r.maybeFinalize(ctx, run)
	}

	stats.claimed += len(items)
	ItemsClaimed.Add(float64(len(items)))
	log.Debug("claimed batch", "count", len(items))

	for i, item := range items {
		select {
		case <-ctx.Done():
			r.releaseItems(items[i:], log)
			return nil
		default:
		}

		runFatal := r.processItem(ctx, run, item, stats, log)
		if runFatal {
			r.releaseItems(items[i+1:], log)
			if err := r.terminateRun(ctx, run, domain.RunStatusFailed); err != nil {
				return fmt.Errorf("failed to halt run after auth error: %w", err)
			}
			log.Error("run halted: classification service rejected credentials")
			return nil
		}
	}

	// The heartbeat advances every cycle that touches the run, regardless
	// of per-item outcomes.
	if err := r.runs.Heartbeat(ctx, run.ID); err != nil && ctx.Err() == nil {
		log.Error("failed to refresh run heartbeat", "error", err)
	}
	RunHeartbeatAge.WithLabelValues(run.ID.String()).Set(0)

	return r.maybeFinalize(ctx, run)
}

// processItem runs one item through the pipeline: rate limit, classify,
// persist the outcome. All failures are contained here; the returned flag
// is true only for run-fatal (auth) failures.
func (r *Runner) processItem(
	ctx context.Context,
	run *domain.Run,
	item *domain.RunItem,
	stats *cycleStats,
	log *slog.Logger,
) bool {
	itemLog := log.With("item_id", item.ID, "content_item_id", item.ContentItemID)

	if err := r.limiter.Acquire(ctx, run.ID, run.Params.RatePerSecond); err != nil {
		// Context cancelled while waiting; put the claim back.
		if releaseErr := r.items.Release(context.WithoutCancel(ctx), item.ID); releaseErr != nil {
			itemLog.Error("failed to release item after cancelled limiter wait", "error", releaseErr)
		}
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, r.config.CallTimeout)
	classification, err := r.classifier.Classify(callCtx, item.Content, run.Params.ModelTag)
	cancel()

	if err == nil {
		r.persistSuccess(ctx, run, item, classification, stats, itemLog)
		return false
	}

	kind := ClassifyError(err)
	itemLog.Warn("classification failed",
		"kind", kind,
		"attempts", item.Attempts,
		"error", err)

	switch {
	case kind.Retryable():
		r.handleRetryable(ctx, run, item, kind, stats, itemLog)
		return false

	case kind == KindParseError:
		// The model answered off-format; a neutral fallback completes the
		// item immediately instead of burning retries.
		r.persistFallback(ctx, run, item, kind, stats, itemLog)
		return false

	case kind.RunFatal():
		r.markFailed(ctx, item, kind, stats, itemLog)
		return true

	default:
		r.markFailed(ctx, item, kind, stats, itemLog)
		return false
	}
}

// persistSuccess upserts the real result and completes the item.
func (r *Runner) persistSuccess(
	ctx context.Context,
	run *domain.Run,
	item *domain.RunItem,
	classification *domain.Classification,
	stats *cycleStats,
	log *slog.Logger,
) {
	result, err := domain.NewAnalysisResult(item.ContentItemID, *classification, run.Params.ModelTag)
	if err != nil {
		log.Error("classification produced an invalid result", "error", err)
		r.markFailed(ctx, item, KindUnknown, stats, log)
		return
	}

	if err := r.results.Upsert(ctx, result); err != nil {
		log.Error("failed to persist result", "error", err)
		r.markFailed(ctx, item, KindUnknown, stats, log)
		return
	}

	if err := r.items.MarkCompleted(ctx, item.ID, classification.Cost); err != nil {
		r.logTransitionError(log, "complete", err)
		return
	}

	stats.completed++
	stats.cost += classification.Cost
	ItemsProcessed.WithLabelValues(outcomeCompleted).Inc()
	CostAccumulated.Add(classification.Cost)
	log.Debug("item completed",
		"sentiment", result.Sentiment,
		"impact", result.Impact,
		"cost", classification.Cost)
}

// handleRetryable requeues the item with backoff, or persists the fallback
// once the attempt ceiling is reached so the item still terminates.
func (r *Runner) handleRetryable(
	ctx context.Context,
	run *domain.Run,
	item *domain.RunItem,
	kind Kind,
	stats *cycleStats,
	log *slog.Logger,
) {
	failures := item.Attempts + 1
	if failures >= r.config.MaxAttempts {
		log.Warn("attempt ceiling reached, persisting fallback result",
			"attempts", failures,
			"max_attempts", r.config.MaxAttempts)
		r.persistFallback(ctx, run, item, kind, stats, log)
		return
	}

	nextAttemptAt := time.Now().UTC().Add(r.backoff(item.Attempts))
	if err := r.items.Requeue(ctx, item.ID, kind.String(), nextAttemptAt); err != nil {
		r.logTransitionError(log, "requeue", err)
		return
	}

	stats.requeued++
	ItemsRequeued.WithLabelValues(kind.String()).Inc()
	log.Debug("item requeued for retry",
		"kind", kind,
		"attempt", failures,
		"next_attempt_at", nextAttemptAt)
}

// persistFallback writes the neutral placeholder result and completes the
// item, guaranteeing a terminal state even under sustained provider outages.
func (r *Runner) persistFallback(
	ctx context.Context,
	run *domain.Run,
	item *domain.RunItem,
	kind Kind,
	stats *cycleStats,
	log *slog.Logger,
) {
	fallback := domain.NewFallbackResult(item.ContentItemID, run.Params.ModelTag)
	if err := r.results.Upsert(ctx, fallback); err != nil {
		log.Error("failed to persist fallback result", "error", err)
		r.markFailed(ctx, item, kind, stats, log)
		return
	}

	if err := r.items.MarkCompleted(ctx, item.ID, 0); err != nil {
		r.logTransitionError(log, "complete", err)
		return
	}

	stats.completed++
	ItemsProcessed.WithLabelValues(outcomeFallback).Inc()
	log.Debug("item completed with fallback result", "kind", kind)
}

// markFailed moves the item to its terminal failed state.
func (r *Runner) markFailed(
	ctx context.Context,
	item *domain.RunItem,
	kind Kind,
	stats *cycleStats,
	log *slog.Logger,
) {
	if err := r.items.MarkFailed(ctx, item.ID, kind.String()); err != nil {
		r.logTransitionError(log, "fail", err)
		return
	}

	stats.failed++
	ItemsProcessed.WithLabelValues(outcomeFailed).Inc()
}

// maybeFinalize reconciles the run's counters and, when no live items
// remain, moves the run to completed or failed depending on the failure
// ratio. ErrStaleState means another worker finalized first, which is fine.
func (r *Runner) maybeFinalize(ctx context.Context, run *domain.Run) error {
	counters, err := r.runs.ReconcileCounters(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("failed to reconcile counters: %w", err)
	}

	if counters.Total() == 0 || counters.Live() > 0 {
		return nil
	}

	status := domain.RunStatusCompleted
	if counters.FailureRatio() > r.config.FailureRatio {
		status = domain.RunStatusFailed
	}

	if err := r.terminateRun(ctx, run, status); err != nil {
		return err
	}

	logger.FromContext(ctx).Info("run finalized",
		"run_id", run.ID,
		"status", status,
		"completed", counters.Completed,
		"failed", counters.Failed,
		"skipped", counters.Skipped)
	return nil
}

// terminateRun moves the run to a terminal status and drops its limiter
// state. A concurrent terminal transition by another worker is not an error.
func (r *Runner) terminateRun(ctx context.Context, run *domain.Run, status domain.RunStatus) error {
	err := r.runs.Terminate(ctx, run.ID, status)
	if err != nil && !errors.Is(err, store.ErrStaleState) {
		return fmt.Errorf("failed to terminate run: %w", err)
	}

	r.limiter.Forget(run.ID)
	RunHeartbeatAge.DeleteLabelValues(run.ID.String())
	return nil
}

// releaseItems puts claimed-but-unprocessed items back on the queue.
// Called on shutdown and when a run-fatal error aborts a batch; uses a
// detached context because the worker context is usually cancelled here.
func (r *Runner) releaseItems(items []*domain.RunItem, log *slog.Logger) {
	if len(items) == 0 {
		return
	}

	ctx := context.Background()
	for _, item := range items {
		if err := r.items.Release(ctx, item.ID); err != nil && !errors.Is(err, store.ErrStaleState) {
			log.Error("failed to release claimed item", "item_id", item.ID, "error", err)
		}
	}
	log.Info("released unprocessed claimed items", "count", len(items))
}

// logTransitionError distinguishes a lost claim (another writer moved the
// item first, e.g. a sweeper reclaim) from a real store failure.
func (r *Runner) logTransitionError(log *slog.Logger, operation string, err error) {
	if errors.Is(err, store.ErrStaleState) {
		log.Warn("claim lost before transition; item will be re-processed",
			"operation", operation)
		return
	}
	log.Error("item transition failed", "operation", operation, "error", err)
	CycleErrors.Inc()
}

// backoff computes the retry delay for the given completed attempt count:
// base * 2^attempt, scaled by jitter in [0.5, 1.0).
func (r *Runner) backoff(attempt int) time.Duration {
	backoffSeconds := r.config.RetryBackoffBase.Seconds() * math.Pow(2, float64(attempt))

	r.rngMu.Lock()
	jitterFactor := 0.5 + r.rng.Float64()*0.5
	r.rngMu.Unlock()

	return time.Duration(backoffSeconds * jitterFactor * float64(time.Second))
}

// sleep idles for the configured interval or until the context is done.
func (r *Runner) sleep(ctx context.Context) {
	timer := time.NewTimer(r.config.SleepInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
