package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/fieldnote/analysis-engine/internal/domain"
	"github.com/fieldnote/analysis-engine/internal/store"
)

// SweeperConfig holds configuration for the stale item sweeper.
type SweeperConfig struct {
	// Interval is how often a sweep runs.
	Interval time.Duration

	// ProcessingTimeout is how long an item may sit in processing before
	// its claim is considered abandoned. Must exceed the worst-case
	// processing duration including retries, or live claims get stolen.
	ProcessingTimeout time.Duration

	// HeartbeatTimeout is how long a running run may go without a
	// heartbeat before it is flagged as stalled.
	HeartbeatTimeout time.Duration
}

// DefaultSweeperConfig returns a SweeperConfig with reasonable defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:          1 * time.Minute,
		ProcessingTimeout: 5 * time.Minute,
		HeartbeatTimeout:  2 * time.Minute,
	}
}

// Sweeper periodically reclaims items stranded in processing by crashed or
// partitioned workers, and surfaces runs whose heartbeat has gone quiet.
// Reclaimed items return to the queue with their attempt count intact, so
// a poison item still converges on the fallback path.
type Sweeper struct {
	runs   store.RunStore
	items  store.RunItemStore
	config SweeperConfig
	logger *slog.Logger
}

// NewSweeper creates a new Sweeper. Zero config values fall back to
// defaults.
func NewSweeper(runs store.RunStore, items store.RunItemStore, config SweeperConfig, log *slog.Logger) *Sweeper {
	defaults := DefaultSweeperConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.ProcessingTimeout <= 0 {
		config.ProcessingTimeout = defaults.ProcessingTimeout
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = defaults.HeartbeatTimeout
	}

	return &Sweeper{
		runs:   runs,
		items:  items,
		config: config,
		logger: log,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
// One sweep runs immediately on startup to clear debris left by a crash of
// this same process.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("starting stale item sweeper",
		"interval", s.config.Interval,
		"processing_timeout", s.config.ProcessingTimeout)

	s.sweep(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stale item sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep reclaims stale items and checks run heartbeats. Errors are logged
// and retried on the next tick.
func (s *Sweeper) sweep(ctx context.Context) {
	reclaimed, err := s.items.ReclaimStale(ctx, s.config.ProcessingTimeout)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("stale item sweep failed", "error", err)
			CycleErrors.Inc()
		}
		return
	}

	total := 0
	for runID, count := range reclaimed {
		total += count
		s.logger.Warn("reclaimed stale items from abandoned claims",
			"run_id", runID,
			"count", count)

		// Reclaims invalidate cached counters; reconcile from item states.
		if _, err := s.runs.ReconcileCounters(ctx, runID); err != nil {
			s.logger.Error("failed to reconcile counters after reclaim",
				"run_id", runID,
				"error", err)
		}
	}
	if total > 0 {
		StaleItemsReclaimed.Add(float64(total))
	}

	s.checkHeartbeats(ctx)
}

// checkHeartbeats flags running runs whose heartbeat is older than the
// configured timeout. Flagging is observational; the claim protocol and the
// reclaimer do the actual recovery.
func (s *Sweeper) checkHeartbeats(ctx context.Context) {
	runs, err := s.runs.ListActive(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to list active runs for heartbeat check", "error", err)
		}
		return
	}

	now := time.Now().UTC()
	for _, run := range runs {
		age := run.HeartbeatAge(now)
		RunHeartbeatAge.WithLabelValues(run.ID.String()).Set(age.Seconds())

		if run.Status == domain.RunStatusRunning && age > s.config.HeartbeatTimeout {
			s.logger.Warn("run heartbeat is stale",
				"run_id", run.ID,
				"heartbeat_age", age)
		}
	}
}
