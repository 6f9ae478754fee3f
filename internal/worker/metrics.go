package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ItemsClaimed tracks items claimed per cycle outcome.
	ItemsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analysis_items_claimed_total",
			Help: "Total number of work items claimed",
		},
	)

	// ItemsProcessed tracks terminal item outcomes by kind.
	ItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_items_processed_total",
			Help: "Total number of work items reaching an outcome",
		},
		[]string{"outcome"},
	)

	// ItemsRequeued tracks deferred retries by failure kind.
	ItemsRequeued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_items_requeued_total",
			Help: "Total number of work items requeued for retry",
		},
		[]string{"kind"},
	)

	// CostAccumulated tracks the metered classification cost.
	CostAccumulated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analysis_cost_total",
			Help: "Accumulated classification cost in provider billing units",
		},
	)

	// CycleDuration tracks worker cycle wall time.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analysis_cycle_duration_seconds",
			Help:    "Worker cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RunHeartbeatAge tracks the heartbeat age of active runs.
	RunHeartbeatAge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "analysis_run_heartbeat_age_seconds",
			Help: "Seconds since each active run's heartbeat was refreshed",
		},
		[]string{"run_id"},
	)

	// StaleItemsReclaimed tracks sweeper recoveries.
	StaleItemsReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analysis_stale_items_reclaimed_total",
			Help: "Total number of abandoned processing items returned to the queue",
		},
	)

	// CycleErrors tracks infrastructure failures that backed a cycle off.
	CycleErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analysis_cycle_errors_total",
			Help: "Total number of worker cycles that hit infrastructure errors",
		},
	)
)

// Outcome label values for ItemsProcessed.
const (
	outcomeCompleted = "completed"
	outcomeFallback  = "fallback"
	outcomeFailed    = "failed"
)
