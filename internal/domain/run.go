package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of an analysis run.
type RunStatus string

// Possible run status values
const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Common validation errors for Run
var (
	ErrEmptyRunID       = errors.New("run ID cannot be empty")
	ErrEmptyRunScope    = errors.New("run scope cannot be empty")
	ErrEmptyModelTag    = errors.New("run model tag cannot be empty")
	ErrNegativeRate     = errors.New("run rate per second cannot be negative")
	ErrNegativeLimit    = errors.New("run item limit cannot be negative")
	ErrInvalidRunStatus = errors.New("invalid run status")
)

// RunParams holds the immutable configuration chosen when a run is created.
type RunParams struct {
	// ModelTag names the classification model used for every item in the run.
	ModelTag string `json:"model_tag"`

	// RatePerSecond caps outbound classification calls for this run.
	// Zero means "use the configured default rate".
	RatePerSecond float64 `json:"rate_per_second"`

	// ItemLimit truncates the run's input set when positive.
	// Zero means unlimited.
	ItemLimit int `json:"item_limit"`
}

// RunCounters aggregates the states of a run's items. The stores keep these
// in step with the underlying item rows inside the same transaction as each
// item mutation, so a sampled snapshot is always consistent.
type RunCounters struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Total returns the number of items across all states.
func (c RunCounters) Total() int {
	return c.Queued + c.Processing + c.Completed + c.Failed + c.Skipped
}

// Terminal returns the number of items in a terminal state.
func (c RunCounters) Terminal() int {
	return c.Completed + c.Failed + c.Skipped
}

// Live returns the number of items still queued or processing.
func (c RunCounters) Live() int {
	return c.Queued + c.Processing
}

// FailureRatio returns the fraction of terminal items that failed.
// Returns 0 when no items are terminal.
func (c RunCounters) FailureRatio() float64 {
	terminal := c.Terminal()
	if terminal == 0 {
		return 0
	}
	return float64(c.Failed) / float64(terminal)
}

// Run represents a bounded batch analysis job: a set of content items to
// classify under one configuration, with aggregate progress counters and a
// liveness heartbeat.
type Run struct {
	ID          uuid.UUID   `json:"id"`
	Scope       string      `json:"scope"`
	Params      RunParams   `json:"params"`
	Status      RunStatus   `json:"status"`
	Counters    RunCounters `json:"counters"`
	HeartbeatAt time.Time   `json:"heartbeat_at"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// NewRun creates a new Run with the given scope description and parameters.
// It generates a new UUID, sets the status to pending, and stamps the
// creation/heartbeat timestamps. Returns an error if validation fails.
func NewRun(scope string, params RunParams) (*Run, error) {
	now := time.Now().UTC()
	run := &Run{
		ID:          uuid.New(),
		Scope:       scope,
		Params:      params,
		Status:      RunStatusPending,
		HeartbeatAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := run.Validate(); err != nil {
		return nil, err
	}

	return run, nil
}

// Validate checks if the Run has valid data.
// Returns an error if any field fails validation.
func (r *Run) Validate() error {
	if r.ID == uuid.Nil {
		return ErrEmptyRunID
	}

	if r.Scope == "" {
		return ErrEmptyRunScope
	}

	if r.Params.ModelTag == "" {
		return ErrEmptyModelTag
	}

	if r.Params.RatePerSecond < 0 {
		return ErrNegativeRate
	}

	if r.Params.ItemLimit < 0 {
		return ErrNegativeLimit
	}

	if !isValidRunStatus(r.Status) {
		return ErrInvalidRunStatus
	}

	return nil
}

// IsActive reports whether the run is still eligible for claiming.
func (r *Run) IsActive() bool {
	return r.Status == RunStatusPending || r.Status == RunStatusRunning
}

// IsTerminal reports whether the run has reached a final status.
func (r *Run) IsTerminal() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// HeartbeatAge returns how long ago the run's heartbeat was refreshed.
func (r *Run) HeartbeatAge(now time.Time) time.Duration {
	return now.Sub(r.HeartbeatAt)
}

// TransitionTo moves the run to the given status, enforcing the lifecycle
// state machine: pending -> running -> {completed, failed}; pending and
// running may also be cancelled or failed directly. Terminal statuses never
// change. Returns ErrInvalidTransition for any other move.
func (r *Run) TransitionTo(status RunStatus) error {
	if !isValidRunStatus(status) {
		return ErrInvalidRunStatus
	}

	if !canTransitionRun(r.Status, status) {
		return ErrInvalidTransition
	}

	r.Status = status
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// canTransitionRun reports whether a run may move from one status to another.
func canTransitionRun(from, to RunStatus) bool {
	if from == to {
		return true
	}

	switch from {
	case RunStatusPending:
		return to == RunStatusRunning || to == RunStatusFailed || to == RunStatusCancelled
	case RunStatusRunning:
		return to == RunStatusCompleted || to == RunStatusFailed || to == RunStatusCancelled
	default:
		return false
	}
}

// isValidRunStatus checks if the given status is a valid RunStatus.
func isValidRunStatus(status RunStatus) bool {
	switch status {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted,
		RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}
