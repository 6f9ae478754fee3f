package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ItemState represents the processing state of a single work item.
type ItemState string

// Possible item state values
const (
	ItemStateQueued     ItemState = "queued"
	ItemStateProcessing ItemState = "processing"
	ItemStateCompleted  ItemState = "completed"
	ItemStateFailed     ItemState = "failed"
	ItemStateSkipped    ItemState = "skipped"
)

// Common validation errors for RunItem
var (
	ErrEmptyItemRunID     = errors.New("item run ID cannot be empty")
	ErrEmptyContentItemID = errors.New("item content ID cannot be empty")
	ErrInvalidItemState   = errors.New("invalid item state")
)

// RunItem tracks one content item's progress through a run. Items start
// queued, are moved to processing only by the claim protocol, and always end
// in a terminal state. A claimed item is written only by the worker that
// holds the claim, or by the stale sweeper when the claim is abandoned.
type RunItem struct {
	ID            int64      `json:"id"`
	RunID         uuid.UUID  `json:"run_id"`
	ContentItemID uuid.UUID  `json:"content_item_id"`
	Content       string     `json:"content"`
	State         ItemState  `json:"state"`
	ClaimedBy     string     `json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastErrorCode string     `json:"last_error_code,omitempty"`
	Cost          float64    `json:"cost"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// NewRunItem creates a queued RunItem for the given run and content item.
// The database assigns the numeric ID on insert; claim order follows it.
// Returns an error if validation fails.
func NewRunItem(runID, contentItemID uuid.UUID, content string) (*RunItem, error) {
	now := time.Now().UTC()
	item := &RunItem{
		RunID:         runID,
		ContentItemID: contentItemID,
		Content:       content,
		State:         ItemStateQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := item.Validate(); err != nil {
		return nil, err
	}

	return item, nil
}

// Validate checks if the RunItem has valid data.
// Returns an error if any field fails validation.
func (i *RunItem) Validate() error {
	if i.RunID == uuid.Nil {
		return ErrEmptyItemRunID
	}

	if i.ContentItemID == uuid.Nil {
		return ErrEmptyContentItemID
	}

	if i.Content == "" {
		return ErrEmptyContent
	}

	if !isValidItemState(i.State) {
		return ErrInvalidItemState
	}

	return nil
}

// IsTerminal reports whether the item has reached a final state.
func (i *RunItem) IsTerminal() bool {
	switch i.State {
	case ItemStateCompleted, ItemStateFailed, ItemStateSkipped:
		return true
	default:
		return false
	}
}

// Deferred reports whether the item is queued awaiting a retry after a
// transient failure.
func (i *RunItem) Deferred() bool {
	return i.State == ItemStateQueued && i.Attempts > 0
}

// CanTransitionItem reports whether an item may move between the two states.
// The machine: queued -(claim)-> processing; queued -(cancel)-> skipped;
// processing -> completed | failed; processing -(requeue or stale
// reclaim)-> queued; processing -(release or reclaim into an already
// terminal run)-> skipped. Terminal states never change.
func CanTransitionItem(from, to ItemState) bool {
	if from == to {
		return false
	}

	switch from {
	case ItemStateQueued:
		return to == ItemStateProcessing || to == ItemStateSkipped
	case ItemStateProcessing:
		return to == ItemStateCompleted || to == ItemStateFailed ||
			to == ItemStateQueued || to == ItemStateSkipped
	default:
		return false
	}
}

// isValidItemState checks if the given state is a valid ItemState.
func isValidItemState(state ItemState) bool {
	switch state {
	case ItemStateQueued, ItemStateProcessing, ItemStateCompleted,
		ItemStateFailed, ItemStateSkipped:
		return true
	default:
		return false
	}
}
