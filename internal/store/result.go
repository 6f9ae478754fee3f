package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/fieldnote/analysis-engine/internal/domain"
)

// ResultStore defines the interface for analysis result persistence.
// Results are keyed by content item, not by run; a later run over the same
// item overwrites the earlier result.
type ResultStore interface {
	// Upsert writes the result for a content item, replacing any previous
	// result for that item. Writing the same result twice is harmless, which
	// is what makes item re-processing after a stale reclaim safe.
	Upsert(ctx context.Context, result *domain.AnalysisResult) error

	// GetByContentItemID retrieves the current result for a content item.
	// Returns ErrResultNotFound if no result has been persisted.
	GetByContentItemID(ctx context.Context, contentItemID uuid.UUID) (*domain.AnalysisResult, error)

	// WithTx returns a new ResultStore instance that uses the provided
	// transaction.
	WithTx(tx *sql.Tx) ResultStore
}
