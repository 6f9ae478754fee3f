package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldnote/analysis-engine/internal/domain"
	"github.com/fieldnote/analysis-engine/internal/store"
)

// ResultStore implements the store.ResultStore interface using PostgreSQL.
// One row per content item; writes are upserts, latest wins.
type ResultStore struct {
	q store.DBTX
}

// NewResultStore creates a new ResultStore backed by the given database.
func NewResultStore(db *sql.DB) *ResultStore {
	return &ResultStore{q: db}
}

// WithTx returns a ResultStore bound to the provided transaction.
func (s *ResultStore) WithTx(tx *sql.Tx) store.ResultStore {
	return &ResultStore{q: tx}
}

// Upsert writes the result for a content item, replacing any previous one.
func (s *ResultStore) Upsert(ctx context.Context, result *domain.AnalysisResult) error {
	if err := result.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO analysis_results (content_item_id, sentiment, impact, model_tag, fallback, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (content_item_id) DO UPDATE
		SET sentiment = EXCLUDED.sentiment,
			impact = EXCLUDED.impact,
			model_tag = EXCLUDED.model_tag,
			fallback = EXCLUDED.fallback,
			updated_at = EXCLUDED.updated_at
	`

	_, err := s.q.ExecContext(ctx, query,
		result.ContentItemID,
		result.Sentiment,
		result.Impact,
		result.ModelTag,
		result.Fallback,
		result.UpdatedAt,
	)
	if err != nil {
		return store.NewStoreError("analysis result", "upsert", "upsert failed", MapError(err))
	}

	return nil
}

// GetByContentItemID retrieves the current result for a content item.
func (s *ResultStore) GetByContentItemID(ctx context.Context, contentItemID uuid.UUID) (*domain.AnalysisResult, error) {
	query := `
		SELECT content_item_id, sentiment, impact, model_tag, fallback, updated_at
		FROM analysis_results
		WHERE content_item_id = $1
	`

	var result domain.AnalysisResult
	var updatedAt time.Time
	err := s.q.QueryRowContext(ctx, query, contentItemID).Scan(
		&result.ContentItemID,
		&result.Sentiment,
		&result.Impact,
		&result.ModelTag,
		&result.Fallback,
		&updatedAt,
	)
	if err != nil {
		if store.IsNotFoundError(MapError(err)) {
			return nil, store.ErrResultNotFound
		}
		return nil, store.NewStoreError("analysis result", "get", "query failed", MapError(err))
	}

	result.UpdatedAt = updatedAt.UTC()
	return &result, nil
}
