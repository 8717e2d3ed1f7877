package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"keybroker/internal/models"
)

// ExclusionRepository handles binding exclusion database operations
type ExclusionRepository struct {
	db *DB
}

// NewExclusionRepository creates a new exclusion repository
func NewExclusionRepository(db *DB) *ExclusionRepository {
	return &ExclusionRepository{db: db}
}

// List returns every stored exclusion, expired or not
func (r *ExclusionRepository) List(ctx context.Context) ([]*models.ExclusionEntry, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT binding_id, reason, excluded_at, retry_at, retry_count
		FROM binding_exclusions
		ORDER BY retry_at
	`

	var entries []*models.ExclusionEntry
	if err := r.db.conn.SelectContext(ctx, &entries, query); err != nil {
		return nil, fmt.Errorf("failed to list exclusions: %w", err)
	}
	return entries, nil
}

// Upsert inserts or refreshes the exclusion of a binding
func (r *ExclusionRepository) Upsert(ctx context.Context, e *models.ExclusionEntry) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO binding_exclusions (binding_id, reason, excluded_at, retry_at, retry_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (binding_id) DO UPDATE
		SET reason = EXCLUDED.reason,
		    excluded_at = EXCLUDED.excluded_at,
		    retry_at = EXCLUDED.retry_at,
		    retry_count = EXCLUDED.retry_count
	`

	_, err := r.db.conn.ExecContext(ctx, query,
		e.BindingID, e.Reason, e.ExcludedAt, e.RetryAt, e.RetryCount)
	if err != nil {
		return fmt.Errorf("failed to upsert exclusion: %w", err)
	}
	return nil
}

// Delete removes the exclusion of a binding. Deleting a missing entry is not an error.
func (r *ExclusionRepository) Delete(ctx context.Context, bindingID uuid.UUID) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	if _, err := r.db.conn.ExecContext(ctx,
		`DELETE FROM binding_exclusions WHERE binding_id = $1`, bindingID); err != nil {
		return fmt.Errorf("failed to delete exclusion: %w", err)
	}
	return nil
}

// DeleteExpired removes entries whose retry time has passed
func (r *ExclusionRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	result, err := r.db.conn.ExecContext(ctx,
		`DELETE FROM binding_exclusions WHERE retry_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired exclusions: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}
