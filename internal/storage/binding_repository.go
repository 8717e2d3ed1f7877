package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"keybroker/internal/models"
)

const bindingColumns = `id, credential_id, model_name, capabilities, is_enabled, priority,
		       usage, created_at, updated_at`

// BindingRepository handles model binding database operations
type BindingRepository struct {
	db *DB
}

// NewBindingRepository creates a new model binding repository
func NewBindingRepository(db *DB) *BindingRepository {
	return &BindingRepository{db: db}
}

// List returns all model bindings. Corrupt usage documents are returned with
// Usage.Malformed set instead of failing the scan.
func (r *BindingRepository) List(ctx context.Context) ([]*models.ModelBinding, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + bindingColumns + `
		FROM model_bindings
		ORDER BY priority, model_name`

	var bindings []*models.ModelBinding
	if err := r.db.conn.SelectContext(ctx, &bindings, query); err != nil {
		return nil, fmt.Errorf("failed to list model bindings: %w", err)
	}
	return bindings, nil
}

// GetByID retrieves a model binding by ID
func (r *BindingRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ModelBinding, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var b models.ModelBinding
	query := `SELECT ` + bindingColumns + `
		FROM model_bindings
		WHERE id = $1`

	if err := r.db.conn.GetContext(ctx, &b, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBindingNotFound
		}
		return nil, fmt.Errorf("failed to get model binding: %w", err)
	}
	return &b, nil
}

// GetByCredentialAndModel retrieves the binding of a model under a credential
func (r *BindingRepository) GetByCredentialAndModel(ctx context.Context, credentialID uuid.UUID, modelName string) (*models.ModelBinding, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var b models.ModelBinding
	query := `SELECT ` + bindingColumns + `
		FROM model_bindings
		WHERE credential_id = $1 AND model_name = $2`

	if err := r.db.conn.GetContext(ctx, &b, query, credentialID, modelName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBindingNotFound
		}
		return nil, fmt.Errorf("failed to get model binding: %w", err)
	}
	return &b, nil
}

// Create creates a new model binding
func (r *BindingRepository) Create(ctx context.Context, b *models.ModelBinding) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO model_bindings (id, credential_id, model_name, capabilities,
		                            is_enabled, priority, usage)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}

	err := r.db.conn.QueryRowxContext(
		ctx, query,
		b.ID, b.CredentialID, b.ModelName, b.Capabilities,
		b.IsEnabled, b.Priority, b.Usage,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create model binding: %w", err)
	}
	return nil
}

// Update updates the administrative fields of a binding. Usage is written
// separately through UpdateUsageBatch.
func (r *BindingRepository) Update(ctx context.Context, b *models.ModelBinding) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE model_bindings
		SET model_name = $2, capabilities = $3, is_enabled = $4, priority = $5,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.conn.QueryRowxContext(
		ctx, query,
		b.ID, b.ModelName, b.Capabilities, b.IsEnabled, b.Priority,
	).Scan(&b.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrBindingNotFound
		}
		return fmt.Errorf("failed to update model binding: %w", err)
	}
	return nil
}

// SetEnabled soft-enables or disables a binding
func (r *BindingRepository) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	result, err := r.db.conn.ExecContext(ctx,
		`UPDATE model_bindings SET is_enabled = $2, updated_at = NOW() WHERE id = $1`,
		id, enabled)
	if err != nil {
		return fmt.Errorf("failed to update model binding: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrBindingNotFound
	}
	return nil
}

// UpdateUsageBatch writes the counters of several usage documents in one
// transaction. Each row is locked and keeps the limits it already stores.
func (r *BindingRepository) UpdateUsageBatch(ctx context.Context, updates []UsageUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	// Lock rows in a stable order so concurrent batches cannot deadlock
	ordered := append([]UsageUpdate(nil), updates...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].BindingID.String() < ordered[j].BindingID.String()
	})

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, u := range ordered {
		raw, err := lockUsage(ctx, tx, u.BindingID)
		if errors.Is(err, ErrBindingNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		doc := keepStoredLimits(u.Usage, raw)
		if _, err := tx.ExecContext(ctx, `UPDATE model_bindings SET usage = $2 WHERE id = $1`, u.BindingID, doc); err != nil {
			return fmt.Errorf("failed to update usage of %s: %w", u.BindingID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SetLimits replaces the limits stored in a binding's usage document
func (r *BindingRepository) SetLimits(ctx context.Context, id uuid.UUID, limits models.UsageLimits) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	raw, err := lockUsage(ctx, tx, id)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE model_bindings SET usage = $2, updated_at = NOW() WHERE id = $1`,
		id, withLimits(raw, limits))
	if err != nil {
		return fmt.Errorf("failed to set limits of %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func lockUsage(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (string, error) {
	var raw string
	err := tx.GetContext(ctx, &raw,
		`SELECT COALESCE(usage, '') FROM model_bindings WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrBindingNotFound
		}
		return "", fmt.Errorf("failed to lock usage of %s: %w", id, err)
	}
	return raw, nil
}

// ListRawUsage returns the stored usage payload of every binding
func (r *BindingRepository) ListRawUsage(ctx context.Context) ([]RawUsage, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT b.id, b.credential_id, b.model_name, c.provider, COALESCE(b.usage, '') AS usage
		FROM model_bindings b
		JOIN credentials c ON c.id = b.credential_id
		ORDER BY b.id
	`

	var rows []RawUsage
	if err := r.db.conn.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	return rows, nil
}

// RepairUsage replaces a usage payload if it has not changed since it was read
func (r *BindingRepository) RepairUsage(ctx context.Context, id uuid.UUID, expectedRaw string, doc models.UsageDocument) (bool, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	result, err := r.db.conn.ExecContext(ctx,
		`UPDATE model_bindings SET usage = $3 WHERE id = $1 AND COALESCE(usage, '') = $2`,
		id, expectedRaw, doc)
	if err != nil {
		return false, fmt.Errorf("failed to repair usage: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}
