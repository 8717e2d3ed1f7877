package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"keybroker/internal/models"
)

const credentialColumns = `id, provider, label, sealed_secret, fingerprint, is_active, priority,
		       tenant_id, disabled_reason, disabled_at, created_at, updated_at`

// CredentialRepository handles credential database operations
type CredentialRepository struct {
	db *DB
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db *DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// List returns all credentials ordered by priority
func (r *CredentialRepository) List(ctx context.Context) ([]*models.Credential, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + credentialColumns + `
		FROM credentials
		ORDER BY priority, created_at`

	var creds []*models.Credential
	if err := r.db.conn.SelectContext(ctx, &creds, query); err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return creds, nil
}

// GetByID retrieves a credential by ID
func (r *CredentialRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Credential, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var cred models.Credential
	query := `SELECT ` + credentialColumns + `
		FROM credentials
		WHERE id = $1`

	err := r.db.conn.GetContext(ctx, &cred, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &cred, nil
}

// GetByFingerprint retrieves a credential by provider and secret fingerprint
func (r *CredentialRepository) GetByFingerprint(ctx context.Context, provider models.ProviderType, fingerprint string) (*models.Credential, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var cred models.Credential
	query := `SELECT ` + credentialColumns + `
		FROM credentials
		WHERE provider = $1 AND fingerprint = $2`

	err := r.db.conn.GetContext(ctx, &cred, query, provider, fingerprint)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &cred, nil
}

// Create creates a new credential
func (r *CredentialRepository) Create(ctx context.Context, c *models.Credential) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO credentials (id, provider, label, sealed_secret, fingerprint,
		                         is_active, priority, tenant_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}

	err := r.db.conn.QueryRowxContext(
		ctx, query,
		c.ID, c.Provider, c.Label, c.SealedSecret, c.Fingerprint,
		c.IsActive, c.Priority, c.TenantID,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create credential: %w", err)
	}

	return nil
}

// Update updates an existing credential
func (r *CredentialRepository) Update(ctx context.Context, c *models.Credential) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE credentials
		SET provider = $2, label = $3, sealed_secret = $4, fingerprint = $5,
		    is_active = $6, priority = $7, tenant_id = $8,
		    disabled_reason = $9, disabled_at = $10, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.conn.QueryRowxContext(
		ctx, query,
		c.ID, c.Provider, c.Label, c.SealedSecret, c.Fingerprint,
		c.IsActive, c.Priority, c.TenantID, c.DisabledReason, c.DisabledAt,
	).Scan(&c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCredentialNotFound
		}
		return fmt.Errorf("failed to update credential: %w", err)
	}
	return nil
}

// Deactivate turns a credential off with a reason
func (r *CredentialRepository) Deactivate(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE credentials
		SET is_active = FALSE, disabled_reason = $2, disabled_at = $3, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.conn.ExecContext(ctx, query, id, reason, at)
	if err != nil {
		return fmt.Errorf("failed to deactivate credential: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
