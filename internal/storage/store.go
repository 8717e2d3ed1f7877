package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"keybroker/internal/models"
)

// CredentialStore persists credentials. Implemented by CredentialRepository
// (PostgreSQL) and the memory backend.
type CredentialStore interface {
	List(ctx context.Context) ([]*models.Credential, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Credential, error)
	GetByFingerprint(ctx context.Context, provider models.ProviderType, fingerprint string) (*models.Credential, error)
	Create(ctx context.Context, c *models.Credential) error
	Update(ctx context.Context, c *models.Credential) error
	Deactivate(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
}

// BindingStore persists model bindings and their usage documents.
type BindingStore interface {
	List(ctx context.Context) ([]*models.ModelBinding, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.ModelBinding, error)
	GetByCredentialAndModel(ctx context.Context, credentialID uuid.UUID, modelName string) (*models.ModelBinding, error)
	Create(ctx context.Context, b *models.ModelBinding) error
	Update(ctx context.Context, b *models.ModelBinding) error
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error

	// UpdateUsageBatch writes the counters of usage documents; the limits
	// already stored are kept. Unknown IDs are skipped.
	UpdateUsageBatch(ctx context.Context, updates []UsageUpdate) error

	// SetLimits replaces the limits of a binding's usage document, leaving
	// its counters alone. A corrupt document is replaced by a fresh one.
	SetLimits(ctx context.Context, id uuid.UUID, limits models.UsageLimits) error

	// ListRawUsage returns every binding's stored usage payload verbatim.
	ListRawUsage(ctx context.Context) ([]RawUsage, error)

	// RepairUsage replaces the usage payload only if it still equals
	// expectedRaw. It reports whether the row was rewritten.
	RepairUsage(ctx context.Context, id uuid.UUID, expectedRaw string, doc models.UsageDocument) (bool, error)
}

// ExclusionStore persists exclusion entries.
type ExclusionStore interface {
	List(ctx context.Context) ([]*models.ExclusionEntry, error)
	Upsert(ctx context.Context, e *models.ExclusionEntry) error
	Delete(ctx context.Context, bindingID uuid.UUID) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// UsageUpdate is one usage document to persist.
type UsageUpdate struct {
	BindingID uuid.UUID
	Usage     models.UsageDocument
}

// RawUsage is a binding's usage column as stored, plus what is needed to
// rebuild a default document for it.
type RawUsage struct {
	BindingID    uuid.UUID           `db:"id"`
	CredentialID uuid.UUID           `db:"credential_id"`
	ModelName    string              `db:"model_name"`
	Provider     models.ProviderType `db:"provider"`
	Raw          string              `db:"usage"`
}

// keepStoredLimits returns doc carrying the limits of the stored payload raw.
// A payload that does not parse leaves doc as is.
func keepStoredLimits(doc models.UsageDocument, raw string) models.UsageDocument {
	stored, err := models.ParseUsageDocument([]byte(raw))
	if err != nil {
		return doc
	}
	doc.SetLimits(stored.Limits())
	return doc
}

// withLimits returns the stored payload raw with limits replaced.
func withLimits(raw string, limits models.UsageLimits) models.UsageDocument {
	doc, err := models.ParseUsageDocument([]byte(raw))
	if err != nil {
		return models.NewUsageDocument(limits)
	}
	doc.SetLimits(limits)
	return doc
}
