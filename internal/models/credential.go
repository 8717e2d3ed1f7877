package models

import (
	"time"

	"github.com/google/uuid"
)

//
// Credential (credentials table)
//

// Credential is an API key for one upstream provider.
//
// The broker only ever flips IsActive off (when the provider proves the key
// invalid); everything else is administrative.
type Credential struct {
	ID       uuid.UUID    `db:"id" json:"id"`
	Provider ProviderType `db:"provider" json:"provider"`
	Label    string       `db:"label" json:"label"`

	// SealedSecret is the key material sealed by storage.SecretBox. It never
	// leaves the process in plain text except inside a broker.Candidate.
	SealedSecret string `db:"sealed_secret" json:"-"`
	Fingerprint  string `db:"fingerprint" json:"fingerprint"`

	IsActive bool `db:"is_active" json:"is_active"`
	Priority int  `db:"priority" json:"priority"`

	// TenantID is nil for shared ("central") credentials.
	TenantID *uuid.UUID `db:"tenant_id" json:"tenant_id,omitempty"`

	DisabledReason *string    `db:"disabled_reason" json:"disabled_reason,omitempty"`
	DisabledAt     *time.Time `db:"disabled_at" json:"disabled_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IsCentral reports whether the credential is shared across tenants.
func (c *Credential) IsCentral() bool {
	return c.TenantID == nil
}

// OwnedBy reports whether the credential is private to the given tenant.
func (c *Credential) OwnedBy(tenantID uuid.UUID) bool {
	return c.TenantID != nil && *c.TenantID == tenantID
}

// Deactivate marks the credential unusable. It is not time-boxed: only an
// administrator can turn it back on.
func (c *Credential) Deactivate(reason string, at time.Time) {
	c.IsActive = false
	c.DisabledReason = &reason
	c.DisabledAt = &at
}
