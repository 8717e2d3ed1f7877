package broker

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"keybroker/internal/metrics"
	"keybroker/internal/models"
)

// Binding states reported by Stats
const (
	StateHealthy   = "healthy"
	StateExhausted = "exhausted"
	StateExcluded  = "excluded"
	StateDisabled  = "disabled"
)

// BindingStatus is the state of one binding
type BindingStatus struct {
	BindingID    uuid.UUID             `json:"binding_id"`
	CredentialID uuid.UUID             `json:"credential_id"`
	Provider     models.ProviderType   `json:"provider"`
	Model        string                `json:"model"`
	State        string                `json:"state"`
	Usage        *models.UsageDocument `json:"usage,omitempty"`
	RetryAt      *time.Time            `json:"retry_at,omitempty"`
}

// Stats is an aggregate view of the credential pool
type Stats struct {
	GeneratedAt         time.Time       `json:"generated_at"`
	ActiveCredentials   int             `json:"active_credentials"`
	InactiveCredentials int             `json:"inactive_credentials"`
	HealthyBindings     int             `json:"healthy_bindings"`
	ExhaustedBindings   int             `json:"exhausted_bindings"`
	ExcludedBindings    int             `json:"excluded_bindings"`
	DisabledBindings    int             `json:"disabled_bindings"`
	Bindings            []BindingStatus `json:"bindings"`
}

// Stats classifies every binding and refreshes the state gauges. A binding
// that is both excluded and exhausted counts as excluded.
func (b *Broker) Stats() Stats {
	snap := b.catalog.Snapshot()
	s := Stats{GeneratedAt: b.tracker.Now()}

	for _, c := range snap.Credentials {
		if c.IsActive {
			s.ActiveCredentials++
		} else {
			s.InactiveCredentials++
		}
	}

	for _, e := range snap.Entries {
		id := e.Binding.ID
		st := BindingStatus{
			BindingID:    id,
			CredentialID: e.Credential.ID,
			Provider:     e.Credential.Provider,
			Model:        e.Binding.ModelName,
		}
		if doc, ok := b.tracker.Snapshot(id); ok {
			st.Usage = &doc
		}

		switch {
		case !e.Usable():
			st.State = StateDisabled
			s.DisabledBindings++
		case b.ledger.IsExcluded(id):
			st.State = StateExcluded
			if entry, ok := b.ledger.Get(id); ok {
				at := entry.RetryAt
				st.RetryAt = &at
			}
			s.ExcludedBindings++
		case b.tracker.IsExhausted(id):
			st.State = StateExhausted
			if until := b.tracker.ExhaustedUntil(id); !until.IsZero() {
				st.RetryAt = &until
			}
			s.ExhaustedBindings++
		default:
			st.State = StateHealthy
			s.HealthyBindings++
		}
		s.Bindings = append(s.Bindings, st)
	}

	sort.Slice(s.Bindings, func(i, j int) bool {
		if s.Bindings[i].Provider != s.Bindings[j].Provider {
			return s.Bindings[i].Provider < s.Bindings[j].Provider
		}
		return s.Bindings[i].Model < s.Bindings[j].Model
	})

	metrics.SetCredentialStates(s.ActiveCredentials, s.InactiveCredentials)
	metrics.SetBindingStates(s.HealthyBindings, s.ExhaustedBindings, s.ExcludedBindings, s.DisabledBindings)
	return s
}
