package broker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"keybroker/internal/catalog"
	"keybroker/internal/models"
)

// Scope orders tenant-private credentials against shared ("central") ones.
type Scope string

const (
	ScopeAny          Scope = "any"
	ScopeTenantFirst  Scope = "tenant-first"
	ScopeCentralFirst Scope = "central-first"
	ScopeTenantOnly   Scope = "tenant-only"
	ScopeCentralOnly  Scope = "central-only"
)

// ParseScope parses a scope name; empty means ScopeAny.
func ParseScope(s string) (Scope, error) {
	switch sc := Scope(strings.ToLower(strings.TrimSpace(s))); sc {
	case "":
		return ScopeAny, nil
	case ScopeAny, ScopeTenantFirst, ScopeCentralFirst, ScopeTenantOnly, ScopeCentralOnly:
		return sc, nil
	default:
		return "", fmt.Errorf("unknown scope order %q", s)
	}
}

// rank places a credential within the scope order. A tenant-private
// credential is only ever eligible for its own tenant.
func (s Scope) rank(cred *models.Credential, tenantID *uuid.UUID) (int, bool) {
	if !cred.IsCentral() {
		if tenantID == nil || !cred.OwnedBy(*tenantID) {
			return 0, false
		}
		switch s {
		case ScopeCentralOnly:
			return 0, false
		case ScopeCentralFirst:
			return 1, true
		default:
			return 0, true
		}
	}

	switch s {
	case ScopeTenantOnly:
		return 0, false
	case ScopeTenantFirst:
		return 1, true
	default:
		return 0, true
	}
}

// Requirement describes what the caller needs. Zero fields match anything.
type Requirement struct {
	Capability string              // chat, embedding, vision, ...
	Provider   models.ProviderType // provider hint
	Model      string              // exact model name
	Family     string              // model family prefix, e.g. "gemini-1.5-flash"

	TenantID *uuid.UUID
	Scope    Scope // empty = the broker's configured default

	// EstimatedTokens is reserved on TPM at selection; the broker's default
	// applies when zero.
	EstimatedTokens int64

	// Exclude lists bindings the caller already tried.
	Exclude []uuid.UUID
}

func (r Requirement) matches(e catalog.Entry) bool {
	if r.Provider != "" && e.Credential.Provider != r.Provider {
		return false
	}
	if r.Model != "" && !strings.EqualFold(e.Binding.ModelName, r.Model) {
		return false
	}
	return e.Binding.InFamily(r.Family) && e.Binding.HasCapability(r.Capability)
}

func (r Requirement) String() string {
	var parts []string
	if r.Capability != "" {
		parts = append(parts, "capability="+r.Capability)
	}
	if r.Provider != "" {
		parts = append(parts, "provider="+string(r.Provider))
	}
	if r.Model != "" {
		parts = append(parts, "model="+r.Model)
	}
	if r.Family != "" {
		parts = append(parts, "family="+r.Family)
	}
	if r.TenantID != nil {
		parts = append(parts, "tenant="+r.TenantID.String())
	}
	if len(parts) == 0 {
		return "any"
	}
	return strings.Join(parts, " ")
}

// ErrNoCandidate matches every NotFoundError.
var ErrNoCandidate = errors.New("no viable candidate")

// NotFoundError reports that every credential able to serve the requirement
// is currently inactive, exhausted or excluded.
type NotFoundError struct {
	Requirement Requirement
	Matched     int // bindings that matched but were not viable
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("all credentials currently exhausted for %s (%d matching bindings unavailable)", e.Requirement, e.Matched)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNoCandidate
}
