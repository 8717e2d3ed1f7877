package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Capabilities a binding can advertise.
const (
	CapabilityChat      = "chat"
	CapabilityEmbedding = "embedding"
	CapabilityVision    = "vision"
	CapabilityTools     = "tools"
	CapabilityAudio     = "audio"
)

//
// ModelBinding (model_bindings table)
//

// ModelBinding is one model made available under one Credential. Several
// bindings on different credentials may share a ModelName so that the load of
// one logical model is spread across keys.
type ModelBinding struct {
	ID           uuid.UUID      `db:"id" json:"id"`
	CredentialID uuid.UUID      `db:"credential_id" json:"credential_id"`
	ModelName    string         `db:"model_name" json:"model_name"`
	Capabilities pq.StringArray `db:"capabilities" json:"capabilities,omitempty"`
	IsEnabled    bool           `db:"is_enabled" json:"is_enabled"`
	Priority     int            `db:"priority" json:"priority"`
	Usage        UsageDocument  `db:"usage" json:"usage"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// HasCapability reports whether the binding serves the capability. A binding
// that declares no capabilities is treated as a plain chat model.
func (b *ModelBinding) HasCapability(capability string) bool {
	if capability == "" {
		return true
	}
	if len(b.Capabilities) == 0 {
		return capability == CapabilityChat
	}
	for _, c := range b.Capabilities {
		if strings.EqualFold(c, capability) {
			return true
		}
	}
	return false
}

// InFamily reports whether the model name belongs to a model family, e.g.
// "gemini-1.5-flash-002" is in family "gemini-1.5-flash".
func (b *ModelBinding) InFamily(family string) bool {
	if family == "" {
		return true
	}
	name := strings.ToLower(b.ModelName)
	family = strings.ToLower(family)
	return name == family || strings.HasPrefix(name, family+"-") || strings.HasPrefix(name, family+"@")
}
