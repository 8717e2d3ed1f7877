package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestParseProviderType(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ProviderType
		wantErr bool
	}{
		{"upper", "GOOGLE", ProviderGoogle, false},
		{"lower", "groq", ProviderGroq, false},
		{"padded", "  DeepSeek ", ProviderDeepSeek, false},
		{"huggingface", "huggingface", ProviderHuggingFace, false},
		{"unknown", "acme", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseProviderType(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseProviderType(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseProviderType(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestCredential_Scope(t *testing.T) {
	tenant := uuid.New()
	central := &Credential{ID: uuid.New(), Provider: ProviderGoogle, IsActive: true}
	private := &Credential{ID: uuid.New(), Provider: ProviderGoogle, IsActive: true, TenantID: &tenant}

	if !central.IsCentral() {
		t.Error("credential without tenant should be central")
	}
	if private.IsCentral() {
		t.Error("tenant credential should not be central")
	}
	if !private.OwnedBy(tenant) {
		t.Error("tenant credential should be owned by its tenant")
	}
	if private.OwnedBy(uuid.New()) || central.OwnedBy(tenant) {
		t.Error("OwnedBy matched a foreign tenant")
	}
}

func TestCredential_Deactivate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &Credential{ID: uuid.New(), IsActive: true}

	c.Deactivate("key reported as leaked", now)

	if c.IsActive {
		t.Fatal("credential still active")
	}
	if c.DisabledReason == nil || *c.DisabledReason != "key reported as leaked" {
		t.Errorf("DisabledReason = %v", c.DisabledReason)
	}
	if c.DisabledAt == nil || !c.DisabledAt.Equal(now) {
		t.Errorf("DisabledAt = %v, want %v", c.DisabledAt, now)
	}
}

func TestModelBinding_Matching(t *testing.T) {
	b := &ModelBinding{ModelName: "gemini-1.5-flash-002", Capabilities: []string{"chat", "Vision"}}

	if !b.HasCapability("") || !b.HasCapability("chat") || !b.HasCapability("vision") {
		t.Error("expected chat and vision capabilities")
	}
	if b.HasCapability("embedding") {
		t.Error("unexpected embedding capability")
	}

	plain := &ModelBinding{ModelName: "llama3"}
	if !plain.HasCapability(CapabilityChat) || plain.HasCapability(CapabilityEmbedding) {
		t.Error("binding without capabilities should only serve chat")
	}

	if !b.InFamily("gemini-1.5-flash") || !b.InFamily("") || !b.InFamily("gemini-1.5-flash-002") {
		t.Error("family match failed")
	}
	if b.InFamily("gemini-1.5") == false {
		t.Error("prefix family gemini-1.5 should match")
	}
	if b.InFamily("gemini-1.5-fl") {
		t.Error("partial token must not match a family")
	}
}

func TestDefaultLimits(t *testing.T) {
	if got := DefaultLimits(ProviderGoogle, "gemini-1.5-pro-latest"); got.RPM != 2 {
		t.Errorf("gemini-1.5-pro RPM = %d, want 2", got.RPM)
	}
	if got := DefaultLimits(ProviderGoogle, "gemini-1.5-flash"); got.RPM != 15 || got.RPD != 1500 {
		t.Errorf("gemini flash limits = %+v", got)
	}
	if got := DefaultLimits(ProviderType("NOPE"), "x"); !got.IsZero() {
		t.Errorf("unknown provider limits = %+v, want zero", got)
	}
}
