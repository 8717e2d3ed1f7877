// Package seed loads credentials and model bindings from a YAML file.
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"keybroker/internal/models"
	"keybroker/internal/storage"
	"keybroker/internal/utils"
)

// File is the seed file layout
type File struct {
	Credentials []Credential `yaml:"credentials"`
}

// Credential is one API key with the models it serves
type Credential struct {
	Label    string  `yaml:"label"`
	Provider string  `yaml:"provider"`
	Secret   string  `yaml:"secret"` // ${VAR} references are expanded from the environment
	Priority int     `yaml:"priority"`
	TenantID string  `yaml:"tenant_id"`
	Active   *bool   `yaml:"active"`
	Models   []Model `yaml:"models"`
}

// Model is one binding of a credential
type Model struct {
	Name         string              `yaml:"name"`
	Priority     int                 `yaml:"priority"`
	Capabilities []string            `yaml:"capabilities"`
	Enabled      *bool               `yaml:"enabled"`
	Limits       *models.UsageLimits `yaml:"limits"`
}

// Result counts what Apply did. Updated rows are also counted as existing.
type Result struct {
	CredentialsCreated int
	CredentialsExisted int
	CredentialsUpdated int
	BindingsCreated    int
	BindingsExisted    int
	BindingsUpdated    int
}

// Load reads and parses a seed file
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return Parse(data)
}

// Parse parses seed YAML. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &f, nil
}

// Apply creates the credentials and bindings of f that do not exist yet and
// brings existing ones in line with the file. Credentials are matched by
// provider and secret fingerprint, bindings by credential and model name, so
// applying the same file twice is a no-op. Labels, priorities, capabilities
// and explicitly given limits of existing rows are updated; activation is
// never touched, so an administrator's deactivation stays.
// box must not be nil: seeded secrets are always sealed.
func Apply(ctx context.Context, f *File, creds storage.CredentialStore, bindings storage.BindingStore, box *storage.SecretBox) (Result, error) {
	logger := utils.NewLogger("seed")
	var res Result

	for i, sc := range f.Credentials {
		provider, err := models.ParseProviderType(sc.Provider)
		if err != nil {
			return res, fmt.Errorf("credential %d: %w", i, err)
		}
		secret := strings.TrimSpace(os.ExpandEnv(sc.Secret))
		if secret == "" {
			return res, fmt.Errorf("credential %d (%s): empty secret", i, sc.Label)
		}

		cred, st, err := ensureCredential(ctx, creds, box, sc, provider, secret)
		if err != nil {
			return res, fmt.Errorf("credential %d (%s): %w", i, sc.Label, err)
		}
		switch st {
		case created:
			res.CredentialsCreated++
			logger.Info("Credential created", "credential_id", cred.ID, "provider", provider, "fingerprint", cred.Fingerprint)
		case updated:
			res.CredentialsExisted++
			res.CredentialsUpdated++
			logger.Info("Credential updated", "credential_id", cred.ID, "label", cred.Label, "priority", cred.Priority)
		default:
			res.CredentialsExisted++
		}

		for _, sm := range sc.Models {
			st, err := ensureBinding(ctx, bindings, cred, sm)
			if err != nil {
				return res, fmt.Errorf("credential %d (%s) model %q: %w", i, sc.Label, sm.Name, err)
			}
			switch st {
			case created:
				res.BindingsCreated++
			case updated:
				res.BindingsExisted++
				res.BindingsUpdated++
				logger.Info("Binding updated", "credential_id", cred.ID, "model", sm.Name)
			default:
				res.BindingsExisted++
			}
		}
	}
	return res, nil
}

type rowState int

const (
	unchanged rowState = iota
	created
	updated
)

func ensureCredential(ctx context.Context, creds storage.CredentialStore, box *storage.SecretBox, sc Credential, provider models.ProviderType, secret string) (*models.Credential, rowState, error) {
	fingerprint := box.Fingerprint(secret)
	existing, err := creds.GetByFingerprint(ctx, provider, fingerprint)
	if err == nil {
		if existing.Label == sc.Label && existing.Priority == sc.Priority {
			return existing, unchanged, nil
		}
		existing.Label, existing.Priority = sc.Label, sc.Priority
		if err := creds.Update(ctx, existing); err != nil {
			return nil, unchanged, err
		}
		return existing, updated, nil
	}
	if !errors.Is(err, storage.ErrCredentialNotFound) {
		return nil, unchanged, err
	}

	sealed, err := box.Seal(secret)
	if err != nil {
		return nil, unchanged, err
	}
	cred := &models.Credential{
		Provider:     provider,
		Label:        sc.Label,
		SealedSecret: sealed,
		Fingerprint:  fingerprint,
		IsActive:     sc.Active == nil || *sc.Active,
		Priority:     sc.Priority,
	}
	if sc.TenantID != "" {
		tenant, err := uuid.Parse(sc.TenantID)
		if err != nil {
			return nil, unchanged, fmt.Errorf("invalid tenant_id: %w", err)
		}
		cred.TenantID = &tenant
	}
	if err := creds.Create(ctx, cred); err != nil {
		return nil, unchanged, err
	}
	return cred, created, nil
}

func ensureBinding(ctx context.Context, bindings storage.BindingStore, cred *models.Credential, sm Model) (rowState, error) {
	if sm.Name == "" {
		return unchanged, errors.New("empty model name")
	}
	existing, err := bindings.GetByCredentialAndModel(ctx, cred.ID, sm.Name)
	if err == nil {
		return syncBinding(ctx, bindings, existing, sm)
	}
	if !errors.Is(err, storage.ErrBindingNotFound) {
		return unchanged, err
	}

	limits := models.DefaultLimits(cred.Provider, sm.Name)
	if sm.Limits != nil {
		limits = *sm.Limits
	}
	b := &models.ModelBinding{
		CredentialID: cred.ID,
		ModelName:    sm.Name,
		Capabilities: sm.Capabilities,
		IsEnabled:    sm.Enabled == nil || *sm.Enabled,
		Priority:     sm.Priority,
		Usage:        models.NewUsageDocument(limits),
	}
	if err := bindings.Create(ctx, b); err != nil {
		return unchanged, err
	}
	return created, nil
}

// syncBinding updates priority, capabilities and explicit limits. Usage
// counters and the enabled flag are left as stored.
func syncBinding(ctx context.Context, bindings storage.BindingStore, b *models.ModelBinding, sm Model) (rowState, error) {
	st := unchanged
	if b.Priority != sm.Priority || !slices.Equal([]string(b.Capabilities), sm.Capabilities) {
		b.Priority, b.Capabilities = sm.Priority, sm.Capabilities
		if err := bindings.Update(ctx, b); err != nil {
			return unchanged, err
		}
		st = updated
	}
	if sm.Limits != nil && (b.Usage.Malformed || b.Usage.Limits() != *sm.Limits) {
		if err := bindings.SetLimits(ctx, b.ID, *sm.Limits); err != nil {
			return unchanged, err
		}
		st = updated
	}
	return st, nil
}
