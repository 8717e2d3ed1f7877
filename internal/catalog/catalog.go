// Package catalog holds the in-memory view of credentials and model
// bindings that selection runs against.
package catalog

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"keybroker/internal/models"
	"keybroker/internal/storage"
	"keybroker/internal/utils"
)

// Entry is a binding together with its owning credential.
type Entry struct {
	Credential *models.Credential
	Binding    *models.ModelBinding
}

// Usable reports whether the entry may take part in selection at all: the
// credential is active and the binding enabled.
func (e Entry) Usable() bool {
	return e.Credential.IsActive && e.Binding.IsEnabled
}

// Snapshot is an immutable view of the catalog.
type Snapshot struct {
	LoadedAt    time.Time
	Credentials map[uuid.UUID]*models.Credential
	Entries     []Entry
	byBinding   map[uuid.UUID]int
}

func newSnapshot(at time.Time, creds []*models.Credential, bindings []*models.ModelBinding) *Snapshot {
	s := &Snapshot{
		LoadedAt:    at,
		Credentials: make(map[uuid.UUID]*models.Credential, len(creds)),
		byBinding:   make(map[uuid.UUID]int, len(bindings)),
	}
	for _, c := range creds {
		s.Credentials[c.ID] = c
	}
	for _, b := range bindings {
		cred, ok := s.Credentials[b.CredentialID]
		if !ok {
			continue
		}
		s.byBinding[b.ID] = len(s.Entries)
		s.Entries = append(s.Entries, Entry{Credential: cred, Binding: b})
	}
	return s
}

// Entry returns the entry of a binding
func (s *Snapshot) Entry(bindingID uuid.UUID) (Entry, bool) {
	i, ok := s.byBinding[bindingID]
	if !ok {
		return Entry{}, false
	}
	return s.Entries[i], true
}

// Usable returns the entries whose credential is active and binding enabled
func (s *Snapshot) Usable() []Entry {
	out := make([]Entry, 0, len(s.Entries))
	for _, e := range s.Entries {
		if e.Usable() {
			out = append(out, e)
		}
	}
	return out
}

// withCredentialInactive copies the snapshot with one credential turned off
func (s *Snapshot) withCredentialInactive(id uuid.UUID, reason string, at time.Time) *Snapshot {
	cur, ok := s.Credentials[id]
	if !ok {
		return s
	}
	off := *cur
	off.Deactivate(reason, at)

	next := &Snapshot{
		LoadedAt:    s.LoadedAt,
		Credentials: make(map[uuid.UUID]*models.Credential, len(s.Credentials)),
		Entries:     make([]Entry, len(s.Entries)),
		byBinding:   s.byBinding,
	}
	for k, v := range s.Credentials {
		next.Credentials[k] = v
	}
	next.Credentials[id] = &off
	for i, e := range s.Entries {
		if e.Credential.ID == id {
			e.Credential = &off
		}
		next.Entries[i] = e
	}
	return next
}

// Catalog loads credentials and bindings from storage and serves snapshots.
type Catalog struct {
	credentials storage.CredentialStore
	bindings    storage.BindingStore
	box         *storage.SecretBox

	snap   atomic.Pointer[Snapshot]
	now    func() time.Time
	logger *utils.Logger
}

// New creates a catalog. box may be nil when secrets are stored unsealed,
// as with the memory backend in development.
func New(credentials storage.CredentialStore, bindings storage.BindingStore, box *storage.SecretBox) *Catalog {
	c := &Catalog{
		credentials: credentials,
		bindings:    bindings,
		box:         box,
		now:         time.Now,
		logger:      utils.NewLogger("catalog"),
	}
	c.snap.Store(newSnapshot(time.Time{}, nil, nil))
	return c
}

// Reload reads everything from storage and swaps in a new snapshot
func (c *Catalog) Reload(ctx context.Context) (*Snapshot, error) {
	creds, err := c.credentials.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	bindings, err := c.bindings.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load model bindings: %w", err)
	}

	s := newSnapshot(c.now(), creds, bindings)
	c.snap.Store(s)
	c.logger.Debug("Catalog reloaded", "credentials", len(s.Credentials), "bindings", len(s.Entries))
	return s, nil
}

// Snapshot returns the current snapshot
func (c *Catalog) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Deactivate turns a credential off in storage and in the current snapshot.
// Its bindings stop being selected immediately.
func (c *Catalog) Deactivate(ctx context.Context, credentialID uuid.UUID, reason string) error {
	at := c.now()
	if err := c.credentials.Deactivate(ctx, credentialID, reason, at); err != nil {
		return fmt.Errorf("failed to deactivate credential %s: %w", credentialID, err)
	}

	for {
		cur := c.snap.Load()
		if c.snap.CompareAndSwap(cur, cur.withCredentialInactive(credentialID, reason, at)) {
			break
		}
	}
	c.logger.Warn("Credential deactivated", "credential_id", credentialID, "reason", reason)
	return nil
}

// Secret returns the plain-text key of a credential
func (c *Catalog) Secret(cred *models.Credential) (string, error) {
	if c.box == nil {
		return cred.SealedSecret, nil
	}
	secret, err := c.box.Open(cred.SealedSecret)
	if err != nil {
		return "", fmt.Errorf("failed to open secret of credential %s: %w", cred.ID, err)
	}
	return secret, nil
}
