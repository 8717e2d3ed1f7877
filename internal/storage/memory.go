package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"keybroker/internal/models"
)

// MemoryStore keeps credentials, bindings and exclusions in process memory.
// It backs STORAGE_BACKEND=memory and the tests of the packages above storage.
// Usage is held in its serialized form so corrupt payloads behave exactly as
// they do in PostgreSQL.
type MemoryStore struct {
	mu          sync.RWMutex
	credentials map[uuid.UUID]models.Credential
	bindings    map[uuid.UUID]memoryBinding
	exclusions  map[uuid.UUID]models.ExclusionEntry
	now         func() time.Time
}

type memoryBinding struct {
	binding  models.ModelBinding
	rawUsage string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credentials: make(map[uuid.UUID]models.Credential),
		bindings:    make(map[uuid.UUID]memoryBinding),
		exclusions:  make(map[uuid.UUID]models.ExclusionEntry),
		now:         time.Now,
	}
}

// Credentials returns the credential view of the store
func (s *MemoryStore) Credentials() *MemoryCredentials { return &MemoryCredentials{s} }

// Bindings returns the model binding view of the store
func (s *MemoryStore) Bindings() *MemoryBindings { return &MemoryBindings{s} }

// Exclusions returns the exclusion view of the store
func (s *MemoryStore) Exclusions() *MemoryExclusions { return &MemoryExclusions{s} }

// SetRawUsage overwrites a binding's stored usage payload verbatim.
func (s *MemoryStore) SetRawUsage(id uuid.UUID, raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.bindings[id]
	if !ok {
		return ErrBindingNotFound
	}
	mb.rawUsage = raw
	s.bindings[id] = mb
	return nil
}

// RawUsage returns the stored usage payload of a binding.
func (s *MemoryStore) RawUsage(id uuid.UUID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mb, ok := s.bindings[id]
	return mb.rawUsage, ok
}

func (s *MemoryStore) materialize(mb memoryBinding) *models.ModelBinding {
	b := mb.binding
	b.Capabilities = append(b.Capabilities[:0:0], mb.binding.Capabilities...)
	_ = b.Usage.Scan(mb.rawUsage)
	return &b
}

func encodeUsage(doc models.UsageDocument) string {
	v, err := doc.Value()
	if err != nil {
		return ""
	}
	return v.(string)
}

// MemoryCredentials implements CredentialStore
type MemoryCredentials struct{ s *MemoryStore }

func (m *MemoryCredentials) List(ctx context.Context) ([]*models.Credential, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	out := make([]*models.Credential, 0, len(m.s.credentials))
	for _, c := range m.s.credentials {
		c := c
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryCredentials) GetByID(ctx context.Context, id uuid.UUID) (*models.Credential, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	c, ok := m.s.credentials[id]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	return &c, nil
}

func (m *MemoryCredentials) GetByFingerprint(ctx context.Context, provider models.ProviderType, fingerprint string) (*models.Credential, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	for _, c := range m.s.credentials {
		if c.Provider == provider && c.Fingerprint == fingerprint {
			c := c
			return &c, nil
		}
	}
	return nil, ErrCredentialNotFound
}

func (m *MemoryCredentials) Create(ctx context.Context, c *models.Credential) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if _, exists := m.s.credentials[c.ID]; exists {
		return ErrDuplicate
	}
	for _, other := range m.s.credentials {
		if c.Fingerprint != "" && other.Provider == c.Provider && other.Fingerprint == c.Fingerprint {
			return ErrDuplicate
		}
	}

	now := m.s.now()
	c.CreatedAt, c.UpdatedAt = now, now
	m.s.credentials[c.ID] = *c
	return nil
}

func (m *MemoryCredentials) Update(ctx context.Context, c *models.Credential) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	old, ok := m.s.credentials[c.ID]
	if !ok {
		return ErrCredentialNotFound
	}
	c.CreatedAt = old.CreatedAt
	c.UpdatedAt = m.s.now()
	m.s.credentials[c.ID] = *c
	return nil
}

func (m *MemoryCredentials) Deactivate(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	c, ok := m.s.credentials[id]
	if !ok {
		return ErrCredentialNotFound
	}
	c.Deactivate(reason, at)
	c.UpdatedAt = m.s.now()
	m.s.credentials[id] = c
	return nil
}

// MemoryBindings implements BindingStore
type MemoryBindings struct{ s *MemoryStore }

func (m *MemoryBindings) List(ctx context.Context) ([]*models.ModelBinding, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	out := make([]*models.ModelBinding, 0, len(m.s.bindings))
	for _, mb := range m.s.bindings {
		out = append(out, m.s.materialize(mb))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ModelName < out[j].ModelName
	})
	return out, nil
}

func (m *MemoryBindings) GetByID(ctx context.Context, id uuid.UUID) (*models.ModelBinding, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	mb, ok := m.s.bindings[id]
	if !ok {
		return nil, ErrBindingNotFound
	}
	return m.s.materialize(mb), nil
}

func (m *MemoryBindings) GetByCredentialAndModel(ctx context.Context, credentialID uuid.UUID, modelName string) (*models.ModelBinding, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	for _, mb := range m.s.bindings {
		if mb.binding.CredentialID == credentialID && mb.binding.ModelName == modelName {
			return m.s.materialize(mb), nil
		}
	}
	return nil, ErrBindingNotFound
}

func (m *MemoryBindings) Create(ctx context.Context, b *models.ModelBinding) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if _, exists := m.s.bindings[b.ID]; exists {
		return ErrDuplicate
	}
	for _, mb := range m.s.bindings {
		if mb.binding.CredentialID == b.CredentialID && mb.binding.ModelName == b.ModelName {
			return ErrDuplicate
		}
	}

	now := m.s.now()
	b.CreatedAt, b.UpdatedAt = now, now
	m.s.bindings[b.ID] = memoryBinding{binding: *b, rawUsage: encodeUsage(b.Usage)}
	return nil
}

func (m *MemoryBindings) Update(ctx context.Context, b *models.ModelBinding) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	mb, ok := m.s.bindings[b.ID]
	if !ok {
		return ErrBindingNotFound
	}
	mb.binding.ModelName = b.ModelName
	mb.binding.Capabilities = append(b.Capabilities[:0:0], b.Capabilities...)
	mb.binding.IsEnabled = b.IsEnabled
	mb.binding.Priority = b.Priority
	mb.binding.UpdatedAt = m.s.now()
	b.UpdatedAt = mb.binding.UpdatedAt
	m.s.bindings[b.ID] = mb
	return nil
}

func (m *MemoryBindings) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	mb, ok := m.s.bindings[id]
	if !ok {
		return ErrBindingNotFound
	}
	mb.binding.IsEnabled = enabled
	mb.binding.UpdatedAt = m.s.now()
	m.s.bindings[id] = mb
	return nil
}

func (m *MemoryBindings) UpdateUsageBatch(ctx context.Context, updates []UsageUpdate) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	for _, u := range updates {
		mb, ok := m.s.bindings[u.BindingID]
		if !ok {
			continue
		}
		mb.rawUsage = encodeUsage(keepStoredLimits(u.Usage, mb.rawUsage))
		m.s.bindings[u.BindingID] = mb
	}
	return nil
}

func (m *MemoryBindings) SetLimits(ctx context.Context, id uuid.UUID, limits models.UsageLimits) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	mb, ok := m.s.bindings[id]
	if !ok {
		return ErrBindingNotFound
	}
	mb.rawUsage = encodeUsage(withLimits(mb.rawUsage, limits))
	mb.binding.UpdatedAt = m.s.now()
	m.s.bindings[id] = mb
	return nil
}

func (m *MemoryBindings) ListRawUsage(ctx context.Context) ([]RawUsage, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	out := make([]RawUsage, 0, len(m.s.bindings))
	for id, mb := range m.s.bindings {
		cred, ok := m.s.credentials[mb.binding.CredentialID]
		if !ok {
			continue
		}
		out = append(out, RawUsage{
			BindingID:    id,
			CredentialID: mb.binding.CredentialID,
			ModelName:    mb.binding.ModelName,
			Provider:     cred.Provider,
			Raw:          mb.rawUsage,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BindingID.String() < out[j].BindingID.String() })
	return out, nil
}

func (m *MemoryBindings) RepairUsage(ctx context.Context, id uuid.UUID, expectedRaw string, doc models.UsageDocument) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	mb, ok := m.s.bindings[id]
	if !ok || mb.rawUsage != expectedRaw {
		return false, nil
	}
	mb.rawUsage = encodeUsage(doc)
	m.s.bindings[id] = mb
	return true, nil
}

// MemoryExclusions implements ExclusionStore
type MemoryExclusions struct{ s *MemoryStore }

func (m *MemoryExclusions) List(ctx context.Context) ([]*models.ExclusionEntry, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	out := make([]*models.ExclusionEntry, 0, len(m.s.exclusions))
	for _, e := range m.s.exclusions {
		e := e
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RetryAt.Before(out[j].RetryAt) })
	return out, nil
}

func (m *MemoryExclusions) Upsert(ctx context.Context, e *models.ExclusionEntry) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.exclusions[e.BindingID] = *e
	return nil
}

func (m *MemoryExclusions) Delete(ctx context.Context, bindingID uuid.UUID) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	delete(m.s.exclusions, bindingID)
	return nil
}

func (m *MemoryExclusions) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	removed := 0
	for id, e := range m.s.exclusions {
		if !e.Active(now) {
			delete(m.s.exclusions, id)
			removed++
		}
	}
	return removed, nil
}

var (
	_ CredentialStore = (*MemoryCredentials)(nil)
	_ BindingStore    = (*MemoryBindings)(nil)
	_ ExclusionStore  = (*MemoryExclusions)(nil)
	_ CredentialStore = (*CredentialRepository)(nil)
	_ BindingStore    = (*BindingRepository)(nil)
	_ ExclusionStore  = (*ExclusionRepository)(nil)
)
