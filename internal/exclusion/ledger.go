// Package exclusion is the time-boxed denylist of model bindings.
package exclusion

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"keybroker/internal/metrics"
	"keybroker/internal/models"
	"keybroker/internal/utils"
)

// Store persists exclusion entries. Implemented by storage.ExclusionRepository,
// the storage memory backend and RedisStore.
type Store interface {
	List(ctx context.Context) ([]*models.ExclusionEntry, error)
	Upsert(ctx context.Context, e *models.ExclusionEntry) error
	Delete(ctx context.Context, bindingID uuid.UUID) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

type history struct {
	count  int
	lastAt time.Time
}

// Ledger answers IsExcluded from memory and writes through to a Store.
type Ledger struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]models.ExclusionEntry
	history map[uuid.UUID]history

	store  Store
	policy BackoffPolicy
	now    func() time.Time
	logger *utils.Logger
}

// Option configures a Ledger
type Option func(*Ledger)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a ledger. store may be nil for a purely in-memory ledger.
func NewLedger(store Store, policy BackoffPolicy, opts ...Option) *Ledger {
	l := &Ledger{
		entries: make(map[uuid.UUID]models.ExclusionEntry),
		history: make(map[uuid.UUID]history),
		store:   store,
		policy:  policy,
		now:     time.Now,
		logger:  utils.NewLogger("exclusion"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load merges the stored entries into memory. Where both sides know a
// binding, the later retry time wins. Safe to call repeatedly, e.g. to pick
// up exclusions made by other replicas.
func (l *Ledger) Load(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	stored, err := l.store.List(ctx)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range stored {
		if cur, ok := l.entries[e.BindingID]; ok && !e.RetryAt.After(cur.RetryAt) {
			continue
		}
		l.entries[e.BindingID] = *e
		if h := l.history[e.BindingID]; e.ExcludedAt.After(h.lastAt) {
			l.history[e.BindingID] = history{count: e.RetryCount, lastAt: e.ExcludedAt}
		}
	}
	return len(stored), nil
}

// Exclude inserts or refreshes the exclusion of a binding. The retry count
// grows with every consecutive exclusion and restarts after a calm period of
// the policy's ResetAfter. An active ban is never shortened.
func (l *Ledger) Exclude(ctx context.Context, id uuid.UUID, reason models.ExclusionReason, cooldown time.Duration) models.ExclusionEntry {
	now := l.now()

	l.mu.Lock()
	h := l.history[id]
	if l.policy.ResetAfter > 0 && !h.lastAt.IsZero() && now.Sub(h.lastAt) > l.policy.ResetAfter {
		h.count = 0
	}
	h.count++
	h.lastAt = now
	l.history[id] = h

	d := l.policy.Cooldown(reason, cooldown, h.count)
	entry := models.ExclusionEntry{
		BindingID:  id,
		Reason:     reason,
		ExcludedAt: now,
		RetryAt:    now.Add(d),
		RetryCount: h.count,
	}
	if cur, ok := l.entries[id]; ok && cur.RetryAt.After(entry.RetryAt) {
		entry.RetryAt = cur.RetryAt
	}
	l.entries[id] = entry
	l.mu.Unlock()

	metrics.ExclusionsTotal.WithLabelValues(string(reason)).Inc()
	metrics.ExclusionCooldown.Observe(entry.RetryAt.Sub(now).Seconds())
	l.logger.Info("Binding excluded",
		"binding_id", id, "reason", reason, "retry_count", entry.RetryCount, "retry_at", entry.RetryAt.Format(time.RFC3339))

	if l.store != nil {
		if err := l.store.Upsert(ctx, &entry); err != nil {
			l.logger.Error("Failed to persist exclusion", "binding_id", id, "error", err)
		}
	}
	return entry
}

// IsExcluded reports whether the binding has an entry with retryAt > now
func (l *Ledger) IsExcluded(id uuid.UUID) bool {
	now := l.now()
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	return ok && e.Active(now)
}

// Get returns the entry of a binding, expired or not
func (l *Ledger) Get(id uuid.UUID) (models.ExclusionEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	return e, ok
}

// Clear lifts a binding's exclusion and forgets its retry history, for when
// a call on it succeeded. It reports whether an entry existed.
func (l *Ledger) Clear(ctx context.Context, id uuid.UUID) bool {
	l.mu.Lock()
	_, existed := l.entries[id]
	delete(l.entries, id)
	delete(l.history, id)
	l.mu.Unlock()

	if existed {
		l.logger.Info("Exclusion cleared", "binding_id", id)
		if l.store != nil {
			if err := l.store.Delete(ctx, id); err != nil {
				l.logger.Error("Failed to delete exclusion", "binding_id", id, "error", err)
			}
		}
	}
	return existed
}

// SweepExpired drops entries whose retry time has passed, in memory and in
// the store. Retry history is kept so that a binding that is excluded again
// soon after still backs off further.
func (l *Ledger) SweepExpired(ctx context.Context) (int, error) {
	now := l.now()

	l.mu.Lock()
	removed := 0
	for id, e := range l.entries {
		if !e.Active(now) {
			delete(l.entries, id)
			removed++
		}
	}
	for id, h := range l.history {
		if _, live := l.entries[id]; !live && l.policy.ResetAfter > 0 && now.Sub(h.lastAt) > l.policy.ResetAfter {
			delete(l.history, id)
		}
	}
	l.mu.Unlock()

	if l.store == nil {
		return removed, nil
	}
	n, err := l.store.DeleteExpired(ctx, now)
	if err != nil {
		return removed, err
	}
	if n > removed {
		removed = n
	}
	return removed, nil
}

// Active returns the entries still in force, soonest retry first
func (l *Ledger) Active() []models.ExclusionEntry {
	now := l.now()
	l.mu.RLock()
	out := make([]models.ExclusionEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if e.Active(now) {
			out = append(out, e)
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RetryAt.Before(out[j].RetryAt) })
	return out
}
