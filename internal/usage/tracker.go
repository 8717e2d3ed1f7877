// Package usage keeps the live RPM/RPH/RPD/TPM counters of every model
// binding and decides whether a binding may take another request.
//
// Each binding owns one record in an arena. A record has its own mutex, so
// admissions on unrelated bindings never contend. The arena only grows; a
// binding keeps its slot for the life of the process.
package usage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"keybroker/internal/models"
	"keybroker/internal/utils"
)

// ErrUnknownBinding is returned for bindings that were never registered.
var ErrUnknownBinding = errors.New("binding not tracked")

// Persister stores usage snapshots. Implemented by storage.UsageWriter.
type Persister interface {
	PersistUsage(ctx context.Context, bindingID uuid.UUID, seq uint64, doc models.UsageDocument, takenAt time.Time) error
}

type record struct {
	mu       sync.Mutex
	id       uuid.UUID
	provider models.ProviderType
	model    string
	doc      models.UsageDocument
	seq      uint64

	// lastUsed holds the tracker tick of the latest admission; 0 = never.
	lastUsed atomic.Uint64
	retired  atomic.Bool
}

// Tracker is the usage tracker.
type Tracker struct {
	mu    sync.RWMutex
	index map[uuid.UUID]int
	arena []*record

	tick      atomic.Uint64
	persister Persister
	now       func() time.Time
	logger    *utils.Logger
}

// Option configures a Tracker
type Option func(*Tracker)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithPersister sets where snapshots go after every change
func WithPersister(p Persister) Option {
	return func(t *Tracker) { t.persister = p }
}

// NewTracker creates an empty tracker
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		index:  make(map[uuid.UUID]int),
		now:    time.Now,
		logger: utils.NewLogger("usage"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Now returns the tracker's clock reading
func (t *Tracker) Now() time.Time {
	return t.now()
}

func (t *Tracker) lookup(id uuid.UUID) *record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.index[id]
	if !ok {
		return nil
	}
	r := t.arena[i]
	if r.retired.Load() {
		return nil
	}
	return r
}

// Register starts tracking a binding, or refreshes the limits of one already
// tracked. Live counters of a tracked binding are kept; the stored document
// only seeds a new record. A malformed stored document seeds a fresh one
// with the provider's documented limits.
func (t *Tracker) Register(b *models.ModelBinding, provider models.ProviderType) {
	stored := b.Usage
	if stored.Malformed {
		t.logger.Warn("Stored usage is malformed, tracking as fresh", "binding_id", b.ID, "model", b.ModelName)
		stored = models.NewUsageDocument(models.DefaultLimits(provider, b.ModelName))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if i, ok := t.index[b.ID]; ok {
		r := t.arena[i]
		r.mu.Lock()
		r.provider, r.model = provider, b.ModelName
		if !b.Usage.Malformed {
			r.doc.SetLimits(stored.Limits())
		}
		r.mu.Unlock()
		r.retired.Store(false)
		return
	}

	r := &record{id: b.ID, provider: provider, model: b.ModelName, doc: stored}
	r.doc.Malformed = false
	t.index[b.ID] = len(t.arena)
	t.arena = append(t.arena, r)
}

// Retain stops tracking every binding not in keep. Retired records keep
// their slot and counters and come back if the binding is registered again.
func (t *Tracker) Retain(keep map[uuid.UUID]bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, i := range t.index {
		t.arena[i].retired.Store(!keep[id])
	}
}

// Slot returns the arena index of a binding
func (t *Tracker) Slot(id uuid.UUID) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.index[id]
	return i, ok
}

// Len returns the number of tracked bindings
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, r := range t.arena {
		if !r.retired.Load() {
			n++
		}
	}
	return n
}

// Admission is a granted request slot on a binding.
type Admission struct {
	BindingID uuid.UUID
	Tokens    int64 // TPM reserved up front
	Tick      uint64
}

// Admit atomically checks and consumes one request on every request window
// plus tokens on TPM. It refuses when any window is exhausted. Request
// windows never pass their limit; TPM can overshoot by at most one call's
// tokens.
func (t *Tracker) Admit(ctx context.Context, id uuid.UUID, tokens int64) (Admission, bool) {
	r := t.lookup(id)
	if r == nil {
		return Admission{}, false
	}
	if tokens < 0 {
		tokens = 0
	}

	now := t.now()
	r.mu.Lock()
	r.doc.Roll(now)
	if exhausted, _ := r.doc.Exhausted(now); exhausted {
		r.mu.Unlock()
		return Admission{}, false
	}
	r.doc.RPM.Used++
	r.doc.RPH.Used++
	r.doc.RPD.Used++
	r.doc.TPM.Used += tokens
	stampExhausted(&r.doc, now)
	r.seq++
	seq, snap := r.seq, r.doc
	tick := t.tick.Add(1)
	r.lastUsed.Store(tick)
	r.mu.Unlock()

	t.persist(ctx, id, seq, snap, now)
	return Admission{BindingID: id, Tokens: tokens, Tick: tick}, true
}

// Release gives back an admission that was never used, e.g. when a
// cluster-wide guard refused it after local admission.
func (t *Tracker) Release(ctx context.Context, a Admission) {
	r := t.lookup(a.BindingID)
	if r == nil {
		return
	}

	now := t.now()
	r.mu.Lock()
	r.doc.Roll(now)
	decrement(&r.doc.RPM, 1)
	decrement(&r.doc.RPH, 1)
	decrement(&r.doc.RPD, 1)
	decrement(&r.doc.TPM, a.Tokens)
	r.lastUsed.CompareAndSwap(a.Tick, a.Tick-1)
	r.seq++
	seq, snap := r.seq, r.doc
	r.mu.Unlock()

	t.persist(ctx, a.BindingID, seq, snap, now)
}

// RecordUsage advances every window by one request and tokens, rolling
// expired windows first, and returns the exhaustion state afterwards.
func (t *Tracker) RecordUsage(ctx context.Context, id uuid.UUID, tokens int64) (bool, models.WindowKind, error) {
	r := t.lookup(id)
	if r == nil {
		return false, "", ErrUnknownBinding
	}
	if tokens < 0 {
		tokens = 0
	}

	now := t.now()
	r.mu.Lock()
	r.doc.Roll(now)
	r.doc.RPM.Used++
	r.doc.RPH.Used++
	r.doc.RPD.Used++
	r.doc.TPM.Used += tokens
	stampExhausted(&r.doc, now)
	exhausted, kind := r.doc.Exhausted(now)
	r.seq++
	seq, snap := r.seq, r.doc
	r.lastUsed.Store(t.tick.Add(1))
	r.mu.Unlock()

	t.persist(ctx, id, seq, snap, now)
	return exhausted, kind, nil
}

// AdjustTokens corrects TPM by delta, typically actual minus the estimate
// reserved at admission. TPM never goes below zero.
func (t *Tracker) AdjustTokens(ctx context.Context, id uuid.UUID, delta int64) error {
	if delta == 0 {
		return nil
	}
	r := t.lookup(id)
	if r == nil {
		return ErrUnknownBinding
	}

	now := t.now()
	r.mu.Lock()
	if r.doc.TPM.Roll(models.WindowTPM, now) && delta < 0 {
		// the reservation belonged to a window that is already gone
		r.mu.Unlock()
		return nil
	}
	if delta > 0 {
		r.doc.TPM.Used += delta
	} else {
		decrement(&r.doc.TPM, -delta)
	}
	stampExhausted(&r.doc, now)
	r.seq++
	seq, snap := r.seq, r.doc
	r.mu.Unlock()

	t.persist(ctx, id, seq, snap, now)
	return nil
}

// IsExhausted reports whether any window of the binding is at or over its
// limit. Untracked bindings are never exhausted.
func (t *Tracker) IsExhausted(id uuid.UUID) bool {
	exhausted, _ := t.ExhaustedWindow(id)
	return exhausted
}

// ExhaustedWindow is IsExhausted that also names the first exhausted window
func (t *Tracker) ExhaustedWindow(id uuid.UUID) (bool, models.WindowKind) {
	r := t.lookup(id)
	if r == nil {
		return false, ""
	}
	now := t.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Exhausted(now)
}

// ExhaustedUntil returns when the binding's exhausted windows reset; zero if
// it is not exhausted.
func (t *Tracker) ExhaustedUntil(id uuid.UUID) time.Time {
	r := t.lookup(id)
	if r == nil {
		return time.Time{}
	}
	now := t.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.ExhaustedUntil(now)
}

// MarkExhaustedNow forces a window to its limit, for when the provider
// reports throttling the local counters did not predict. Windows without a
// limit cannot be exhausted and are left alone.
func (t *Tracker) MarkExhaustedNow(ctx context.Context, id uuid.UUID, kind models.WindowKind) error {
	r := t.lookup(id)
	if r == nil {
		return ErrUnknownBinding
	}
	if !kind.Valid() {
		return errors.New("unknown window kind: " + string(kind))
	}

	now := t.now()
	r.mu.Lock()
	w := r.doc.Window(kind)
	w.Roll(kind, now)
	if w.Limit <= 0 {
		r.mu.Unlock()
		return nil
	}
	if w.Used < w.Limit {
		w.Used = w.Limit
	}
	at := now
	w.ExhaustedAt = &at
	r.seq++
	seq, snap := r.seq, r.doc
	r.mu.Unlock()

	t.persist(ctx, id, seq, snap, now)
	return nil
}

// Snapshot returns a copy of the binding's usage document
func (t *Tracker) Snapshot(id uuid.UUID) (models.UsageDocument, bool) {
	r := t.lookup(id)
	if r == nil {
		return models.UsageDocument{}, false
	}
	now := t.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.Roll(now)
	return r.doc, true
}

// LastUsed returns the tick of the binding's latest use; 0 if never used.
// Ticks only grow, so a smaller value means less recently used.
func (t *Tracker) LastUsed(id uuid.UUID) uint64 {
	r := t.lookup(id)
	if r == nil {
		return 0
	}
	return r.lastUsed.Load()
}

// Flush re-sends the current snapshot of every tracked binding to the persister
func (t *Tracker) Flush(ctx context.Context) {
	t.mu.RLock()
	records := append([]*record(nil), t.arena...)
	t.mu.RUnlock()

	now := t.now()
	for _, r := range records {
		if r.retired.Load() {
			continue
		}
		r.mu.Lock()
		r.seq++
		seq, snap := r.seq, r.doc
		r.mu.Unlock()
		t.persist(ctx, r.id, seq, snap, now)
	}
}

func (t *Tracker) persist(ctx context.Context, id uuid.UUID, seq uint64, doc models.UsageDocument, at time.Time) {
	if t.persister == nil {
		return
	}
	if err := t.persister.PersistUsage(ctx, id, seq, doc, at); err != nil {
		t.logger.Warn("Failed to persist usage", "binding_id", id, "seq", seq, "error", err)
	}
}

// stampExhausted records when a window first reached its limit
func stampExhausted(doc *models.UsageDocument, now time.Time) {
	for _, kind := range models.WindowKinds {
		w := doc.Window(kind)
		if w.ExhaustedAt == nil && w.Exhausted(kind, now) {
			at := now
			w.ExhaustedAt = &at
		}
	}
}

func decrement(w *models.UsageWindow, n int64) {
	w.Used -= n
	if w.Used < 0 {
		w.Used = 0
	}
	if w.Limit <= 0 || w.Used < w.Limit {
		w.ExhaustedAt = nil
	}
}
