// Package broker picks the credential and model binding that serves the
// next inference call, and takes the outcome of that call back.
//
// Selection never performs I/O with a provider. The caller makes the call
// and reports the outcome; retrying on another candidate is the caller's
// loop (see Execute), never an internal retry.
package broker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"keybroker/internal/catalog"
	"keybroker/internal/exclusion"
	"keybroker/internal/metrics"
	"keybroker/internal/models"
	"keybroker/internal/ratelimit"
	"keybroker/internal/usage"
	"keybroker/internal/utils"
)

// Config holds selection settings
type Config struct {
	MaxAttempts     int
	ScopeOrder      Scope
	EstimatedTokens int64
}

// DefaultConfig returns the default selection settings
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		ScopeOrder:  ScopeTenantFirst,
	}
}

// Candidate is a selected credential and binding. Its request slot is
// already counted against the binding's windows.
type Candidate struct {
	Credential *models.Credential
	Binding    *models.ModelBinding
	Secret     string

	admission usage.Admission
}

// Provider returns the candidate's provider
func (c *Candidate) Provider() models.ProviderType {
	return c.Credential.Provider
}

// ReservedTokens returns the TPM reserved at selection
func (c *Candidate) ReservedTokens() int64 {
	return c.admission.Tokens
}

// Broker is the selector.
type Broker struct {
	catalog *catalog.Catalog
	tracker *usage.Tracker
	ledger  *exclusion.Ledger
	guard   ratelimit.Limiter
	config  Config
	logger  *utils.Logger
}

// Option configures a Broker
type Option func(*Broker)

// WithClusterGuard makes admission also pass a limiter shared by every
// broker replica, keyed by binding and bounded by the binding's RPM.
func WithClusterGuard(l ratelimit.Limiter) Option {
	return func(b *Broker) { b.guard = l }
}

// New creates a broker
func New(cat *catalog.Catalog, tracker *usage.Tracker, ledger *exclusion.Ledger, config Config, opts ...Option) *Broker {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.ScopeOrder == "" {
		config.ScopeOrder = ScopeAny
	}
	b := &Broker{
		catalog: cat,
		tracker: tracker,
		ledger:  ledger,
		config:  config,
		logger:  utils.NewLogger("broker"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Reload refreshes the catalog, registers its bindings with the usage
// tracker and merges exclusions recorded by other replicas.
func (b *Broker) Reload(ctx context.Context) error {
	snap, err := b.catalog.Reload(ctx)
	if err != nil {
		return err
	}

	keep := make(map[uuid.UUID]bool, len(snap.Entries))
	for _, e := range snap.Entries {
		b.tracker.Register(e.Binding, e.Credential.Provider)
		keep[e.Binding.ID] = true
	}
	b.tracker.Retain(keep)

	if _, err := b.ledger.Load(ctx); err != nil {
		return fmt.Errorf("failed to load exclusions: %w", err)
	}
	b.Stats()
	return nil
}

type ranked struct {
	entry    catalog.Entry
	scope    int
	lastUsed uint64
}

// SelectCandidate returns the best viable candidate for req and admits one
// request on it. Candidates are ordered by scope, credential priority and
// binding priority; ties go to the least recently used binding.
func (b *Broker) SelectCandidate(ctx context.Context, req Requirement) (*Candidate, error) {
	scope := req.Scope
	if scope == "" {
		scope = b.config.ScopeOrder
	}
	tokens := req.EstimatedTokens
	if tokens <= 0 {
		tokens = b.config.EstimatedTokens
	}

	skip := make(map[uuid.UUID]bool, len(req.Exclude))
	for _, id := range req.Exclude {
		skip[id] = true
	}

	snap := b.catalog.Snapshot()
	matched := 0
	var pool []ranked
	for _, e := range snap.Entries {
		if !e.Usable() || !req.matches(e) {
			continue
		}
		rank, ok := scope.rank(e.Credential, req.TenantID)
		if !ok {
			continue
		}
		matched++
		id := e.Binding.ID
		if skip[id] || b.ledger.IsExcluded(id) || b.tracker.IsExhausted(id) {
			continue
		}
		pool = append(pool, ranked{entry: e, scope: rank, lastUsed: b.tracker.LastUsed(id)})
	}

	sort.Slice(pool, func(i, j int) bool {
		a, c := pool[i], pool[j]
		if a.scope != c.scope {
			return a.scope < c.scope
		}
		if a.entry.Credential.Priority != c.entry.Credential.Priority {
			return a.entry.Credential.Priority < c.entry.Credential.Priority
		}
		if a.entry.Binding.Priority != c.entry.Binding.Priority {
			return a.entry.Binding.Priority < c.entry.Binding.Priority
		}
		if a.lastUsed != c.lastUsed {
			return a.lastUsed < c.lastUsed
		}
		return a.entry.Binding.ID.String() < c.entry.Binding.ID.String()
	})

	for _, r := range pool {
		if c := b.admit(ctx, r.entry, tokens); c != nil {
			metrics.ObserveSelection(string(c.Provider()), true)
			b.logger.Debug("Candidate selected",
				"binding_id", c.Binding.ID, "credential_id", c.Credential.ID, "model", c.Binding.ModelName)
			return c, nil
		}
	}

	metrics.ObserveSelection(string(req.Provider), false)
	b.logger.Warn("No viable candidate", "requirement", req.String(), "matched", matched)
	return nil, &NotFoundError{Requirement: req, Matched: matched}
}

// admit takes a request slot on the entry, or returns nil when the binding
// filled up since it was ranked or the cluster guard refuses it.
func (b *Broker) admit(ctx context.Context, e catalog.Entry, tokens int64) *Candidate {
	id := e.Binding.ID
	a, ok := b.tracker.Admit(ctx, id, tokens)
	if !ok {
		return nil
	}

	if b.guard != nil {
		if doc, tracked := b.tracker.Snapshot(id); tracked && doc.RPM.Limit > 0 {
			allowed, err := b.guard.Allow(ctx, "binding:"+id.String()+":rpm", int(doc.RPM.Limit), time.Minute)
			if err != nil {
				b.logger.Warn("Cluster guard unavailable, admitting locally", "binding_id", id, "error", err)
			} else if !allowed {
				b.tracker.Release(ctx, a)
				return nil
			}
		}
	}

	secret, err := b.catalog.Secret(e.Credential)
	if err != nil {
		b.logger.Error("Skipping credential with unreadable secret", "credential_id", e.Credential.ID, "error", err)
		b.tracker.Release(ctx, a)
		return nil
	}

	return &Candidate{
		Credential: e.Credential,
		Binding:    e.Binding,
		Secret:     secret,
		admission:  a,
	}
}

// RecordUsage advances every window of a binding by one request and tokens,
// for consumption that did not go through SelectCandidate.
func (b *Broker) RecordUsage(ctx context.Context, bindingID uuid.UUID, tokens int64) (bool, error) {
	exhausted, _, err := b.tracker.RecordUsage(ctx, bindingID, tokens)
	return exhausted, err
}

// Exclude takes a binding out of rotation for at least cooldown.
func (b *Broker) Exclude(ctx context.Context, bindingID uuid.UUID, reason models.ExclusionReason, cooldown time.Duration) models.ExclusionEntry {
	return b.ledger.Exclude(ctx, bindingID, reason, cooldown)
}

// IsExhausted reports whether any window of the binding is at its limit
func (b *Broker) IsExhausted(bindingID uuid.UUID) bool {
	return b.tracker.IsExhausted(bindingID)
}

// IsExcluded reports whether the binding is currently excluded
func (b *Broker) IsExcluded(bindingID uuid.UUID) bool {
	return b.ledger.IsExcluded(bindingID)
}

// Remaining returns what is left in each limited window of a binding.
// Unlimited windows are omitted.
func (b *Broker) Remaining(bindingID uuid.UUID) map[models.WindowKind]int64 {
	doc, ok := b.tracker.Snapshot(bindingID)
	if !ok {
		return nil
	}
	now := b.tracker.Now()
	out := make(map[models.WindowKind]int64, len(models.WindowKinds))
	for _, kind := range models.WindowKinds {
		w := doc.Window(kind)
		if w.Limit <= 0 {
			continue
		}
		if w.Expired(kind, now) {
			out[kind] = w.Limit
			continue
		}
		out[kind] = w.Remaining()
	}
	return out
}
