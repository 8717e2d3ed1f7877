// Package reconcile runs the periodic maintenance pass over broker state:
// expired exclusions are dropped and unparsable usage documents are reset.
//
// The sweep only relaxes restrictions, so it may run alongside live
// selection traffic and any number of times.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"keybroker/internal/broker"
	"keybroker/internal/metrics"
	"keybroker/internal/models"
	"keybroker/internal/storage"
	"keybroker/internal/utils"
)

// Expirer drops expired exclusions. Implemented by exclusion.Ledger.
type Expirer interface {
	SweepExpired(ctx context.Context) (int, error)
}

// StatsSource reports the state of the credential pool. Implemented by
// broker.Broker.
type StatsSource interface {
	Stats() broker.Stats
}

// Report is the result of one sweep
type Report struct {
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
	ExpiredExclusions int           `json:"expired_exclusions"`
	ScannedUsage      int           `json:"scanned_usage"`
	RepairedUsage     int           `json:"repaired_usage"`
	Stats             *broker.Stats `json:"stats,omitempty"`
}

// Config holds sweeper settings
type Config struct {
	Interval   time.Duration
	RunTimeout time.Duration
}

// Sweeper runs the reconciliation sweep on a fixed interval
type Sweeper struct {
	exclusions Expirer
	bindings   storage.BindingStore
	stats      StatsSource
	config     Config

	runMu       sync.Mutex
	last        *Report
	lastMu      sync.RWMutex
	now         func() time.Time
	logger      *utils.Logger
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewSweeper creates a sweeper. stats may be nil.
func NewSweeper(exclusions Expirer, bindings storage.BindingStore, stats StatsSource, config Config) *Sweeper {
	if config.RunTimeout <= 0 {
		config.RunTimeout = 30 * time.Second
	}
	return &Sweeper{
		exclusions:  exclusions,
		bindings:    bindings,
		stats:       stats,
		config:      config,
		now:         time.Now,
		logger:      utils.NewLogger("sweeper"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// RunOnce performs one sweep. Overlapping calls run one after the other.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	report := Report{StartedAt: s.now()}

	expired, err := s.exclusions.SweepExpired(ctx)
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues("error").Inc()
		return report, fmt.Errorf("failed to expire exclusions: %w", err)
	}
	report.ExpiredExclusions = expired
	metrics.SweepExpiredTotal.Add(float64(expired))

	scanned, repaired, err := s.repairUsage(ctx)
	report.ScannedUsage, report.RepairedUsage = scanned, repaired
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues("error").Inc()
		return report, err
	}

	if s.stats != nil {
		st := s.stats.Stats()
		report.Stats = &st
	}
	report.Duration = s.now().Sub(report.StartedAt)
	metrics.SweepRunsTotal.WithLabelValues("ok").Inc()

	s.lastMu.Lock()
	s.last = &report
	s.lastMu.Unlock()

	s.log(report)
	return report, nil
}

// repairUsage resets every unparsable usage document to zero usage with the
// provider's documented limits. The write only lands if the payload is still
// the corrupt one that was read, so a concurrent valid write is never lost.
func (s *Sweeper) repairUsage(ctx context.Context) (int, int, error) {
	rows, err := s.bindings.ListRawUsage(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to scan usage: %w", err)
	}

	repaired := 0
	for _, row := range rows {
		if _, perr := models.ParseUsageDocument([]byte(row.Raw)); perr == nil {
			continue
		}

		doc := models.NewUsageDocument(models.DefaultLimits(row.Provider, row.ModelName))
		ok, err := s.bindings.RepairUsage(ctx, row.BindingID, row.Raw, doc)
		if err != nil {
			s.logger.Error("Failed to repair usage", "binding_id", row.BindingID, "error", err)
			continue
		}
		if !ok {
			s.logger.Debug("Usage changed before repair, skipping", "binding_id", row.BindingID)
			continue
		}
		repaired++
		metrics.SweepRepairsTotal.Inc()
		s.logger.Warn("Repaired corrupt usage", "binding_id", row.BindingID, "model", row.ModelName)
	}
	return len(rows), repaired, nil
}

func (s *Sweeper) log(r Report) {
	keyvals := []interface{}{
		"expired_exclusions", r.ExpiredExclusions,
		"scanned", r.ScannedUsage,
		"repaired", r.RepairedUsage,
		"duration", r.Duration,
	}
	if r.Stats != nil {
		keyvals = append(keyvals,
			"credentials_active", r.Stats.ActiveCredentials,
			"credentials_inactive", r.Stats.InactiveCredentials,
			"bindings_healthy", r.Stats.HealthyBindings,
			"bindings_exhausted", r.Stats.ExhaustedBindings,
			"bindings_excluded", r.Stats.ExcludedBindings,
			"bindings_disabled", r.Stats.DisabledBindings,
		)
	}
	s.logger.Info("Sweep completed", keyvals...)
}

// LastReport returns the report of the latest successful sweep
func (s *Sweeper) LastReport() (Report, bool) {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

// Start runs one sweep right away and then one per interval
func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop stops the sweeper and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	close(s.stopChan)
	<-s.stoppedChan
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.stoppedChan)

	s.runWithTimeout(ctx)
	if s.config.Interval <= 0 {
		s.logger.Info("Periodic sweep disabled")
		select {
		case <-s.stopChan:
		case <-ctx.Done():
		}
		return
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runWithTimeout(ctx)
		}
	}
}

func (s *Sweeper) runWithTimeout(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, s.config.RunTimeout)
	defer cancel()
	if _, err := s.RunOnce(runCtx); err != nil {
		s.logger.Error("Sweep failed", "error", err)
	}
}
