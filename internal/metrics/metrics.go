package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "keybroker"
	subsystem = "broker"
)

// Broker metrics
var (
	// Selections by result: selected | no_candidate
	SelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "selections_total",
			Help:      "Total candidate selections",
		},
		[]string{"provider", "result"},
	)

	// Outcomes reported by callers
	OutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outcomes_total",
			Help:      "Total call outcomes reported to the broker",
		},
		[]string{"provider", "outcome"},
	)

	// Tokens recorded against bindings
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tokens_total",
			Help:      "Total tokens recorded against model bindings",
		},
		[]string{"provider", "model"},
	)

	// Exclusions by reason
	ExclusionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "exclusions_total",
			Help:      "Total bindings taken out of rotation",
		},
		[]string{"reason"},
	)

	// Cooldown length distribution
	ExclusionCooldown = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "exclusion_cooldown_seconds",
			Help:      "Cooldown applied when excluding a binding",
			Buckets:   []float64{5, 15, 60, 120, 300, 600, 1800, 3600},
		},
	)

	CredentialDeactivationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "credential_deactivations_total",
			Help:      "Total credentials deactivated after the provider rejected them",
		},
	)

	// Current binding health, refreshed by the reconciliation sweep
	BindingsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bindings",
			Help:      "Model bindings by state",
		},
		[]string{"state"},
	)

	CredentialsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "credentials",
			Help:      "Credentials by state",
		},
		[]string{"state"},
	)

	// Sweep runs and what they changed
	SweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Total reconciliation sweeps",
		},
		[]string{"status"},
	)

	SweepRepairsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "usage_repairs_total",
			Help:      "Total corrupt usage documents rewritten",
		},
	)

	SweepExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "expired_exclusions_total",
			Help:      "Total exclusions expired by the sweep",
		},
	)

	// Usage persistence
	UsageWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage_writer",
			Name:      "snapshots_total",
			Help:      "Usage snapshots handled by the writer",
		},
		[]string{"result"},
	)

	UsageQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "usage_writer",
			Name:      "queue_length",
			Help:      "Usage snapshots waiting to be written",
		},
	)

	AuditDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "dropped_events_total",
			Help:      "Journal events dropped because the buffer was full",
		},
	)
)

// ObserveSelection records a selection attempt
func ObserveSelection(provider string, found bool) {
	result := "selected"
	if !found {
		result = "no_candidate"
	}
	SelectionsTotal.WithLabelValues(provider, result).Inc()
}

// SetBindingStates replaces the binding gauges
func SetBindingStates(healthy, exhausted, excluded, disabled int) {
	BindingsByState.WithLabelValues("healthy").Set(float64(healthy))
	BindingsByState.WithLabelValues("exhausted").Set(float64(exhausted))
	BindingsByState.WithLabelValues("excluded").Set(float64(excluded))
	BindingsByState.WithLabelValues("disabled").Set(float64(disabled))
}

// SetCredentialStates replaces the credential gauges
func SetCredentialStates(active, inactive int) {
	CredentialsByState.WithLabelValues("active").Set(float64(active))
	CredentialsByState.WithLabelValues("inactive").Set(float64(inactive))
}
