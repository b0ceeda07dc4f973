package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Reconciliation metrics
	ReconcileCycles   *prometheus.CounterVec
	ReconcileOutcomes *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram

	// Gateway call metrics
	GatewayCalls        *prometheus.CounterVec
	GatewayCallDuration *prometheus.HistogramVec
	GatewayDiscoveries  *prometheus.CounterVec

	// Mapping metrics
	OwnedMappings prometheus.Gauge
	DesiredRules  prometheus.Gauge
	Renewals      prometheus.Counter

	// Config metrics
	ConfigReloads *prometheus.CounterVec

	// Git sync metrics
	GitSyncs             *prometheus.CounterVec
	GitSyncDuration      prometheus.Histogram
	GitSyncLastTimestamp prometheus.Gauge
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		ReconcileCycles: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portkeep_reconcile_cycles_total",
				Help: "Total number of reconciliation cycles by result",
			},
			[]string{"result"}, // success, unreachable
		),

		ReconcileOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portkeep_reconcile_outcomes_total",
				Help: "Total per-rule reconciliation outcomes",
			},
			[]string{"outcome"}, // asserted, removed, unchanged, conflict, failed
		),

		ReconcileDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "portkeep_reconcile_duration_seconds",
				Help:    "Duration of reconciliation cycles",
				Buckets: prometheus.DefBuckets,
			},
		),

		GatewayCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portkeep_gateway_calls_total",
				Help: "Total gateway calls by operation and status",
			},
			[]string{"op", "status"},
		),

		GatewayCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "portkeep_gateway_call_duration_seconds",
				Help:    "Duration of gateway calls by operation",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"op"},
		),

		GatewayDiscoveries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portkeep_gateway_discoveries_total",
				Help: "Total gateway discovery attempts by result",
			},
			[]string{"result"}, // success, failed
		),

		OwnedMappings: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "portkeep_owned_mappings",
				Help: "Number of gateway mappings currently owned by this daemon",
			},
		),

		DesiredRules: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "portkeep_desired_rules",
				Help: "Number of rules in the desired set",
			},
		),

		Renewals: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "portkeep_renewals_total",
				Help: "Total number of lease renewals",
			},
		),

		ConfigReloads: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portkeep_config_reloads_total",
				Help: "Total configuration reloads by status",
			},
			[]string{"status"}, // success, failed
		),

		GitSyncs: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portkeep_git_syncs_total",
				Help: "Total number of git sync operations by status",
			},
			[]string{"status"}, // success, failed
		),

		GitSyncDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "portkeep_git_sync_duration_seconds",
				Help:    "Duration of git sync operations",
				Buckets: prometheus.DefBuckets,
			},
		),

		GitSyncLastTimestamp: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "portkeep_git_sync_last_timestamp",
				Help: "Timestamp of the last successful git sync",
			},
		),
	}

	return m
}

// RecordReconcile records one reconciliation cycle
func (m *Metrics) RecordReconcile(result string, duration float64) {
	if m == nil {
		return
	}
	m.ReconcileCycles.WithLabelValues(result).Inc()
	m.ReconcileDuration.Observe(duration)
}

// RecordOutcome records one per-rule reconciliation outcome
func (m *Metrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ReconcileOutcomes.WithLabelValues(outcome).Inc()
}

// RecordGatewayCall records one gateway call
func (m *Metrics) RecordGatewayCall(op, status string, duration float64) {
	if m == nil {
		return
	}
	m.GatewayCalls.WithLabelValues(op, status).Inc()
	m.GatewayCallDuration.WithLabelValues(op).Observe(duration)
}

// RecordDiscovery records a gateway discovery attempt
func (m *Metrics) RecordDiscovery(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failed"
	}
	m.GatewayDiscoveries.WithLabelValues(result).Inc()
}

// RecordRenewal records a lease renewal
func (m *Metrics) RecordRenewal() {
	if m == nil {
		return
	}
	m.Renewals.Inc()
}

// RecordConfigReload records a configuration reload
func (m *Metrics) RecordConfigReload(success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	m.ConfigReloads.WithLabelValues(status).Inc()
}

// RecordGitSync records a git sync operation
func (m *Metrics) RecordGitSync(success bool, duration float64) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	m.GitSyncs.WithLabelValues(status).Inc()
	m.GitSyncDuration.Observe(duration)

	if success {
		m.GitSyncLastTimestamp.SetToCurrentTime()
	}
}

// UpdateMappingMetrics updates the mapping and rule gauges
func (m *Metrics) UpdateMappingMetrics(owned, desired int) {
	if m == nil {
		return
	}
	m.OwnedMappings.Set(float64(owned))
	m.DesiredRules.Set(float64(desired))
}
