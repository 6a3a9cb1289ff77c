// Package metrics exposes Prometheus collectors for audits and remediation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Audit lifecycle
	AuditsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostaudit_audits_total",
			Help: "Total number of audit runs by outcome",
		},
		[]string{"outcome"}, // success, soft_success, failed
	)

	AuditDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hostaudit_audit_duration_seconds",
			Help:    "Wall time of a single host audit",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)

	FindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostaudit_findings_total",
			Help: "Findings recorded by status",
		},
		[]string{"status"},
	)

	ParseFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostaudit_parse_failures_total",
			Help: "Result payloads that could not be repaired",
		},
		[]string{"source"}, // artifact, sentinel
	)

	RepairPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostaudit_repair_passes_total",
			Help: "Repair passes that changed a payload",
		},
		[]string{"pass"},
	)

	// Remediation
	RemediationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostaudit_remediations_total",
			Help: "Per-identifier remediation outcomes by final state",
		},
		[]string{"state"},
	)

	RemediationDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hostaudit_remediation_duration_seconds",
			Help:    "Wall time of one remediation call",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	// Regression
	RegressionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hostaudit_regressions_total",
			Help: "Identifiers that moved from compliant to non-compliant",
		},
	)

	HostsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hostaudit_hosts_in_flight",
			Help: "Hosts currently being audited or remediated",
		},
	)
)

// RecordAudit records one finished audit.
func RecordAudit(outcome string, duration time.Duration) {
	AuditsTotal.WithLabelValues(outcome).Inc()
	AuditDurationSeconds.Observe(duration.Seconds())
}

// RecordFinding counts one finding by status.
func RecordFinding(status string) {
	FindingsTotal.WithLabelValues(status).Inc()
}

// RecordParseFailure counts a payload that stayed undecodable after repair.
func RecordParseFailure(source string) {
	ParseFailuresTotal.WithLabelValues(source).Inc()
}

// RecordRepairPass counts a repair pass that altered its input.
func RecordRepairPass(name string) {
	RepairPassesTotal.WithLabelValues(name).Inc()
}

// RecordRemediation counts one identifier's final state.
func RecordRemediation(state string) {
	RemediationsTotal.WithLabelValues(state).Inc()
}

// ObserveRemediation records the duration of a remediation call.
func ObserveRemediation(duration time.Duration) {
	RemediationDurationSeconds.Observe(duration.Seconds())
}

// RecordRegressions adds n regressing identifiers.
func RecordRegressions(n int) {
	if n > 0 {
		RegressionsTotal.Add(float64(n))
	}
}

// TrackHost increments the in-flight gauge and returns a func that
// decrements it.
func TrackHost() func() {
	HostsInFlight.Inc()
	return HostsInFlight.Dec
}
