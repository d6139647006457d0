// Package metrics exposes the kernel's Prometheus instrumentation.
// One Registry per cell; the API server serves it on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the kernel's collectors.
type Metrics struct {
	Registry *prometheus.Registry

	HandshakesStarted   prometheus.Counter
	HandshakesConfirmed prometheus.Counter
	HandshakesFailed    *prometheus.CounterVec

	ObservationsAccepted prometheus.Counter
	ObservationsRejected *prometheus.CounterVec

	BeliefsDerived    prometheus.Counter
	ConflictsDetected *prometheus.CounterVec

	ArbitrationsResolved prometheus.Counter
	ArbitrationsRejected prometheus.Counter

	GateDecisions *prometheus.CounterVec

	ContainmentsApplied  prometheus.Counter
	ContainmentsReverted *prometheus.CounterVec
	TickerSweeps         prometheus.Counter

	ActiveContainments prometheus.Gauge
	AuditRecords       prometheus.Counter
}

// New builds and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		HandshakesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admo_handshakes_started_total",
			Help: "Handshake sessions created.",
		}),
		HandshakesConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admo_handshakes_confirmed_total",
			Help: "Handshake sessions that reached CONFIRMED.",
		}),
		HandshakesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admo_handshakes_failed_total",
			Help: "Handshake sessions that reached a failure state.",
		}, []string{"reason"}),
		ObservationsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admo_observations_accepted_total",
			Help: "Observations committed to the store.",
		}),
		ObservationsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admo_observations_rejected_total",
			Help: "Observations rejected by the ingest pipeline.",
		}, []string{"reason"}),
		BeliefsDerived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admo_beliefs_derived_total",
			Help: "Beliefs produced by the aggregator.",
		}),
		ConflictsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admo_conflicts_detected_total",
			Help: "Belief conflicts that opened arbitrations.",
		}, []string{"conflict_type"}),
		ArbitrationsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admo_arbitrations_resolved_total",
			Help: "Arbitrations resolved with operator approval.",
		}),
		ArbitrationsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admo_arbitrations_rejected_total",
			Help: "Arbitrations rejected by an operator.",
		}),
		GateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admo_gate_decisions_total",
			Help: "Execution safety gate verdicts by decision and rule.",
		}, []string{"decision", "rule_id"}),
		ContainmentsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admo_containments_applied_total",
			Help: "Identity containments applied by the effector.",
		}),
		ContainmentsReverted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admo_containments_reverted_total",
			Help: "Identity containments reverted, by reason.",
		}, []string{"reason"}),
		TickerSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admo_ticker_sweeps_total",
			Help: "TTL ticker sweep cycles.",
		}),
		ActiveContainments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "admo_active_containments",
			Help: "Containment windows currently open.",
		}),
		AuditRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admo_audit_records_total",
			Help: "Audit records appended.",
		}),
	}

	reg.MustRegister(
		m.HandshakesStarted, m.HandshakesConfirmed, m.HandshakesFailed,
		m.ObservationsAccepted, m.ObservationsRejected,
		m.BeliefsDerived, m.ConflictsDetected,
		m.ArbitrationsResolved, m.ArbitrationsRejected,
		m.GateDecisions,
		m.ContainmentsApplied, m.ContainmentsReverted, m.TickerSweeps,
		m.ActiveContainments, m.AuditRecords,
	)
	return m
}
