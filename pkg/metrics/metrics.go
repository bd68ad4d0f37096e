// Package metrics defines the Prometheus collectors for the safety core.
// They are registered by the metrics server at startup and incremented from
// the owning packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// GateDecisionsTotal counts gate checks by action type and outcome
	// (allowed, or the deny reason).
	GateDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoguard_gate_decisions_total",
			Help: "Total gate authorization checks by action type and outcome",
		},
		[]string{"action_type", "outcome"},
	)

	// ActionsRecordedTotal counts recorded action attempts.
	ActionsRecordedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoguard_actions_recorded_total",
			Help: "Total recorded action attempts by action type and status",
		},
		[]string{"action_type", "status"},
	)

	// ThrottleActionsTotal counts health-driven state transitions.
	ThrottleActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoguard_throttle_actions_total",
			Help: "Total throttle/suspend/escalate/unthrottle transitions",
		},
		[]string{"action"},
	)

	// PhaseAdvancesTotal counts warm-up phase promotions.
	PhaseAdvancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoguard_phase_advances_total",
			Help: "Total warm-up phase advancements by resulting phase",
		},
		[]string{"phase"},
	)

	// SessionPoolSize is the number of live automation sessions.
	SessionPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "autoguard_session_pool_size",
			Help: "Current number of live automation sessions",
		},
	)

	// SessionAcquisitionsTotal counts pool acquisitions by result
	// (hit, miss, evicted).
	SessionAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoguard_session_acquisitions_total",
			Help: "Total session acquisitions by result",
		},
		[]string{"result"},
	)

	// SessionEvictionsTotal counts evictions by cause (lru, idle, shutdown).
	SessionEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoguard_session_evictions_total",
			Help: "Total session evictions by cause",
		},
		[]string{"cause"},
	)

	// HealthSweepDuration observes full health sweep durations.
	HealthSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autoguard_health_sweep_duration_seconds",
			Help:    "Duration of full health recomputation sweeps",
			Buckets: prometheus.DefBuckets,
		},
	)

	// TasksScheduledTotal counts tasks returned by the scheduler.
	TasksScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoguard_tasks_scheduled_total",
			Help: "Total engagement tasks handed to executors by type",
		},
		[]string{"task_type"},
	)
)

// Collectors returns every collector for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		GateDecisionsTotal,
		ActionsRecordedTotal,
		ThrottleActionsTotal,
		PhaseAdvancesTotal,
		SessionPoolSize,
		SessionAcquisitionsTotal,
		SessionEvictionsTotal,
		HealthSweepDuration,
		TasksScheduledTotal,
	}
}
