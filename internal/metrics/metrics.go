// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sleep/wake metrics
	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaia_state_transitions_total",
		Help: "State machine transitions by source and destination state",
	}, []string{"from", "to"})

	currentState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gaia_state",
		Help: "Current state machine state (1 for the active state, 0 otherwise)",
	}, []string{"state"})

	wakeSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaia_wake_signals_total",
		Help: "Wake signals received by source",
	}, []string{"source"})

	// Sleep task metrics
	taskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaia_sleep_task_runs_total",
		Help: "Sleep task executions by task and outcome",
	}, []string{"task", "outcome"}) // outcome=success|failure

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gaia_sleep_task_duration_seconds",
		Help:    "Sleep task execution duration",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
	}, []string{"task"})

	// GPU orchestrator metrics
	handoffs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaia_gpu_handoffs_total",
		Help: "GPU handoffs by type and terminal outcome",
	}, []string{"type", "outcome"}) // outcome=completed|failed

	gpuOwner = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gaia_gpu_owner",
		Help: "Current GPU owner (1 for the holding service, 0 otherwise)",
	}, []string{"owner"})

	// Watchdog metrics
	probes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaia_health_probes_total",
		Help: "Health probes by service and outcome",
	}, []string{"svc", "outcome"}) // outcome=success|failure

	consecutiveFailures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gaia_health_consecutive_failures",
		Help: "Consecutive failed probes per service",
	}, []string{"svc"})

	haStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gaia_ha_status",
		Help: "Computed HA status (1 for the current status, 0 otherwise)",
	}, []string{"status"})

	// HA client metrics
	failoverAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaia_failover_attempts_total",
		Help: "Fallback attempts by outcome",
	}, []string{"outcome"}) // outcome=success|failure|suppressed

	// Timeline metrics
	timelineWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gaia_timeline_write_errors_total",
		Help: "Timeline append failures (swallowed, telemetry-only)",
	})

	// Approval metrics
	approvalsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gaia_approvals_created_total",
		Help: "Pending actions created",
	})

	approvalsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaia_approvals_resolved_total",
		Help: "Pending actions resolved by outcome",
	}, []string{"outcome"}) // outcome=approved|cancelled|expired
)

// RecordTransition counts a state machine transition and flips the state gauge.
func RecordTransition(from, to string) {
	stateTransitions.WithLabelValues(from, to).Inc()
	currentState.WithLabelValues(from).Set(0)
	currentState.WithLabelValues(to).Set(1)
}

// RecordWakeSignal counts a received wake signal.
func RecordWakeSignal(source string) {
	wakeSignals.WithLabelValues(source).Inc()
}

// RecordTaskRun counts a sleep task execution and observes its duration.
func RecordTaskRun(task string, seconds float64, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	taskRuns.WithLabelValues(task, outcome).Inc()
	taskDuration.WithLabelValues(task).Observe(seconds)
}

// RecordHandoff counts a terminal handoff outcome.
func RecordHandoff(handoffType, outcome string) {
	handoffs.WithLabelValues(handoffType, outcome).Inc()
}

// SetGPUOwner flips the owner gauge to the given owner.
func SetGPUOwner(owner string, owners []string) {
	for _, o := range owners {
		v := 0.0
		if o == owner {
			v = 1.0
		}
		gpuOwner.WithLabelValues(o).Set(v)
	}
}

// RecordProbe counts a health probe and updates the failure gauge.
func RecordProbe(svc string, ok bool, failures int) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	probes.WithLabelValues(svc, outcome).Inc()
	consecutiveFailures.WithLabelValues(svc).Set(float64(failures))
}

// SetHAStatus flips the HA status gauge to the given status.
func SetHAStatus(status string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1.0
		}
		haStatus.WithLabelValues(s).Set(v)
	}
}

// RecordFailover counts a fallback attempt outcome.
func RecordFailover(outcome string) {
	failoverAttempts.WithLabelValues(outcome).Inc()
}

// RecordTimelineWriteError counts a swallowed timeline write failure.
func RecordTimelineWriteError() {
	timelineWriteErrors.Inc()
}

// RecordApprovalCreated counts a newly created pending action.
func RecordApprovalCreated() {
	approvalsCreated.Inc()
}

// RecordApprovalResolved counts a resolved pending action.
func RecordApprovalResolved(outcome string) {
	approvalsResolved.WithLabelValues(outcome).Inc()
}
