package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for recovery executions.
const (
	OutcomeSuccess    = "success"
	OutcomeFailed     = "failed"
	OutcomeRolledBack = "rolled_back"
)

// Skip reasons for recovery triggers that never ran.
const (
	SkipCooldown    = "cooldown"
	SkipConcurrency = "concurrency"
)

var (
	diagnosesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poolwarden",
			Name:      "diagnoses_total",
			Help:      "Diagnoses emitted, partitioned by detector source and severity.",
		},
		[]string{"source", "severity"},
	)

	errorEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poolwarden",
			Name:      "error_events_total",
			Help:      "Error events ingested, partitioned by category.",
		},
		[]string{"category"},
	)

	recoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poolwarden",
			Name:      "recoveries_total",
			Help:      "Recovery executions reaching a terminal state, by outcome.",
		},
		[]string{"outcome"},
	)

	recoveriesSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poolwarden",
			Name:      "recoveries_skipped_total",
			Help:      "Recovery triggers rejected before execution, by reason.",
		},
		[]string{"reason"},
	)

	recoveryDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "poolwarden",
			Name:      "recovery_seconds",
			Help:      "Recovery action wall time in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poolwarden",
			Name:      "alerts_total",
			Help:      "Alerts raised, partitioned by level and duplicate flag.",
		},
		[]string{"level", "duplicate"},
	)

	poolUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "poolwarden",
			Name:      "pool_utilization",
			Help:      "Latest observed pool utilization (active/max).",
		},
	)

	breakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poolwarden",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions, by resulting state.",
		},
		[]string{"state"},
	)
)

// Register attaches poolwarden collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		diagnosesTotal,
		errorEventsTotal,
		recoveriesTotal,
		recoveriesSkippedTotal,
		recoveryDurationSeconds,
		alertsTotal,
		poolUtilization,
		breakerTransitionsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveDiagnosis counts one emitted diagnosis.
func ObserveDiagnosis(source, severity string) {
	diagnosesTotal.WithLabelValues(source, severity).Inc()
}

// ObserveErrorEvent counts one ingested error event.
func ObserveErrorEvent(category string) {
	errorEventsTotal.WithLabelValues(category).Inc()
}

// ObserveRecovery records one terminal recovery execution.
func ObserveRecovery(duration time.Duration, outcome string) {
	recoveriesTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	recoveryDurationSeconds.Observe(duration.Seconds())
}

// ObserveRecoverySkipped records a rejected trigger.
func ObserveRecoverySkipped(reason string) {
	recoveriesSkippedTotal.WithLabelValues(reason).Inc()
}

// ObserveAlert counts one raised alert.
func ObserveAlert(level string, duplicate bool) {
	flag := "false"
	if duplicate {
		flag = "true"
	}
	alertsTotal.WithLabelValues(level, flag).Inc()
}

// SetPoolUtilization publishes the latest utilization sample.
func SetPoolUtilization(value float64) {
	poolUtilization.Set(value)
}

// ObserveBreakerTransition counts a breaker state change.
func ObserveBreakerTransition(state string) {
	breakerTransitionsTotal.WithLabelValues(state).Inc()
}
