package detect

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/poolwarden/poolwarden/internal/models"
)

// RuleComponent is the component rule and anomaly diagnoses are attributed to.
const RuleComponent = "connection-pool"

// MetricFunc computes one named metric from a telemetry snapshot.
type MetricFunc func(t models.PoolTelemetry) float64

// metricFuncs is the static registry of rule metrics. Registered once; rules
// referencing an unknown metric surface as a critical diagnosis, not a crash.
var metricFuncs = map[string]MetricFunc{
	"utilization":    func(t models.PoolTelemetry) float64 { return t.Utilization() },
	"active":         func(t models.PoolTelemetry) float64 { return float64(t.Active) },
	"waiting":        func(t models.PoolTelemetry) float64 { return float64(t.Waiting) },
	"acquired_total": func(t models.PoolTelemetry) float64 { return float64(t.AcquiredTotal) },
	"timeout_total":  func(t models.PoolTelemetry) float64 { return float64(t.TimeoutTotal) },
	"error_total":    func(t models.PoolTelemetry) float64 { return float64(t.ErrorTotal) },
	"avg_wait_ms":    func(t models.PoolTelemetry) float64 { return t.AvgWaitMs },
	"p95_wait_ms":    func(t models.PoolTelemetry) float64 { return t.P95WaitMs },
}

// MetricValue evaluates a registered metric against a snapshot.
func MetricValue(name string, t models.PoolTelemetry) (float64, bool) {
	fn, ok := metricFuncs[name]
	if !ok {
		return 0, false
	}
	return fn(t), true
}

// RuleEvaluator evaluates static health rules against the latest telemetry.
// Each rule runs on its own check interval, independent of the sweep cadence.
type RuleEvaluator struct {
	logger *slog.Logger

	mu      sync.Mutex
	rules   []models.HealthRule
	lastRun map[string]time.Time
}

// NewRuleEvaluator constructs an evaluator over the supplied rules.
func NewRuleEvaluator(rules []models.HealthRule, logger *slog.Logger) *RuleEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	e := &RuleEvaluator{logger: logger, lastRun: make(map[string]time.Time)}
	e.Reload(rules)
	return e
}

// Reload swaps the rule set. Scheduling state of surviving rules is kept so a
// reload does not cause an immediate re-fire of everything.
func (e *RuleEvaluator) Reload(rules []models.HealthRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append([]models.HealthRule(nil), rules...)
	live := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		live[r.ID] = struct{}{}
	}
	for id := range e.lastRun {
		if _, ok := live[id]; !ok {
			delete(e.lastRun, id)
		}
	}
}

// Evaluate runs every due rule against the snapshot. One failing rule never
// blocks its siblings; its failure is returned as a critical diagnosis so it
// stays operator-visible.
func (e *RuleEvaluator) Evaluate(t models.PoolTelemetry, now time.Time) []models.Diagnosis {
	e.mu.Lock()
	rules := append([]models.HealthRule(nil), e.rules...)
	due := make([]models.HealthRule, 0, len(rules))
	for _, rule := range rules {
		if last, ok := e.lastRun[rule.ID]; ok && now.Sub(last) < rule.CheckInterval {
			continue
		}
		e.lastRun[rule.ID] = now
		due = append(due, rule)
	}
	e.mu.Unlock()

	var diagnoses []models.Diagnosis
	for _, rule := range due {
		if d := e.evaluateRule(rule, t, now); d != nil {
			diagnoses = append(diagnoses, *d)
		}
	}
	return diagnoses
}

func (e *RuleEvaluator) evaluateRule(rule models.HealthRule, t models.PoolTelemetry, now time.Time) (diag *models.Diagnosis) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("health rule evaluation panicked",
				slog.String("rule", rule.ID), slog.Any("panic", r))
			diag = e.failureDiagnosis(rule, now, fmt.Sprintf("panic: %v", r))
		}
	}()

	value, ok := MetricValue(rule.MetricName, t)
	if !ok {
		return e.failureDiagnosis(rule, now, fmt.Sprintf("unknown metric %q", rule.MetricName))
	}

	var severity models.Severity
	var threshold float64
	switch {
	case value >= rule.CriticalThreshold:
		severity, threshold = models.SeverityCritical, rule.CriticalThreshold
	case value >= rule.WarningThreshold:
		severity, threshold = models.SeverityWarning, rule.WarningThreshold
	default:
		return nil
	}

	confidence := 70.0
	if severity == models.SeverityCritical {
		confidence = 90.0
	}

	return &models.Diagnosis{
		ID:                 uuid.NewString(),
		Timestamp:          now,
		Source:             models.SourceRule,
		Category:           models.CategoryResource,
		Severity:           severity,
		MatchedID:          rule.ID,
		EvidenceCount:      1,
		AffectedComponents: []string{RuleComponent},
		Explanation: fmt.Sprintf("%s=%.3f breached %s threshold %.3f",
			rule.MetricName, value, severity, threshold),
		RecommendedActions:  append([]string(nil), rule.SuggestedActions...),
		Confidence:          confidence,
		RecoveryRecommended: true,
	}
}

// failureDiagnosis keeps an internal evaluation failure visible as a critical
// finding instead of crashing the sweep.
func (e *RuleEvaluator) failureDiagnosis(rule models.HealthRule, now time.Time, cause string) *models.Diagnosis {
	return &models.Diagnosis{
		ID:                 uuid.NewString(),
		Timestamp:          now,
		Source:             models.SourceRule,
		Category:           models.CategoryUnknown,
		Severity:           models.SeverityCritical,
		MatchedID:          rule.ID,
		EvidenceCount:      1,
		AffectedComponents: []string{RuleComponent},
		Explanation:        fmt.Sprintf("health rule %s failed to evaluate: %s", rule.ID, cause),
		Confidence:         100,
	}
}
