package detect

import (
	"strings"
	"testing"
	"time"

	"github.com/poolwarden/poolwarden/internal/models"
)

func utilizationRule() models.HealthRule {
	return models.HealthRule{
		ID:                "utilization-high",
		MetricName:        "utilization",
		WarningThreshold:  0.80,
		CriticalThreshold: 0.90,
		CheckInterval:     30 * time.Second,
		SuggestedActions:  []string{"increase_pool_size"},
	}
}

func TestRuleCriticalBreach(t *testing.T) {
	e := NewRuleEvaluator([]models.HealthRule{utilizationRule()}, nil)

	diags := e.Evaluate(models.PoolTelemetry{Active: 19, Max: 20}, time.Now())
	if len(diags) != 1 {
		t.Fatalf("expected one diagnosis, got %d", len(diags))
	}
	d := diags[0]
	if d.Severity != models.SeverityCritical {
		t.Fatalf("expected critical at 95%% utilization, got %s", d.Severity)
	}
	if d.Confidence != 90 {
		t.Fatalf("expected confidence 90, got %.1f", d.Confidence)
	}
	if !d.RecoveryRecommended {
		t.Fatalf("rule breach must recommend recovery")
	}
	if len(d.RecommendedActions) != 1 || d.RecommendedActions[0] != "increase_pool_size" {
		t.Fatalf("suggested actions not carried: %v", d.RecommendedActions)
	}
}

func TestRuleWarningBreach(t *testing.T) {
	e := NewRuleEvaluator([]models.HealthRule{utilizationRule()}, nil)

	diags := e.Evaluate(models.PoolTelemetry{Active: 17, Max: 20}, time.Now())
	if len(diags) != 1 || diags[0].Severity != models.SeverityWarning {
		t.Fatalf("expected warning at 85%% utilization, got %+v", diags)
	}
	if diags[0].Confidence != 70 {
		t.Fatalf("expected confidence 70, got %.1f", diags[0].Confidence)
	}
}

func TestRuleHealthySilent(t *testing.T) {
	e := NewRuleEvaluator([]models.HealthRule{utilizationRule()}, nil)

	if diags := e.Evaluate(models.PoolTelemetry{Active: 10, Max: 20}, time.Now()); len(diags) != 0 {
		t.Fatalf("expected silence below warning threshold, got %d", len(diags))
	}
}

func TestRuleCheckIntervalScheduling(t *testing.T) {
	e := NewRuleEvaluator([]models.HealthRule{utilizationRule()}, nil)
	sample := models.PoolTelemetry{Active: 19, Max: 20}
	now := time.Now()

	if diags := e.Evaluate(sample, now); len(diags) != 1 {
		t.Fatalf("first evaluation should fire")
	}
	// Within the check interval the rule is not due.
	if diags := e.Evaluate(sample, now.Add(10*time.Second)); len(diags) != 0 {
		t.Fatalf("rule ran again inside its check interval")
	}
	if diags := e.Evaluate(sample, now.Add(31*time.Second)); len(diags) != 1 {
		t.Fatalf("rule did not run after its check interval elapsed")
	}
}

func TestRuleUnknownMetricSurfacesAsCritical(t *testing.T) {
	rule := utilizationRule()
	rule.MetricName = "no_such_metric"
	e := NewRuleEvaluator([]models.HealthRule{rule}, nil)

	diags := e.Evaluate(models.PoolTelemetry{}, time.Now())
	if len(diags) != 1 {
		t.Fatalf("expected failure diagnosis, got %d", len(diags))
	}
	if diags[0].Severity != models.SeverityCritical || diags[0].Confidence != 100 {
		t.Fatalf("failure diagnosis wrong shape: %+v", diags[0])
	}
	if !strings.Contains(diags[0].Explanation, "no_such_metric") {
		t.Fatalf("explanation should name the metric: %q", diags[0].Explanation)
	}
}

func TestMetricValue(t *testing.T) {
	sample := models.PoolTelemetry{Active: 5, Max: 10, Waiting: 3, P95WaitMs: 120}
	if v, ok := MetricValue("utilization", sample); !ok || v != 0.5 {
		t.Fatalf("utilization = %v %v", v, ok)
	}
	if v, ok := MetricValue("waiting", sample); !ok || v != 3 {
		t.Fatalf("waiting = %v %v", v, ok)
	}
	if _, ok := MetricValue("bogus", sample); ok {
		t.Fatalf("bogus metric should not resolve")
	}
}
