package packs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/poolwarden/poolwarden/internal/models"
)

func TestDefaultPackValidates(t *testing.T) {
	pack := Default()
	if len(pack.Patterns) == 0 || len(pack.Rules) == 0 || len(pack.Actions) == 0 {
		t.Fatalf("default pack incomplete: %d patterns %d rules %d actions",
			len(pack.Patterns), len(pack.Rules), len(pack.Actions))
	}
	// Every suggested action must resolve inside the pack.
	actions := make(map[string]struct{}, len(pack.Actions))
	for _, a := range pack.Actions {
		actions[a.ID] = struct{}{}
	}
	for _, p := range pack.Patterns {
		for _, id := range p.SuggestedActions {
			if _, ok := actions[id]; !ok {
				t.Fatalf("pattern %s suggests unknown action %s", p.ID, id)
			}
		}
	}
	for _, r := range pack.Rules {
		for _, id := range r.SuggestedActions {
			if _, ok := actions[id]; !ok {
				t.Fatalf("rule %s suggests unknown action %s", r.ID, id)
			}
		}
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	pack, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("expected default fallback, got %v", err)
	}
	if len(pack.Patterns) == 0 {
		t.Fatalf("fallback pack is empty")
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pack.yaml")
	doc := `patterns:
  - id: deadlock
    category: query
    regex: "deadlock detected"
    severity: high
    suggested_actions: ["recycle"]
rules:
  - id: waiters
    metric_name: waiting
    warning_threshold: 5
    critical_threshold: 20
actions:
  - id: recycle
    strategy: gradual
    executor: pool.recycle_idle
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write pack: %v", err)
	}

	pack, err := Load(path)
	if err != nil {
		t.Fatalf("load pack: %v", err)
	}
	if len(pack.Patterns) != 1 || len(pack.Rules) != 1 || len(pack.Actions) != 1 {
		t.Fatalf("unexpected pack shape: %+v", pack)
	}

	// Defaults are normalised in.
	if pack.Patterns[0].FrequencyThreshold != 5 || pack.Patterns[0].Window != 10*time.Minute {
		t.Fatalf("pattern defaults not applied: %+v", pack.Patterns[0])
	}
	if pack.Rules[0].CheckInterval != 30*time.Second {
		t.Fatalf("rule default interval not applied: %+v", pack.Rules[0])
	}
	if pack.Actions[0].MaxAttempts != 1 || pack.Actions[0].Timeout != 30*time.Second {
		t.Fatalf("action defaults not applied: %+v", pack.Actions[0])
	}
}

func TestValidateRejectsBadRegex(t *testing.T) {
	pack := &Pack{Patterns: []models.HealthPattern{{ID: "broken", Regex: "("}}}
	if err := pack.Validate(); err == nil {
		t.Fatalf("expected invalid regex to fail validation")
	}
}

func TestValidateRejectsInvertedThresholds(t *testing.T) {
	pack := &Pack{Rules: []models.HealthRule{{
		ID:                "inverted",
		MetricName:        "waiting",
		WarningThreshold:  20,
		CriticalThreshold: 5,
	}}}
	if err := pack.Validate(); err == nil {
		t.Fatalf("expected inverted thresholds to fail validation")
	}
}

func TestValidateRejectsActionWithoutExecutor(t *testing.T) {
	pack := &Pack{Actions: []models.RecoveryActionDef{{ID: "dangling"}}}
	if err := pack.Validate(); err == nil {
		t.Fatalf("expected missing executor to fail validation")
	}
}
