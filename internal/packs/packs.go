package packs

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/poolwarden/poolwarden/internal/models"
)

// Pack bundles the static health configuration: regex patterns over error text,
// metric threshold rules, and the recovery actions they map to. Packs are
// hot-reloadable; the engine swaps a validated pack in atomically.
type Pack struct {
	Patterns []models.HealthPattern     `yaml:"patterns"`
	Rules    []models.HealthRule        `yaml:"rules"`
	Actions  []models.RecoveryActionDef `yaml:"actions"`
}

// Load reads a pack from the provided path. A missing file falls back to the
// built-in default pack so the engine is useful out of the box.
func Load(path string) (*Pack, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read pack: %w", err)
	}
	var pack Pack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("parse pack: %w", err)
	}
	if err := pack.Validate(); err != nil {
		return nil, err
	}
	return &pack, nil
}

// Validate normalises defaults and rejects entries the engine cannot run.
func (p *Pack) Validate() error {
	for i := range p.Patterns {
		pat := &p.Patterns[i]
		if pat.ID == "" {
			return fmt.Errorf("pattern %d: missing id", i)
		}
		if _, err := regexp.Compile("(?i)" + pat.Regex); err != nil {
			return fmt.Errorf("pattern %s: bad regex: %w", pat.ID, err)
		}
		if pat.FrequencyThreshold <= 0 {
			pat.FrequencyThreshold = 5
		}
		if pat.Window <= 0 {
			pat.Window = 10 * time.Minute
		}
		if pat.Severity == "" {
			pat.Severity = models.SeverityMedium
		}
		if pat.Category == "" {
			pat.Category = models.CategoryUnknown
		}
	}
	for i := range p.Rules {
		rule := &p.Rules[i]
		if rule.ID == "" {
			return fmt.Errorf("rule %d: missing id", i)
		}
		if rule.MetricName == "" {
			return fmt.Errorf("rule %s: missing metric_name", rule.ID)
		}
		if rule.CriticalThreshold < rule.WarningThreshold {
			return fmt.Errorf("rule %s: critical threshold below warning threshold", rule.ID)
		}
		if rule.CheckInterval <= 0 {
			rule.CheckInterval = 30 * time.Second
		}
	}
	for i := range p.Actions {
		action := &p.Actions[i]
		if action.ID == "" {
			return fmt.Errorf("action %d: missing id", i)
		}
		if action.Executor == "" {
			return fmt.Errorf("action %s: missing executor", action.ID)
		}
		if action.Strategy == "" {
			action.Strategy = models.StrategyImmediate
		}
		if action.MaxAttempts <= 0 {
			action.MaxAttempts = 1
		}
		if action.Timeout <= 0 {
			action.Timeout = 30 * time.Second
		}
	}
	return nil
}

// Default returns the built-in pack covering the common degradation modes of a
// connection pool.
func Default() *Pack {
	pack := &Pack{
		Patterns: []models.HealthPattern{
			{
				ID:                 "pool-exhausted",
				Category:           models.CategoryResource,
				Regex:              `connection pool (exhausted|depleted)|too many connections`,
				Severity:           models.SeverityCritical,
				SuggestedActions:   []string{"increase_pool_size", "recycle_idle_connections"},
				FrequencyThreshold: 5,
				Window:             10 * time.Minute,
			},
			{
				ID:                 "connection-refused",
				Category:           models.CategoryConnection,
				Regex:              `connection (refused|reset)|broken pipe|no route to host`,
				Severity:           models.SeverityHigh,
				SuggestedActions:   []string{"open_circuit_breaker"},
				FrequencyThreshold: 5,
				Window:             5 * time.Minute,
			},
			{
				ID:                 "acquire-timeout",
				Category:           models.CategoryTimeout,
				Regex:              `timed? ?out (acquiring|waiting for) (a )?connection|acquire timeout`,
				Severity:           models.SeverityHigh,
				SuggestedActions:   []string{"increase_pool_size", "throttle_acquires"},
				FrequencyThreshold: 3,
				Window:             5 * time.Minute,
			},
			{
				ID:                 "slow-query",
				Category:           models.CategoryQuery,
				Regex:              `slow query|statement timeout|lock wait timeout`,
				Severity:           models.SeverityMedium,
				SuggestedActions:   []string{"recycle_idle_connections"},
				FrequencyThreshold: 10,
				Window:             15 * time.Minute,
			},
		},
		Rules: []models.HealthRule{
			{
				ID:                "utilization-high",
				MetricName:        "utilization",
				WarningThreshold:  0.80,
				CriticalThreshold: 0.90,
				CheckInterval:     30 * time.Second,
				Strategies:        []models.RecoveryStrategy{models.StrategyImmediate},
				SuggestedActions:  []string{"increase_pool_size", "recycle_idle_connections"},
			},
			{
				ID:                "waiters-piling",
				MetricName:        "waiting",
				WarningThreshold:  5,
				CriticalThreshold: 20,
				CheckInterval:     30 * time.Second,
				Strategies:        []models.RecoveryStrategy{models.StrategyThrottle},
				SuggestedActions:  []string{"throttle_acquires"},
			},
			{
				ID:                "wait-time-degraded",
				MetricName:        "p95_wait_ms",
				WarningThreshold:  250,
				CriticalThreshold: 1000,
				CheckInterval:     time.Minute,
				Strategies:        []models.RecoveryStrategy{models.StrategyGradual},
				SuggestedActions:  []string{"increase_pool_size"},
			},
			{
				ID:                "timeouts-climbing",
				MetricName:        "timeout_total",
				WarningThreshold:  10,
				CriticalThreshold: 50,
				CheckInterval:     time.Minute,
				Strategies:        []models.RecoveryStrategy{models.StrategyCircuitBreaker},
				SuggestedActions:  []string{"open_circuit_breaker"},
			},
		},
		Actions: []models.RecoveryActionDef{
			{
				ID:          "increase_pool_size",
				RuleID:      "utilization-high",
				Strategy:    models.StrategyImmediate,
				Parameters:  map[string]interface{}{"increment": 5, "max_size": 50},
				Executor:    "pool.increase_size",
				MaxAttempts: 1,
				Timeout:     30 * time.Second,
			},
			{
				ID:               "recycle_idle_connections",
				RuleID:           "utilization-high",
				Strategy:         models.StrategyGradual,
				Parameters:       map[string]interface{}{"batch": 2},
				Executor:         "pool.recycle_idle",
				RollbackExecutor: "pool.restore_size",
				MaxAttempts:      1,
				Timeout:          time.Minute,
			},
			{
				ID:          "throttle_acquires",
				RuleID:      "waiters-piling",
				Strategy:    models.StrategyThrottle,
				Parameters:  map[string]interface{}{"rate_per_sec": 50},
				Executor:    "pool.throttle",
				MaxAttempts: 1,
				Timeout:     15 * time.Second,
			},
			{
				ID:          "open_circuit_breaker",
				RuleID:      "timeouts-climbing",
				Strategy:    models.StrategyCircuitBreaker,
				Parameters:  map[string]interface{}{"timeout_sec": 60},
				Executor:    "breaker.open",
				MaxAttempts: 1,
				Timeout:     5 * time.Second,
			},
			{
				ID:          "failover_pool",
				RuleID:      "timeouts-climbing",
				Strategy:    models.StrategyFailover,
				Executor:    "pool.failover",
				MaxAttempts: 1,
				Timeout:     2 * time.Minute,
			},
		},
	}
	// Default() output must always pass its own validation.
	if err := pack.Validate(); err != nil {
		panic(err)
	}
	return pack
}
