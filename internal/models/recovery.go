package models

import "time"

// RecoveryStrategy tags how an action approaches remediation.
type RecoveryStrategy string

const (
	StrategyImmediate      RecoveryStrategy = "immediate"
	StrategyGradual        RecoveryStrategy = "gradual"
	StrategyRollback       RecoveryStrategy = "rollback"
	StrategyFailover       RecoveryStrategy = "failover"
	StrategyCircuitBreaker RecoveryStrategy = "circuit_breaker"
	StrategyThrottle       RecoveryStrategy = "throttle"
)

// RecoveryActionDef is a named, parameterized, timeout-bounded operation mapped to
// a rule+strategy pair. Executor names resolve through the orchestrator's static
// registry at startup.
type RecoveryActionDef struct {
	ID               string                 `json:"id" yaml:"id"`
	RuleID           string                 `json:"rule_id" yaml:"rule_id"`
	Strategy         RecoveryStrategy       `json:"strategy" yaml:"strategy"`
	Parameters       map[string]interface{} `json:"parameters" yaml:"parameters"`
	Executor         string                 `json:"executor" yaml:"executor"`
	RollbackExecutor string                 `json:"rollback_executor,omitempty" yaml:"rollback_executor"`
	MaxAttempts      int                    `json:"max_attempts" yaml:"max_attempts"`
	Timeout          time.Duration          `json:"timeout" yaml:"timeout"`
}

// ExecutionState is the lifecycle state of a RecoveryExecution.
type ExecutionState string

const (
	ExecutionPending    ExecutionState = "pending"
	ExecutionInProgress ExecutionState = "in_progress"
	ExecutionCompleted  ExecutionState = "completed"
	ExecutionFailed     ExecutionState = "failed"
	ExecutionRolledBack ExecutionState = "rolled_back"
)

// Terminal reports whether the state admits no further transitions other than
// the rollback annotation.
func (s ExecutionState) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionRolledBack
}

// RecoveryExecution is the audit record of one attempt to run a recovery action.
// Created pending, mutated through the orchestrator state machine; terminal
// states are immutable.
type RecoveryExecution struct {
	ID               string         `json:"id"`
	ActionID         string         `json:"action_id"`
	TriggeredBy      string         `json:"triggered_by"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	State            ExecutionState `json:"state"`
	Attempts         int            `json:"attempts"`
	Success          *bool          `json:"success,omitempty"`
	Error            string         `json:"error,omitempty"`
	RollbackExecuted bool           `json:"rollback_executed"`
}
