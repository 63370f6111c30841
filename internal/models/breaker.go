package models

import "time"

// BreakerState enumerates circuit breaker phases.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreakerState is the per-component gate record. One per component,
// mutated only by the orchestrator's breaker registry and its timeout sweep;
// never deleted, only reset to closed.
type CircuitBreakerState struct {
	Component    string       `json:"component"`
	State        BreakerState `json:"state"`
	FailureCount int          `json:"failure_count"`
	OpenedAt     *time.Time   `json:"opened_at,omitempty"`
	RetryAfter   *time.Time   `json:"retry_after,omitempty"`
}
