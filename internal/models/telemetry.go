package models

import "time"

// PoolTelemetry is an immutable snapshot of pool state taken on each sampling tick.
type PoolTelemetry struct {
	CapturedAt    time.Time `json:"captured_at"`
	Active        int       `json:"active"`
	Max           int       `json:"max"`
	Waiting       int       `json:"waiting"`
	AcquiredTotal int64     `json:"acquired_total"`
	ReleasedTotal int64     `json:"released_total"`
	TimeoutTotal  int64     `json:"timeout_total"`
	ErrorTotal    int64     `json:"error_total"`
	AvgWaitMs     float64   `json:"avg_wait_ms"`
	P95WaitMs     float64   `json:"p95_wait_ms"`
}

// Utilization returns active/max in [0,1]. A zero-capacity pool reports 0.
func (t PoolTelemetry) Utilization() float64 {
	if t.Max <= 0 {
		return 0
	}
	return float64(t.Active) / float64(t.Max)
}
