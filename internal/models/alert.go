package models

import "time"

// AlertLevel is the operator-facing level derived from diagnosis severity.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertError    AlertLevel = "error"
	AlertCritical AlertLevel = "critical"
)

// Alert is an operator-facing notification derived from a high-confidence
// diagnosis. Mutated only to set ResolvedAt.
type Alert struct {
	ID            string     `json:"id"`
	Level         AlertLevel `json:"level"`
	Title         string     `json:"title"`
	Message       string     `json:"message"`
	Component     string     `json:"component"`
	Category      string     `json:"category"`
	Severity      Severity   `json:"severity"`
	CreatedAt     time.Time  `json:"created_at"`
	DiagnosisID   string     `json:"diagnosis_id"`
	IsDuplicate   bool       `json:"is_duplicate"`
	ParentAlertID string     `json:"parent_alert_id,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy    string     `json:"resolved_by,omitempty"`
}

// Resolved reports whether the alert has been closed.
func (a Alert) Resolved() bool { return a.ResolvedAt != nil }

// AlertPayload is the notification shape delivered to the host's notifier.
type AlertPayload struct {
	AlertID   string           `json:"alert_id"`
	Level     AlertLevel       `json:"level"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Component string           `json:"component"`
	CreatedAt time.Time        `json:"created_at"`
	Diagnosis PayloadDiagnosis `json:"diagnosis"`
}

// PayloadDiagnosis is the diagnosis summary embedded in an alert payload.
type PayloadDiagnosis struct {
	Category           string   `json:"category"`
	Severity           Severity `json:"severity"`
	Confidence         float64  `json:"confidence"`
	RootCause          string   `json:"root_cause"`
	RecommendedActions []string `json:"recommended_actions"`
}
