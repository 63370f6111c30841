package models

import "time"

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// DiagnosisSource enumerates the detector that produced a diagnosis.
type DiagnosisSource string

const (
	SourcePattern DiagnosisSource = "pattern"
	SourceRule    DiagnosisSource = "rule"
	SourceAnomaly DiagnosisSource = "anomaly"
)

// Diagnosis is one structured finding from a detector. Immutable; fans out to at
// most one Alert and zero or more RecoveryExecutions.
type Diagnosis struct {
	ID                  string          `json:"id"`
	Timestamp           time.Time       `json:"timestamp"`
	Source              DiagnosisSource `json:"source"`
	Category            string          `json:"category"`
	Severity            Severity        `json:"severity"`
	MatchedID           string          `json:"matched_id"`
	EvidenceCount       int             `json:"evidence_count"`
	AffectedComponents  []string        `json:"affected_components"`
	Explanation         string          `json:"explanation"`
	RecommendedActions  []string        `json:"recommended_actions"`
	Confidence          float64         `json:"confidence"`
	RecoveryRecommended bool            `json:"recovery_recommended"`
}
