package models

import "time"

// HealthPattern is a static regex classifier over error text with a
// frequency/window trigger. Loaded from the pattern pack; hot-reloadable.
type HealthPattern struct {
	ID                 string        `json:"id" yaml:"id"`
	Category           string        `json:"category" yaml:"category"`
	Regex              string        `json:"regex" yaml:"regex"`
	Severity           Severity      `json:"severity" yaml:"severity"`
	SuggestedActions   []string      `json:"suggested_actions" yaml:"suggested_actions"`
	FrequencyThreshold int           `json:"frequency_threshold" yaml:"frequency_threshold"`
	Window             time.Duration `json:"window" yaml:"window"`
}

// HealthRule is a static metric-threshold check run against telemetry samples,
// the metric-driven analog of HealthPattern. Loaded from the rule pack;
// hot-reloadable.
type HealthRule struct {
	ID                string             `json:"id" yaml:"id"`
	MetricName        string             `json:"metric_name" yaml:"metric_name"`
	WarningThreshold  float64            `json:"warning_threshold" yaml:"warning_threshold"`
	CriticalThreshold float64            `json:"critical_threshold" yaml:"critical_threshold"`
	CheckInterval     time.Duration      `json:"check_interval" yaml:"check_interval"`
	Strategies        []RecoveryStrategy `json:"strategies" yaml:"strategies"`
	SuggestedActions  []string           `json:"suggested_actions" yaml:"suggested_actions"`
}
