package models

import "time"

// ErrorEvent records one free-text error observation from the host. Immutable once
// created. Metadata is an audit-boundary bag; nothing internal reads it.
type ErrorEvent struct {
	ID         string            `json:"id"`
	OccurredAt time.Time         `json:"occurred_at"`
	Component  string            `json:"component"`
	Message    string            `json:"message"`
	Category   string            `json:"category"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Well-known error categories inferred from message keywords when the host does
// not supply one.
const (
	CategoryConnection = "connection"
	CategoryTimeout    = "timeout"
	CategoryResource   = "resource"
	CategoryQuery      = "query"
	CategoryUnknown    = "unknown"
)
