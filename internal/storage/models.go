package storage

import (
	"context"
	"time"
)

// SecurityEvent is one audit record: a rejected run, a killed run, or a detection
// in code or output. Program output itself is never stored.
type SecurityEvent struct {
	ID          string    `json:"id" db:"id"`
	ExecutionID string    `json:"execution_id" db:"execution_id"`
	Type        string    `json:"type" db:"type"`
	Severity    string    `json:"severity" db:"severity"`
	Detail      string    `json:"detail" db:"detail"`
	CodeHash    string    `json:"code_hash" db:"code_hash"`
	RequestID   string    `json:"request_id,omitempty" db:"request_id"`
	RequestIP   string    `json:"request_ip,omitempty" db:"request_ip"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// EventFilter provides criteria for querying security events.
type EventFilter struct {
	Type        string
	ExecutionID string
	Since       *time.Time
	Limit       int
	Offset      int
}

// Store persists security events.
type Store interface {
	LogSecurityEvent(ctx context.Context, event *SecurityEvent) error
	ListSecurityEvents(ctx context.Context, filter EventFilter) ([]SecurityEvent, error)
	Healthy(ctx context.Context) bool
	Close() error
}

// NormalizeLimit clamps a list limit to 1..1000, defaulting to 100.
func NormalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
