// Package secevent implements the security event pipeline: a typed event
// taxonomy, structured log emission, durable indexing, and severity-gated
// alert dispatch.
package secevent

import (
	"time"
)

// EventType is the closed set of security event kinds. The logging and alert
// boundary handles every member exhaustively; new kinds are added here, not
// as free-form strings.
type EventType string

const (
	// EventLoginAttempt records a credential check, successful or not.
	EventLoginAttempt EventType = "login_attempt"
	// EventBruteForce records a login-attempt counter crossing its threshold.
	EventBruteForce EventType = "brute_force"
	// EventRateLimit records an admission rejection by the rate limiter.
	EventRateLimit EventType = "rate_limit"
	// EventAPIKeyInvalid records an unknown or revoked API key.
	EventAPIKeyInvalid EventType = "api_key_invalid"
	// EventTwoFactorFail records a failed one-time-code verification.
	EventTwoFactorFail EventType = "two_factor_fail"
	// EventUnauthorizedAccess records a request rejected by authorization.
	EventUnauthorizedAccess EventType = "unauthorized_access"
	// EventSuspiciousIP records a reputation or geolocation anomaly.
	EventSuspiciousIP EventType = "suspicious_ip"
)

// Valid reports whether t is a member of the closed taxonomy.
func (t EventType) Valid() bool {
	switch t {
	case EventLoginAttempt, EventBruteForce, EventRateLimit, EventAPIKeyInvalid,
		EventTwoFactorFail, EventUnauthorizedAccess, EventSuspiciousIP:
		return true
	}
	return false
}

// Severity orders events by operational urgency.
type Severity string

const (
	// SeverityInfo events are logged and indexed but never alerted.
	SeverityInfo Severity = "info"
	// SeverityWarning events trigger alert dispatch.
	SeverityWarning Severity = "warning"
	// SeverityCritical events trigger alert dispatch.
	SeverityCritical Severity = "critical"
)

// Alertable reports whether events at this severity fan out to alert
// channels.
func (s Severity) Alertable() bool {
	return s == SeverityWarning || s == SeverityCritical
}

// Event is one immutable, append-only security event.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"event_type"`
	Details   map[string]any `json:"details"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserID    int64          `json:"user_id,omitempty"`
	Severity  Severity       `json:"severity"`
}

// PartitionKey returns the rolling monthly identifier the event indexes
// under, e.g. "security-logs-2026-03".
func (e Event) PartitionKey() string {
	return "security-logs-" + e.Timestamp.UTC().Format("2006-01")
}
