package audit

import "time"

// Category groups event types for storage and anomaly queries.
type Category string

const (
	CategoryAuthentication    Category = "authentication"
	CategoryPermission        Category = "permission"
	CategorySecurityViolation Category = "security_violation"
)

type EventType string

const (
	EventLoginSuccess     EventType = "login_success"
	EventLoginFailure     EventType = "login_failure"
	EventLogout           EventType = "logout"
	EventMFAChallenge     EventType = "mfa_challenge"
	EventMFASuccess       EventType = "mfa_success"
	EventMFAFailure       EventType = "mfa_failure"
	EventSessionRevoked   EventType = "session_revoked"
	EventPermissionGrant  EventType = "permission_granted"
	EventPermissionDenied EventType = "permission_denied"
	EventRateLimited      EventType = "rate_limit_exceeded"
	EventIPBlocked        EventType = "ip_blocked"
	EventAccountLocked    EventType = "account_locked"
	EventStoreFailure     EventType = "store_failure"
)

type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is the append-only audit record. Field names are stable; SIEM
// pipelines ingest these shapes directly.
type Event struct {
	ID        string            `json:"id"`
	Category  Category          `json:"category"`
	EventType EventType         `json:"event_type"`
	Subject   string            `json:"subject,omitempty"` // user id, empty when unauthenticated
	IPAddress string            `json:"ip_address"`
	UserAgent string            `json:"user_agent,omitempty"`
	Result    Result            `json:"result"`
	Severity  Severity          `json:"severity"`
	Timestamp time.Time         `json:"timestamp"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// AnomalyType names a detected pattern.
type AnomalyType string

const (
	AnomalyBruteForceUser AnomalyType = "brute_force_user"
	AnomalyBruteForceIP   AnomalyType = "brute_force_ip"
	AnomalySuspiciousIP   AnomalyType = "suspicious_pattern_ip"
)

// Anomaly is a descriptor handed to external alerting. Detection never
// blocks anything itself; enforcement stays with the failure tracker.
type Anomaly struct {
	Type    AnomalyType `json:"type"`
	Subject string      `json:"subject"`
	Count   int         `json:"count"`
	Window  string      `json:"window"`
}
