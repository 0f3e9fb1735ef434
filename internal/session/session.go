package session

import "time"

type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

type LoginMethod string

const (
	MethodPassword    LoginMethod = "password"
	MethodPasswordMFA LoginMethod = "password_mfa"
	MethodBackupCode  LoginMethod = "backup_code"
)

type DeviceInfo struct {
	DeviceID   string `json:"device_id"`
	UserAgent  string `json:"user_agent"`
	IPAddress  string `json:"ip_address"`
	DeviceType string `json:"device_type"`
}

// EventType is the closed set of security events that feed risk scoring.
type EventType string

const (
	EventFailedMFA        EventType = "failed_mfa"
	EventNewLocation      EventType = "new_location"
	EventImpossibleTravel EventType = "impossible_travel"
	EventDeviceChange     EventType = "device_change"
	EventIPChange         EventType = "ip_change"
	EventSuspicious       EventType = "suspicious_activity"
)

type SecurityEvent struct {
	Type      EventType `json:"type"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Session struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Device         DeviceInfo      `json:"device_info"`
	Status         Status          `json:"status"`
	LoginMethod    LoginMethod     `json:"login_method"`
	CreatedAt      time.Time       `json:"created_at"`
	LastSeenAt     time.Time       `json:"last_seen_at"`
	RevokedReason  string          `json:"revoked_reason,omitempty"`
	RiskScore      float64         `json:"risk_score"`
	SecurityEvents []SecurityEvent `json:"security_events,omitempty"`
}
