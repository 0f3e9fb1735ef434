package auth

import (
	"time"

	"authgate/internal/mfa"
	"authgate/internal/password"
	"authgate/internal/ratelimit"
	"authgate/internal/session"
)

type User struct {
	ID           string
	Username     string
	Email        string
	Phone        string
	FirstName    string
	LastName     string
	PasswordHash string
	MFAEnabled   bool
	MFAMethod    mfa.ProviderType
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Credentials is the inbound authentication attempt.
type Credentials struct {
	Username string
	Password string
	Device   session.DeviceInfo
}

// Tokens is the issued access token bound to a session.
type Tokens struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	SessionID   string `json:"session_id"`
}

// AuthResult is returned from Authenticate and VerifyMFA. Exactly one of
// Session or Challenge is populated on success.
type AuthResult struct {
	OK          bool             `json:"ok"`
	MFARequired bool             `json:"mfa_required"`
	Challenge   *mfa.Result      `json:"challenge,omitempty"`
	Session     *session.Session `json:"session,omitempty"`
	Tokens      *Tokens          `json:"tokens,omitempty"`
}

// RequestContext identifies the caller of a rate-limited operation.
type RequestContext struct {
	UserID    string
	Role      ratelimit.Role
	IPAddress string
	UserAgent string
}

// SecurityStatus is the caller-facing security summary for one user.
type SecurityStatus struct {
	Locked         bool                    `json:"locked"`
	Lockout        *password.LockoutRecord `json:"lockout,omitempty"`
	RiskScore      float64                 `json:"risk_score"`
	ActiveSessions int                     `json:"active_sessions"`
}
