package auth

import (
	"errors"
	"time"
)

// The error taxonomy callers branch on. Denials carry the metadata the
// caller needs to report remaining time or back off.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrValidation         = errors.New("invalid input")
	ErrPolicyViolation    = errors.New("password policy violation")
	ErrChallengeExpired   = errors.New("mfa challenge expired")
	ErrChallengeExhausted = errors.New("mfa challenge attempts exhausted")
	ErrStoreUnavailable   = errors.New("security store unavailable")
	ErrUserExists         = errors.New("username already taken")
)

type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e ErrRateLimited) Error() string {
	return "rate limit exceeded"
}

type ErrAccountLocked struct {
	Until time.Time
}

func (e ErrAccountLocked) Error() string {
	return "account temporarily locked"
}

type ErrIPBlocked struct {
	Until time.Time
}

func (e ErrIPBlocked) Error() string {
	return "source address blocked"
}
