package password

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"authgate/internal/blocklist"
	"authgate/internal/kv"
)

// LockReason records why an identifier was locked out.
type LockReason string

const (
	ReasonFailedAttempts LockReason = "failed_attempts"
	ReasonManual         LockReason = "manual"
	ReasonSuspicious     LockReason = "suspicious"
)

// LockoutRecord is the stored lockout state for one identifier. The key TTL
// enforces expiry; LockedUntil is carried for caller-facing metadata.
type LockoutRecord struct {
	Identifier     string     `json:"identifier"`
	FailedCount    int        `json:"failed_count"`
	FirstFailureAt time.Time  `json:"first_failure_at"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	Reason         LockReason `json:"reason"`
}

const loginScope = "login"

// Lockouts owns account lockout state and the login-attempt bookkeeping
// around it. The failure counting itself is delegated to the tracker so the
// same atomic-increment path serves accounts and IPs.
type Lockouts struct {
	store   kv.Store
	tracker *blocklist.Tracker
	now     func() time.Time
}

func NewLockouts(store kv.Store) *Lockouts {
	return &Lockouts{store: store, now: time.Now}
}

// AttachTracker closes the construction loop: the tracker needs a Locker
// and the lockouts need the tracker's counters.
func (l *Lockouts) AttachTracker(tracker *blocklist.Tracker) {
	l.tracker = tracker
}

func lockoutKey(identifier string) string {
	return "lockout:acct:" + identifier
}

// Lock promotes an identifier to locked for the given duration. Implements
// the tracker's Locker contract.
func (l *Lockouts) Lock(ctx context.Context, identifier string, duration time.Duration, reason string) error {
	return l.lock(ctx, identifier, duration, LockReason(normalizeReason(reason)))
}

// LockManual is the administrative path; it bypasses the failure counters.
func (l *Lockouts) LockManual(ctx context.Context, identifier string, duration time.Duration) error {
	return l.lock(ctx, identifier, duration, ReasonManual)
}

func (l *Lockouts) lock(ctx context.Context, identifier string, duration time.Duration, reason LockReason) error {
	if duration <= 0 {
		return fmt.Errorf("lock duration must be positive")
	}

	now := l.now().UTC()
	until := now.Add(duration)

	failedCount := 0
	firstFailure := now
	if l.tracker != nil {
		if count, err := l.tracker.FailedAttempts(ctx, blocklist.KindAccount, identifier, loginScope); err == nil {
			failedCount = count
		}
	}

	record := LockoutRecord{
		Identifier:     identifier,
		FailedCount:    failedCount,
		FirstFailureAt: firstFailure,
		LockedUntil:    &until,
		Reason:         reason,
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode lockout record: %w", err)
	}

	return l.store.Set(ctx, lockoutKey(identifier), string(encoded), duration)
}

// IsLocked reports whether the identifier is currently locked. Expiry is
// lazy: once the key TTL elapses the lock is simply gone.
func (l *Lockouts) IsLocked(ctx context.Context, identifier string) (bool, *LockoutRecord, error) {
	raw, ok, err := l.store.Get(ctx, lockoutKey(identifier))
	if err != nil {
		return false, nil, err
	}
	if !ok {
		return false, nil, nil
	}

	var record LockoutRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return true, &LockoutRecord{Identifier: identifier, Reason: ReasonFailedAttempts}, nil
	}
	return true, &record, nil
}

func (l *Lockouts) Unlock(ctx context.Context, identifier string) error {
	return l.store.Delete(ctx, lockoutKey(identifier))
}

// RecordLogin feeds one authentication outcome into the failure counters.
// A success resets the account and source counters to zero; an existing
// lock is untouched and keeps blocking until it expires on its own.
func (l *Lockouts) RecordLogin(ctx context.Context, identifier, ip string, success bool) error {
	if l.tracker == nil {
		return fmt.Errorf("lockouts: no tracker attached")
	}

	if success {
		if err := l.tracker.ClearFailedAttempts(ctx, blocklist.KindAccount, identifier, loginScope); err != nil {
			return err
		}
		if ip == "" {
			return nil
		}
		return l.tracker.ClearFailedAttempts(ctx, blocklist.KindIP, ip, loginScope)
	}

	if _, err := l.tracker.RecordFailedAttempt(ctx, blocklist.KindAccount, identifier, loginScope); err != nil {
		return err
	}
	if ip == "" {
		return nil
	}
	_, err := l.tracker.RecordFailedAttempt(ctx, blocklist.KindIP, ip, loginScope)
	return err
}

func normalizeReason(reason string) string {
	switch LockReason(reason) {
	case ReasonManual, ReasonSuspicious:
		return reason
	default:
		return string(ReasonFailedAttempts)
	}
}
