package blocklist

import (
	"context"
	"fmt"
	"time"

	"authgate/internal/kv"
	"authgate/internal/observability"
)

// Kind selects which escalation applies when an identifier crosses its
// failure threshold.
type Kind string

const (
	KindIP      Kind = "ip"
	KindAccount Kind = "account"
)

// Locker is the account lockout collaborator; the password package owns the
// lockout records, the tracker only decides when to promote.
type Locker interface {
	Lock(ctx context.Context, identifier string, duration time.Duration, reason string) error
}

type TrackerConfig struct {
	Window           time.Duration // rolling failure window
	IPThreshold      int           // failures before auto-block
	AccountThreshold int           // failures before lockout
	BlockDuration    time.Duration
	LockDuration     time.Duration
	MaxLockDuration  time.Duration // backoff cap
}

func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Window:           15 * time.Minute,
		IPThreshold:      10,
		AccountThreshold: 5,
		BlockDuration:    time.Hour,
		LockDuration:     15 * time.Minute,
		MaxLockDuration:  24 * time.Hour,
	}
}

// Tracker counts authentication failures per identifier and scope. Counting
// uses the store's atomic increment so concurrent failures from the same
// source cannot race past the threshold unnoticed.
type Tracker struct {
	store     kv.Store
	blocklist *Blocklist
	locker    Locker
	logger    *observability.Logger
	config    TrackerConfig
}

func NewTracker(store kv.Store, blocklist *Blocklist, locker Locker, logger *observability.Logger, config TrackerConfig) *Tracker {
	if config.Window <= 0 {
		config.Window = 15 * time.Minute
	}
	if config.IPThreshold <= 0 {
		config.IPThreshold = 10
	}
	if config.AccountThreshold <= 0 {
		config.AccountThreshold = 5
	}
	if config.BlockDuration <= 0 {
		config.BlockDuration = time.Hour
	}
	if config.LockDuration <= 0 {
		config.LockDuration = 15 * time.Minute
	}
	if config.MaxLockDuration <= 0 {
		config.MaxLockDuration = 24 * time.Hour
	}

	return &Tracker{
		store:     store,
		blocklist: blocklist,
		locker:    locker,
		logger:    logger,
		config:    config,
	}
}

func failureKey(kind Kind, identifier, scope string) string {
	return fmt.Sprintf("fails:%s:%s:%s", kind, scope, identifier)
}

func strikesKey(kind Kind, identifier string) string {
	return fmt.Sprintf("strikes:%s:%s", kind, identifier)
}

// RecordFailedAttempt increments the failure counter and escalates when the
// threshold is crossed. It returns the count inside the current window.
func (t *Tracker) RecordFailedAttempt(ctx context.Context, kind Kind, identifier, scope string) (int, error) {
	count, err := t.store.Incr(ctx, failureKey(kind, identifier, scope), t.config.Window)
	if err != nil {
		return 0, err
	}

	threshold := t.config.AccountThreshold
	if kind == KindIP {
		threshold = t.config.IPThreshold
	}

	if int(count) >= threshold {
		if err := t.escalate(ctx, kind, identifier, scope); err != nil {
			return int(count), err
		}
	}

	return int(count), nil
}

func (t *Tracker) FailedAttempts(ctx context.Context, kind Kind, identifier, scope string) (int, error) {
	raw, ok, err := t.store.Get(ctx, failureKey(kind, identifier, scope))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}

	var count int
	if _, err := fmt.Sscanf(raw, "%d", &count); err != nil {
		return 0, nil
	}
	return count, nil
}

// ClearFailedAttempts resets the window after a verified success.
func (t *Tracker) ClearFailedAttempts(ctx context.Context, kind Kind, identifier, scope string) error {
	return t.store.Delete(ctx, failureKey(kind, identifier, scope))
}

func (t *Tracker) escalate(ctx context.Context, kind Kind, identifier, scope string) error {
	duration, strikes, err := t.nextDuration(ctx, kind, identifier)
	if err != nil {
		return err
	}

	reason := fmt.Sprintf("failed %s attempts", scope)
	switch kind {
	case KindIP:
		if err := t.blocklist.BlockIP(ctx, identifier, duration, reason); err != nil {
			return err
		}
		t.logger.Warn("ip_auto_blocked", map[string]any{
			"ip":       identifier,
			"scope":    scope,
			"duration": duration.String(),
			"strikes":  strikes,
		})
	case KindAccount:
		if err := t.locker.Lock(ctx, identifier, duration, reason); err != nil {
			return err
		}
		t.logger.Warn("account_locked", map[string]any{
			"identifier": identifier,
			"scope":      scope,
			"duration":   duration.String(),
			"strikes":    strikes,
		})
	}

	// Start a fresh window so the next lockout needs a fresh run of
	// failures rather than one extra attempt.
	return t.store.Delete(ctx, failureKey(kind, identifier, scope))
}

// nextDuration doubles the penalty for each consecutive escalation of the
// same identifier, remembered for the capped duration.
func (t *Tracker) nextDuration(ctx context.Context, kind Kind, identifier string) (time.Duration, int64, error) {
	base := t.config.LockDuration
	if kind == KindIP {
		base = t.config.BlockDuration
	}

	strikes, err := t.store.Incr(ctx, strikesKey(kind, identifier), t.config.MaxLockDuration)
	if err != nil {
		return 0, 0, err
	}

	duration := base
	for i := int64(1); i < strikes; i++ {
		duration *= 2
		if duration >= t.config.MaxLockDuration {
			duration = t.config.MaxLockDuration
			break
		}
	}
	return duration, strikes, nil
}
