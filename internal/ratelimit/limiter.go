package ratelimit

import (
	"context"
	"fmt"
	"time"

	"authgate/internal/kv"
	"authgate/internal/observability"
)

// SubjectType distinguishes the two kinds of rate-limit subjects.
type SubjectType string

const (
	SubjectUser SubjectType = "user"
	SubjectIP   SubjectType = "ip"
)

// Key identifies one counted stream of requests.
type Key struct {
	SubjectType SubjectType
	SubjectID   string
	Scope       string
}

func (k Key) bucket(index int64) string {
	return fmt.Sprintf("rl:%s:%s:%s:%d", k.SubjectType, k.SubjectID, k.Scope, index)
}

// Decision is returned from every check, limited or not.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
	ResetAt    time.Time     `json:"reset_at"`
}

// Limiter approximates a sliding window with two fixed buckets: the count
// from the previous window is weighted by how little of the current window
// has elapsed. Memory per key is O(1) and the error is bounded by the
// previous bucket's count, so a burst can at worst double across a window
// boundary but the current window is never under-counted.
type Limiter struct {
	store    kv.Store
	logger   *observability.Logger
	failOpen bool
	now      func() time.Time
}

func NewLimiter(store kv.Store, logger *observability.Logger, failOpen bool) *Limiter {
	return &Limiter{
		store:    store,
		logger:   logger,
		failOpen: failOpen,
		now:      time.Now,
	}
}

// WithClock replaces the time source for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Check counts this request against the key and reports whether it exceeded
// limit within window. The counter is incremented even when the request is
// rejected, so a flooding client keeps pushing its own reset time out.
func (l *Limiter) Check(ctx context.Context, key Key, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 || window <= 0 {
		return Decision{Allowed: true, Remaining: 1}, nil
	}

	now := l.now().UTC()
	windowIndex := now.UnixNano() / int64(window)
	elapsed := float64(now.UnixNano()%int64(window)) / float64(window)
	windowStart := time.Unix(0, windowIndex*int64(window)).UTC()

	// Buckets live for two windows so the previous bucket is still
	// readable for the whole of the current window.
	current, err := l.store.Incr(ctx, key.bucket(windowIndex), 2*window)
	if err != nil {
		return l.storeFailure(key, window, err)
	}

	var previous int64
	if raw, ok, err := l.store.Get(ctx, key.bucket(windowIndex-1)); err != nil {
		return l.storeFailure(key, window, err)
	} else if ok {
		previous = parseCount(raw)
	}

	effective := float64(current) + float64(previous)*(1-elapsed)
	resetAt := windowStart.Add(window)

	if effective > float64(limit) {
		retryAfter := resetAt.Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: retryAfter,
			ResetAt:    resetAt,
		}, nil
	}

	remaining := limit - int(effective)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Remaining: remaining, ResetAt: resetAt}, nil
}

// Clear forcibly resets both buckets for the key.
func (l *Limiter) Clear(ctx context.Context, key Key, window time.Duration) error {
	if window <= 0 {
		return nil
	}
	windowIndex := l.now().UTC().UnixNano() / int64(window)
	if err := l.store.Delete(ctx, key.bucket(windowIndex)); err != nil {
		return err
	}
	return l.store.Delete(ctx, key.bucket(windowIndex-1))
}

func (l *Limiter) storeFailure(key Key, window time.Duration, err error) (Decision, error) {
	l.logger.Warn("rate_limit_store_unavailable", map[string]any{
		"scope":     key.Scope,
		"subject":   string(key.SubjectType),
		"fail_open": l.failOpen,
		"error":     err.Error(),
	})

	if l.failOpen {
		return Decision{Allowed: true, Remaining: 1}, nil
	}

	retryAfter := window
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}, err
}

func parseCount(raw string) int64 {
	var count int64
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0
		}
		count = count*10 + int64(r-'0')
	}
	return count
}
