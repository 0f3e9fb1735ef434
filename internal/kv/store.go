package kv

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps any backend failure so callers can decide their own
// fail-open or fail-closed behavior without inspecting driver errors.
var ErrUnavailable = errors.New("ephemeral store unavailable")

// Store is the ephemeral key/value collaborator shared by the rate limiter,
// blocklist, lockout tracker, MFA challenges and session index. Every key
// carries a TTL; Incr must be atomic increment-and-get.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Incr atomically increments the counter at key and returns the new
	// value. The TTL is applied only when the increment creates the key.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, key string) error
	// TTL reports the remaining lifetime of key, or 0 when absent.
	TTL(ctx context.Context, key string) (time.Duration, error)
}
