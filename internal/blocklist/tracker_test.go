package blocklist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"authgate/internal/kv"
	"authgate/internal/observability"
)

type recordedLock struct {
	identifier string
	duration   time.Duration
	reason     string
}

type fakeLocker struct {
	locks []recordedLock
}

func (f *fakeLocker) Lock(_ context.Context, identifier string, duration time.Duration, reason string) error {
	f.locks = append(f.locks, recordedLock{identifier: identifier, duration: duration, reason: reason})
	return nil
}

func newTestTracker(store kv.Store, locker Locker) *Tracker {
	return NewTracker(store, NewBlocklist(store), locker, observability.NewLogger(), TrackerConfig{
		Window:           15 * time.Minute,
		IPThreshold:      10,
		AccountThreshold: 5,
		BlockDuration:    time.Hour,
		LockDuration:     15 * time.Minute,
		MaxLockDuration:  24 * time.Hour,
	})
}

func TestIPEscalatesAtThreshold(t *testing.T) {
	store := kv.NewMemory()
	tracker := newTestTracker(store, &fakeLocker{})
	ctx := context.Background()

	bl := NewBlocklist(store)
	for i := 1; i < 10; i++ {
		count, err := tracker.RecordFailedAttempt(ctx, KindIP, "203.0.113.7", "login")
		require.NoError(t, err)
		require.Equal(t, i, count)

		blocked, _, err := bl.IsBlocked(ctx, "203.0.113.7")
		require.NoError(t, err)
		require.False(t, blocked, "must not block below threshold")
	}

	count, err := tracker.RecordFailedAttempt(ctx, KindIP, "203.0.113.7", "login")
	require.NoError(t, err)
	require.Equal(t, 10, count)

	blocked, info, err := bl.IsBlocked(ctx, "203.0.113.7")
	require.NoError(t, err)
	require.True(t, blocked)
	require.Equal(t, "failed login attempts", info.Reason)

	// Escalation resets the window.
	remaining, err := tracker.FailedAttempts(ctx, KindIP, "203.0.113.7", "login")
	require.NoError(t, err)
	require.Zero(t, remaining)
}

func TestAccountEscalationUsesLocker(t *testing.T) {
	store := kv.NewMemory()
	locker := &fakeLocker{}
	tracker := newTestTracker(store, locker)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := tracker.RecordFailedAttempt(ctx, KindAccount, "alice", "login")
		require.NoError(t, err)
	}

	require.Len(t, locker.locks, 1)
	require.Equal(t, "alice", locker.locks[0].identifier)
	require.Equal(t, 15*time.Minute, locker.locks[0].duration)

	// No IP block was placed for an account escalation.
	blocked, _, err := NewBlocklist(store).IsBlocked(ctx, "alice")
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestRepeatedEscalationsDouble(t *testing.T) {
	store := kv.NewMemory()
	locker := &fakeLocker{}
	tracker := newTestTracker(store, locker)
	ctx := context.Background()

	// Three consecutive lockouts: 15m, 30m, 1h.
	for round := 0; round < 3; round++ {
		for i := 0; i < 5; i++ {
			_, err := tracker.RecordFailedAttempt(ctx, KindAccount, "alice", "login")
			require.NoError(t, err)
		}
	}

	require.Len(t, locker.locks, 3)
	require.Equal(t, 15*time.Minute, locker.locks[0].duration)
	require.Equal(t, 30*time.Minute, locker.locks[1].duration)
	require.Equal(t, time.Hour, locker.locks[2].duration)
}

func TestEscalationDurationIsCapped(t *testing.T) {
	store := kv.NewMemory()
	locker := &fakeLocker{}
	tracker := newTestTracker(store, locker)
	ctx := context.Background()

	for round := 0; round < 10; round++ {
		for i := 0; i < 5; i++ {
			_, err := tracker.RecordFailedAttempt(ctx, KindAccount, "alice", "login")
			require.NoError(t, err)
		}
	}

	last := locker.locks[len(locker.locks)-1]
	require.Equal(t, 24*time.Hour, last.duration)
}

func TestClearFailedAttempts(t *testing.T) {
	store := kv.NewMemory()
	tracker := newTestTracker(store, &fakeLocker{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := tracker.RecordFailedAttempt(ctx, KindAccount, "alice", "login")
		require.NoError(t, err)
	}
	require.NoError(t, tracker.ClearFailedAttempts(ctx, KindAccount, "alice", "login"))

	count, err := tracker.FailedAttempts(ctx, KindAccount, "alice", "login")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestWindowExpiryResetsCount(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := kv.NewMemory().WithClock(func() time.Time { return now })
	tracker := newTestTracker(store, &fakeLocker{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := tracker.RecordFailedAttempt(ctx, KindAccount, "alice", "login")
		require.NoError(t, err)
	}

	now = now.Add(16 * time.Minute)
	count, err := tracker.RecordFailedAttempt(ctx, KindAccount, "alice", "login")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
