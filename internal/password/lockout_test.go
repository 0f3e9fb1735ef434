package password

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"authgate/internal/blocklist"
	"authgate/internal/kv"
	"authgate/internal/observability"
)

func newLockoutFixture(t *testing.T, now *time.Time) (*Lockouts, *blocklist.Blocklist, kv.Store) {
	t.Helper()

	store := kv.NewMemory().WithClock(func() time.Time { return *now })
	lockouts := NewLockouts(store)
	lockouts.now = func() time.Time { return *now }

	bl := blocklist.NewBlocklist(store)
	tracker := blocklist.NewTracker(store, bl, lockouts, observability.NewLogger(), blocklist.TrackerConfig{
		Window:           15 * time.Minute,
		IPThreshold:      10,
		AccountThreshold: 5,
		BlockDuration:    time.Hour,
		LockDuration:     15 * time.Minute,
		MaxLockDuration:  24 * time.Hour,
	})
	lockouts.AttachTracker(tracker)
	return lockouts, bl, store
}

func TestFailuresLockTheAccount(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lockouts, _, _ := newLockoutFixture(t, &now)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, lockouts.RecordLogin(ctx, "alice", "203.0.113.7", false))
		locked, _, err := lockouts.IsLocked(ctx, "alice")
		require.NoError(t, err)
		require.False(t, locked, "attempt %d must not lock", i+1)
	}

	require.NoError(t, lockouts.RecordLogin(ctx, "alice", "203.0.113.7", false))

	locked, record, err := lockouts.IsLocked(ctx, "alice")
	require.NoError(t, err)
	require.True(t, locked)
	require.Equal(t, ReasonFailedAttempts, record.Reason)
	require.NotNil(t, record.LockedUntil)
	require.Equal(t, now.Add(15*time.Minute), *record.LockedUntil)
}

func TestLockExpiresOnItsOwn(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lockouts, _, _ := newLockoutFixture(t, &now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, lockouts.RecordLogin(ctx, "alice", "", false))
	}

	locked, _, err := lockouts.IsLocked(ctx, "alice")
	require.NoError(t, err)
	require.True(t, locked)

	// A success while locked does not lift the lock.
	require.NoError(t, lockouts.RecordLogin(ctx, "alice", "", true))
	locked, _, err = lockouts.IsLocked(ctx, "alice")
	require.NoError(t, err)
	require.True(t, locked)

	now = now.Add(16 * time.Minute)
	locked, _, err = lockouts.IsLocked(ctx, "alice")
	require.NoError(t, err)
	require.False(t, locked)
}

func TestSuccessResetsCounters(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lockouts, _, _ := newLockoutFixture(t, &now)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, lockouts.RecordLogin(ctx, "alice", "203.0.113.7", false))
	}
	require.NoError(t, lockouts.RecordLogin(ctx, "alice", "203.0.113.7", true))

	// The slate is clean: four more failures stay under the threshold.
	for i := 0; i < 4; i++ {
		require.NoError(t, lockouts.RecordLogin(ctx, "alice", "203.0.113.7", false))
	}
	locked, _, err := lockouts.IsLocked(ctx, "alice")
	require.NoError(t, err)
	require.False(t, locked)
}

func TestIPFailuresAccumulateAcrossAccounts(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lockouts, bl, _ := newLockoutFixture(t, &now)
	ctx := context.Background()

	// Ten different usernames from one address: no single account locks,
	// but the address gets blocked.
	users := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8", "u9", "u10"}
	for _, user := range users {
		require.NoError(t, lockouts.RecordLogin(ctx, user, "203.0.113.7", false))
	}

	for _, user := range users {
		locked, _, err := lockouts.IsLocked(ctx, user)
		require.NoError(t, err)
		require.False(t, locked)
	}

	blocked, info, err := bl.IsBlocked(ctx, "203.0.113.7")
	require.NoError(t, err)
	require.True(t, blocked)
	require.Equal(t, "failed login attempts", info.Reason)
}

func TestManualLockAndUnlock(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lockouts, _, _ := newLockoutFixture(t, &now)
	ctx := context.Background()

	require.NoError(t, lockouts.LockManual(ctx, "alice", time.Hour))

	locked, record, err := lockouts.IsLocked(ctx, "alice")
	require.NoError(t, err)
	require.True(t, locked)
	require.Equal(t, ReasonManual, record.Reason)

	require.NoError(t, lockouts.Unlock(ctx, "alice"))
	locked, _, err = lockouts.IsLocked(ctx, "alice")
	require.NoError(t, err)
	require.False(t, locked)
}

func TestLockRejectsNonPositiveDuration(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lockouts, _, _ := newLockoutFixture(t, &now)
	require.Error(t, lockouts.LockManual(context.Background(), "alice", 0))
}

func TestCorruptLockoutRecordStillLocks(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lockouts, _, store := newLockoutFixture(t, &now)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "lockout:acct:alice", "{broken", time.Hour))

	locked, record, err := lockouts.IsLocked(ctx, "alice")
	require.NoError(t, err)
	require.True(t, locked)
	require.Equal(t, "alice", record.Identifier)
}
