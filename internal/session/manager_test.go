package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"authgate/internal/kv"
	"authgate/internal/observability"
)

var testDevice = DeviceInfo{
	DeviceID:  "device-1",
	UserAgent: "test-agent/1.0",
	IPAddress: "203.0.113.7",
}

func newTestManager(now *time.Time) (*Manager, *kv.Memory) {
	store := kv.NewMemory().WithClock(func() time.Time { return *now })
	manager := NewManager(store, observability.NewLogger(), ManagerConfig{
		MaxConcurrent: 3,
		SessionTTL:    24 * time.Hour,
		IdleTimeout:   30 * time.Minute,
		RiskThreshold: DefaultRiskThreshold,
	}).WithClock(func() time.Time { return *now })
	return manager, store
}

func TestCreateAndGet(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	manager, _ := newTestManager(&now)
	ctx := context.Background()

	created, err := manager.Create(ctx, "alice", testDevice, MethodPassword)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.Equal(t, StatusActive, created.Status)
	require.Equal(t, MethodPassword, created.LoginMethod)
	require.Zero(t, created.RiskScore)

	loaded, err := manager.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, loaded.ID)
	require.Equal(t, testDevice, loaded.Device)

	_, err = manager.Get(ctx, "nope")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestConcurrencyCapEvictsOldest(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	manager, _ := newTestManager(&now)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		session, err := manager.Create(ctx, "alice", testDevice, MethodPassword)
		require.NoError(t, err)
		ids = append(ids, session.ID)
		now = now.Add(time.Minute)
	}

	active, err := manager.ActiveSessions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, active, 3)

	// The fourth login pushes out the first.
	fourth, err := manager.Create(ctx, "alice", testDevice, MethodPassword)
	require.NoError(t, err)

	active, err = manager.ActiveSessions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, active, 3)
	require.Equal(t, ids[1], active[0].ID)
	require.Equal(t, fourth.ID, active[2].ID)

	evicted, err := manager.Get(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, StatusRevoked, evicted.Status)
	require.Equal(t, "evicted", evicted.RevokedReason)
}

func TestConcurrentCreatesRespectCap(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	manager, _ := newTestManager(&now)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := manager.Create(ctx, "alice", testDevice, MethodPassword)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	active, err := manager.ActiveSessions(ctx, "alice")
	require.NoError(t, err)
	require.LessOrEqual(t, len(active), 3)
}

func TestIdleTimeoutExpiresLazily(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	manager, _ := newTestManager(&now)
	ctx := context.Background()

	created, err := manager.Create(ctx, "alice", testDevice, MethodPassword)
	require.NoError(t, err)

	now = now.Add(31 * time.Minute)
	loaded, err := manager.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, loaded.Status)

	ok, err := manager.Validate(ctx, created.ID, testDevice)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestValidateTouchKeepsSessionAlive(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	manager, _ := newTestManager(&now)
	ctx := context.Background()

	created, err := manager.Create(ctx, "alice", testDevice, MethodPassword)
	require.NoError(t, err)

	// Activity every 20 minutes stays ahead of the 30 minute idle limit.
	for i := 0; i < 5; i++ {
		now = now.Add(20 * time.Minute)
		ok, err := manager.Validate(ctx, created.ID, testDevice)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestValidateRejectsDeviceMismatch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	manager, _ := newTestManager(&now)
	ctx := context.Background()

	created, err := manager.Create(ctx, "alice", testDevice, MethodPassword)
	require.NoError(t, err)

	other := testDevice
	other.DeviceID = "device-2"
	ok, err := manager.Validate(ctx, created.ID, other)
	require.NoError(t, err)
	require.False(t, ok)

	loaded, err := manager.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, loaded.SecurityEvents, 1)
	require.Equal(t, EventDeviceChange, loaded.SecurityEvents[0].Type)
}

func TestValidateRecordsIPDrift(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	manager, _ := newTestManager(&now)
	ctx := context.Background()

	created, err := manager.Create(ctx, "alice", testDevice, MethodPassword)
	require.NoError(t, err)

	moved := testDevice
	moved.IPAddress = "198.51.100.4"
	ok, err := manager.Validate(ctx, created.ID, moved)
	require.NoError(t, err)
	require.True(t, ok, "ip drift alone does not fail validation")

	loaded, err := manager.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, loaded.SecurityEvents, 1)
	require.Equal(t, EventIPChange, loaded.SecurityEvents[0].Type)
	require.InDelta(t, 0.1, loaded.RiskScore, 1e-9)
	require.Equal(t, "198.51.100.4", loaded.Device.IPAddress)
}

func TestRevokeAndRevokeAll(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	manager, _ := newTestManager(&now)
	ctx := context.Background()

	first, err := manager.Create(ctx, "alice", testDevice, MethodPassword)
	require.NoError(t, err)
	second, err := manager.Create(ctx, "alice", testDevice, MethodPasswordMFA)
	require.NoError(t, err)

	require.NoError(t, manager.Revoke(ctx, first.ID, "logout"))
	ok, err := manager.Validate(ctx, first.ID, testDevice)
	require.NoError(t, err)
	require.False(t, ok)

	revoked, err := manager.RevokeAll(ctx, "alice", "password_change")
	require.NoError(t, err)
	require.Equal(t, 1, revoked)

	loaded, err := manager.Get(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRevoked, loaded.Status)
	require.Equal(t, "password_change", loaded.RevokedReason)

	active, err := manager.ActiveSessions(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestRiskScoreAccumulatesAndClamps(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	manager, _ := newTestManager(&now)
	ctx := context.Background()

	created, err := manager.Create(ctx, "alice", testDevice, MethodPassword)
	require.NoError(t, err)

	require.NoError(t, manager.AddSecurityEvent(ctx, created.ID, SecurityEvent{Type: EventFailedMFA}))
	require.NoError(t, manager.AddSecurityEvent(ctx, created.ID, SecurityEvent{Type: EventNewLocation}))

	loaded, err := manager.Get(ctx, created.ID)
	require.NoError(t, err)
	require.InDelta(t, 0.5, loaded.RiskScore, 1e-9)

	// 0.5 + 0.4 + 0.25 clamps at 1.
	require.NoError(t, manager.AddSecurityEvent(ctx, created.ID, SecurityEvent{Type: EventImpossibleTravel}))
	require.NoError(t, manager.AddSecurityEvent(ctx, created.ID, SecurityEvent{Type: EventSuspicious}))

	loaded, err = manager.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, 1.0, loaded.RiskScore)
}

func TestConcurrentSecurityEventsAllRecorded(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	manager, _ := newTestManager(&now)
	ctx := context.Background()

	created, err := manager.Create(ctx, "alice", testDevice, MethodPassword)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, manager.AddSecurityEvent(ctx, created.ID, SecurityEvent{
				Type:   EventIPChange,
				Detail: "rotating address",
			}))
		}()
	}
	wg.Wait()

	loaded, err := manager.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, loaded.SecurityEvents, 10)
	require.InDelta(t, 1.0, loaded.RiskScore, 1e-9)
}

func TestRiskScoreIgnoresStaleEvents(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []SecurityEvent{
		{Type: EventFailedMFA, Timestamp: now.Add(-48 * time.Hour)},
		{Type: EventIPChange, Timestamp: now.Add(-time.Hour)},
	}
	require.InDelta(t, 0.1, computeRiskScore(events, now), 1e-9)
}
