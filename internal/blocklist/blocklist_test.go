package blocklist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"authgate/internal/kv"
)

func TestBlockAndUnblock(t *testing.T) {
	store := kv.NewMemory()
	bl := NewBlocklist(store)
	ctx := context.Background()

	blocked, _, err := bl.IsBlocked(ctx, "203.0.113.7")
	require.NoError(t, err)
	require.False(t, blocked)

	require.NoError(t, bl.BlockIP(ctx, "203.0.113.7", time.Hour, "failed login attempts"))

	blocked, info, err := bl.IsBlocked(ctx, "203.0.113.7")
	require.NoError(t, err)
	require.True(t, blocked)
	require.Equal(t, "203.0.113.7", info.IPAddress)
	require.Equal(t, "failed login attempts", info.Reason)
	require.False(t, info.BlockedUntil.IsZero())

	// Other addresses stay unaffected.
	blocked, _, err = bl.IsBlocked(ctx, "203.0.113.8")
	require.NoError(t, err)
	require.False(t, blocked)

	require.NoError(t, bl.UnblockIP(ctx, "203.0.113.7"))
	blocked, _, err = bl.IsBlocked(ctx, "203.0.113.7")
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestBlockExpires(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := kv.NewMemory().WithClock(func() time.Time { return now })
	bl := NewBlocklist(store)
	ctx := context.Background()

	require.NoError(t, bl.BlockIP(ctx, "203.0.113.7", 30*time.Minute, "abuse"))

	now = now.Add(29 * time.Minute)
	blocked, _, err := bl.IsBlocked(ctx, "203.0.113.7")
	require.NoError(t, err)
	require.True(t, blocked)

	now = now.Add(2 * time.Minute)
	blocked, _, err = bl.IsBlocked(ctx, "203.0.113.7")
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestBlockRejectsNonPositiveDuration(t *testing.T) {
	bl := NewBlocklist(kv.NewMemory())
	require.Error(t, bl.BlockIP(context.Background(), "203.0.113.7", 0, "abuse"))
}

func TestCorruptEntryStillBlocks(t *testing.T) {
	store := kv.NewMemory()
	bl := NewBlocklist(store)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "block:ip:203.0.113.7", "{not json", time.Hour))

	blocked, info, err := bl.IsBlocked(ctx, "203.0.113.7")
	require.NoError(t, err)
	require.True(t, blocked)
	require.Equal(t, "203.0.113.7", info.IPAddress)
}
