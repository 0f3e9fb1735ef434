package kv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemorySetGet(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", "v", 0))

	value, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", value)

	require.NoError(t, store.Delete(ctx, "k"))
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemory().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", time.Minute))

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	ttl, err := store.TTL(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, time.Minute, ttl)

	now = now.Add(time.Minute)
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryIncr(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemory().WithClock(func() time.Time { return now })
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := store.Incr(ctx, "count", time.Minute)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	// TTL is fixed at creation, not reset on each increment.
	now = now.Add(time.Minute)
	got, err := store.Incr(ctx, "count", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), got)
}

func TestMemoryIncrConcurrent(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Incr(ctx, "count", time.Minute)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Incr(ctx, "count", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(51), got)
}
