package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/alswitch/internal/testutil"
)

func TestMemoryLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	lease := NewMemoryLease(nil)
	a, b := lease.NewLocker(time.Minute), lease.NewLocker(time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, b.Release(ctx), ErrNotHeld)
	require.NoError(t, a.Release(ctx))

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLocker_LeaseExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	lease := NewMemoryLease(func() time.Time { return now })
	crashed, other := lease.NewLocker(10*time.Second), lease.NewLocker(10*time.Second)

	ok, _ := crashed.Acquire(ctx)
	require.True(t, ok)

	now = now.Add(11 * time.Second)
	ok, err := other.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease must be takeable")
	assert.ErrorIs(t, crashed.Release(ctx), ErrNotHeld)
}

func TestRedisLocker(t *testing.T) {
	pool, cleanup := testutil.RedisTest(t)
	defer cleanup()
	ctx := context.Background()

	a := NewRedisLocker(pool, "als:lock:test", 5*time.Second)
	b := NewRedisLocker(pool, "als:lock:test", 5*time.Second)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	assert.ErrorIs(t, a.Release(ctx), ErrNotHeld)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Release(ctx))
}
