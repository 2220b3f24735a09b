package common

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheatcode-dev/sandboxd/pkg/types"
)

func NewRedisClientForTest(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb, err := NewRedisClient(types.RedisConfig{
		Addrs: []string{mr.Addr()},
		Mode:  types.RedisModeSingle,
	})
	require.NoError(t, err)

	return rdb, mr
}

func TestRedisLockAcquireRelease(t *testing.T) {
	rdb, mr := NewRedisClientForTest(t)
	lock := NewRedisLock(rdb)
	ctx := context.Background()

	key := RedisKeys.SandboxStateLock("sb-1")
	token, err := lock.Acquire(ctx, key, RedisLockOptions{TtlS: 10})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	stored, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, token, stored)

	err = lock.Release(ctx, key, token)
	require.NoError(t, err)
	assert.False(t, mr.Exists(key))
}

func TestRedisLockContention(t *testing.T) {
	rdb, _ := NewRedisClientForTest(t)
	lock := NewRedisLock(rdb)
	ctx := context.Background()

	key := RedisKeys.SandboxStateLock("sb-1")
	_, err := lock.Acquire(ctx, key, RedisLockOptions{TtlS: 10})
	require.NoError(t, err)

	_, err = lock.Acquire(ctx, key, RedisLockOptions{TtlS: 10})
	assert.ErrorIs(t, err, types.ErrLockNotAcquired)

	// Bounded retry still gives up while the lock is held.
	start := time.Now()
	_, err = lock.Acquire(ctx, key, RedisLockOptions{TtlS: 10, Retries: 1})
	assert.ErrorIs(t, err, types.ErrLockNotAcquired)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestRedisLockRetrySucceedsAfterRelease(t *testing.T) {
	rdb, _ := NewRedisClientForTest(t)
	lock := NewRedisLock(rdb)
	ctx := context.Background()

	key := RedisKeys.SandboxStateLock("sb-1")
	token, err := lock.Acquire(ctx, key, RedisLockOptions{TtlS: 10})
	require.NoError(t, err)

	go func() {
		time.Sleep(150 * time.Millisecond)
		lock.ReleaseQuietly(ctx, key, token)
	}()

	token2, err := lock.Acquire(ctx, key, RedisLockOptions{TtlS: 10, Retries: 4})
	require.NoError(t, err)
	assert.NotEqual(t, token, token2)
}

func TestRedisLockReleaseTokenMismatch(t *testing.T) {
	rdb, mr := NewRedisClientForTest(t)
	lock := NewRedisLock(rdb)
	ctx := context.Background()

	key := RedisKeys.SandboxStateLock("sb-1")
	token, err := lock.Acquire(ctx, key, RedisLockOptions{TtlS: 1})
	require.NoError(t, err)

	// Simulate TTL expiry plus re-acquisition by another holder.
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set(key, "other-host:other-token:123"))

	err = lock.Release(ctx, key, token)
	assert.ErrorIs(t, err, types.ErrLockNotHeld)
	assert.True(t, mr.Exists(key), "release must not delete another holder's lock")
}

func TestRedisLockRefreshKeepsTokenReleasable(t *testing.T) {
	rdb, mr := NewRedisClientForTest(t)
	lock := NewRedisLock(rdb)
	ctx := context.Background()

	key := RedisKeys.SandboxStateLock("sb-1")
	token, err := lock.Acquire(ctx, key, RedisLockOptions{TtlS: 10})
	require.NoError(t, err)

	err = lock.Refresh(ctx, key, "starting", token, 90)
	require.NoError(t, err)

	stored, err := mr.Get(key)
	require.NoError(t, err)
	assert.Contains(t, stored, "starting:")
	assert.Contains(t, stored, token)

	err = lock.Release(ctx, key, token)
	require.NoError(t, err)
	assert.False(t, mr.Exists(key))
}

func TestRedisLockReleaseMissingKey(t *testing.T) {
	rdb, _ := NewRedisClientForTest(t)
	lock := NewRedisLock(rdb)

	err := lock.Release(context.Background(), RedisKeys.SandboxStateLock("sb-1"), "token")
	assert.ErrorIs(t, err, types.ErrLockNotHeld)
}

func TestRedisLockStoreUnavailable(t *testing.T) {
	rdb, mr := NewRedisClientForTest(t)
	lock := NewRedisLock(rdb)

	mr.Close()

	// A dead store is an error, never an acquired lock.
	token, err := lock.Acquire(context.Background(), RedisKeys.SandboxStateLock("sb-1"), RedisLockOptions{TtlS: 10, Retries: 2})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, types.ErrLockNotAcquired)
	assert.Empty(t, token)
}
