package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	client.FlushDB(ctx)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestAcquireAndRelease(t *testing.T) {
	m := NewManager(setupRedisClient(t))
	ctx := context.Background()

	l, err := m.Acquire(ctx, "s1", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "court:lock:s1", l.Key())

	_, err = m.Acquire(ctx, "s1", 5*time.Second)
	assert.ErrorIs(t, err, ErrNotAcquired)

	other, err := m.Acquire(ctx, "s2", 5*time.Second)
	require.NoError(t, err, "locks are per session")
	defer other.Release(ctx)

	require.NoError(t, l.Release(ctx))
	assert.ErrorIs(t, l.Release(ctx), ErrNotHeld)

	again, err := m.Acquire(ctx, "s1", 5*time.Second)
	require.NoError(t, err)
	defer again.Release(ctx)
}

func TestReleaseDoesNotStealAfterExpiry(t *testing.T) {
	client := setupRedisClient(t)
	m := NewManager(client)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "s1", 100*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)

	next, err := m.Acquire(ctx, "s1", 5*time.Second)
	require.NoError(t, err)

	assert.ErrorIs(t, l.Release(ctx), ErrNotHeld)
	assert.ErrorIs(t, l.Extend(ctx, time.Second), ErrNotHeld)

	exists, err := client.Exists(ctx, Key("s1")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists, "new holder's lock survives")
	require.NoError(t, next.Release(ctx))
}

func TestExtend(t *testing.T) {
	client := setupRedisClient(t)
	m := NewManager(client)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "s1", time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Extend(ctx, time.Minute))

	ttl, err := client.PTTL(ctx, Key("s1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 30*time.Second)
	require.NoError(t, l.Release(ctx))
}

func TestWithLock_Serialises(t *testing.T) {
	m := NewManager(setupRedisClient(t))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		inside  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithLock(ctx, "s1", 5*time.Second, func(ctx context.Context) error {
				if inside.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(20 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.False(t, overlap.Load(), "critical sections overlapped")
}

func TestWithLock_PropagatesErrorAndReleases(t *testing.T) {
	m := NewManager(setupRedisClient(t))
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithLock(ctx, "s1", 5*time.Second, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	l, err := m.Acquire(ctx, "s1", time.Second)
	require.NoError(t, err, "lock released after fn returned")
	require.NoError(t, l.Release(ctx))
}

func TestWithLock_GivesUpWhenContextDone(t *testing.T) {
	m := NewManager(setupRedisClient(t))
	held, err := m.Acquire(context.Background(), "s1", 5*time.Second)
	require.NoError(t, err)
	defer held.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	called := false
	err = m.WithLock(ctx, "s1", time.Second, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.False(t, called)
}
