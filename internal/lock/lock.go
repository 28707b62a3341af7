// Package lock serialises suggest-then-commit per session across assigner
// replicas using Redis. A lock is a key holding a random token; only the
// holder of the token can release or extend it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const KeyPrefix = "court:lock:"

var (
	ErrNotAcquired = errors.New("lock: not acquired")
	ErrNotHeld     = errors.New("lock: not held")
)

var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

var extendScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	end
	return 0
`)

// Lock is a held session lock.
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// Manager hands out per-session locks.
type Manager struct {
	client     *redis.Client
	retryDelay time.Duration
	maxDelay   time.Duration
}

// NewManager creates a lock manager backed by the given Redis client.
func NewManager(client *redis.Client) *Manager {
	return &Manager{
		client:     client,
		retryDelay: 25 * time.Millisecond,
		maxDelay:   400 * time.Millisecond,
	}
}

// Key returns the Redis key guarding a session.
func Key(sessionID string) string {
	return KeyPrefix + sessionID
}

// Acquire tries once to take the session lock. It returns ErrNotAcquired when
// another holder has it.
func (m *Manager) Acquire(ctx context.Context, sessionID string, ttl time.Duration) (*Lock, error) {
	key := Key(sessionID)
	token := uuid.NewString()

	ok, err := m.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lock{client: m.client, key: key, token: token}, nil
}

// WithLock runs fn while holding the session lock, retrying acquisition with
// exponential backoff until ctx is done. The lock is released when fn
// returns.
func (m *Manager) WithLock(ctx context.Context, sessionID string, ttl time.Duration, fn func(ctx context.Context) error) error {
	delay := m.retryDelay
	for {
		l, err := m.Acquire(ctx, sessionID, ttl)
		if err == nil {
			defer l.Release(context.WithoutCancel(ctx))
			return fn(ctx)
		}
		if !errors.Is(err, ErrNotAcquired) {
			return err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrNotAcquired, ctx.Err())
		case <-time.After(delay):
		}
		delay = min(delay*2, m.maxDelay)
	}
}

// Release deletes the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Extend resets the lock's TTL if this holder still owns it.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lock: extend %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Key returns the Redis key this lock guards.
func (l *Lock) Key() string {
	return l.key
}
