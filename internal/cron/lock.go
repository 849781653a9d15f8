package cron

import (
	"context"
	"errors"
	"sync"
	"time"

	pkgredis "github.com/angelmondragon/storefront-backend/pkg/redis"
	"gorm.io/gorm"
)

const defaultLockTTL = 30 * time.Minute

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Lock coordinates exclusive cron runs across worker replicas.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// RedisLock implements Lock on top of an owner-tagged redis lease.
type RedisLock struct {
	store pkgredis.LockStore
	key   string
	ttl   time.Duration

	mu    sync.Mutex
	lease *pkgredis.Lease
}

// NewRedisLock constructs a Redis-backed lock.
func NewRedisLock(store pkgredis.LockStore, key string, ttl time.Duration) (*RedisLock, error) {
	if store == nil {
		return nil, errors.New("redis client required for lock")
	}
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLock{store: store, key: key, ttl: ttl}, nil
}

// Acquire tries to own the lock for the configured TTL.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	lease, err := pkgredis.AcquireLock(ctx, l.store, l.key, l.ttl)
	if errors.Is(err, pkgredis.ErrLockHeld) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	l.lease = lease
	l.mu.Unlock()
	return true, nil
}

// Release frees the lock only if this instance still owns it.
func (l *RedisLock) Release(ctx context.Context) error {
	l.mu.Lock()
	lease := l.lease
	l.lease = nil
	l.mu.Unlock()
	return lease.Release(ctx)
}
