package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another owner already holds the key.
var ErrLockHeld = errors.New("lock is held by another owner")

// Lease is an acquired lock. Release only deletes the key while the stored
// owner token still matches, so an expired lease never frees a newer holder.
type Lease struct {
	store LockStore
	key   string
	owner string
}

// AcquireLock takes key for ttl via SETNX. It returns ErrLockHeld when the
// key already exists.
func AcquireLock(ctx context.Context, store LockStore, key string, ttl time.Duration) (*Lease, error) {
	if store == nil {
		return nil, errors.New("lock store is required")
	}
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}
	owner := uuid.NewString()
	ok, err := store.SetNX(ctx, key, owner, ttl)
	if err != nil {
		return nil, fmt.Errorf("setnx %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lease{store: store, key: key, owner: owner}, nil
}

// Key returns the locked key.
func (l *Lease) Key() string {
	if l == nil {
		return ""
	}
	return l.key
}

// Release frees the lease if it is still owned.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.owner == "" {
		return nil
	}
	value, err := l.store.Get(ctx, l.key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			l.owner = ""
			return nil
		}
		return fmt.Errorf("read lock owner: %w", err)
	}
	if value != l.owner {
		l.owner = ""
		return nil
	}
	if err := l.store.Del(ctx, l.key); err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	l.owner = ""
	return nil
}
