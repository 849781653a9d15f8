package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

type cmdable interface {
	Ping(context.Context) *redis.StatusCmd
	Set(context.Context, string, any, time.Duration) *redis.StatusCmd
	Get(context.Context, string) *redis.StringCmd
	SetNX(context.Context, string, any, time.Duration) *redis.BoolCmd
	Incr(context.Context, string) *redis.IntCmd
	Expire(context.Context, string, time.Duration) *redis.BoolCmd
	Del(context.Context, ...string) *redis.IntCmd
}

// Client is the storefront's handle on redis: sessions, idempotency records,
// rate-limit counters and locks all go through it.
type Client struct {
	store cmdable
	raw   *redis.Client
}

// Pinger exposes the health-check surface.
type Pinger interface {
	Ping(context.Context) error
}

// IdempotencyStore exposes minimal operations used by idempotency helpers.
type IdempotencyStore interface {
	Get(context.Context, string) (string, error)
	SetNX(context.Context, string, any, time.Duration) (bool, error)
	IdempotencyKey(scope, id string) string
	Del(context.Context, ...string) error
}

// LockStore is the subset of the client needed to hold owner-tagged locks.
type LockStore interface {
	SetNX(context.Context, string, any, time.Duration) (bool, error)
	Get(context.Context, string) (string, error)
	Del(context.Context, ...string) error
}

var errNotInitialized = errors.New("redis client not initialized")

// New dials redis with the configured pool and timeouts and fails unless PING succeeds.
func New(ctx context.Context, cfg config.RedisConfig, logg *logger.Logger) (*Client, error) {
	opts, err := optionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	raw := redis.NewClient(opts)
	if err := raw.Ping(ctx).Err(); err != nil {
		return nil, errors.Join(fmt.Errorf("ping redis: %w", err), raw.Close())
	}
	if logg != nil {
		logg.Debug(logg.WithField(ctx, "redis_addr", opts.Addr), "redis connection established")
	}
	return &Client{store: raw, raw: raw}, nil
}

// optionsFromConfig prefers REDIS_URL and lets the discrete settings fill whatever the URL left unset.
func optionsFromConfig(cfg config.RedisConfig) (*redis.Options, error) {
	opts := &redis.Options{Addr: cfg.Address, Password: cfg.Password}
	switch {
	case cfg.URL != "":
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = parsed
	case cfg.Address == "":
		return nil, errors.New("redis url or address is required")
	}

	orDefault(&opts.DB, cfg.DB)
	orDefault(&opts.PoolSize, cfg.PoolSize)
	orDefault(&opts.MinIdleConns, cfg.MinIdleConns)
	orDefault(&opts.DialTimeout, cfg.DialTimeout)
	orDefault(&opts.ReadTimeout, cfg.ReadTimeout)
	orDefault(&opts.WriteTimeout, cfg.WriteTimeout)
	return opts, nil
}

func orDefault[T comparable](dst *T, fallback T) {
	var zero T
	if *dst == zero {
		*dst = fallback
	}
}

func (c *Client) conn() (cmdable, error) {
	if c == nil || c.store == nil {
		return nil, errNotInitialized
	}
	return c.store, nil
}

// Set stores value at key; a zero ttl keeps it forever.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	store, err := c.conn()
	if err != nil {
		return err
	}
	return store.Set(ctx, key, value, ttl).Err()
}

// Get returns the string at key, or redis.Nil when it is absent.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	store, err := c.conn()
	if err != nil {
		return "", err
	}
	return store.Get(ctx, key).Result()
}

// SetNX writes value only when key is free and reports whether it did.
func (c *Client) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	store, err := c.conn()
	if err != nil {
		return false, err
	}
	return store.SetNX(ctx, key, value, ttl).Result()
}

// IncrWithTTL bumps a counter and arms its expiry when the increment created it.
func (c *Client) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	store, err := c.conn()
	if err != nil {
		return 0, err
	}
	count, err := store.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 && ttl > 0 {
		if err := store.Expire(ctx, key, ttl).Err(); err != nil {
			return count, fmt.Errorf("arm expiry on %s: %w", key, err)
		}
	}
	return count, nil
}

// FixedWindowAllow counts one hit against scope and reports whether it is within limit.
func (c *Client) FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error) {
	count, err := c.IncrWithTTL(ctx, c.RateLimitKey(scope), window)
	if err != nil {
		return false, 0, err
	}
	return count <= limit, count, nil
}

// Del removes keys; missing keys are ignored.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	store, err := c.conn()
	if err != nil {
		return err
	}
	return store.Del(ctx, keys...).Err()
}

// Ping verifies the connection.
func (c *Client) Ping(ctx context.Context) error {
	store, err := c.conn()
	if err != nil {
		return err
	}
	return store.Ping(ctx).Err()
}

// Close releases the pool. It is a no-op on clients built around a stub.
func (c *Client) Close() error {
	if c == nil || c.raw == nil {
		return nil
	}
	return c.raw.Close()
}
