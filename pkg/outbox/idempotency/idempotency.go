package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/storefront-backend/pkg/redis"
)

// ErrAlreadyProcessed is returned by Run when the event was handled before.
var ErrAlreadyProcessed = errors.New("event already processed")

// Manager tracks processed event IDs per consumer using Redis SETNX with a TTL.
// Keys follow the `sf:idempotency:evt:processed:<consumer>:<event_id>` pattern.
// Event IDs are opaque strings so outbox UUIDs and Stripe `evt_` IDs share it.
type Manager struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

// NewManager builds an idempotency guard that marks events as processed for the given TTL.
func NewManager(store redis.IdempotencyStore, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &Manager{store: store, ttl: ttl}, nil
}

// CheckAndMarkProcessed returns true if the event has already been processed and
// otherwise marks it as processed with the configured TTL.
func (m *Manager) CheckAndMarkProcessed(ctx context.Context, consumer, eventID string) (bool, error) {
	key, err := m.processedKey(consumer, eventID)
	if err != nil {
		return false, err
	}
	set, err := m.store.SetNX(ctx, key, "1", m.ttl)
	if err != nil {
		return false, err
	}
	return !set, nil
}

// Delete forgets the processed marker so a redelivery is handled again.
func (m *Manager) Delete(ctx context.Context, consumer, eventID string) error {
	key, err := m.processedKey(consumer, eventID)
	if err != nil {
		return err
	}
	return m.store.Del(ctx, key)
}

// Run marks the event and executes fn once. When fn fails the marker is
// removed so the event can be retried; the fn error is returned unchanged.
func (m *Manager) Run(ctx context.Context, consumer, eventID string, fn func(context.Context) error) error {
	already, err := m.CheckAndMarkProcessed(ctx, consumer, eventID)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if already {
		return ErrAlreadyProcessed
	}
	if err := fn(ctx); err != nil {
		if delErr := m.Delete(ctx, consumer, eventID); delErr != nil {
			return errors.Join(err, fmt.Errorf("release idempotency key: %w", delErr))
		}
		return err
	}
	return nil
}

func (m *Manager) processedKey(consumer, eventID string) (string, error) {
	consumer = strings.TrimSpace(consumer)
	eventID = strings.TrimSpace(eventID)
	if consumer == "" {
		return "", errors.New("consumer name is required")
	}
	if eventID == "" {
		return "", errors.New("event id is required")
	}
	return m.store.IdempotencyKey("evt:processed:"+consumer, eventID), nil
}
