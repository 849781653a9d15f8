package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	keys        map[string]bool
	setNXError  error
	lastKey     string
	lastTTL     time.Duration
	lastDeleted string
}

func newFakeStore() *fakeStore {
	return &fakeStore{keys: map[string]bool{}}
}

func (f *fakeStore) Get(context.Context, string) (string, error) {
	return "", nil
}

func (f *fakeStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	f.lastKey = key
	f.lastTTL = ttl
	if f.setNXError != nil {
		return false, f.setNXError
	}
	if f.keys[key] {
		return false, nil
	}
	f.keys[key] = true
	return true, nil
}

func (f *fakeStore) IdempotencyKey(scope, id string) string {
	return "sf:idempotency:" + scope + ":" + id
}

func (f *fakeStore) Del(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(f.keys, key)
		f.lastDeleted = key
	}
	return nil
}

func TestCheckAndMarkProcessed(t *testing.T) {
	store := newFakeStore()
	manager, err := NewManager(store, 24*time.Hour)
	require.NoError(t, err)

	eventID := uuid.NewString()
	already, err := manager.CheckAndMarkProcessed(context.Background(), "notifications", eventID)
	require.NoError(t, err)
	require.False(t, already)
	require.Equal(t, "sf:idempotency:evt:processed:notifications:"+eventID, store.lastKey)
	require.Equal(t, 24*time.Hour, store.lastTTL)

	already, err = manager.CheckAndMarkProcessed(context.Background(), "notifications", eventID)
	require.NoError(t, err)
	require.True(t, already)
}

func TestCheckAndMarkProcessedErrors(t *testing.T) {
	store := newFakeStore()
	store.setNXError = errors.New("boom")
	manager, err := NewManager(store, time.Hour)
	require.NoError(t, err)

	_, err = manager.CheckAndMarkProcessed(context.Background(), "notifications", "evt_1")
	require.Error(t, err)

	_, err = manager.CheckAndMarkProcessed(context.Background(), "", "evt_1")
	require.Error(t, err)
	_, err = manager.CheckAndMarkProcessed(context.Background(), "notifications", " ")
	require.Error(t, err)

	_, err = NewManager(nil, time.Hour)
	require.Error(t, err)
}

func TestDeleteProcessed(t *testing.T) {
	store := newFakeStore()
	manager, err := NewManager(store, time.Hour)
	require.NoError(t, err)

	require.NoError(t, manager.Delete(context.Background(), "stripe-webhook", "evt_123"))
	require.Equal(t, "sf:idempotency:evt:processed:stripe-webhook:evt_123", store.lastDeleted)
}

func TestRun(t *testing.T) {
	store := newFakeStore()
	manager, err := NewManager(store, time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	calls := 0
	handler := func(context.Context) error {
		calls++
		return nil
	}
	require.NoError(t, manager.Run(ctx, "stripe-webhook", "evt_1", handler))
	require.ErrorIs(t, manager.Run(ctx, "stripe-webhook", "evt_1", handler), ErrAlreadyProcessed)
	require.Equal(t, 1, calls)

	boom := errors.New("db down")
	err = manager.Run(ctx, "stripe-webhook", "evt_2", func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, "sf:idempotency:evt:processed:stripe-webhook:evt_2", store.lastDeleted)

	require.NoError(t, manager.Run(ctx, "stripe-webhook", "evt_2", handler), "failed event must be retryable")
	require.Equal(t, 2, calls)
}
