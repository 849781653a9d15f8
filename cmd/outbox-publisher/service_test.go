package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/registry"
)

func orderEvent(t *testing.T, eventType enums.OutboxEventType, attempts int) models.OutboxEvent {
	return models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     eventType,
		AggregateType: enums.AggregateOrder,
		AggregateID:   uuid.New(),
		Payload:       mustEnvelopePayload(t, uuid.NewString()),
		AttemptCount:  attempts,
	}
}

func resolvedOrderEvent() *registry.ResolvedEvent {
	return &registry.ResolvedEvent{
		Descriptor: registry.EventDescriptor{
			Topic:         "orders-topic",
			AggregateType: enums.AggregateOrder,
		},
		Envelope: outbox.PayloadEnvelope{OccurredAt: time.Now()},
		Payload:  &payloads.OrderCreatedEvent{},
	}
}

func TestProcessBatchSettlesEachRow(t *testing.T) {
	repo := &fakeRepo{events: []models.OutboxEvent{
		orderEvent(t, enums.EventOrderCreated, 0),
		orderEvent(t, enums.EventOrderPaid, 0),
	}}
	pub := &fakePublisher{results: []publishResult{
		fakePublishResult{err: errors.New("transient")},
		fakePublishResult{},
	}}
	service := newTestService(t, repo, pub, &fakeRegistry{resolved: resolvedOrderEvent()}, &fakeDLQRepo{}, nil)

	processed, err := service.processBatch(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, []uuid.UUID{repo.events[0].ID}, repo.failed)
	assert.Equal(t, []uuid.UUID{repo.events[1].ID}, repo.published)
}

func TestProcessBatchReportsEmptyBatch(t *testing.T) {
	service := newTestService(t, &fakeRepo{}, &fakePublisher{}, &fakeRegistry{resolved: resolvedOrderEvent()}, &fakeDLQRepo{}, nil)

	processed, err := service.processBatch(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestPublishedMessageCarriesEnvelopeAndOrderingKey(t *testing.T) {
	event := orderEvent(t, enums.EventOrderStatusChanged, 0)
	pub := &fakePublisher{results: []publishResult{fakePublishResult{}}}
	service := newTestService(t, &fakeRepo{events: []models.OutboxEvent{event}}, pub, &fakeRegistry{resolved: resolvedOrderEvent()}, &fakeDLQRepo{}, nil)

	_, err := service.processBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, pub.messages, 1)

	msg := pub.messages[0]
	assert.Equal(t, event.AggregateID.String(), msg.OrderingKey)
	assert.Equal(t, event.Payload, json.RawMessage(msg.Data))
	assert.Equal(t, string(enums.EventOrderStatusChanged), msg.Attributes["event_type"])
	assert.Equal(t, event.ID.String(), msg.Attributes["event_id"])
	assert.Equal(t, string(enums.AggregateOrder), msg.Attributes["aggregate_type"])
}

func TestPublisherIsBuiltOncePerTopic(t *testing.T) {
	repo := &fakeRepo{events: []models.OutboxEvent{
		orderEvent(t, enums.EventOrderCreated, 0),
		orderEvent(t, enums.EventOrderPaid, 0),
	}}
	pub := &fakePublisher{results: []publishResult{fakePublishResult{}, fakePublishResult{}}}
	builds := 0
	service := newTestServiceWithFactory(t, repo, func(string) publisher {
		builds++
		return pub
	}, &fakeRegistry{resolved: resolvedOrderEvent()}, &fakeDLQRepo{}, nil)

	_, err := service.processBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, builds)
	assert.Len(t, repo.published, 2)
}

func TestProcessBatchDeadLetters(t *testing.T) {
	cases := []struct {
		name        string
		attempts    int
		registry    *fakeRegistry
		factory     publisherFactory
		maxAttempts int
		wantReason  enums.OutboxDLQErrorReason
		wantMessage string
	}{
		{
			name:        "payload fails to resolve",
			registry:    &fakeRegistry{err: registry.NewNonRetryableError(errors.New("invalid payload"))},
			factory:     func(string) publisher { return &fakePublisher{} },
			wantReason:  enums.OutboxDLQReasonNonRetryable,
			wantMessage: "invalid payload",
		},
		{
			name:        "no publisher for topic",
			registry:    &fakeRegistry{resolved: resolvedOrderEvent()},
			factory:     func(string) publisher { return nil },
			wantReason:  enums.OutboxDLQReasonNonRetryable,
			wantMessage: "publisher not configured for topic orders-topic",
		},
		{
			name:     "attempts exhausted",
			attempts: 1,
			registry: &fakeRegistry{resolved: resolvedOrderEvent()},
			factory: func(string) publisher {
				return &fakePublisher{results: []publishResult{fakePublishResult{err: errors.New("transient")}}}
			},
			maxAttempts: 2,
			wantReason:  enums.OutboxDLQReasonMaxAttempts,
			wantMessage: "max publish attempts reached: transient",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event := orderEvent(t, enums.EventOrderCreated, tc.attempts)
			repo := &fakeRepo{events: []models.OutboxEvent{event}}
			dlq := &fakeDLQRepo{}
			var cfg *config.OutboxConfig
			if tc.maxAttempts > 0 {
				cfg = &config.OutboxConfig{BatchSize: 1, PollIntervalMS: 100, MaxAttempts: tc.maxAttempts}
			}
			service := newTestServiceWithFactory(t, repo, tc.factory, tc.registry, dlq, cfg)

			_, err := service.processBatch(context.Background())
			require.NoError(t, err)
			require.Len(t, dlq.entries, 1)

			entry := dlq.entries[0]
			assert.Equal(t, event.ID, entry.EventID)
			assert.Equal(t, event.Payload, entry.Payload)
			assert.Equal(t, tc.wantReason, entry.ErrorReason)
			require.NotNil(t, entry.ErrorMessage)
			assert.Contains(t, *entry.ErrorMessage, tc.wantMessage)
			assert.Equal(t, []uuid.UUID{event.ID}, repo.terminal)
			assert.Empty(t, repo.failed)
		})
	}
}

func TestBackoffDoublesUpToCeiling(t *testing.T) {
	b := newBackoff(500*time.Millisecond, maxBackoff)

	assert.Equal(t, time.Second, b.grow())
	assert.Equal(t, 2*time.Second, b.grow())
	for i := 0; i < 5; i++ {
		b.grow()
	}
	assert.Equal(t, maxBackoff, b.grow())
	assert.Equal(t, 500*time.Millisecond, b.reset())
}

func TestJitterStaysInWindow(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := jitter()
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, jitterWindow)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	service := newTestService(t, &fakeRepo{}, &fakePublisher{}, &fakeRegistry{resolved: resolvedOrderEvent()}, &fakeDLQRepo{}, nil)

	assert.ErrorIs(t, service.Run(ctx), context.Canceled)
}

func TestRunFailsWhenPubSubIsDown(t *testing.T) {
	service, err := NewService(ServiceParams{
		Logger:        testLogger(),
		DB:            &fakeDB{},
		PubSub:        &fakePubSubClient{pingErr: errors.New("unavailable")},
		Repository:    &fakeRepo{},
		DLQRepository: &fakeDLQRepo{},
		Registry:      &fakeRegistry{},
	})
	require.NoError(t, err)

	assert.ErrorContains(t, service.Run(context.Background()), "pubsub ping failed")
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceParams{Logger: testLogger(), DB: &fakeDB{}, PubSub: &fakePubSubClient{}})
	assert.ErrorContains(t, err, "outbox repository is required")
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "outbox-publisher-test", Output: io.Discard})
}

func newTestService(t *testing.T, repo outboxRepository, pub publisher, reg registryResolver, dlq dlqRepository, override *config.OutboxConfig) *Service {
	t.Helper()
	return newTestServiceWithFactory(t, repo, func(string) publisher { return pub }, reg, dlq, override)
}

func newTestServiceWithFactory(t *testing.T, repo outboxRepository, factory publisherFactory, reg registryResolver, dlq dlqRepository, override *config.OutboxConfig) *Service {
	t.Helper()
	outboxCfg := config.OutboxConfig{BatchSize: 2, PollIntervalMS: 100, MaxAttempts: 5}
	if override != nil {
		outboxCfg = *override
	}
	service, err := NewService(ServiceParams{
		Config:           outboxCfg,
		Logger:           testLogger(),
		DB:               &fakeDB{},
		PubSub:           &fakePubSubClient{},
		Repository:       repo,
		DLQRepository:    dlq,
		Registry:         reg,
		PublisherFactory: factory,
	})
	require.NoError(t, err)
	return service
}

func mustEnvelopePayload(tb testing.TB, eventID string) json.RawMessage {
	tb.Helper()
	payload, err := json.Marshal(outbox.PayloadEnvelope{
		Version:    outbox.CurrentVersion,
		EventID:    eventID,
		OccurredAt: time.Now(),
		Data:       json.RawMessage(`{}`),
	})
	if err != nil {
		tb.Fatalf("marshal envelope: %v", err)
	}
	return payload
}

type fakeRepo struct {
	events    []models.OutboxEvent
	published []uuid.UUID
	failed    []uuid.UUID
	terminal  []uuid.UUID
}

func (f *fakeRepo) FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error) {
	return f.events, nil
}

func (f *fakeRepo) MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error {
	f.published = append(f.published, id)
	return nil
}

func (f *fakeRepo) MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error {
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeRepo) MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error {
	f.terminal = append(f.terminal, id)
	return nil
}

type fakeDB struct{}

func (f *fakeDB) Ping(context.Context) error {
	return nil
}

func (f *fakeDB) WithTx(_ context.Context, fn func(*gorm.DB) error) error {
	return fn(nil)
}

type fakePubSubClient struct {
	pingErr error
}

func (f *fakePubSubClient) Ping(context.Context) error {
	return f.pingErr
}

func (f *fakePubSubClient) Publisher(name string) *gcppubsub.Publisher {
	return nil
}

type fakePublisher struct {
	results  []publishResult
	messages []*gcppubsub.Message
}

func (f *fakePublisher) Publish(_ context.Context, msg *gcppubsub.Message) publishResult {
	f.messages = append(f.messages, msg)
	if len(f.results) == 0 {
		return nil
	}
	result := f.results[0]
	f.results = f.results[1:]
	return result
}

type fakePublishResult struct {
	err error
}

func (f fakePublishResult) Get(context.Context) (string, error) {
	return "", f.err
}

type fakeRegistry struct {
	resolved *registry.ResolvedEvent
	err      error
}

func (f *fakeRegistry) Resolve(event models.OutboxEvent) (*registry.ResolvedEvent, error) {
	if f.resolved == nil {
		return nil, f.err
	}
	resolved := *f.resolved
	resolved.Descriptor.AggregateType = event.AggregateType
	resolved.Envelope.EventID = event.ID.String()
	return &resolved, f.err
}

type fakeDLQRepo struct {
	entries []models.OutboxDLQ
}

func (f *fakeDLQRepo) InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error {
	f.entries = append(f.entries, entry)
	return nil
}
