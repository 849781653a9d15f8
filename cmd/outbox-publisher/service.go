package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/registry"
)

const (
	defaultBatchSize      = 50
	defaultPollMs         = 500
	defaultPublishTimeout = 15 * time.Second
	defaultMaxAttempts    = 10
	maxBackoff            = 10 * time.Second
	jitterWindow          = 250 * time.Millisecond
)

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type pubSubClient interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
}

type outboxRepository interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type dlqRepository interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type registryResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

type ServiceParams struct {
	Config           config.OutboxConfig
	Logger           *logger.Logger
	DB               dbClient
	PubSub           pubSubClient
	Repository       outboxRepository
	DLQRepository    dlqRepository
	Registry         registryResolver
	PublisherFactory publisherFactory
	Metrics          *metrics.OutboxMetrics
	Now              func() time.Time
}

// Service drains outbox_events onto Pub/Sub in created_at order.
type Service struct {
	logg       *logger.Logger
	db         dbClient
	pubsub     pubSubClient
	repo       outboxRepository
	dlq        dlqRepository
	registry   registryResolver
	publishers *publisherCache
	metrics    *metrics.OutboxMetrics
	now        func() time.Time

	batchSize    int
	maxAttempts  int
	pollInterval time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	for _, req := range []struct {
		missing bool
		what    string
	}{
		{params.Logger == nil, "logger"},
		{params.DB == nil, "database client"},
		{params.PubSub == nil, "pubsub client"},
		{params.Repository == nil, "outbox repository"},
		{params.DLQRepository == nil, "dlq repository"},
		{params.Registry == nil, "event registry"},
	} {
		if req.missing {
			return nil, fmt.Errorf("%s is required", req.what)
		}
	}

	factory := params.PublisherFactory
	if factory == nil {
		factory = func(topic string) publisher {
			return newOrderedPublisher(params.PubSub.Publisher(topic))
		}
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		logg:         params.Logger,
		db:           params.DB,
		pubsub:       params.PubSub,
		repo:         params.Repository,
		dlq:          params.DLQRepository,
		registry:     params.Registry,
		publishers:   &publisherCache{build: factory, byTopic: map[string]publisher{}},
		metrics:      params.Metrics,
		now:          now,
		batchSize:    positiveOr(params.Config.BatchSize, defaultBatchSize),
		maxAttempts:  positiveOr(params.Config.MaxAttempts, defaultMaxAttempts),
		pollInterval: time.Duration(positiveOr(params.Config.PollIntervalMS, defaultPollMs)) * time.Millisecond,
	}, nil
}

func positiveOr(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func (s *Service) checkDependencies(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if err := s.pubsub.Ping(ctx); err != nil {
		return fmt.Errorf("pubsub ping failed: %w", err)
	}
	return nil
}

// Run polls until ctx is canceled. A batch that claimed rows is followed
// straight away by the next one; failed batches back off exponentially.
func (s *Service) Run(ctx context.Context) error {
	if err := s.checkDependencies(ctx); err != nil {
		s.logg.Error(ctx, "outbox publisher not ready", err)
		return err
	}

	delay := newBackoff(s.pollInterval, maxBackoff)
	for ctx.Err() == nil {
		processed, err := s.processBatch(ctx)
		var wait time.Duration
		switch {
		case err != nil:
			s.logg.Error(ctx, "outbox publisher batch error", err)
			wait = delay.grow()
		case processed:
			delay.reset()
			continue
		default:
			wait = delay.reset()
		}
		if err := sleepCtx(ctx, wait+jitter()); err != nil {
			break
		}
	}
	s.logg.Info(ctx, "outbox publisher context canceled")
	return ctx.Err()
}

// processBatch claims up to batchSize rows in one transaction and settles
// each. It reports whether any row was claimed.
func (s *Service) processBatch(ctx context.Context) (processed bool, err error) {
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		events, err := s.repo.FetchUnpublishedForPublish(tx, s.batchSize, s.maxAttempts)
		if err != nil {
			return err
		}
		processed = len(events) > 0
		for _, event := range events {
			if err := s.dispatch(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
	return processed, err
}

// dispatch publishes one row and records the outcome on it. Publish
// failures become row state; only bookkeeping failures are returned.
func (s *Service) dispatch(ctx context.Context, tx *gorm.DB, event models.OutboxEvent) error {
	resolved, err := s.registry.Resolve(event)
	if err != nil {
		return s.deadLetter(ctx, tx, event, enums.OutboxDLQReasonNonRetryable, err, eventFields(event, nil))
	}
	fields := eventFields(event, resolved)

	pubErr := s.publish(ctx, event, resolved)
	switch {
	case pubErr == nil:
		if err := s.repo.MarkPublishedTx(tx, event.ID); err != nil {
			return fmt.Errorf("mark published %s: %w", event.ID, err)
		}
		s.metrics.Record(string(event.EventType), metrics.OutboxPublished)
		s.logg.Info(s.logg.WithFields(ctx, fields), "outbox event published")
		return nil
	case isNonRetryable(pubErr):
		return s.deadLetter(ctx, tx, event, enums.OutboxDLQReasonNonRetryable, pubErr, fields)
	}

	fields["attempt_count"] = event.AttemptCount + 1
	if event.AttemptCount+1 >= s.maxAttempts {
		cause := fmt.Errorf("max publish attempts reached: %w", pubErr)
		return s.deadLetter(ctx, tx, event, enums.OutboxDLQReasonMaxAttempts, cause, fields)
	}

	fields["error"] = pubErr.Error()
	s.logg.Warn(s.logg.WithFields(ctx, fields), "outbox publish failed, will retry")
	if err := s.repo.MarkFailedTx(tx, event.ID, pubErr); err != nil {
		return fmt.Errorf("mark failure %s: %w", event.ID, err)
	}
	s.metrics.Record(string(event.EventType), metrics.OutboxRetried)
	return nil
}

func isNonRetryable(err error) bool {
	var nonRetry registry.NonRetryableError
	return errors.As(err, &nonRetry)
}

func (s *Service) deadLetter(ctx context.Context, tx *gorm.DB, event models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error, fields map[string]any) error {
	fields["error_reason"] = reason
	fields["error"] = cause.Error()
	s.logg.Warn(s.logg.WithFields(ctx, fields), "outbox event moved to dlq")

	if err := s.dlq.InsertTx(tx, outbox.DeadLetter(event, reason, cause, s.now())); err != nil {
		return fmt.Errorf("insert dlq %s: %w", event.ID, err)
	}
	if err := s.repo.MarkTerminalTx(tx, event.ID, cause, s.maxAttempts); err != nil {
		return fmt.Errorf("mark terminal %s: %w", event.ID, err)
	}
	s.metrics.Record(string(event.EventType), metrics.OutboxDeadLettered)
	return nil
}

func eventFields(event models.OutboxEvent, resolved *registry.ResolvedEvent) map[string]any {
	fields := map[string]any{
		"outbox_id":      event.ID.String(),
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID.String(),
		"attempt_count":  event.AttemptCount,
	}
	if event.LastError != nil {
		fields["last_error"] = *event.LastError
	}
	if resolved == nil {
		return fields
	}
	fields["topic"] = resolved.Descriptor.Topic
	if id := resolved.Envelope.EventID; id != "" {
		fields["event_id"] = id
		fields["occurred_at"] = resolved.Envelope.OccurredAt.Format(time.RFC3339Nano)
	}
	return fields
}

// backoff doubles from base up to ceiling on consecutive failures.
type backoff struct {
	base, ceiling, current time.Duration
}

func newBackoff(base, ceiling time.Duration) *backoff {
	return &backoff{base: base, ceiling: ceiling, current: base}
}

func (b *backoff) grow() time.Duration {
	b.current = min(b.current*2, b.ceiling)
	return b.current
}

func (b *backoff) reset() time.Duration {
	b.current = b.base
	return b.current
}

func jitter() time.Duration {
	return rand.N(jitterWindow)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
