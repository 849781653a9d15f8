package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

// DomainEvent is what services hand to Emit inside their write transaction.
type DomainEvent struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	AggregateID   uuid.UUID
	Actor         *ActorRef
	Data          any
	Version       int
	OccurredAt    time.Time
}

func (e DomainEvent) validate() error {
	switch {
	case !e.EventType.IsValid():
		return fmt.Errorf("invalid event type %q", e.EventType)
	case !e.AggregateType.IsValid():
		return fmt.Errorf("invalid aggregate type %q", e.AggregateType)
	case e.AggregateID == uuid.Nil:
		return errors.New("aggregate id required")
	}
	return nil
}

// Emitter is the surface domain services depend on.
type Emitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event DomainEvent) error
}

// Service writes envelopes into outbox_events for the publisher to drain.
type Service struct {
	repo *Repository
	logg *logger.Logger
	now  func() time.Time
}

func NewService(repo *Repository, logg *logger.Logger) *Service {
	return &Service{repo: repo, logg: logg, now: time.Now}
}

// Emit appends the event to outbox_events using tx, so the row commits or
// rolls back with the caller's state change. The row id doubles as the
// envelope's eventId, which is what consumers dedupe on.
func (s *Service) Emit(ctx context.Context, tx *gorm.DB, event DomainEvent) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if err := event.validate(); err != nil {
		return err
	}

	row, err := s.buildRow(event)
	if err != nil {
		return err
	}
	if err := s.repo.Insert(tx, row); err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}

	if s.logg != nil {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"event_id":       row.ID.String(),
			"event_type":     string(event.EventType),
			"aggregate_id":   event.AggregateID.String(),
			"aggregate_type": string(event.AggregateType),
		}), "outbox event queued")
	}
	return nil
}

func (s *Service) buildRow(event DomainEvent) (models.OutboxEvent, error) {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("encode %s payload: %w", event.EventType, err)
	}

	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = s.now()
	}
	version := event.Version
	if version <= 0 {
		version = CurrentVersion
	}

	id := uuid.New()
	envelope, err := json.Marshal(PayloadEnvelope{
		Version:    version,
		EventID:    id.String(),
		EventType:  string(event.EventType),
		OccurredAt: occurred.UTC(),
		Actor:      event.Actor,
		Data:       data,
	})
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("encode envelope: %w", err)
	}

	return models.OutboxEvent{
		ID:            id,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       envelope,
	}, nil
}
