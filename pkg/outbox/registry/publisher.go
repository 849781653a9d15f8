package registry

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
)

// EventDescriptor routes one event type: the aggregate it belongs to and the
// topic it is published on.
type EventDescriptor struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	Topic         string
}

// ResolvedEvent is an outbox row that passed validation, with its payload
// decoded into the typed struct from package payloads.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    interface{}
}

// EventRegistry is what the outbox publisher consults before sending a row.
type EventRegistry struct {
	routes   map[enums.OutboxEventType]EventDescriptor
	decoders *DecoderRegistry
}

// NonRetryableError marks a row that will fail the same way on every attempt.
type NonRetryableError struct {
	Err error
}

func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error { return e.Err }

func nonRetryable(format string, args ...any) error {
	return NonRetryableError{Err: fmt.Errorf(format, args...)}
}

// NewEventRegistry routes every order event to the orders topic and decodes
// payloads with the order decoders.
func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	if cfg.OrdersTopic == "" {
		return nil, errors.New("orders topic is required")
	}
	reg := &EventRegistry{
		routes:   make(map[enums.OutboxEventType]EventDescriptor),
		decoders: NewOrderDecoderRegistry(),
	}
	for _, eventType := range []enums.OutboxEventType{
		enums.EventOrderCreated,
		enums.EventOrderPaid,
		enums.EventOrderStatusChanged,
		enums.EventOrderCancelled,
		enums.EventOrderExpired,
		enums.EventOrderRefunded,
		enums.EventPaymentFailed,
	} {
		reg.routes[eventType] = EventDescriptor{
			EventType:     eventType,
			AggregateType: enums.AggregateOrder,
			Topic:         cfg.OrdersTopic,
		}
	}
	return reg, nil
}

func (r *EventRegistry) Descriptor(eventType enums.OutboxEventType) (EventDescriptor, bool) {
	desc, ok := r.routes[eventType]
	return desc, ok
}

// Resolve checks the row against its route and decodes the payload. Every
// failure is non-retryable: the row content will not change.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.routes[event.EventType]
	switch {
	case !ok:
		return nil, nonRetryable("unsupported event type %s", event.EventType)
	case desc.AggregateType != event.AggregateType:
		return nil, nonRetryable("aggregate mismatch: expected %s got %s", desc.AggregateType, event.AggregateType)
	case event.AggregateID == uuid.Nil:
		return nil, nonRetryable("missing aggregate_id")
	}

	envelope, err := outbox.DecodeEnvelope(event.Payload)
	if err != nil {
		return nil, nonRetryable("decode envelope: %w", err)
	}
	data := bytes.TrimSpace(envelope.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nonRetryable("payload missing for %s", event.EventType)
	}

	payload, err := r.decoders.Decode(event.EventType, envelope.PayloadVersion(), data)
	if err != nil {
		return nil, nonRetryable("decode %s payload: %w", event.EventType, err)
	}
	return &ResolvedEvent{Descriptor: desc, Envelope: envelope, Payload: payload}, nil
}
