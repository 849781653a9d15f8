package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/payloads"
)

// ErrNoDecoder means nothing is registered for an event type at a payload version.
var ErrNoDecoder = errors.New("decoder not registered")

// DecoderFunc turns a payload's data field into its typed struct.
type DecoderFunc func(payload json.RawMessage) (any, error)

type decoderKey struct {
	eventType enums.OutboxEventType
	version   int
}

func (k decoderKey) String() string { return fmt.Sprintf("%s@v%d", k.eventType, k.version) }

// DecoderRegistry maps (event type, payload version) to a decoder. It is
// safe to register and decode concurrently.
type DecoderRegistry struct {
	mu       sync.RWMutex
	decoders map[decoderKey]DecoderFunc
}

// NewDecoderRegistry builds an empty decoder registry.
func NewDecoderRegistry() *DecoderRegistry {
	return &DecoderRegistry{decoders: map[decoderKey]DecoderFunc{}}
}

// Register binds decoder to eventType at version, replacing any earlier one.
func (r *DecoderRegistry) Register(eventType enums.OutboxEventType, version int, decoder DecoderFunc) {
	r.mu.Lock()
	r.decoders[decoderKey{eventType, version}] = decoder
	r.mu.Unlock()
}

// NewOrderDecoderRegistry registers v1 decoders for every order event.
func NewOrderDecoderRegistry() *DecoderRegistry {
	reg := NewDecoderRegistry()
	for eventType, decoder := range map[enums.OutboxEventType]DecoderFunc{
		enums.EventOrderCreated:       decodeInto[payloads.OrderCreatedEvent],
		enums.EventOrderPaid:          decodeInto[payloads.OrderPaidEvent],
		enums.EventOrderStatusChanged: decodeInto[payloads.OrderStatusChangedEvent],
		enums.EventOrderCancelled:     decodeInto[payloads.OrderCancelledEvent],
		enums.EventOrderExpired:       decodeInto[payloads.OrderExpiredEvent],
		enums.EventOrderRefunded:      decodeInto[payloads.OrderRefundedEvent],
		enums.EventPaymentFailed:      decodeInto[payloads.PaymentFailedEvent],
	} {
		reg.Register(eventType, 1, decoder)
	}
	return reg
}

func decodeInto[T any](payload json.RawMessage) (any, error) {
	out := new(T)
	if err := json.Unmarshal(payload, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Decode runs the decoder registered for eventType at version.
func (r *DecoderRegistry) Decode(eventType enums.OutboxEventType, version int, payload json.RawMessage) (any, error) {
	key := decoderKey{eventType, version}
	r.mu.RLock()
	decoder, ok := r.decoders[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoDecoder, key)
	}
	return decoder(payload)
}
