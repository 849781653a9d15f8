package enums

import "slices"

// OutboxAggregateType maps to the aggregate_type enum in Postgres.
type OutboxAggregateType string

const AggregateOrder OutboxAggregateType = "order"

var aggregateTypes = []OutboxAggregateType{AggregateOrder}

func (a OutboxAggregateType) IsValid() bool { return slices.Contains(aggregateTypes, a) }

func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	return parse("aggregate type", value, aggregateTypes)
}

// OutboxEventType maps to the event_type enum in Postgres and names the
// event on the wire.
type OutboxEventType string

const (
	EventOrderCreated       OutboxEventType = "order_created"
	EventOrderPaid          OutboxEventType = "order_paid"
	EventOrderStatusChanged OutboxEventType = "order_status_changed"
	EventOrderCancelled     OutboxEventType = "order_cancelled"
	EventOrderExpired       OutboxEventType = "order_expired"
	EventOrderRefunded      OutboxEventType = "order_refunded"
	EventPaymentFailed      OutboxEventType = "payment_failed"
)

var outboxEventTypes = []OutboxEventType{
	EventOrderCreated,
	EventOrderPaid,
	EventOrderStatusChanged,
	EventOrderCancelled,
	EventOrderExpired,
	EventOrderRefunded,
	EventPaymentFailed,
}

func (e OutboxEventType) IsValid() bool { return slices.Contains(outboxEventTypes, e) }

func ParseOutboxEventType(value string) (OutboxEventType, error) {
	return parse("event type", value, outboxEventTypes)
}

type OutboxDLQErrorReason string

const (
	OutboxDLQReasonMaxAttempts  OutboxDLQErrorReason = "max_attempts"
	OutboxDLQReasonNonRetryable OutboxDLQErrorReason = "non_retryable"
)

func (r OutboxDLQErrorReason) IsValid() bool {
	return r == OutboxDLQReasonMaxAttempts || r == OutboxDLQReasonNonRetryable
}
