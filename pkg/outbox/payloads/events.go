package payloads

import (
	"time"

	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/google/uuid"
)

// OrderCreatedEvent is emitted when checkout persists a new pending order.
type OrderCreatedEvent struct {
	OrderID    uuid.UUID `json:"order_id"`
	UserID     uuid.UUID `json:"user_id"`
	TotalCents int64     `json:"total_cents"`
	Currency   string    `json:"currency"`
	ItemCount  int       `json:"item_count"`
}

// OrderPaidEvent is emitted once, on the transition of an order to paid.
type OrderPaidEvent struct {
	OrderID         uuid.UUID `json:"order_id"`
	UserID          uuid.UUID `json:"user_id"`
	PaymentIntentID string    `json:"payment_intent_id"`
	AmountCents     int64     `json:"amount_cents"`
	Currency        string    `json:"currency"`
	PaidAt          time.Time `json:"paid_at"`
}

// OrderStatusChangedEvent records an admin status update.
type OrderStatusChangedEvent struct {
	OrderID        uuid.UUID         `json:"order_id"`
	UserID         uuid.UUID         `json:"user_id"`
	PreviousStatus enums.OrderStatus `json:"previous_status"`
	Status         enums.OrderStatus `json:"status"`
	ChangedBy      uuid.UUID         `json:"changed_by"`
}

// OrderCancelledEvent is emitted when an unpaid order is cancelled.
type OrderCancelledEvent struct {
	OrderID     uuid.UUID `json:"order_id"`
	UserID      uuid.UUID `json:"user_id"`
	CancelledAt time.Time `json:"cancelled_at"`
	Reason      string    `json:"reason,omitempty"`
}

// OrderExpiredEvent is emitted by the expiry job for stale pending orders.
type OrderExpiredEvent struct {
	OrderID      uuid.UUID `json:"order_id"`
	UserID       uuid.UUID `json:"user_id"`
	PendingSince time.Time `json:"pending_since"`
	ExpiredAt    time.Time `json:"expired_at"`
}

// OrderRefundedEvent is emitted after a gateway refund succeeds.
type OrderRefundedEvent struct {
	OrderID         uuid.UUID `json:"order_id"`
	UserID          uuid.UUID `json:"user_id"`
	PaymentIntentID string    `json:"payment_intent_id"`
	AmountCents     int64     `json:"amount_cents"`
	Currency        string    `json:"currency"`
	RefundedAt      time.Time `json:"refunded_at"`
}

// PaymentFailedEvent is emitted when a client or webhook reports a failed charge.
type PaymentFailedEvent struct {
	OrderID         uuid.UUID `json:"order_id"`
	UserID          uuid.UUID `json:"user_id"`
	PaymentIntentID string    `json:"payment_intent_id"`
	Reason          string    `json:"reason,omitempty"`
}
