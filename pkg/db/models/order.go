package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/types"
)

// Order is the immutable-snapshot purchase record created at checkout.
type Order struct {
	ID              uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID          uuid.UUID           `gorm:"column:user_id;type:uuid;not null"`
	Status          enums.OrderStatus   `gorm:"column:status;type:order_status;not null;default:'pending'"`
	IsPaid          bool                `gorm:"column:is_paid;not null;default:false"`
	PaidAt          *time.Time          `gorm:"column:paid_at"`
	IsDelivered     bool                `gorm:"column:is_delivered;not null;default:false"`
	DeliveredAt     *time.Time          `gorm:"column:delivered_at"`
	CancelledAt     *time.Time          `gorm:"column:cancelled_at"`
	SubtotalCents   int64               `gorm:"column:subtotal_cents;not null"`
	TaxCents        int64               `gorm:"column:tax_cents;not null"`
	ShippingCents   int64               `gorm:"column:shipping_cents;not null"`
	TotalCents      int64               `gorm:"column:total_cents;not null"`
	Currency        string              `gorm:"column:currency;not null;default:'usd'"`
	ShippingAddress types.Address       `gorm:"column:shipping_address;type:jsonb;serializer:json;not null"`
	PaymentMethod   enums.PaymentMethod `gorm:"column:payment_method;type:payment_method;not null"`
	CartFingerprint string              `gorm:"column:cart_fingerprint;not null"`
	PaymentIntentID *string             `gorm:"column:payment_intent_id"`
	LineItems       []OrderLineItem     `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	CreatedAt       time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (o *Order) BeforeCreate(*gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// IsPayable reports whether a payment may still be applied to the order.
func (o *Order) IsPayable() bool {
	return o != nil && !o.IsPaid && o.Status == enums.OrderStatusPending
}
