package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/enums"
)

// PaymentAttempt binds one gateway payment intent to the order it charges.
type PaymentAttempt struct {
	ID               uuid.UUID                  `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID          uuid.UUID                  `gorm:"column:order_id;type:uuid;not null"`
	UserID           uuid.UUID                  `gorm:"column:user_id;type:uuid;not null"`
	ProviderIntentID string                     `gorm:"column:provider_intent_id;not null;uniqueIndex"`
	AmountCents      int64                      `gorm:"column:amount_cents;not null"`
	Currency         string                     `gorm:"column:currency;not null"`
	Status           enums.PaymentAttemptStatus `gorm:"column:status;type:payment_attempt_status;not null;default:'created'"`
	FailureReason    *string                    `gorm:"column:failure_reason"`
	CreatedAt        time.Time                  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time                  `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *PaymentAttempt) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
