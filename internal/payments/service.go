package payments

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

// ClientConfig is what browsers need to mount the payment element.
type ClientConfig struct {
	PublishableKey string `json:"publishableKey"`
	Currency       string `json:"currency"`
}

// AttemptDTO is the public shape of a payment attempt.
type AttemptDTO struct {
	ID              uuid.UUID                  `json:"id"`
	OrderID         uuid.UUID                  `json:"orderId"`
	PaymentIntentID string                     `json:"paymentIntentId"`
	AmountCents     int64                      `json:"amountCents"`
	Currency        string                     `json:"currency"`
	Status          enums.PaymentAttemptStatus `json:"status"`
	FailureReason   *string                    `json:"failureReason,omitempty"`
	CreatedAt       time.Time                  `json:"createdAt"`
}

// Service serves payment configuration and history reads.
type Service struct {
	gateway  Gateway
	attempts *AttemptRepository
	currency string
}

// NewService wires the read side of payments.
func NewService(gateway Gateway, attempts *AttemptRepository, currency string) (*Service, error) {
	if gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository required")
	}
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		currency = "usd"
	}
	return &Service{gateway: gateway, attempts: attempts, currency: currency}, nil
}

// Config returns the publishable key and currency.
func (s *Service) Config() ClientConfig {
	return ClientConfig{PublishableKey: s.gateway.PublishableKey(), Currency: s.currency}
}

// History pages through the caller's payment attempts.
func (s *Service) History(ctx context.Context, userID uuid.UUID, params pagination.Params) (pagination.Page[AttemptDTO], error) {
	if userID == uuid.Nil {
		return pagination.Page[AttemptDTO]{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if _, err := pagination.ParseCursor(params.Cursor); err != nil {
		return pagination.Page[AttemptDTO]{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	page, err := s.attempts.ListForUser(ctx, userID, params)
	if err != nil {
		return pagination.Page[AttemptDTO]{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list payment attempts")
	}
	out := pagination.Page[AttemptDTO]{Items: make([]AttemptDTO, 0, len(page.Items)), NextCursor: page.NextCursor}
	for _, attempt := range page.Items {
		out.Items = append(out.Items, ToAttemptDTO(attempt))
	}
	return out, nil
}

// ToAttemptDTO maps an attempt row.
func ToAttemptDTO(attempt models.PaymentAttempt) AttemptDTO {
	return AttemptDTO{
		ID:              attempt.ID,
		OrderID:         attempt.OrderID,
		PaymentIntentID: attempt.ProviderIntentID,
		AmountCents:     attempt.AmountCents,
		Currency:        attempt.Currency,
		Status:          attempt.Status,
		FailureReason:   attempt.FailureReason,
		CreatedAt:       attempt.CreatedAt,
	}
}
