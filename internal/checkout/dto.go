package checkout

import (
	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/types"
)

// PlaceOrderInput is what the client may choose at checkout. Prices and
// totals always come from the server.
type PlaceOrderInput struct {
	ShippingAddress types.Address
	PaymentMethod   enums.PaymentMethod
}

// PlaceOrderResult reports the order and whether it already existed.
type PlaceOrderResult struct {
	Order   *models.Order
	Resumed bool
}

// IntentResult is handed to the client to confirm the payment.
type IntentResult struct {
	OrderID      uuid.UUID `json:"orderId"`
	IntentID     string    `json:"intentId"`
	ClientSecret string    `json:"clientSecret"`
	AmountCents  int64     `json:"amountCents"`
	Currency     string    `json:"currency"`
}

// ConfirmInput names the intent the client says it confirmed.
type ConfirmInput struct {
	OrderID         uuid.UUID
	PaymentIntentID string
}

// ConfirmResult is the order after confirmation.
type ConfirmResult struct {
	Order             *models.Order
	AlreadyPaid       bool
	DuplicateRefunded bool
	State             State
}

// FailureInput is a client-side payment failure report.
type FailureInput struct {
	OrderID         uuid.UUID
	PaymentIntentID string
	Reason          string
}
