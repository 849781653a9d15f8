// Package payments talks to the card processor and records the local
// binding between gateway intents and orders.
package payments

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
)

// Metadata keys written on every intent.
const (
	MetadataOrderID = "order_id"
	MetadataUserID  = "user_id"
)

// IntentStatus mirrors the processor's payment intent lifecycle.
type IntentStatus string

const (
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentProcessing            IntentStatus = "processing"
	IntentRequiresCapture       IntentStatus = "requires_capture"
	IntentCanceled              IntentStatus = "canceled"
	IntentSucceeded             IntentStatus = "succeeded"
)

// Intent is the processor-neutral view of a payment intent.
type Intent struct {
	ID           string
	ClientSecret string
	Status       IntentStatus
	AmountCents  int64
	Currency     string
	Metadata     map[string]string
	FailureMsg   string
}

// OrderID returns the order id recorded in the intent metadata.
func (i *Intent) OrderID() (uuid.UUID, error) {
	if i == nil {
		return uuid.Nil, fmt.Errorf("intent is nil")
	}
	return uuid.Parse(strings.TrimSpace(i.Metadata[MetadataOrderID]))
}

// CreateIntentInput carries the stored order values charged by CreateIntent.
type CreateIntentInput struct {
	OrderID     uuid.UUID
	UserID      uuid.UUID
	AmountCents int64
	Currency    string
	Attempt     int
}

// IdempotencyKey is stable per order and attempt number so a retried
// request never creates a second intent for the same attempt.
func (in CreateIntentInput) IdempotencyKey() string {
	return fmt.Sprintf("order-%s-attempt-%d", in.OrderID, in.Attempt)
}

// Expectation is what a confirmed intent must match.
type Expectation struct {
	OrderID     uuid.UUID
	AmountCents int64
	Currency    string
}

// RefundResult reports a completed gateway refund.
type RefundResult struct {
	ID          string
	Status      string
	AmountCents int64
}

// Gateway creates, verifies and refunds payment intents.
type Gateway interface {
	CreateIntent(ctx context.Context, input CreateIntentInput) (*Intent, error)
	GetIntent(ctx context.Context, intentID string) (*Intent, error)
	ConfirmIntent(ctx context.Context, intentID string, expected Expectation) (*Intent, error)
	CancelIntent(ctx context.Context, intentID string) (*Intent, error)
	Refund(ctx context.Context, intentID string) (*RefundResult, error)
	PublishableKey() string
}

// Open reports whether the intent can still be confirmed by the client.
func (i *Intent) Open() bool {
	if i == nil {
		return false
	}
	switch i.Status {
	case IntentRequiresPaymentMethod, IntentRequiresConfirmation, IntentRequiresAction:
		return true
	default:
		return false
	}
}

// Settling reports whether the processor has taken, or may still take, the
// customer's money for this intent.
func (i *Intent) Settling() bool {
	if i == nil {
		return false
	}
	switch i.Status {
	case IntentProcessing, IntentRequiresCapture, IntentSucceeded:
		return true
	default:
		return false
	}
}

// Charges reports whether intent carries exactly the given amount and currency.
func (i *Intent) Charges(amountCents int64, currency string) bool {
	return i != nil && i.AmountCents == amountCents && strings.EqualFold(i.Currency, currency)
}

// VerifyIntent checks that intent belongs to the expected order, charged the
// expected amount and succeeded. Binding failures are mismatches; anything
// short of succeeded is a gateway error, with processing left retryable.
func VerifyIntent(intent *Intent, expected Expectation) error {
	if intent == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "payment intent missing")
	}
	orderID, err := intent.OrderID()
	if err != nil || orderID != expected.OrderID {
		return pkgerrors.New(pkgerrors.CodePaymentMismatch, "payment intent is bound to a different order")
	}
	if !intent.Charges(expected.AmountCents, expected.Currency) {
		return pkgerrors.New(pkgerrors.CodePaymentMismatch, "payment amount does not match order total").
			WithDetails(map[string]any{
				"expectedAmountCents": expected.AmountCents,
				"expectedCurrency":    strings.ToLower(expected.Currency),
			})
	}
	switch intent.Status {
	case IntentSucceeded:
		return nil
	case IntentProcessing:
		return pkgerrors.New(pkgerrors.CodeStateConflict, "payment is still processing").
			WithRetryable(true)
	default:
		msg := fmt.Sprintf("payment not completed (status %s)", intent.Status)
		if intent.FailureMsg != "" {
			msg = fmt.Sprintf("%s: %s", msg, intent.FailureMsg)
		}
		return pkgerrors.New(pkgerrors.CodeDependency, msg).
			WithDetails(map[string]any{"status": string(intent.Status)})
	}
}
