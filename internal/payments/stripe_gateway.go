package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/paymentintent"
	"github.com/stripe/stripe-go/v84/refund"

	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	pkgstripe "github.com/angelmondragon/storefront-backend/pkg/stripe"
)

// StripeAPI is the subset of Stripe resources the gateway calls.
type StripeAPI interface {
	NewPaymentIntent(ctx context.Context, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	CancelPaymentIntent(ctx context.Context, id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
	NewRefund(ctx context.Context, params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeAPIWrapper struct{}

// NewStripeAPI returns the live Stripe resource calls. The client must have
// been initialised so stripe.Key is set.
func NewStripeAPI(client *pkgstripe.Client) StripeAPI {
	if client == nil {
		return nil
	}
	return &stripeAPIWrapper{}
}

func (w *stripeAPIWrapper) NewPaymentIntent(ctx context.Context, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	if params != nil {
		params.Context = ctx
	}
	return paymentintent.New(params)
}

func (w *stripeAPIWrapper) GetPaymentIntent(ctx context.Context, id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	if params != nil {
		params.Context = ctx
	}
	return paymentintent.Get(id, params)
}

func (w *stripeAPIWrapper) CancelPaymentIntent(ctx context.Context, id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	if params != nil {
		params.Context = ctx
	}
	return paymentintent.Cancel(id, params)
}

func (w *stripeAPIWrapper) NewRefund(ctx context.Context, params *stripe.RefundParams) (*stripe.Refund, error) {
	if params != nil {
		params.Context = ctx
	}
	return refund.New(params)
}

// StripeGateway implements Gateway on Stripe PaymentIntents.
type StripeGateway struct {
	api            StripeAPI
	publishableKey string
}

// NewStripeGateway builds the gateway. publishableKey is served to clients.
func NewStripeGateway(api StripeAPI, publishableKey string) (*StripeGateway, error) {
	if api == nil {
		return nil, fmt.Errorf("stripe api required")
	}
	return &StripeGateway{api: api, publishableKey: publishableKey}, nil
}

func (g *StripeGateway) CreateIntent(ctx context.Context, input CreateIntentInput) (*Intent, error) {
	if input.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(input.AmountCents),
		Currency: stripe.String(strings.ToLower(input.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.AddMetadata(MetadataOrderID, input.OrderID.String())
	params.AddMetadata(MetadataUserID, input.UserID.String())
	params.SetIdempotencyKey(input.IdempotencyKey())

	pi, err := g.api.NewPaymentIntent(ctx, params)
	if err != nil {
		return nil, gatewayError(err, "create payment intent")
	}
	return IntentFromStripe(pi), nil
}

// GetIntent fetches the intent's current state without judging it.
func (g *StripeGateway) GetIntent(ctx context.Context, intentID string) (*Intent, error) {
	if strings.TrimSpace(intentID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment intent id required")
	}
	pi, err := g.api.GetPaymentIntent(ctx, intentID, &stripe.PaymentIntentParams{})
	if err != nil {
		return nil, gatewayError(err, "retrieve payment intent")
	}
	return IntentFromStripe(pi), nil
}

func (g *StripeGateway) ConfirmIntent(ctx context.Context, intentID string, expected Expectation) (*Intent, error) {
	intent, err := g.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if err := VerifyIntent(intent, expected); err != nil {
		return intent, err
	}
	return intent, nil
}

// CancelIntent abandons an intent so it can no longer be paid.
func (g *StripeGateway) CancelIntent(ctx context.Context, intentID string) (*Intent, error) {
	if strings.TrimSpace(intentID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment intent id required")
	}
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	}
	pi, err := g.api.CancelPaymentIntent(ctx, intentID, params)
	if err != nil {
		return nil, gatewayError(err, "cancel payment intent")
	}
	return IntentFromStripe(pi), nil
}

func (g *StripeGateway) Refund(ctx context.Context, intentID string) (*RefundResult, error) {
	if strings.TrimSpace(intentID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment intent id required")
	}
	params := &stripe.RefundParams{PaymentIntent: stripe.String(intentID)}
	params.SetIdempotencyKey("refund-" + intentID)
	r, err := g.api.NewRefund(ctx, params)
	if err != nil {
		return nil, gatewayError(err, "refund payment")
	}
	return &RefundResult{ID: r.ID, Status: string(r.Status), AmountCents: r.Amount}, nil
}

func (g *StripeGateway) PublishableKey() string {
	return g.publishableKey
}

// IntentFromStripe converts a Stripe payment intent.
func IntentFromStripe(pi *stripe.PaymentIntent) *Intent {
	if pi == nil {
		return nil
	}
	intent := &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       IntentStatus(pi.Status),
		AmountCents:  pi.Amount,
		Currency:     string(pi.Currency),
		Metadata:     pi.Metadata,
	}
	if pi.LastPaymentError != nil {
		intent.FailureMsg = pi.LastPaymentError.Msg
	}
	return intent
}

func gatewayError(err error, action string) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		details := map[string]any{"type": string(stripeErr.Type)}
		if stripeErr.Code != "" {
			details["code"] = string(stripeErr.Code)
		}
		if stripeErr.Type == stripe.ErrorTypeCard {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, stripeErr.Msg).WithDetails(details)
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, action).WithDetails(details)
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, action)
}
