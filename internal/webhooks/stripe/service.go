package stripewebhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/storefront-backend/internal/checkout"
	"github.com/angelmondragon/storefront-backend/internal/payments"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/idempotency"
)

// Consumer scopes the processed-event markers of this webhook.
const Consumer = "stripe-webhook"

type reconciler interface {
	ReconcileIntent(ctx context.Context, intent *payments.Intent) (*checkout.ConfirmResult, error)
	RecordIntentFailure(ctx context.Context, intent *payments.Intent) error
}

type ServiceParams struct {
	Checkout    reconciler
	Idempotency *idempotency.Manager
	Logger      *logger.Logger
}

// Service applies verified Stripe events to checkout, once per event id.
type Service struct {
	checkout reconciler
	guard    *idempotency.Manager
	logg     *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Checkout == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "checkout service required")
	}
	if params.Idempotency == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "idempotency manager required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{
		checkout: params.Checkout,
		guard:    params.Idempotency,
		logg:     params.Logger,
	}, nil
}

// HandleEvent dispatches a signature-verified event. Redelivered events are
// acknowledged without reprocessing.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.Data == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}
	if event.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event id required")
	}
	ctx = s.logg.WithFields(ctx, map[string]any{
		"stripe_event_id":   event.ID,
		"stripe_event_type": string(event.Type),
	})

	err := s.guard.Run(ctx, Consumer, event.ID, func(ctx context.Context) error {
		return s.dispatch(ctx, event)
	})
	if errors.Is(err, idempotency.ErrAlreadyProcessed) {
		s.logg.Info(ctx, "stripe event already processed")
		return nil
	}
	return err
}

func (s *Service) dispatch(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		intent, err := decodeIntent(event)
		if err != nil {
			return err
		}
		ctx = s.logg.WithIntentID(ctx, intent.ID)
		_, err = s.checkout.ReconcileIntent(ctx, intent)
		if settledForGood(err) {
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "stripe intent rejected during reconciliation")
			return nil
		}
		return err
	case stripe.EventTypePaymentIntentPaymentFailed, stripe.EventTypePaymentIntentCanceled:
		intent, err := decodeIntent(event)
		if err != nil {
			return err
		}
		if intent.FailureMsg == "" {
			intent.FailureMsg = fmt.Sprintf("payment intent %s", intent.Status)
		}
		return s.checkout.RecordIntentFailure(s.logg.WithIntentID(ctx, intent.ID), intent)
	default:
		s.logg.Debug(ctx, "stripe event ignored")
		return nil
	}
}

// settledForGood reports reconcile errors that redelivery cannot change: a
// binding mismatch, or an order that can no longer be paid.
func settledForGood(err error) bool {
	switch {
	case pkgerrors.HasCode(err, pkgerrors.CodePaymentMismatch):
		return true
	case pkgerrors.HasCode(err, pkgerrors.CodeStateConflict):
		return !pkgerrors.IsRetryable(err)
	default:
		return false
	}
}

func decodeIntent(event *stripe.Event) (*payments.Intent, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode payment intent event")
	}
	if pi.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment intent id missing")
	}
	return payments.IntentFromStripe(&pi), nil
}
