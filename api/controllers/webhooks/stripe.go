package webhooks

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/angelmondragon/storefront-backend/api/responses"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

const (
	maxWebhookBody  = 64 << 10
	signatureHeader = "Stripe-Signature"
)

// StripeWebhookService consumes verified Stripe events.
type StripeWebhookService interface {
	HandleEvent(ctx context.Context, event *stripe.Event) error
}

type webhookSecretSource interface {
	WebhookSecret() string
}

// StripeWebhook verifies Stripe payment intent events and hands them to svc.
func StripeWebhook(svc StripeWebhookService, secrets webhookSecretSource, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil || secrets == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}

		event, err := verifiedEvent(w, r, secrets.WebhookSecret())
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		ctx = logg.WithFields(ctx, map[string]any{
			"stripe_event_id":   event.ID,
			"stripe_event_type": string(event.Type),
		})
		if err := svc.HandleEvent(ctx, event); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]bool{"received": true})
	}
}

// verifiedEvent reads the capped body and checks the signature header
// against secret. Every failure maps to a validation error.
func verifiedEvent(w http.ResponseWriter, r *http.Request, secret string) (*stripe.Event, error) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "webhook payload too large")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body")
	}

	header := r.Header.Get(signatureHeader)
	if header == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stripe signature missing")
	}

	event, err := webhook.ConstructEvent(payload, header, secret)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "verify signature")
	}
	return &event, nil
}
