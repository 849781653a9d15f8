package controllers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/api/responses"
	"github.com/angelmondragon/storefront-backend/api/validators"
	"github.com/angelmondragon/storefront-backend/internal/checkout"
	"github.com/angelmondragon/storefront-backend/internal/orders"
	"github.com/angelmondragon/storefront-backend/internal/payments"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

// PaymentsReader serves the read side of payments.
type PaymentsReader interface {
	Config() payments.ClientConfig
	History(ctx context.Context, userID uuid.UUID, params pagination.Params) (pagination.Page[payments.AttemptDTO], error)
}

type createIntentRequest struct {
	OrderID string `json:"orderId" validate:"required,uuid"`
}

type confirmPaymentRequest struct {
	PaymentIntentID string `json:"paymentIntentId" validate:"required,notblank,max=255"`
	OrderID         string `json:"orderId" validate:"required,uuid"`
}

type paymentFailureRequest struct {
	PaymentIntentID string `json:"paymentIntentId" validate:"required,notblank,max=255"`
	OrderID         string `json:"orderId" validate:"required,uuid"`
	Reason          string `json:"reason" validate:"max=1000"`
}

type confirmPaymentResponse struct {
	Order       orders.OrderDTO `json:"order"`
	AlreadyPaid bool            `json:"alreadyPaid"`
	State       checkout.State  `json:"state"`
}

// CreatePaymentIntent opens a gateway intent for a pending order.
func CreatePaymentIntent(svc checkout.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}
		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body createIntentRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		orderID, err := uuid.Parse(body.OrderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid orderId"))
			return
		}

		result, err := svc.CreatePaymentIntent(r.Context(), actor, orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}

// ConfirmPayment verifies a client-confirmed intent with the gateway.
func ConfirmPayment(svc checkout.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}
		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body confirmPaymentRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		orderID, err := uuid.Parse(body.OrderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid orderId"))
			return
		}

		result, err := svc.ConfirmPayment(r.Context(), actor, checkout.ConfirmInput{
			OrderID:         orderID,
			PaymentIntentID: validators.SanitizeString(body.PaymentIntentID, 255),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, confirmPaymentResponse{
			Order:       orders.ToDTO(result.Order),
			AlreadyPaid: result.AlreadyPaid,
			State:       result.State,
		})
	}
}

// RecordPaymentFailure stores a client-side payment failure. The order stays
// pending so the client can retry.
func RecordPaymentFailure(svc checkout.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}
		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body paymentFailureRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		orderID, err := uuid.Parse(body.OrderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid orderId"))
			return
		}

		if err := svc.RecordClientFailure(r.Context(), actor, checkout.FailureInput{
			OrderID:         orderID,
			PaymentIntentID: validators.SanitizeString(body.PaymentIntentID, 255),
			Reason:          validators.SanitizeString(body.Reason, 500),
		}); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]string{"state": string(checkout.StateClientFailed)})
	}
}

// PaymentsConfig returns the publishable key for the client payment element.
func PaymentsConfig(svc PaymentsReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}
		responses.WriteSuccess(w, svc.Config())
	}
}

// PaymentsHistory lists the caller's payment attempts.
func PaymentsHistory(svc PaymentsReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}
		userID, err := userIDFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		params, err := validators.ParsePageParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		page, err := svc.History(r.Context(), userID, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, page)
	}
}
