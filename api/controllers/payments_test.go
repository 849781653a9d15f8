package controllers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/internal/checkout"
	"github.com/angelmondragon/storefront-backend/internal/orders"
	"github.com/angelmondragon/storefront-backend/internal/payments"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

type stubPaymentsReader struct {
	config    payments.ClientConfig
	historyFn func(ctx context.Context, userID uuid.UUID, params pagination.Params) (pagination.Page[payments.AttemptDTO], error)
}

func (s stubPaymentsReader) Config() payments.ClientConfig { return s.config }

func (s stubPaymentsReader) History(ctx context.Context, userID uuid.UUID, params pagination.Params) (pagination.Page[payments.AttemptDTO], error) {
	return s.historyFn(ctx, userID, params)
}

func TestCreatePaymentIntentReturnsClientSecret(t *testing.T) {
	userID, orderID := uuid.New(), uuid.New()
	svc := &stubCheckout{
		intentFn: func(ctx context.Context, actor orders.Actor, id uuid.UUID) (*checkout.IntentResult, error) {
			if actor.UserID != userID || id != orderID {
				t.Fatalf("unexpected call %s %s", actor.UserID, id)
			}
			return &checkout.IntentResult{OrderID: id, IntentID: "pi_123", ClientSecret: "pi_123_secret", AmountCents: 6750, Currency: "usd"}, nil
		},
	}
	body := `{"orderId":"` + orderID.String() + `"}`
	req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/payments/intents", strings.NewReader(body)), userID)
	rec := httptest.NewRecorder()
	CreatePaymentIntent(svc, testLogger())(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeData[checkout.IntentResult](t, rec)
	if got.ClientSecret != "pi_123_secret" || got.AmountCents != 6750 {
		t.Fatalf("unexpected intent %+v", got)
	}
}

func TestCreatePaymentIntentRejectsBadOrderID(t *testing.T) {
	req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/payments/intents", strings.NewReader(`{"orderId":"abc"}`)), uuid.New())
	rec := httptest.NewRecorder()
	CreatePaymentIntent(&stubCheckout{}, testLogger())(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestConfirmPaymentAmountMismatch(t *testing.T) {
	svc := &stubCheckout{
		confirmFn: func(ctx context.Context, actor orders.Actor, input checkout.ConfirmInput) (*checkout.ConfirmResult, error) {
			return nil, pkgerrors.New(pkgerrors.CodePaymentMismatch, "payment amount does not match order total")
		},
	}
	body := `{"paymentIntentId":"pi_1","orderId":"` + uuid.NewString() + `"}`
	req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/payments/confirm", strings.NewReader(body)), uuid.New())
	rec := httptest.NewRecorder()
	ConfirmPayment(svc, testLogger())(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rec.Code)
	}
	if code := decodeError(t, rec).Error.Code; code != string(pkgerrors.CodePaymentMismatch) {
		t.Fatalf("unexpected code %s", code)
	}
}

func TestConfirmPaymentAlreadyPaid(t *testing.T) {
	userID := uuid.New()
	svc := &stubCheckout{
		confirmFn: func(ctx context.Context, actor orders.Actor, input checkout.ConfirmInput) (*checkout.ConfirmResult, error) {
			if input.PaymentIntentID != "pi_1" {
				t.Fatalf("unexpected intent %q", input.PaymentIntentID)
			}
			order := sampleOrder(actor.UserID)
			order.ID = input.OrderID
			order.IsPaid = true
			return &checkout.ConfirmResult{Order: order, AlreadyPaid: true, State: checkout.StateCartCleared}, nil
		},
	}
	body := `{"paymentIntentId":" pi_1 ","orderId":"` + uuid.NewString() + `"}`
	req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/payments/confirm", strings.NewReader(body)), userID)
	rec := httptest.NewRecorder()
	ConfirmPayment(svc, testLogger())(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeData[confirmPaymentResponse](t, rec)
	if !got.AlreadyPaid || !got.Order.IsPaid || got.State != checkout.StateCartCleared {
		t.Fatalf("unexpected response %+v", got)
	}
}

func TestRecordPaymentFailureKeepsOrderRetryable(t *testing.T) {
	var captured checkout.FailureInput
	svc := &stubCheckout{
		failureFn: func(ctx context.Context, actor orders.Actor, input checkout.FailureInput) error {
			captured = input
			return nil
		},
	}
	orderID := uuid.New()
	body := `{"paymentIntentId":"pi_9","orderId":"` + orderID.String() + `","reason":"card_declined"}`
	req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/payments/failures", strings.NewReader(body)), uuid.New())
	rec := httptest.NewRecorder()
	RecordPaymentFailure(svc, testLogger())(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if captured.OrderID != orderID || captured.Reason != "card_declined" {
		t.Fatalf("unexpected input %+v", captured)
	}
	if got := decodeData[map[string]string](t, rec); got["state"] != string(checkout.StateClientFailed) {
		t.Fatalf("unexpected state %v", got)
	}
}

func TestPaymentsConfigAndHistory(t *testing.T) {
	userID := uuid.New()
	svc := stubPaymentsReader{
		config: payments.ClientConfig{PublishableKey: "pk_test_1", Currency: "usd"},
		historyFn: func(ctx context.Context, uid uuid.UUID, params pagination.Params) (pagination.Page[payments.AttemptDTO], error) {
			if uid != userID {
				t.Fatalf("unexpected user %s", uid)
			}
			return pagination.Page[payments.AttemptDTO]{Items: []payments.AttemptDTO{{ID: uuid.New(), PaymentIntentID: "pi_1", AmountCents: 100}}}, nil
		},
	}

	rec := httptest.NewRecorder()
	PaymentsConfig(svc, testLogger())(rec, withUser(httptest.NewRequest(http.MethodGet, "/api/v1/payments/config", nil), userID))
	if cfg := decodeData[payments.ClientConfig](t, rec); cfg.PublishableKey != "pk_test_1" {
		t.Fatalf("unexpected config %+v", cfg)
	}

	rec = httptest.NewRecorder()
	PaymentsHistory(svc, testLogger())(rec, withUser(httptest.NewRequest(http.MethodGet, "/api/v1/payments/history", nil), userID))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if page := decodeData[pagination.Page[payments.AttemptDTO]](t, rec); len(page.Items) != 1 || page.Items[0].PaymentIntentID != "pi_1" {
		t.Fatalf("unexpected page %+v", page)
	}
}
