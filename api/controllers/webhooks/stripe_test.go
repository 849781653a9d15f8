package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

const testSecret = "whsec_test"

type fakeWebhookService struct {
	events []*stripe.Event
	err    error
}

func (f *fakeWebhookService) HandleEvent(_ context.Context, event *stripe.Event) error {
	f.events = append(f.events, event)
	return f.err
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "webhook-test", Output: &bytes.Buffer{}})
}

type staticSecret string

func (s staticSecret) WebhookSecret() string { return string(s) }

func signedEvent(t *testing.T) ([]byte, string) {
	t.Helper()
	raw, err := json.Marshal(stripe.PaymentIntent{ID: "pi_123", Status: stripe.PaymentIntentStatusSucceeded})
	require.NoError(t, err)
	payload, err := json.Marshal(stripe.Event{
		ID:         "evt_" + uuid.NewString(),
		Object:     "event",
		Type:       stripe.EventTypePaymentIntentSucceeded,
		APIVersion: stripe.APIVersion,
		Data:       &stripe.EventData{Raw: raw},
	})
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testSecret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func post(handler http.Handler, payload []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(payload))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestStripeWebhookDispatchesVerifiedEvent(t *testing.T) {
	svc := &fakeWebhookService{}
	payload, header := signedEvent(t)

	rec := post(StripeWebhook(svc, staticSecret(testSecret), testLogger()), payload, header)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, svc.events, 1)
	require.Equal(t, stripe.EventTypePaymentIntentSucceeded, svc.events[0].Type)
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	svc := &fakeWebhookService{}
	payload, _ := signedEvent(t)
	handler := StripeWebhook(svc, staticSecret(testSecret), testLogger())

	rec := post(handler, payload, "t=1,v1=invalid")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = post(handler, payload, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, svc.events)
}

func TestStripeWebhookSurfacesRetryableFailure(t *testing.T) {
	svc := &fakeWebhookService{err: pkgerrors.New(pkgerrors.CodeDependency, "database unavailable")}
	payload, header := signedEvent(t)

	rec := post(StripeWebhook(svc, staticSecret(testSecret), testLogger()), payload, header)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
