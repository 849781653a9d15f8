package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestCheckoutMetricsRecordsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCheckoutMetrics(reg)
	m.Record("confirm", OutcomeSuccess)
	m.Record("confirm", OutcomeSuccess)
	m.Record("confirm", OutcomeMismatch)
	m.ObserveGateway("create_intent", 120*time.Millisecond)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	success, err := fetchCounterSeries(mfs, "storefront_checkout_operations_total", map[string]string{"operation": "confirm", "outcome": OutcomeSuccess})
	require.NoError(t, err)
	mismatch, err := fetchCounterSeries(mfs, "storefront_checkout_operations_total", map[string]string{"operation": "confirm", "outcome": OutcomeMismatch})
	require.NoError(t, err)
	require.Equal(t, 2.0, success)
	require.Equal(t, 1.0, mismatch)

	sum, err := fetchHistogramSum(mfs, "storefront_checkout_gateway_duration_seconds", "operation", "create_intent")
	require.NoError(t, err)
	require.InDelta(t, 0.12, sum, 0.001)
}

func TestNilCheckoutMetricsIsNoop(t *testing.T) {
	var m *CheckoutMetrics
	m.Record("confirm", OutcomeSuccess)
	m.ObserveGateway("confirm", time.Second)
	NewCheckoutMetrics(nil).Record("x", "y")
}

func TestHandlerExposesRegistry(t *testing.T) {
	reg := NewRegistry()
	NewCheckoutMetrics(reg).Record("place_order", OutcomeSuccess)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), `storefront_checkout_operations_total{operation="place_order",outcome="success"} 1`))
}

func TestHTTPMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)
	m.Observe(http.MethodGet, "/api/v1/orders/{orderId}", http.StatusOK, 30*time.Millisecond)
	m.Observe(http.MethodGet, "", http.StatusNotFound, time.Millisecond)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	value, err := fetchCounterValue(mfs, "storefront_http_requests_total", "route", "/api/v1/orders/{orderId}")
	require.NoError(t, err)
	require.Equal(t, 1.0, value)
	unmatched, err := fetchCounterValue(mfs, "storefront_http_requests_total", "route", "unmatched")
	require.NoError(t, err)
	require.Equal(t, 1.0, unmatched)

	var nilMetrics *HTTPMetrics
	nilMetrics.Observe(http.MethodGet, "/", http.StatusOK, time.Millisecond)
}
