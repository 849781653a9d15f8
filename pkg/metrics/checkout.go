package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Checkout outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeNoop     = "noop"
	OutcomeMismatch = "mismatch"
	OutcomeGateway  = "gateway_error"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// CheckoutMetrics counts checkout steps by outcome and times gateway calls.
type CheckoutMetrics struct {
	operations *prometheus.CounterVec
	gateway    *prometheus.HistogramVec
}

// NewCheckoutMetrics registers the checkout collectors on reg. A nil reg
// returns a no-op recorder.
func NewCheckoutMetrics(reg prometheus.Registerer) *CheckoutMetrics {
	if reg == nil {
		return &CheckoutMetrics{}
	}
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "checkout",
		Name:      "operations_total",
		Help:      "Checkout steps partitioned by operation and outcome.",
	}, []string{"operation", "outcome"})
	gateway := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "checkout",
		Name:      "gateway_duration_seconds",
		Help:      "Latency of payment gateway calls.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20},
	}, []string{"operation"})
	reg.MustRegister(operations, gateway)
	return &CheckoutMetrics{operations: operations, gateway: gateway}
}

// Record increments the counter for operation/outcome.
func (m *CheckoutMetrics) Record(operation, outcome string) {
	if m == nil || m.operations == nil {
		return
	}
	m.operations.WithLabelValues(normalizeLabel(operation), normalizeLabel(outcome)).Inc()
}

// ObserveGateway records how long a gateway call took.
func (m *CheckoutMetrics) ObserveGateway(operation string, d time.Duration) {
	if m == nil || m.gateway == nil {
		return
	}
	m.gateway.WithLabelValues(normalizeLabel(operation)).Observe(d.Seconds())
}
