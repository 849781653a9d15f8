package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestOutboxMetricsCountsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOutboxMetrics(reg)
	m.Record("order_paid", OutboxPublished)
	m.Record("order_paid", OutboxPublished)
	m.Record("", OutboxDeadLettered)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	published, err := fetchCounterValue(mfs, "storefront_outbox_events_total", "outcome", OutboxPublished)
	require.NoError(t, err)
	require.Equal(t, 2.0, published)

	unknown, err := fetchCounterValue(mfs, "storefront_outbox_events_total", "event_type", "unknown")
	require.NoError(t, err)
	require.Equal(t, 1.0, unknown)
}

func TestNilOutboxMetricsIsNoop(t *testing.T) {
	var m *OutboxMetrics
	m.Record("order_paid", OutboxRetried)
	NewOutboxMetrics(nil).Record("order_paid", OutboxRetried)
}
