package metrics

import "github.com/prometheus/client_golang/prometheus"

// Outbox dispatch outcomes.
const (
	OutboxPublished    = "published"
	OutboxRetried      = "retried"
	OutboxDeadLettered = "dead_lettered"
)

// OutboxMetrics counts outbox dispatch outcomes per event type.
type OutboxMetrics struct {
	events *prometheus.CounterVec
}

func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "events_total",
		Help:      "Outbox rows processed by the publisher, by outcome.",
	}, []string{"event_type", "outcome"})
	reg.MustRegister(events)
	return &OutboxMetrics{events: events}
}

func (m *OutboxMetrics) Record(eventType, outcome string) {
	if m == nil || m.events == nil {
		return
	}
	m.events.WithLabelValues(normalizeLabel(eventType), outcome).Inc()
}
