package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "eventbus"

// Consume outcomes.
const (
	OutcomeAcked   = "acked"
	OutcomeDropped = "dropped"
	OutcomeRequeue = "requeued"
)

// Outbox outcomes.
const (
	OutboxProcessed = "processed"
	OutboxFailed    = "failed"
	OutboxPoisoned  = "poisoned"
)

// Metrics holds the prometheus collectors of the delivery core.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	published       *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	consumed        *prometheus.CounterVec
	outbox          *prometheus.CounterVec
	inboxDuplicates prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Messages published to the broker.",
		}, []string{"event_type"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Publish attempts that returned an error.",
		}, []string{"event_type"}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumed_total",
			Help:      "Deliveries handled by the consumer, by outcome.",
		}, []string{"event_type", "outcome"}),
		outbox: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "entries_total",
			Help:      "Outbox entries handled by the dispatcher, by outcome.",
		}, []string{"outcome"}),
		inboxDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbox",
			Name:      "duplicates_total",
			Help:      "Deliveries skipped because the message id was already processed.",
		}),
	}

	for _, c := range []prometheus.Collector{m.published, m.publishFailures, m.consumed, m.outbox, m.inboxDuplicates} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Published(eventType string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(eventType).Inc()
}

func (m *Metrics) PublishFailed(eventType string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(eventType).Inc()
}

func (m *Metrics) Consumed(eventType, outcome string) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) Outbox(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.outbox.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) InboxDuplicate() {
	if m == nil {
		return
	}
	m.inboxDuplicates.Inc()
}
