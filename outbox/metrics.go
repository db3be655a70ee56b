package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts relay outcomes. A nil *Metrics records nothing.
type Metrics struct {
	delivered prometheus.Counter
	retried   prometheus.Counter
	dead      prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		delivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: "expertflow",
			Subsystem: "outbox",
			Name:      "delivered_total",
			Help:      "Outbox messages handled successfully.",
		}),
		retried: f.NewCounter(prometheus.CounterOpts{
			Namespace: "expertflow",
			Subsystem: "outbox",
			Name:      "retried_total",
			Help:      "Outbox deliveries that failed and were rescheduled.",
		}),
		dead: f.NewCounter(prometheus.CounterOpts{
			Namespace: "expertflow",
			Subsystem: "outbox",
			Name:      "dead_total",
			Help:      "Outbox messages given up on.",
		}),
	}
}

func (m *Metrics) incDelivered() {
	if m != nil {
		m.delivered.Inc()
	}
}

func (m *Metrics) incRetried() {
	if m != nil {
		m.retried.Inc()
	}
}

func (m *Metrics) incDead() {
	if m != nil {
		m.dead.Inc()
	}
}

func (m *Metrics) Delivered() prometheus.Counter { return m.delivered }

func (m *Metrics) Retried() prometheus.Counter { return m.retried }

func (m *Metrics) Dead() prometheus.Counter { return m.dead }
