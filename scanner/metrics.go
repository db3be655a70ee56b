package scanner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts scanner activity. A nil *Metrics records nothing.
type Metrics struct {
	ticks    *prometheus.CounterVec
	expired  *prometheus.CounterVec
	unfrozen *prometheus.CounterVec
	errors   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "expertflow_scanner_ticks_total",
			Help: "Scanner passes run, by source (session or sweeper).",
		}, []string{"source"}),
		expired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "expertflow_scanner_expired_total",
			Help: "Proposals expired by a scanner pass.",
		}, []string{"source"}),
		unfrozen: f.NewCounterVec(prometheus.CounterOpts{
			Name: "expertflow_scanner_unfrozen_total",
			Help: "Expert freezes lifted by a scanner pass.",
		}, []string{"source"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "expertflow_scanner_errors_total",
			Help: "Scanner passes that ended with an error.",
		}, []string{"source"}),
	}
}

// Label values of the source dimension.
const (
	SourceSession = "session"
	SourceSweeper = "sweeper"
)

// Expired returns the expiry counter of one source.
func (m *Metrics) Expired(source string) prometheus.Counter {
	return m.expired.WithLabelValues(source)
}

// Unfrozen returns the freeze-lift counter of one source.
func (m *Metrics) Unfrozen(source string) prometheus.Counter {
	return m.unfrozen.WithLabelValues(source)
}

func (m *Metrics) observe(source string, expired, unfrozen int, err error) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(source).Inc()
	m.expired.WithLabelValues(source).Add(float64(expired))
	m.unfrozen.WithLabelValues(source).Add(float64(unfrozen))
	if err != nil {
		m.errors.WithLabelValues(source).Inc()
	}
}
