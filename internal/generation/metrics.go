package generation

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records generation counters. A nil *Metrics records nothing.
type Metrics struct {
	startedTotal   prometheus.Counter
	outcomes       *prometheus.CounterVec
	bytes          prometheus.Counter
	malformedTotal prometheus.Counter
	duration       *prometheus.HistogramVec
	active         prometheus.Gauge
}

// NewMetrics creates the generation metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		startedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "minechat",
			Name:      "generations_started_total",
			Help:      "Generations whose request was sent.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minechat",
			Name:      "generations_finished_total",
			Help:      "Finished generations by outcome and error kind.",
		}, []string{"outcome", "kind"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "minechat",
			Name:      "stream_bytes_total",
			Help:      "Response body bytes read.",
		}),
		malformedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "minechat",
			Name:      "stream_malformed_records_total",
			Help:      "Records skipped because they could not be parsed.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "minechat",
			Name:      "generation_duration_seconds",
			Help:      "Time from first byte read to the end of the stream.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"outcome"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "minechat",
			Name:      "generations_active",
			Help:      "Generations currently streaming.",
		}),
	}
	reg.MustRegister(m.startedTotal, m.outcomes, m.bytes, m.malformedTotal, m.duration, m.active)
	return m
}

func (m *Metrics) observeStart() {
	if m == nil {
		return
	}
	m.startedTotal.Inc()
	m.active.Inc()
}

func (m *Metrics) observeEnd(out Outcome, bytes int) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.outcomes.WithLabelValues(out.Kind.String(), ErrorKind(out.Err)).Inc()
	m.bytes.Add(float64(bytes))
	if out.Duration > 0 {
		m.duration.WithLabelValues(out.Kind.String()).Observe(out.Duration.Seconds())
	}
}

func (m *Metrics) observeMalformed(n int) {
	if m == nil || n == 0 {
		return
	}
	m.malformedTotal.Add(float64(n))
}
