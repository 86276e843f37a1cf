package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type PrometheusRecorder struct {
	counters  *prometheus.CounterVec
	histogram *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the x402guard collectors on reg.
// Pass prometheus.DefaultRegisterer to expose them on the default handler.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	counters := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "x402guard",
			Name:      "events_total",
			Help:      "x402guard event counters",
		},
		[]string{"type", "resource", "status", "outcome"},
	)

	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "x402guard",
			Name:      "latency_seconds",
			Help:      "x402guard operation latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "outcome"},
	)

	for _, c := range []prometheus.Collector{counters, histogram} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return &PrometheusRecorder{
		counters:  counters,
		histogram: histogram,
	}, nil
}

func (p *PrometheusRecorder) IncCounter(name string, labels map[string]string) {
	p.counters.With(counterLabels(name, labels)).Inc()
}

// AddCounter adds delta to a counter. Negative deltas are dropped.
func (p *PrometheusRecorder) AddCounter(name string, delta float64, labels map[string]string) {
	if delta <= 0 {
		return
	}
	p.counters.With(counterLabels(name, labels)).Add(delta)
}

func counterLabels(name string, labels map[string]string) prometheus.Labels {
	return prometheus.Labels{
		"type":     name,
		"resource": labels["resource"],
		"status":   labels["status"],
		"outcome":  labels["outcome"],
	}
}

func (p *PrometheusRecorder) ObserveLatency(name string, d time.Duration, labels map[string]string) {
	p.histogram.With(prometheus.Labels{
		"operation": name,
		"outcome":   labels["outcome"],
	}).Observe(d.Seconds())
}
