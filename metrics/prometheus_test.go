package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)

	rec.IncCounter(RateLimitBlocked, map[string]string{"resource": "/invoice/1", "outcome": "block"})
	rec.IncCounter(RateLimitBlocked, map[string]string{"resource": "/invoice/1", "outcome": "block"})
	rec.IncCounter(NonceIssued, nil)
	rec.AddCounter(SweepPurged, 40, map[string]string{"resource": "nonces"})
	rec.AddCounter(SweepPurged, 0, map[string]string{"resource": "nonces"})
	rec.AddCounter(SweepPurged, 2, map[string]string{"resource": "nonces"})
	rec.IncCounter(PaymentTransition, map[string]string{"status": "VERIFIED", "outcome": "success"})
	rec.IncCounter(PaymentTransition, map[string]string{"status": "SETTLED", "outcome": "success"})
	rec.IncCounter(PaymentTransition, map[string]string{"status": "SETTLED", "outcome": "success"})
	rec.ObserveLatency("submit_payment", 25*time.Millisecond, map[string]string{"outcome": "ok"})

	blocked := rec.counters.With(prometheus.Labels{"type": RateLimitBlocked, "resource": "/invoice/1", "status": "", "outcome": "block"})
	assert.Equal(t, 2.0, testutil.ToFloat64(blocked))

	issued := rec.counters.With(prometheus.Labels{"type": NonceIssued, "resource": "", "status": "", "outcome": ""})
	assert.Equal(t, 1.0, testutil.ToFloat64(issued))

	purged := rec.counters.With(prometheus.Labels{"type": SweepPurged, "resource": "nonces", "status": "", "outcome": ""})
	assert.Equal(t, 42.0, testutil.ToFloat64(purged))

	settled := rec.counters.With(prometheus.Labels{"type": PaymentTransition, "resource": "", "status": "SETTLED", "outcome": "success"})
	assert.Equal(t, 2.0, testutil.ToFloat64(settled))
	verified := rec.counters.With(prometheus.Labels{"type": PaymentTransition, "resource": "", "status": "VERIFIED", "outcome": "success"})
	assert.Equal(t, 1.0, testutil.ToFloat64(verified))

	assert.Equal(t, 1, testutil.CollectAndCount(rec.histogram))
}

func TestPrometheusRecorderDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)

	_, err = NewPrometheusRecorder(reg)
	assert.Error(t, err)
}
