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
	rec := NewPrometheusRecorder(reg).(*PrometheusRecorder)

	rec.IncCounter(Charges, map[string]string{"chain": "8453", "outcome": "success"})
	rec.IncCounter(Charges, map[string]string{"chain": "8453", "outcome": "success"})
	rec.ObserveLatency(ExecutorCycle, 150*time.Millisecond, nil)
	rec.SetGauge(IndexerLastBlock, 1200, map[string]string{"chain": "8453"})

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.counters.WithLabelValues(Charges, "8453", "success")))
	assert.Equal(t, 1200.0, testutil.ToFloat64(rec.gauges.WithLabelValues(IndexerLastBlock, "8453")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 3)
}
