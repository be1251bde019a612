package metric

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/attrstream/errors"
)

func gatheredNames(t *testing.T, r *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestMetricsRegistry_RegisterAndUnregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "test"})
	require.NoError(t, registry.RegisterCounter("svc", "test_counter", counter))
	counter.Inc()
	assert.True(t, gatheredNames(t, registry)["test_counter"])

	err := registry.RegisterCounter("svc", "test_counter", counter)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	assert.True(t, registry.Unregister("svc", "test_counter"))
	assert.False(t, registry.Unregister("svc", "test_counter"))
	assert.False(t, gatheredNames(t, registry)["test_counter"])
}

func TestMetricsRegistry_PrometheusConflict(t *testing.T) {
	registry := NewMetricsRegistry()

	a := prometheus.NewGauge(prometheus.GaugeOpts{Name: "shared_gauge", Help: "test"})
	b := prometheus.NewGauge(prometheus.GaugeOpts{Name: "shared_gauge", Help: "test"})

	require.NoError(t, registry.RegisterGauge("one", "shared_gauge", a))
	err := registry.RegisterGauge("two", "shared_gauge", b)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetrics_Record(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.RecordEventAccepted("host1", false)
	m.RecordEventAccepted("host1", true)
	m.RecordDispatch("host1", 2, 5, 1, time.Millisecond)
	m.RecordBatch("host1", "read", "timeout", 3)
	m.RecordDeliveryDropped("host1")
	m.RecordReplica("host1", "restore", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsAccepted.WithLabelValues("host1", "remote")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.DispatchOutcomes.WithLabelValues("host1", "ignored")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.BatchOperations.WithLabelValues("host1", "read", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeliveryDropped.WithLabelValues("host1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReplicaOps.WithLabelValues("host1", "restore", "ok")))
}

func TestMetricsRegistry_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordNATSStatus(true)

	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "attrstream_nats_connected 1"))
}
