package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsClientCounters(t *testing.T) {
	client := NewMetricsClient().(*metricsClient)

	client.RecordCounter("requests", 1, nil)
	client.RecordCounter("requests", 2, nil)
	assert.Equal(t, 3.0, client.CounterValue("requests"))

	client.IncrementCounter("requests", 1)
	assert.Equal(t, 4.0, client.CounterValue("requests"))
}

func TestMetricsClientCacheOperation(t *testing.T) {
	client := NewMetricsClient().(*metricsClient)

	client.RecordCacheOperation("get", true, 0.001)
	client.RecordCacheOperation("get", false, 0.002)

	assert.Equal(t, 2.0, client.CounterValue("cache_operations_total"))
	assert.Equal(t, 2.0, client.CounterValue("cache_operation_duration_seconds_count"))
	assert.InDelta(t, 0.003, client.CounterValue("cache_operation_duration_seconds_sum"), 1e-9)
}

func TestMetricsClientDisabled(t *testing.T) {
	client := NewMetricsClientWithOptions(MetricsOptions{Enabled: false}).(*metricsClient)

	client.RecordCounter("requests", 1, nil)
	client.RecordCacheOperation("get", true, 0.001)
	assert.Zero(t, client.CounterValue("requests"))
	assert.Zero(t, client.CounterValue("cache_operations_total"))
}

func TestMetricsClientTimer(t *testing.T) {
	client := NewMetricsClient().(*metricsClient)

	client.RecordTimer("warm", 250*time.Millisecond, nil)
	assert.Equal(t, 1.0, client.CounterValue("warm_seconds_count"))
	assert.InDelta(t, 0.25, client.CounterValue("warm_seconds_sum"), 1e-9)
}

func TestPrometheusMetricsClient(t *testing.T) {
	client := NewPrometheusMetricsClient("tiercache")

	client.RecordCacheOperation("get", true, 0.001)
	client.RecordCacheOperation("get", true, 0.002)
	client.RecordCacheOperation("put", false, 0.003)

	counter := client.getOrCreateCounter("cache_operations_total", "", nil)
	assert.Equal(t, 2.0, testutil.ToFloat64(counter.WithLabelValues("get", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(counter.WithLabelValues("put", "false")))

	client.RecordGauge("cache_level_entries", 42, map[string]string{"level": "memory"})
	gauge := client.getOrCreateGauge("cache_level_entries", "", nil)
	assert.Equal(t, 42.0, testutil.ToFloat64(gauge.WithLabelValues("memory")))

	require.NoError(t, client.Close())
}

func TestPrometheusRegistryIsPrivate(t *testing.T) {
	// Two clients in one process must not collide on registration.
	a := NewPrometheusMetricsClient("tiercache")
	b := NewPrometheusMetricsClient("tiercache")

	a.RecordCacheOperation("get", true, 0.001)
	b.RecordCacheOperation("get", true, 0.001)

	families, err := a.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNoopMetricsClient(t *testing.T) {
	client := NewNoopMetricsClient()
	client.RecordCounter("x", 1, nil)
	client.RecordCacheOperation("get", true, 0)
	assert.NoError(t, client.Close())
}
