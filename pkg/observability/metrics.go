package observability

import (
	"sync"
	"time"
)

// MetricsClient defines the interface for metrics collection
type MetricsClient interface {
	RecordCounter(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
	RecordTimer(name string, duration time.Duration, labels map[string]string)

	// RecordCacheOperation records the outcome and duration of a single
	// cache operation (get, put, forget, ...).
	RecordCacheOperation(operation string, success bool, durationSeconds float64)

	IncrementCounter(name string, value float64)

	Close() error
}

// MetricsOptions contains configuration options for creating a metrics client
type MetricsOptions struct {
	Enabled bool
	Labels  map[string]string
}

// metricsClient is the default in-memory metrics implementation. It keeps
// counters and gauges in plain maps so tests and single-process deployments
// can inspect them without a metrics backend.
type metricsClient struct {
	enabled bool
	labels  map[string]string

	mu       sync.RWMutex
	counters map[string]float64
	gauges   map[string]float64
}

// NewMetricsClient creates a new metrics client with default options
func NewMetricsClient() MetricsClient {
	return NewMetricsClientWithOptions(MetricsOptions{
		Enabled: true,
		Labels:  map[string]string{},
	})
}

// NewMetricsClientWithOptions creates a new metrics client with specific options
func NewMetricsClientWithOptions(options MetricsOptions) MetricsClient {
	return &metricsClient{
		enabled:  options.Enabled,
		labels:   options.Labels,
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

// RecordCounter increments a counter metric
func (m *metricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	m.counters[name] += value
	m.mu.Unlock()
}

// RecordGauge records a gauge metric
func (m *metricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	m.gauges[name] = value
	m.mu.Unlock()
}

// RecordHistogram records a histogram metric
func (m *metricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	// The in-memory client only tracks the running sum; the Prometheus
	// client keeps full histogram buckets.
	m.mu.Lock()
	m.counters[name+"_sum"] += value
	m.counters[name+"_count"]++
	m.mu.Unlock()
}

// RecordTimer records a timer metric
func (m *metricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	m.RecordHistogram(name+"_seconds", duration.Seconds(), labels)
}

// RecordCacheOperation records cache operation metrics
func (m *metricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
	if !m.enabled {
		return
	}

	labels := map[string]string{
		"operation": operation,
		"success":   stringFromBool(success),
	}

	m.RecordCounter("cache_operations_total", 1.0, labels)
	m.RecordHistogram("cache_operation_duration_seconds", durationSeconds, labels)
}

// IncrementCounter increments a counter metric by a given value
func (m *metricsClient) IncrementCounter(name string, value float64) {
	m.RecordCounter(name, value, m.labels)
}

// CounterValue returns the current value of a counter, for tests.
func (m *metricsClient) CounterValue(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name]
}

// Close releases any resources held by the client
func (m *metricsClient) Close() error {
	return nil
}

func stringFromBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// NoopMetricsClient discards all metrics
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a metrics client that does nothing
func NewNoopMetricsClient() MetricsClient {
	return &NoopMetricsClient{}
}

func (m *NoopMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {}
func (m *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string)   {}
func (m *NoopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
}
func (m *NoopMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
}
func (m *NoopMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
}
func (m *NoopMetricsClient) IncrementCounter(name string, value float64) {}
func (m *NoopMetricsClient) Close() error                                { return nil }
