package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsClient implements MetricsClient using Prometheus collectors.
type PrometheusMetricsClient struct {
	namespace string
	registry  *prometheus.Registry

	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetricsClient creates a new Prometheus metrics client.
// Collectors are registered lazily on first use against a private registry
// so multiple caches in one process do not collide.
func NewPrometheusMetricsClient(namespace string) *PrometheusMetricsClient {
	client := &PrometheusMetricsClient{
		namespace:  namespace,
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}

	client.registerDefaultMetrics()

	return client
}

// Registry exposes the underlying registry for HTTP handlers.
func (c *PrometheusMetricsClient) Registry() *prometheus.Registry {
	return c.registry
}

// registerDefaultMetrics registers the collectors every cache instance emits
func (c *PrometheusMetricsClient) registerDefaultMetrics() {
	c.getOrCreateCounter("cache_operations_total", "Total cache operations", []string{"operation", "success"})
	c.getOrCreateHistogram("cache_operation_duration_seconds", "Cache operation duration", []string{"operation", "success"})
	c.getOrCreateGauge("cache_level_entries", "Entries per cache level", []string{"level"})
	c.getOrCreateGauge("cache_level_bytes", "Estimated bytes per cache level", []string{"level"})
}

// RecordCounter records a counter metric
func (c *PrometheusMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	counter := c.getOrCreateCounter(name, fmt.Sprintf("Counter for %s", name), labelNames(labels))
	counter.With(prometheus.Labels(labels)).Add(value)
}

// RecordGauge records a gauge metric
func (c *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	gauge := c.getOrCreateGauge(name, fmt.Sprintf("Gauge for %s", name), labelNames(labels))
	gauge.With(prometheus.Labels(labels)).Set(value)
}

// RecordHistogram records a histogram metric
func (c *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	histogram := c.getOrCreateHistogram(name, fmt.Sprintf("Histogram for %s", name), labelNames(labels))
	histogram.With(prometheus.Labels(labels)).Observe(value)
}

// RecordTimer records a timer metric
func (c *PrometheusMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	c.RecordHistogram(name+"_seconds", duration.Seconds(), labels)
}

// RecordCacheOperation records cache operation metrics
func (c *PrometheusMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
	labels := map[string]string{
		"operation": operation,
		"success":   stringFromBool(success),
	}

	c.RecordCounter("cache_operations_total", 1.0, labels)
	c.RecordHistogram("cache_operation_duration_seconds", durationSeconds, labels)
}

// IncrementCounter increments a counter by the given value
func (c *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	c.RecordCounter(name, value, map[string]string{})
}

// Close releases client resources
func (c *PrometheusMetricsClient) Close() error {
	return nil
}

func (c *PrometheusMetricsClient) getOrCreateCounter(name, help string, labels []string) *prometheus.CounterVec {
	c.mu.RLock()
	counter, ok := c.counters[name]
	c.mu.RUnlock()
	if ok {
		return counter
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if counter, ok = c.counters[name]; ok {
		return counter
	}

	counter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      help,
	}, labels)
	c.registry.MustRegister(counter)
	c.counters[name] = counter
	return counter
}

func (c *PrometheusMetricsClient) getOrCreateGauge(name, help string, labels []string) *prometheus.GaugeVec {
	c.mu.RLock()
	gauge, ok := c.gauges[name]
	c.mu.RUnlock()
	if ok {
		return gauge
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gauge, ok = c.gauges[name]; ok {
		return gauge
	}

	gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      help,
	}, labels)
	c.registry.MustRegister(gauge)
	c.gauges[name] = gauge
	return gauge
}

func (c *PrometheusMetricsClient) getOrCreateHistogram(name, help string, labels []string) *prometheus.HistogramVec {
	c.mu.RLock()
	histogram, ok := c.histograms[name]
	c.mu.RUnlock()
	if ok {
		return histogram
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if histogram, ok = c.histograms[name]; ok {
		return histogram
	}

	histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	}, labels)
	c.registry.MustRegister(histogram)
	c.histograms[name] = histogram
	return histogram
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
