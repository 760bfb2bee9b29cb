// Package promadapters provides Prometheus adapters for the graft
// observability interfaces: a MetricsCollector backed by a Prometheus
// registry and a TraceSink that turns pipeline spans into stage-duration
// histograms. Expose the registry with promhttp to scrape them.
package promadapters

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/graft-http/graft"
)

// MetricsCollector implements graft.MetricsCollector on a Prometheus
// registry. Metric names map to vectors created on first observation:
//   - RecordDuration -> HistogramVec
//   - IncrementCounter -> CounterVec
//   - RecordValue -> GaugeVec
//
// Prometheus fixes a metric's label names at creation, so the first
// observation of a name decides its label set; later observations with a
// different set are dropped.
type MetricsCollector struct {
	registerer prometheus.Registerer
	namespace  string
	buckets    []float64

	mux        sync.Mutex
	histograms map[string]*prometheus.HistogramVec
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
}

// Option defines a functional option for configuring the collector.
type Option func(*MetricsCollector) error

// WithNamespace prefixes every metric with a Prometheus namespace.
func WithNamespace(namespace string) Option {
	return func(m *MetricsCollector) error {
		m.namespace = namespace

		return nil
	}
}

// WithBuckets replaces the default duration histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(m *MetricsCollector) error {
		if len(buckets) == 0 {
			return errors.New("empty histogram buckets supplied")
		}

		m.buckets = buckets

		return nil
	}
}

// NewMetricsCollector creates a collector registering its vectors on the
// supplied registerer, typically a prometheus.NewRegistry().
func NewMetricsCollector(registerer prometheus.Registerer, opts ...Option) (*MetricsCollector, error) {
	if registerer == nil {
		return nil, errors.New("nil prometheus registerer supplied")
	}

	m := &MetricsCollector{
		registerer: registerer,
		buckets:    prometheus.DefBuckets,
		histograms: make(map[string]*prometheus.HistogramVec),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}

	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// RecordDuration observes a duration on the metric's histogram, in seconds.
func (m *MetricsCollector) RecordDuration(metric string, duration time.Duration, labels map[string]string) {
	histogram := m.histogramFor(metric, labelNames(labels))
	if histogram == nil {
		return
	}

	if observer, err := histogram.GetMetricWith(labels); err == nil {
		observer.Observe(duration.Seconds())
	}
}

// IncrementCounter increments the metric's counter.
func (m *MetricsCollector) IncrementCounter(metric string, labels map[string]string) {
	counter := m.counterFor(metric, labelNames(labels))
	if counter == nil {
		return
	}

	if child, err := counter.GetMetricWith(labels); err == nil {
		child.Inc()
	}
}

// RecordValue sets the metric's gauge to the value.
func (m *MetricsCollector) RecordValue(metric string, value float64, labels map[string]string) {
	gauge := m.gaugeFor(metric, labelNames(labels))
	if gauge == nil {
		return
	}

	if child, err := gauge.GetMetricWith(labels); err == nil {
		child.Set(value)
	}
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// register adds a collector to the registry, reusing the already registered
// instance when the same vector was created concurrently elsewhere.
func register[C prometheus.Collector](registerer prometheus.Registerer, collector C) (C, bool) {
	err := registerer.Register(collector)
	if err == nil {
		return collector, true
	}

	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing, true
		}
	}

	var zero C

	return zero, false
}

func (m *MetricsCollector) histogramFor(name string, names []string) *prometheus.HistogramVec {
	m.mux.Lock()
	defer m.mux.Unlock()

	if histogram, exists := m.histograms[name]; exists {
		return histogram
	}

	histogram, ok := register(m.registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      name,
		Help:      "request pipeline duration",
		Buckets:   m.buckets,
	}, names))
	if !ok {
		return nil
	}

	m.histograms[name] = histogram

	return histogram
}

func (m *MetricsCollector) counterFor(name string, names []string) *prometheus.CounterVec {
	m.mux.Lock()
	defer m.mux.Unlock()

	if counter, exists := m.counters[name]; exists {
		return counter
	}

	counter, ok := register(m.registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      name,
		Help:      "request pipeline counter",
	}, names))
	if !ok {
		return nil
	}

	m.counters[name] = counter

	return counter
}

func (m *MetricsCollector) gaugeFor(name string, names []string) *prometheus.GaugeVec {
	m.mux.Lock()
	defer m.mux.Unlock()

	if gauge, exists := m.gauges[name]; exists {
		return gauge
	}

	gauge, ok := register(m.registerer, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      name,
		Help:      "request pipeline value",
	}, names))
	if !ok {
		return nil
	}

	m.gauges[name] = gauge

	return gauge
}

// Ensure MetricsCollector implements graft.MetricsCollector.
var _ graft.MetricsCollector = (*MetricsCollector)(nil)
