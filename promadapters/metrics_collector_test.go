package promadapters_test

import (
	"context"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graft-http/graft"
	"github.com/graft-http/graft/promadapters"
)

func Test_NewMetricsCollector_Validation(t *testing.T) {
	t.Run("rejects a nil registerer", func(t *testing.T) {
		collector, err := promadapters.NewMetricsCollector(nil)

		assert.Nil(t, collector)
		assert.ErrorContains(t, err, "nil prometheus registerer")
	})

	t.Run("rejects empty buckets", func(t *testing.T) {
		collector, err := promadapters.NewMetricsCollector(prometheus.NewRegistry(), promadapters.WithBuckets(nil))

		assert.Nil(t, collector)
		assert.ErrorContains(t, err, "empty histogram buckets")
	})
}

func Test_MetricsCollector_IncrementCounter(t *testing.T) {
	// setup
	registry := prometheus.NewRegistry()
	collector, err := promadapters.NewMetricsCollector(registry)
	require.NoError(t, err)

	labels := map[string]string{"path": "/books"}

	// act
	collector.IncrementCounter("graft_requests_total", labels)
	collector.IncrementCounter("graft_requests_total", labels)

	// assert
	expected := `
# HELP graft_requests_total request pipeline counter
# TYPE graft_requests_total counter
graft_requests_total{path="/books"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "graft_requests_total"))
}

func Test_MetricsCollector_RecordValue(t *testing.T) {
	// setup
	registry := prometheus.NewRegistry()
	collector, err := promadapters.NewMetricsCollector(registry)
	require.NoError(t, err)

	// act
	collector.RecordValue("graft_open_sessions", 7, map[string]string{"route": "/feed"})

	// assert
	expected := `
# HELP graft_open_sessions request pipeline value
# TYPE graft_open_sessions gauge
graft_open_sessions{route="/feed"} 7
`
	assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "graft_open_sessions"))
}

func Test_MetricsCollector_RecordDuration(t *testing.T) {
	// setup
	registry := prometheus.NewRegistry()
	collector, err := promadapters.NewMetricsCollector(registry)
	require.NoError(t, err)

	labels := map[string]string{
		"method": "GET",
		"status": "200",
	}

	// act
	collector.RecordDuration("graft_request_duration_seconds", 150*time.Millisecond, labels)

	// assert
	histogram := findHistogram(t, registry, "graft_request_duration_seconds", labels)
	assert.Equal(t, uint64(1), histogram.GetSampleCount())
	assert.InDelta(t, 0.15, histogram.GetSampleSum(), 0.001)
}

func Test_MetricsCollector_KeepsTheFirstLabelSet(t *testing.T) {
	// setup
	registry := prometheus.NewRegistry()
	collector, err := promadapters.NewMetricsCollector(registry)
	require.NoError(t, err)
	collector.IncrementCounter("graft_requests_total", map[string]string{"method": "GET"})

	// act
	collector.IncrementCounter("graft_requests_total", map[string]string{"verb": "GET"})

	// assert
	count, err := testutil.GatherAndCount(registry, "graft_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "observations with a different label set must be dropped")
}

func Test_MetricsCollector_SharesVectorsAcrossCollectors(t *testing.T) {
	// setup
	registry := prometheus.NewRegistry()
	first, err := promadapters.NewMetricsCollector(registry)
	require.NoError(t, err)
	second, err := promadapters.NewMetricsCollector(registry)
	require.NoError(t, err)

	labels := map[string]string{"path": "/books"}

	// act
	first.IncrementCounter("graft_requests_total", labels)
	second.IncrementCounter("graft_requests_total", labels)

	// assert
	expected := `
# HELP graft_requests_total request pipeline counter
# TYPE graft_requests_total counter
graft_requests_total{path="/books"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "graft_requests_total"),
		"both collectors must observe into the already registered vector")
}

func Test_MetricsCollector_AppliesTheNamespace(t *testing.T) {
	// setup
	registry := prometheus.NewRegistry()
	collector, err := promadapters.NewMetricsCollector(registry, promadapters.WithNamespace("bookshelf"))
	require.NoError(t, err)

	// act
	collector.IncrementCounter("graft_requests_total", map[string]string{"path": "/books"})

	// assert
	count, err := testutil.GatherAndCount(registry, "bookshelf_graft_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func Test_MetricsCollector_ObservesThePipeline(t *testing.T) {
	// setup
	registry := prometheus.NewRegistry()
	collector, err := promadapters.NewMetricsCollector(registry)
	require.NoError(t, err)

	app, err := graft.New(graft.WithName("metered"), graft.WithMetrics(collector))
	require.NoError(t, err)
	app.Get("/ping", func(c *graft.Context) (any, error) { return "pong", nil })

	// act
	res := execute(t, app, http.MethodGet, "/ping")

	// assert
	require.Equal(t, http.StatusOK, res.Status)

	expected := `
# HELP graft_requests_total request pipeline counter
# TYPE graft_requests_total counter
graft_requests_total{method="GET",path="/ping",status="200"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "graft_requests_total"))

	histogram := findHistogram(t, registry, "graft_request_duration_seconds", map[string]string{
		"method": "GET",
		"path":   "/ping",
		"status": "200",
	})
	assert.Equal(t, uint64(1), histogram.GetSampleCount())
}

/***** helpers *****/

func execute(t *testing.T, app *graft.App, method, pattern string) *graft.Response {
	t.Helper()

	info := graft.RequestInfo{
		Method:  method,
		Path:    pattern,
		RawPath: pattern,
		Params:  map[string]string{},
		Query:   url.Values{},
		Header:  http.Header{},
	}

	for _, route := range app.Routes() {
		if route.Method() == method && route.Path() == pattern {
			res := route.Execute(graft.NewContext(context.Background(), info))
			require.NotNil(t, res)

			return res
		}
	}

	t.Fatalf("no route registered for %s %s", method, pattern)

	return nil
}

func findHistogram(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) *dto.Histogram {
	t.Helper()

	families, err := registry.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}

		for _, metric := range family.GetMetric() {
			if maps.Equal(labelsOf(metric), labels) {
				return metric.GetHistogram()
			}
		}
	}

	t.Fatalf("no %q histogram with labels %v was gathered", name, labels)

	return nil
}

func labelsOf(metric *dto.Metric) map[string]string {
	labels := make(map[string]string, len(metric.GetLabel()))
	for _, pair := range metric.GetLabel() {
		labels[pair.GetName()] = pair.GetValue()
	}

	return labels
}
