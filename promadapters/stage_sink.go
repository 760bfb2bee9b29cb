package promadapters

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/graft-http/graft"
)

const stageMetricName = "graft_stage_duration_seconds"

// StageDurationSink implements graft.TraceSink by observing every finished
// pipeline span into a histogram labeled by span name and status. It never
// derives contexts, so it composes freely with tracing sinks.
type StageDurationSink struct {
	durations *prometheus.HistogramVec
}

// NewStageDurationSink creates the sink and registers its histogram on the
// supplied registerer.
func NewStageDurationSink(registerer prometheus.Registerer, opts ...SinkOption) (*StageDurationSink, error) {
	if registerer == nil {
		return nil, errors.New("nil prometheus registerer supplied")
	}

	cfg := sinkConfig{buckets: prometheus.DefBuckets}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.namespace,
		Name:      stageMetricName,
		Help:      "pipeline span duration by span name and status",
		Buckets:   cfg.buckets,
	}, []string{"span", "status"})

	if err := registerer.Register(durations); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
			durations = existing
		}
	}

	return &StageDurationSink{durations: durations}, nil
}

type sinkConfig struct {
	namespace string
	buckets   []float64
}

// SinkOption defines a functional option for configuring the sink.
type SinkOption func(*sinkConfig) error

// WithSinkNamespace prefixes the stage histogram with a namespace.
func WithSinkNamespace(namespace string) SinkOption {
	return func(cfg *sinkConfig) error {
		cfg.namespace = namespace

		return nil
	}
}

// WithSinkBuckets replaces the default histogram buckets.
func WithSinkBuckets(buckets []float64) SinkOption {
	return func(cfg *sinkConfig) error {
		if len(buckets) == 0 {
			return errors.New("empty histogram buckets supplied")
		}

		cfg.buckets = buckets

		return nil
	}
}

// SpanStarted observes nothing at span start and derives no context.
func (s *StageDurationSink) SpanStarted(_ context.Context, _ *graft.Span) context.Context {
	return nil
}

// SpanFinished observes the span duration under its name and status.
func (s *StageDurationSink) SpanFinished(span *graft.Span) {
	s.durations.WithLabelValues(span.Name, span.Status).Observe(span.Duration().Seconds())
}

// Ensure StageDurationSink implements graft.TraceSink.
var _ graft.TraceSink = (*StageDurationSink)(nil)
