// Package testdoubles provides test doubles (spies) for the observability
// contracts of graft.
//
// The spies capture calls for later verification instead of forwarding them
// to a backend:
//   - LoggerSpy: captures plain logging calls
//   - ContextualLoggerSpy: captures context-aware logging calls
//   - MetricsCollectorSpy: captures metrics recording calls
//   - TraceSinkSpy: captures the span tree emitted for each request
//
// They enable testing of pipeline instrumentation without a telemetry
// backend.
package testdoubles
