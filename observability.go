package graft

import (
	"context"
	"time"
)

// Logger interface for registration diagnostics, mount logging, and error
// reporting from the pipeline (e.g. failing onResponse hooks).
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ContextualLogger interface for context-aware logging with automatic trace
// correlation. It follows the same dependency-free pattern as Logger and
// MetricsCollector, allowing integration with any logging backend that
// supports context-based correlation.
type ContextualLogger interface {
	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)
}

// MetricsCollector interface for collecting pipeline performance and
// operational metrics. Transport engines record request counts and stage
// durations through this contract.
type MetricsCollector interface {
	RecordDuration(metric string, duration time.Duration, labels map[string]string)
	IncrementCounter(metric string, labels map[string]string)
	RecordValue(metric string, value float64, labels map[string]string)
}

// ContextualMetricsCollector extends MetricsCollector with context-aware
// methods for trace correlation. The interface is optional: collectors that
// implement it receive the request context, others fall back to the base
// methods.
type ContextualMetricsCollector interface {
	MetricsCollector
	RecordDurationContext(ctx context.Context, metric string, duration time.Duration, labels map[string]string)
	IncrementCounterContext(ctx context.Context, metric string, labels map[string]string)
	RecordValueContext(ctx context.Context, metric string, value float64, labels map[string]string)
}

// TraceSink receives the begin/end span events the pipeline emits for one
// request. This core only produces the span tree, never persists it; sinks
// bridge to tracing backends (OpenTelemetry, Prometheus histograms, plain
// logs) by implementing this contract.
//
// SpanStarted may derive a child context (e.g. carrying a backend span);
// the derived context is the one visible to hooks running inside the span.
// SpanFinished is called exactly once per started span, after End is set.
type TraceSink interface {
	SpanStarted(ctx context.Context, span *Span) context.Context
	SpanFinished(span *Span)
}

// logError logs registration and pipeline errors at error level if a logger
// is configured.
func (a *App) logError(msg string, err error, args ...any) {
	if a.logger != nil {
		allArgs := []any{logAttrError, err.Error()}
		allArgs = append(allArgs, args...)
		a.logger.Error(msg, allArgs...)
	}
}

// logDebug logs composition details at debug level if a logger is configured.
func (a *App) logDebug(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Debug(msg, args...)
	}
}

// logWarnContext logs non-critical pipeline issues with context correlation,
// falling back to the plain logger.
func (a *App) logWarnContext(ctx context.Context, msg string, args ...any) {
	if a.contextualLogger != nil {
		a.contextualLogger.WarnContext(ctx, msg, args...)
		return
	}

	if a.logger != nil {
		a.logger.Warn(msg, args...)
	}
}

const (
	logMsgMountSkipped       = "mount skipped, application already applied"
	logMsgMountApplied       = "application mounted"
	logMsgRouteComposed      = "route composed"
	logMsgResponseHookFailed = "onResponse hook failed"
	logMsgStartHookRunning   = "running start hooks"
	logMsgStopHookRunning    = "running stop hooks"
	logAttrError             = "error"
	logAttrApp               = "app"
	logAttrChecksum          = "checksum"
	logAttrPrefix            = "prefix"
	logAttrMethod            = "method"
	logAttrPath              = "path"
	logAttrHookIndex         = "hook_index"
)

const (
	metricRequestDuration = "graft_request_duration_seconds"
	metricRequestsTotal   = "graft_requests_total"
)
