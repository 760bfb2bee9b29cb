package oteladapters

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/graft-http/graft"
)

const attrRequestID = "graft.request_id"

// TracingSink implements graft.TraceSink using the OpenTelemetry tracing
// API. Every pipeline span becomes an OpenTelemetry span: the root covers
// the request, stage spans nest beneath it, and unit spans nest beneath
// their stage, reproducing the pipeline's span tree in the backend.
//
// The derived contexts the sink returns carry the active span, so hooks
// doing I/O inside a stage propagate the trace to their own clients.
type TracingSink struct {
	tracer trace.Tracer

	mux    sync.Mutex
	active map[*graft.Span]trace.Span
}

// NewTracingSink creates an OpenTelemetry trace sink. The tracer should come
// from your TracerProvider.
func NewTracingSink(tracer trace.Tracer) *TracingSink {
	return &TracingSink{
		tracer: tracer,
		active: make(map[*graft.Span]trace.Span),
	}
}

// SpanStarted opens the OpenTelemetry counterpart of a pipeline span and
// returns the context carrying it.
func (s *TracingSink) SpanStarted(ctx context.Context, span *graft.Span) context.Context {
	spanCtx, otelSpan := s.tracer.Start(ctx, span.Name,
		trace.WithTimestamp(span.Start),
		trace.WithAttributes(attribute.Int64(attrRequestID, int64(span.RequestID))),
	)

	s.mux.Lock()
	s.active[span] = otelSpan
	s.mux.Unlock()

	return spanCtx
}

// SpanFinished closes the counterpart span with the pipeline outcome.
func (s *TracingSink) SpanFinished(span *graft.Span) {
	s.mux.Lock()
	otelSpan, ok := s.active[span]
	delete(s.active, span)
	s.mux.Unlock()

	if !ok {
		return
	}

	if span.Status == graft.SpanStatusError {
		if span.Err != nil {
			otelSpan.RecordError(span.Err)
			otelSpan.SetStatus(codes.Error, span.Err.Error())
		} else {
			otelSpan.SetStatus(codes.Error, "stage failed")
		}
	} else {
		otelSpan.SetStatus(codes.Ok, "")
	}

	otelSpan.End(trace.WithTimestamp(span.End))
}

// Ensure TracingSink implements graft.TraceSink.
var _ graft.TraceSink = (*TracingSink)(nil)
