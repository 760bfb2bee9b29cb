package graft

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"
)

// Span status values reported to trace sinks.
const (
	SpanStatusSuccess = "success"
	SpanStatusError   = "error"
)

// SpanPipeline names the root span covering one whole request.
const SpanPipeline = "pipeline"

// Stage span names, in pipeline order. Per-hook unit spans are named
// "<stage>.<index>" beneath their stage span.
const (
	SpanRequest          = "request"
	SpanParse            = "parse"
	SpanDerive           = "derive"
	SpanValidate         = "validate"
	SpanResolve          = "resolve"
	SpanTransform        = "transform"
	SpanBeforeHandle     = "beforeHandle"
	SpanHandle           = "handle"
	SpanValidateResponse = "validateResponse"
	SpanAfterHandle      = "afterHandle"
	SpanMapResponse      = "mapResponse"
	SpanOnResponse       = "onResponse"
	SpanError            = "error"
)

// requestSequence issues the monotonically increasing per-request ids that
// key span trees.
var requestSequence atomic.Uint64

func nextRequestID() uint64 {
	return requestSequence.Add(1)
}

// Span is one timed begin/end record of a pipeline stage or sub-stage. Spans
// form a tree per request: the root span covers the whole pipeline, stage
// spans nest beneath it, and unit spans (one per hook index) nest beneath
// their stage so the constant-cost part of a stage is distinguishable from
// user hook cost.
//
// A span is owned by the single goroutine executing its request; sinks must
// not retain it past SpanFinished unless they copy what they need.
type Span struct {
	RequestID uint64
	Name      string
	Start     time.Time
	End       time.Time
	Parent    *Span
	Children  []*Span
	Status    string
	Err       error
}

// Root walks up to the root span of this request's tree.
func (s *Span) Root() *Span {
	root := s
	for root.Parent != nil {
		root = root.Parent
	}

	return root
}

// Duration is the elapsed time between Start and End; zero while the span is
// still open.
func (s *Span) Duration() time.Duration {
	if s.End.IsZero() {
		return 0
	}

	return s.End.Sub(s.Start)
}

// tracer drives span emission for one request. A nil tracer is valid and
// makes every method a no-op, so pipelines without registered sinks pay
// nothing beyond the nil checks.
type tracer struct {
	sinks []TraceSink
	root  *Span
}

// newTracer opens the root span for one request. Returns nil when no sinks
// are registered.
func newTracer(c *Context, sinks []TraceSink) *tracer {
	if len(sinks) == 0 {
		return nil
	}

	tr := &tracer{sinks: sinks}
	tr.root = tr.begin(c, nil, SpanPipeline)

	return tr
}

// begin opens a child span under parent (or the tree root when parent is
// nil) and notifies every sink in registration order. Sinks may derive the
// context visible to hooks inside the span.
func (tr *tracer) begin(c *Context, parent *Span, name string) *Span {
	if tr == nil {
		return nil
	}

	span := &Span{
		RequestID: c.RequestID(),
		Name:      name,
		Start:     time.Now(),
		Parent:    parent,
	}

	if parent != nil {
		parent.Children = append(parent.Children, span)
	}

	for _, sink := range tr.sinks {
		if derived := sink.SpanStarted(c.ctx, span); derived != nil {
			c.ctx = derived
		}
	}

	return span
}

// beginStage opens a stage span directly beneath the root.
func (tr *tracer) beginStage(c *Context, name string) *Span {
	if tr == nil {
		return nil
	}

	return tr.begin(c, tr.root, name)
}

// beginUnit opens a per-hook-index unit span beneath a stage span.
func (tr *tracer) beginUnit(c *Context, stage *Span, index int) *Span {
	if tr == nil {
		return nil
	}

	return tr.begin(c, stage, stage.Name+"."+strconv.Itoa(index))
}

// end closes a span and notifies every sink. A nil span (from a nil tracer)
// is ignored.
func (tr *tracer) end(span *Span, err error) {
	if tr == nil || span == nil {
		return
	}

	span.End = time.Now()
	span.Status = SpanStatusSuccess

	if err != nil {
		span.Status = SpanStatusError
		span.Err = err
	}

	for _, sink := range tr.sinks {
		sink.SpanFinished(span)
	}
}

// finish closes the root span; stage spans still open are left untouched
// (they were ended by the stage that opened them).
func (tr *tracer) finish(failure error) {
	if tr == nil {
		return
	}

	tr.end(tr.root, failure)
}

// restoreContext is a helper for sinks that derived contexts: after a span
// ends, hooks of later stages should not observe the ended span's context.
// The pipeline captures the context before a span opens and restores it
// afterwards through this function.
func restoreContext(c *Context, ctx context.Context) {
	c.ctx = ctx
}
