package testdoubles

import (
	"context"
	"sync"

	"github.com/graft-http/graft"
)

// TraceSinkSpy is a TraceSink implementation that captures the span events
// emitted by the pipeline for testing span tree shapes and timings.
type TraceSinkSpy struct {
	started     []SpySpanRecord
	finished    []SpySpanRecord
	mu          sync.Mutex
	recordCalls bool
}

// SpySpanRecord represents one observed span event. The Span pointer stays
// valid after the request because the pipeline builds a fresh tree per
// request; Name and Parent are copied out for convenience.
type SpySpanRecord struct {
	Name       string
	ParentName string
	RequestID  uint64
	Status     string
	Span       *graft.Span
}

// NewTraceSinkSpy creates a new TraceSinkSpy instance.
func NewTraceSinkSpy(recordCalls bool) *TraceSinkSpy {
	return &TraceSinkSpy{
		recordCalls: recordCalls,
	}
}

// SpanStarted implements the TraceSink interface for testing. The context is
// returned unchanged.
func (s *TraceSinkSpy) SpanStarted(ctx context.Context, span *graft.Span) context.Context {
	if s.recordCalls {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.started = append(s.started, newSpySpanRecord(span))
	}

	return ctx
}

// SpanFinished implements the TraceSink interface for testing.
func (s *TraceSinkSpy) SpanFinished(span *graft.Span) {
	if s.recordCalls {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.finished = append(s.finished, newSpySpanRecord(span))
	}
}

func newSpySpanRecord(span *graft.Span) SpySpanRecord {
	record := SpySpanRecord{
		Name:      span.Name,
		RequestID: span.RequestID,
		Status:    span.Status,
		Span:      span,
	}
	if span.Parent != nil {
		record.ParentName = span.Parent.Name
	}

	return record
}

// Reset clears all recorded span events.
func (s *TraceSinkSpy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = s.started[:0]
	s.finished = s.finished[:0]
}

// GetStartedSpans returns a copy of all span start events in emission order.
func (s *TraceSinkSpy) GetStartedSpans() []SpySpanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]SpySpanRecord(nil), s.started...)
}

// GetFinishedSpans returns a copy of all span finish events in emission
// order. The root span of a request finishes last.
func (s *TraceSinkSpy) GetFinishedSpans() []SpySpanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]SpySpanRecord(nil), s.finished...)
}

// FinishedSpanNames returns the names of all finished spans in emission
// order.
func (s *TraceSinkSpy) FinishedSpanNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.finished))
	for _, record := range s.finished {
		names = append(names, record.Name)
	}

	return names
}

// HasFinishedSpan checks if a finished span with the specified name exists.
func (s *TraceSinkSpy) HasFinishedSpan(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range s.finished {
		if record.Name == name {
			return true
		}
	}

	return false
}

// RootSpan returns the finished root span of the most recent request, nil
// when none finished yet.
func (s *TraceSinkSpy) RootSpan() *graft.Span {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.finished) - 1; i >= 0; i-- {
		if s.finished[i].Span.Parent == nil {
			return s.finished[i].Span
		}
	}

	return nil
}

// Compile-time check to ensure TraceSinkSpy implements the TraceSink
// interface.
var _ graft.TraceSink = (*TraceSinkSpy)(nil)
