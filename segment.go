package agentz

import (
	"sync"
)

// Segment is the finished, immutable form of the spans produced by one execution chain.
// It is handed to every reporter exactly once.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type Segment struct {
	Spans           []Span `json:"spans"`
	TraceID         string `json:"trace_id"`
	SegmentID       string `json:"segment_id"`
	Service         string `json:"service"`
	ServiceInstance string `json:"service_instance"`
	Suspect         bool   `json:"suspect,omitempty"`
	Orphaned        bool   `json:"orphaned,omitempty"`
}

// segment is the live, append-only collection behind a Segment.
// Span IDs are assigned under mu, so they are unique and increasing.
type segment struct {
	manager  *Manager
	entry    *ActiveSpan
	spans    []*ActiveSpan
	traceID  string
	id       string
	mu       sync.Mutex
	nextID   int32
	open     int
	suspect  bool
	orphaned bool
	finished bool
}

func newSegment(m *Manager, traceID, id string) *segment {
	return &segment{
		manager: m,
		traceID: traceID,
		id:      id,
		spans:   make([]*ActiveSpan, 0, 4),
	}
}

// add assigns the next span ID and appends the span.
// Returns false once the segment has been flushed.
func (s *segment) add(a *ActiveSpan) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return false
	}
	a.id = s.nextID
	a.span.SpanID = s.nextID
	s.nextID++
	s.spans = append(s.spans, a)
	s.open++
	if s.entry == nil && a.span.Kind == EntrySpan {
		s.entry = a
	}
	return true
}

// adopt switches an empty segment to a remote trace ID.
// A segment that already holds spans keeps its identity.
func (s *segment) adopt(traceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.spans) > 0 || s.finished {
		return false
	}
	s.traceID = traceID
	return true
}

func (s *segment) trace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.traceID
}

// endpoint names the segment for downstream carriers: the entry span's operation,
// falling back to the calling span's own.
func (s *segment) endpoint(caller *ActiveSpan, operation string) string {
	s.mu.Lock()
	entry := s.entry
	s.mu.Unlock()

	if entry != nil && entry != caller {
		operation = entry.Operation()
	}
	if operation == "" {
		return "/"
	}
	return operation
}

func (s *segment) markSuspect() {
	s.mu.Lock()
	s.suspect = true
	s.mu.Unlock()
}

func (s *segment) isFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// openSpans returns the unfinished spans, newest first.
func (s *segment) openSpans() []*ActiveSpan {
	s.mu.Lock()
	spans := make([]*ActiveSpan, len(s.spans))
	copy(spans, s.spans)
	s.mu.Unlock()

	open := make([]*ActiveSpan, 0, len(spans))
	for i := len(spans) - 1; i >= 0; i-- {
		if !spans[i].Finished() {
			open = append(open, spans[i])
		}
	}
	return open
}

// spanStopped accounts for one finished span and flushes the segment when none remain open.
func (s *segment) spanStopped(orphaned bool) {
	s.mu.Lock()
	if orphaned {
		s.orphaned = true
	}
	s.open--
	if s.open > 0 || s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	record := s.recordLocked()
	s.mu.Unlock()

	s.manager.segmentFinished(s, record)
}

// recordLocked copies the segment. Every span is finished, so span fields are stable.
func (s *segment) recordLocked() Segment {
	spans := make([]Span, len(s.spans))
	for i, a := range s.spans {
		spans[i] = a.span.clone()
	}
	return Segment{
		Spans:           spans,
		TraceID:         s.traceID,
		SegmentID:       s.id,
		Service:         s.manager.service,
		ServiceInstance: s.manager.instance,
		Suspect:         s.suspect,
		Orphaned:        s.orphaned,
	}
}
