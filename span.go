package agentz

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SegmentRef links an entry span to the remote segment that called it.
type SegmentRef struct {
	TraceID               string `json:"trace_id"`
	ParentSegmentID       string `json:"parent_segment_id"`
	ParentService         string `json:"parent_service"`
	ParentServiceInstance string `json:"parent_service_instance"`
	ParentEndpoint        string `json:"parent_endpoint"`
	NetworkAddress        string `json:"network_address"`
	ParentSpanID          int32  `json:"parent_span_id"`
}

// Span represents a single unit of work inside a trace segment.
// Spans are NOT thread-safe - mutate them only through ActiveSpan.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type Span struct {
	Tags          []Tag         `json:"tags,omitempty"`
	Refs          []SegmentRef  `json:"refs,omitempty"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time,omitempty"`
	Duration      time.Duration `json:"duration"`
	Operation     string        `json:"operation"`
	Peer          string        `json:"peer,omitempty"`
	StatusMessage string        `json:"status_message,omitempty"`
	StatusCode    int           `json:"status_code,omitempty"`
	SpanID        int32         `json:"span_id"`
	ParentSpanID  int32         `json:"parent_span_id"`
	Component     ComponentID   `json:"component"`
	Layer         SpanLayer     `json:"layer"`
	Kind          SpanKind      `json:"kind"`
	IsError       bool          `json:"is_error,omitempty"`
	Orphaned      bool          `json:"orphaned,omitempty"`
}

// clone returns a copy that shares no slices with s.
func (s *Span) clone() Span {
	c := *s
	if s.Tags != nil {
		c.Tags = append([]Tag(nil), s.Tags...)
	}
	if s.Refs != nil {
		c.Refs = append([]SegmentRef(nil), s.Refs...)
	}
	return c
}

// noopSpan is handed out whenever a span cannot be attached to a chain.
var noopSpan = &ActiveSpan{noop: true, span: &Span{ParentSpanID: -1, SpanID: -1}}

// ActiveSpan wraps a Span with thread-safe mutation and lifecycle management.
// Safe for concurrent use by multiple goroutines.
type ActiveSpan struct {
	span    *Span
	segment *segment
	manager *Manager
	chain   *chain        // Stack the span is pushed on; nil once detached.
	done    chan struct{} // Closed on stop when an orphan watchdog is armed.
	mu      sync.Mutex
	id      int32
	async   bool
	noop    bool
}

// trimQuery drops everything from the first '?' onward.
func trimQuery(operation string) string {
	if i := strings.IndexByte(operation, '?'); i >= 0 {
		return operation[:i]
	}
	return operation
}

// IsNoop reports whether the span discards everything recorded on it.
func (a *ActiveSpan) IsNoop() bool {
	return a.noop
}

// SetOperation renames the span. The query string is never part of the name.
// No-op if span is already finished.
func (a *ActiveSpan) SetOperation(operation string) *ActiveSpan {
	a.mutate(func(s *Span) { s.Operation = trimQuery(operation) })
	return a
}

// SetPeer sets the remote address of an exit span.
func (a *ActiveSpan) SetPeer(peer string) *ActiveSpan {
	a.mutate(func(s *Span) {
		if peer == "" {
			peer = unknownPeer
		}
		s.Peer = peer
	})
	return a
}

// SetComponent records the library that produced the span.
func (a *ActiveSpan) SetComponent(component ComponentID) *ActiveSpan {
	a.mutate(func(s *Span) { s.Component = component })
	return a
}

// SetLayer records the technology layer of the span.
func (a *ActiveSpan) SetLayer(layer SpanLayer) *ActiveSpan {
	a.mutate(func(s *Span) { s.Layer = layer })
	return a
}

// SetStatus records a numeric status and its message.
func (a *ActiveSpan) SetStatus(code int, message string) *ActiveSpan {
	a.mutate(func(s *Span) {
		s.StatusCode = code
		s.StatusMessage = message
	})
	return a
}

// ErrorOccurred flags the span as failed.
func (a *ActiveSpan) ErrorOccurred() *ActiveSpan {
	a.mutate(func(s *Span) { s.IsError = true })
	return a
}

// Tag attaches a registered tag. Unregistered keys are rejected and reported.
// Overridable keys replace their previous value.
func (a *ActiveSpan) Tag(tag Tag) *ActiveSpan {
	if a.noop {
		return a
	}
	if !IsRegistered(tag.Key) {
		a.manager.diag.tagRejected(tag.Key)
		return a
	}
	a.mutate(func(s *Span) {
		if IsOverridable(tag.Key) {
			for i := range s.Tags {
				if s.Tags[i].Key == tag.Key {
					s.Tags[i].Value = tag.Value
					return
				}
			}
		}
		s.Tags = append(s.Tags, tag)
	})
	return a
}

// mutate applies fn under the span lock unless the span is finished.
func (a *ActiveSpan) mutate(fn func(s *Span)) {
	if a.noop {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	// Don't modify finished spans.
	if !a.span.EndTime.IsZero() {
		return
	}
	fn(a.span)
}

// Async detaches the span from its chain's stack so sibling spans can be opened while
// the span waits for a completion event. The span stays open until Stop.
func (a *ActiveSpan) Async() *ActiveSpan {
	if a.noop {
		return a
	}
	a.mu.Lock()
	if a.async || !a.span.EndTime.IsZero() {
		a.mu.Unlock()
		return a
	}
	a.async = true
	ch := a.chain
	a.chain = nil
	a.mu.Unlock()

	if ch != nil {
		ch.remove(a)
	}
	a.manager.watch(a)
	return a
}

// Await marks the completion event of an async span as observed and returns the span
// so it can be stopped from the continuation that observed it.
func (a *ActiveSpan) Await() *ActiveSpan {
	if a.noop {
		return a
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.async && a.span.EndTime.IsZero() {
		a.manager.logger.Debug("async span resumed",
			zap.String("segment_id", a.segment.id),
			zap.Int32("span_id", a.id),
		)
	}
	return a
}

// Stop finalizes the span and pops it from its chain.
// Safe to call multiple times - subsequent calls are no-ops.
func (a *ActiveSpan) Stop() {
	a.finish(false)
}

// finish reports whether this call finalized the span.
func (a *ActiveSpan) finish(orphaned bool) bool {
	if a.noop {
		return false
	}
	a.mu.Lock()

	// Prevent double-finishing.
	if !a.span.EndTime.IsZero() {
		a.mu.Unlock()
		return false
	}

	a.span.EndTime = a.manager.clock.Now()
	a.span.Duration = a.span.EndTime.Sub(a.span.StartTime)
	a.span.Orphaned = orphaned
	ch := a.chain
	a.chain = nil
	done := a.done
	a.done = nil
	a.mu.Unlock()

	if done != nil {
		close(done)
	}
	if orphaned {
		a.manager.diag.orphaned(a.segment.id, a.id)
	}
	if ch != nil && !ch.pop(a) {
		a.segment.markSuspect()
		a.manager.diag.outOfOrder(a.segment.id, a.id)
	}
	a.segment.spanStopped(orphaned)
	return true
}

// Extract builds the carrier that lets a downstream process continue this trace.
func (a *ActiveSpan) Extract() *ContextCarrier {
	if a.noop {
		return &ContextCarrier{SpanID: -1}
	}
	a.mu.Lock()
	operation := a.span.Operation
	peer := a.span.Peer
	a.mu.Unlock()
	if peer == "" {
		peer = unknownPeer
	}

	return &ContextCarrier{
		TraceID:         a.segment.trace(),
		SegmentID:       a.segment.id,
		SpanID:          a.id,
		Service:         a.manager.service,
		ServiceInstance: a.manager.instance,
		Endpoint:        a.segment.endpoint(a, operation),
		ClientAddress:   peer,
	}
}

// TraceID returns the trace ID of this span.
func (a *ActiveSpan) TraceID() string {
	if a.noop {
		return ""
	}
	return a.segment.trace()
}

// SegmentID returns the ID of the segment owning this span.
func (a *ActiveSpan) SegmentID() string {
	if a.noop {
		return ""
	}
	return a.segment.id
}

// SpanID returns the segment-local span ID, -1 for no-op spans.
func (a *ActiveSpan) SpanID() int32 {
	if a.noop {
		return -1
	}
	return a.id
}

// Kind returns the span kind.
func (a *ActiveSpan) Kind() SpanKind {
	return a.span.Kind
}

// Operation returns the current operation name.
func (a *ActiveSpan) Operation() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.Operation
}

// Finished reports whether Stop has run.
func (a *ActiveSpan) Finished() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.span.EndTime.IsZero()
}

// Record returns a copy of the underlying span.
func (a *ActiveSpan) Record() Span {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.clone()
}
