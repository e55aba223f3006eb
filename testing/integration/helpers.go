package integration

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/agentz"
)

// MockCollector wraps a real collector with test utilities.
// Provides synchronous collection and verification helpers.
//
//nolint:govet // Field alignment optimized for test helper readability
type MockCollector struct {
	exported []agentz.Segment
	*agentz.Collector
	t  *testing.T
	mu sync.Mutex
}

// NewMockCollector creates a synchronous collector for testing.
func NewMockCollector(t *testing.T, bufferSize int) *MockCollector {
	collector := agentz.NewCollector(bufferSize)
	collector.SetSyncMode(true)
	t.Cleanup(collector.Close)
	return &MockCollector{
		Collector: collector,
		t:         t,
	}
}

// Export returns collected segments and clears the buffer.
func (m *MockCollector) Export() []agentz.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()

	segments := m.Collector.Export()
	m.exported = append(m.exported, segments...)
	return segments
}

// GetAll returns every segment exported so far, including buffered ones.
func (m *MockCollector) GetAll() []agentz.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current := m.Collector.Export(); len(current) > 0 {
		m.exported = append(m.exported, current...)
	}
	all := make([]agentz.Segment, len(m.exported))
	copy(all, m.exported)
	return all
}

// WaitForSegments waits until expected segments were collected in total.
func (m *MockCollector) WaitForSegments(expected int, timeout time.Duration) []agentz.Segment {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if all := m.GetAll(); len(all) >= expected {
			return all
		}
		<-ticker.C
	}

	all := m.GetAll()
	m.t.Errorf("Timeout waiting for segments: expected %d, got %d", expected, len(all))
	return all
}

// AssertSegmentCount verifies the exact number of buffered segments.
func (m *MockCollector) AssertSegmentCount(expected int) {
	if segments := m.Export(); len(segments) != expected {
		m.t.Errorf("Expected %d segments, got %d", expected, len(segments))
	}
}

// SpanNamed returns the first span with the given operation in seg.
func SpanNamed(seg agentz.Segment, operation string) *agentz.Span {
	for i := range seg.Spans {
		if seg.Spans[i].Operation == operation {
			return &seg.Spans[i]
		}
	}
	return nil
}

// AssertParentChild verifies that child is a direct child of parent inside seg.
func AssertParentChild(t *testing.T, seg agentz.Segment, parentOp, childOp string) {
	t.Helper()
	parent, child := SpanNamed(seg, parentOp), SpanNamed(seg, childOp)
	if parent == nil {
		t.Errorf("Parent span '%s' not found", parentOp)
		return
	}
	if child == nil {
		t.Errorf("Child span '%s' not found", childOp)
		return
	}
	if child.ParentSpanID != parent.SpanID {
		t.Errorf("Parent-child relationship broken: %s is not parent of %s. Child ParentSpanID=%d, Parent SpanID=%d",
			parentOp, childOp, child.ParentSpanID, parent.SpanID)
	}
}

// SpanTree represents a hierarchical view of the spans of one segment.
type SpanTree struct {
	Span     agentz.Span
	Children []*SpanTree
}

// BuildSpanTree constructs the span tree of a segment.
func BuildSpanTree(seg agentz.Segment) []*SpanTree {
	nodes := make(map[int32]*SpanTree, len(seg.Spans))
	for _, span := range seg.Spans {
		nodes[span.SpanID] = &SpanTree{Span: span}
	}

	var roots []*SpanTree
	for _, span := range seg.Spans {
		node := nodes[span.SpanID]
		if parent, ok := nodes[span.ParentSpanID]; ok && span.ParentSpanID >= 0 {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
	}
	return roots
}

// PrintSpanTree formats a span tree for debugging.
func PrintSpanTree(trees []*SpanTree) string {
	var sb strings.Builder
	for _, tree := range trees {
		printTreeNode(&sb, tree, 0)
	}
	return sb.String()
}

func printTreeNode(sb *strings.Builder, node *SpanTree, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(sb, "%s[%s] %s (%.2fms)\n",
		indent, node.Span.Kind, node.Span.Operation, node.Span.Duration.Seconds()*1000)
	for _, child := range node.Children {
		printTreeNode(sb, child, depth+1)
	}
}

// carrierOverWire sends c through the header map a transport would use.
func carrierOverWire(c *agentz.ContextCarrier) *agentz.ContextCarrier {
	headers := make(map[string]string)
	for _, item := range c.Items() {
		headers[item.Key] = item.Value
	}
	return agentz.From(headers)
}

// MockService simulates a traced service for integration testing. Each call runs
// in a fresh chain and may call downstream services through exit spans.
type MockService struct {
	Manager   *agentz.Manager
	Collector *MockCollector
	name      string
	latency   time.Duration
	mu        sync.Mutex
	requests  int
	failRate  float32
}

// NewMockService creates a service with its own manager and collector.
func NewMockService(t *testing.T, name string) *MockService {
	mgr := agentz.New(name, agentz.WithInstance(name+"-1"))
	collector := NewMockCollector(t, 1000)
	mgr.AddReporter(collector)
	t.Cleanup(mgr.Close)
	return &MockService{Manager: mgr, Collector: collector, name: name}
}

// Name returns the service name.
func (s *MockService) Name() string { return s.name }

// SetLatency configures processing time per call.
func (s *MockService) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// SetFailureRate configures error probability (0.0-1.0).
func (s *MockService) SetFailureRate(rate float32) {
	s.mu.Lock()
	s.failRate = rate
	s.mu.Unlock()
}

// Requests returns the number of calls handled.
func (s *MockService) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Handle serves one inbound call that arrived with carrier, calling each downstream
// service in order.
func (s *MockService) Handle(carrier *agentz.ContextCarrier, operation string, downstream ...*MockService) error {
	s.mu.Lock()
	s.requests++
	latency := s.latency
	fail := rand.Float32() < s.failRate
	s.mu.Unlock()

	var err error
	s.Manager.WithContext(context.Background(), func(ctx context.Context) {
		entry := s.Manager.NewEntrySpan(ctx, operation, carrier)
		defer entry.Stop()

		if latency > 0 {
			time.Sleep(latency)
		}

		for _, d := range downstream {
			exit := s.Manager.NewExitSpan(ctx, "/"+d.name, d.name+":8080")
			if derr := d.Handle(carrierOverWire(exit.Extract()), "/"+d.name); derr != nil {
				exit.ErrorOccurred()
				err = derr
			}
			exit.Stop()
		}

		if fail {
			entry.ErrorOccurred()
			err = fmt.Errorf("%s: simulated failure", s.name)
		}
	})
	return err
}

// SpanMatcher provides fluent assertions for spans.
type SpanMatcher struct {
	t    *testing.T
	span *agentz.Span
}

// NewSpanMatcher creates a matcher for span assertions.
func NewSpanMatcher(t *testing.T, span *agentz.Span) *SpanMatcher {
	if span == nil {
		t.Error("Span not found")
	}
	return &SpanMatcher{t: t, span: span}
}

// HasTag verifies a tag exists with value.
func (m *SpanMatcher) HasTag(key agentz.TagKey, value string) *SpanMatcher {
	if m.span == nil {
		return m
	}
	for _, tag := range m.span.Tags {
		if tag.Key == key {
			if tag.Value != value {
				m.t.Errorf("Span %s tag '%s': expected '%s', got '%s'",
					m.span.Operation, key, value, tag.Value)
			}
			return m
		}
	}
	m.t.Errorf("Span %s missing tag '%s'", m.span.Operation, key)
	return m
}

// HasParent verifies the parent span id.
func (m *SpanMatcher) HasParent(parentID int32) *SpanMatcher {
	if m.span != nil && m.span.ParentSpanID != parentID {
		m.t.Errorf("Span %s wrong parent: expected %d, got %d",
			m.span.Operation, parentID, m.span.ParentSpanID)
	}
	return m
}

// HasKind verifies the span kind.
func (m *SpanMatcher) HasKind(kind agentz.SpanKind) *SpanMatcher {
	if m.span != nil && m.span.Kind != kind {
		m.t.Errorf("Span %s wrong kind: expected %s, got %s", m.span.Operation, kind, m.span.Kind)
	}
	return m
}

// TraceAnalyzer stitches the segments of one trace back together through refs.
type TraceAnalyzer struct {
	segments map[string]agentz.Segment
	byTrace  map[string][]agentz.Segment
}

// NewTraceAnalyzer indexes segments from any number of services.
func NewTraceAnalyzer(segments ...[]agentz.Segment) *TraceAnalyzer {
	a := &TraceAnalyzer{
		segments: make(map[string]agentz.Segment),
		byTrace:  make(map[string][]agentz.Segment),
	}
	for _, group := range segments {
		for _, seg := range group {
			a.segments[seg.SegmentID] = seg
			a.byTrace[seg.TraceID] = append(a.byTrace[seg.TraceID], seg)
		}
	}
	return a
}

// CountTraces returns the number of distinct trace ids.
func (a *TraceAnalyzer) CountTraces() int { return len(a.byTrace) }

// Trace returns every segment of a trace.
func (a *TraceAnalyzer) Trace(traceID string) []agentz.Segment { return a.byTrace[traceID] }

// Caller returns the remote exit span that led to seg, following its entry span's ref.
func (a *TraceAnalyzer) Caller(seg agentz.Segment) (agentz.Segment, agentz.Span, bool) {
	if len(seg.Spans) == 0 || len(seg.Spans[0].Refs) == 0 {
		return agentz.Segment{}, agentz.Span{}, false
	}
	ref := seg.Spans[0].Refs[0]
	parent, ok := a.segments[ref.ParentSegmentID]
	if !ok {
		return agentz.Segment{}, agentz.Span{}, false
	}
	for _, span := range parent.Spans {
		if span.SpanID == ref.ParentSpanID {
			return parent, span, true
		}
	}
	return parent, agentz.Span{}, false
}

// VerifyChain checks that, inside one trace, each named service was called by the
// previous one through an exit span.
func (a *TraceAnalyzer) VerifyChain(traceID string, services ...string) error {
	if len(services) < 2 {
		return fmt.Errorf("chain requires at least 2 services")
	}

	byService := make(map[string]agentz.Segment)
	for _, seg := range a.byTrace[traceID] {
		byService[seg.Service] = seg
	}

	for i := 1; i < len(services); i++ {
		seg, ok := byService[services[i]]
		if !ok {
			return fmt.Errorf("service '%s' has no segment in trace %s", services[i], traceID)
		}
		parent, exit, ok := a.Caller(seg)
		if !ok {
			return fmt.Errorf("service '%s' has no resolvable caller", services[i])
		}
		if parent.Service != services[i-1] {
			return fmt.Errorf("broken chain: %s was called by %s, not %s", services[i], parent.Service, services[i-1])
		}
		if exit.Kind != agentz.ExitSpan {
			return fmt.Errorf("broken chain: %s was not called through an exit span", services[i])
		}
	}
	return nil
}
