package agentz

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Metrics are the agent's self-diagnostic counters.
// They describe the health of the tracing core, not the traced application.
type Metrics struct {
	SegmentsFinished prometheus.Counter
	SegmentsSuspect  prometheus.Counter
	SegmentsDropped  prometheus.Counter
	SpansOutOfOrder  prometheus.Counter
	SpansOrphaned    prometheus.Counter
	SpansNoop        prometheus.Counter
	TagsRejected     prometheus.Counter
	HandlerPanics    prometheus.Counter
}

// NewMetrics creates the counters and registers them on reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentz",
			Name:      name,
			Help:      help,
		})
	}
	m := &Metrics{
		SegmentsFinished: counter("segments_finished_total", "Segments handed to reporters."),
		SegmentsSuspect:  counter("segments_suspect_total", "Finished segments whose span nesting was violated."),
		SegmentsDropped:  counter("segments_dropped_total", "Segments dropped because the async handler queue was full."),
		SpansOutOfOrder:  counter("spans_out_of_order_total", "Spans stopped while a descendant was still on the stack."),
		SpansOrphaned:    counter("spans_orphaned_total", "Async spans force-finished by the watchdog or at shutdown."),
		SpansNoop:        counter("spans_noop_total", "Span requests made outside any execution chain."),
		TagsRejected:     counter("tags_rejected_total", "Tags with keys outside the registered vocabulary."),
		HandlerPanics:    counter("handler_panics_total", "Segment handlers that panicked."),
	}
	if reg != nil {
		reg.MustRegister(
			m.SegmentsFinished,
			m.SegmentsSuspect,
			m.SegmentsDropped,
			m.SpansOutOfOrder,
			m.SpansOrphaned,
			m.SpansNoop,
			m.TagsRejected,
			m.HandlerPanics,
		)
	}
	return m
}

// diagnostics is the channel every traced-path anomaly is reported on.
type diagnostics struct {
	logger  *zap.Logger
	metrics *Metrics
}

func newDiagnostics(logger *zap.Logger, reg prometheus.Registerer) *diagnostics {
	return &diagnostics{logger: logger, metrics: NewMetrics(reg)}
}

// Metrics exposes the manager's diagnostic counters.
func (m *Manager) Metrics() *Metrics {
	return m.diag.metrics
}

func (d *diagnostics) noChain(kind SpanKind, operation string) *ActiveSpan {
	d.metrics.SpansNoop.Inc()
	d.logger.Debug("span requested outside an execution chain",
		zap.Stringer("kind", kind),
		zap.String("operation", operation),
	)
	return noopSpan
}

func (d *diagnostics) outOfOrder(segmentID string, spanID int32) {
	d.metrics.SpansOutOfOrder.Inc()
	d.logger.Warn("span stopped while a child span is still open",
		zap.String("segment_id", segmentID),
		zap.Int32("span_id", spanID),
	)
}

func (d *diagnostics) orphaned(segmentID string, spanID int32) {
	d.metrics.SpansOrphaned.Inc()
	d.logger.Warn("force-finishing span whose completion never arrived",
		zap.String("segment_id", segmentID),
		zap.Int32("span_id", spanID),
	)
}

func (d *diagnostics) tagRejected(key TagKey) {
	d.metrics.TagsRejected.Inc()
	d.logger.Warn("rejected unregistered tag key", zap.String("key", string(key)))
}

func (d *diagnostics) segmentFinished(record Segment) {
	d.metrics.SegmentsFinished.Inc()
	if record.Suspect {
		d.metrics.SegmentsSuspect.Inc()
	}
	d.logger.Debug("segment finished",
		zap.String("trace_id", record.TraceID),
		zap.String("segment_id", record.SegmentID),
		zap.Int("spans", len(record.Spans)),
		zap.Bool("suspect", record.Suspect),
		zap.Bool("orphaned", record.Orphaned),
	)
}

func (d *diagnostics) segmentDropped() {
	d.metrics.SegmentsDropped.Inc()
	d.logger.Warn("async handler queue full, segment dropped")
}

func (d *diagnostics) handlerPanic(id uint64, r interface{}) {
	d.metrics.HandlerPanics.Inc()
	d.logger.Error("segment handler panicked",
		zap.Uint64("handler_id", id),
		zap.String("panic", fmt.Sprint(r)),
	)
}
