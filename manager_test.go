package agentz

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// newTestManager returns a manager reporting into a synchronous collector.
func newTestManager(t *testing.T, opts ...Option) (*Manager, *Collector) {
	t.Helper()
	mgr := New("test-service", opts...)
	collector := NewCollector(100)
	collector.SetSyncMode(true)
	mgr.AddReporter(collector)
	t.Cleanup(func() {
		mgr.Close()
		collector.Close()
	})
	return mgr, collector
}

func TestEntrySpanWithoutCarrierMintsTrace(t *testing.T) {
	mgr, collector := newTestManager(t)

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		mgr.WithContext(context.Background(), func(ctx context.Context) {
			span := mgr.NewEntrySpan(ctx, "/", From(map[string]string{}))
			if seen[span.TraceID()] {
				t.Errorf("Trace id %s reused", span.TraceID())
			}
			seen[span.TraceID()] = true
			span.Stop()
		})
	}

	if got := len(collector.Export()); got != 5 {
		t.Errorf("Expected 5 segments, got %d", got)
	}
}

func TestEntrySpanOperationStripsQuery(t *testing.T) {
	mgr, collector := newTestManager(t)

	mgr.WithContext(context.Background(), func(ctx context.Context) {
		span := mgr.NewEntrySpan(ctx, "", nil)
		if span.Operation() != "/" {
			t.Errorf("Expected default operation '/', got %s", span.Operation())
		}
		span.SetOperation("/json?x=1").Tag(HTTPURL("/json?x=1"))
		span.Stop()
	})

	segments := collector.Export()
	if len(segments) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(segments))
	}
	span := segments[0].Spans[0]
	if span.Operation != "/json" {
		t.Errorf("Expected operation /json, got %s", span.Operation)
	}
	if len(span.Tags) != 1 || span.Tags[0].Value != "/json?x=1" {
		t.Errorf("Expected url tag /json?x=1, got %v", span.Tags)
	}
	if span.ParentSpanID != -1 {
		t.Errorf("Expected root parent -1, got %d", span.ParentSpanID)
	}
}

func TestEntrySpanContinuesCarrier(t *testing.T) {
	upstream, _ := newTestManager(t)
	downstream, collector := newTestManager(t)

	var carrier *ContextCarrier
	var upstreamTrace string
	upstream.WithContext(context.Background(), func(ctx context.Context) {
		entry := upstream.NewEntrySpan(ctx, "/front", nil)
		exit := upstream.NewExitSpan(ctx, "/back", "back:80")
		carrier = exit.Extract()
		upstreamTrace = entry.TraceID()
		exit.Stop()
		entry.Stop()
	})

	headers := map[string]string{}
	for _, item := range carrier.Items() {
		headers[item.Key] = item.Value
	}

	downstream.WithContext(context.Background(), func(ctx context.Context) {
		entry := downstream.NewEntrySpan(ctx, "/back", From(headers))
		if entry.TraceID() != upstreamTrace {
			t.Errorf("Expected trace %s, got %s", upstreamTrace, entry.TraceID())
		}
		entry.Stop()
	})

	segments := collector.Export()
	if len(segments) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(segments))
	}
	refs := segments[0].Spans[0].Refs
	if len(refs) != 1 {
		t.Fatalf("Expected 1 ref, got %d", len(refs))
	}
	if refs[0].ParentSegmentID != carrier.SegmentID || refs[0].ParentSpanID != carrier.SpanID {
		t.Errorf("Unexpected ref %+v", refs[0])
	}
	if refs[0].ParentService != "test-service" || refs[0].ParentEndpoint != "/front" {
		t.Errorf("Unexpected parent identity %+v", refs[0])
	}
}

func TestSpanIDsStrictlyIncreasing(t *testing.T) {
	mgr, collector := newTestManager(t)

	mgr.WithContext(context.Background(), func(ctx context.Context) {
		entry := mgr.NewEntrySpan(ctx, "/", nil)
		exit := mgr.NewExitSpan(ctx, "/a", "a:80")
		local := mgr.NewLocalSpan(ctx, "parse")
		local.Stop()
		exit.Stop()
		sibling := mgr.NewLocalSpan(ctx, "render")
		sibling.Stop()
		entry.Stop()
	})

	segments := collector.Export()
	if len(segments) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(segments))
	}
	spans := segments[0].Spans
	wantParents := []int32{-1, 0, 1, 0}
	for i, span := range spans {
		if span.SpanID != int32(i) {
			t.Errorf("Expected span id %d, got %d", i, span.SpanID)
		}
		if span.ParentSpanID != wantParents[i] {
			t.Errorf("Span %d: expected parent %d, got %d", i, wantParents[i], span.ParentSpanID)
		}
	}
	if spans[1].Kind != ExitSpan || spans[1].Peer != "a:80" {
		t.Errorf("Expected exit span to a:80, got %+v", spans[1])
	}
	if segments[0].Suspect {
		t.Error("Expected well-nested segment not to be suspect")
	}
}

func TestNoChainProducesNoopSpans(t *testing.T) {
	mgr, collector := newTestManager(t)
	ctx := context.Background()

	entry := mgr.NewEntrySpan(ctx, "/", nil)
	local := mgr.NewLocalSpan(ctx, "work")

	for _, span := range []*ActiveSpan{entry, local} {
		if !span.IsNoop() {
			t.Fatal("Expected no-op span outside a chain")
		}
		span.SetOperation("x").Tag(HTTPURL("x")).SetStatus(500, "boom").ErrorOccurred()
		span.Async().Await().Stop()
		span.Stop()
		if span.TraceID() != "" || span.SpanID() != -1 {
			t.Errorf("Expected empty identity, got %s/%d", span.TraceID(), span.SpanID())
		}
	}

	if collector.Count() != 0 {
		t.Errorf("Expected nothing reported, got %d", collector.Count())
	}
	if got := testutil.ToFloat64(mgr.Metrics().SpansNoop); got != 2 {
		t.Errorf("Expected 2 no-op spans counted, got %v", got)
	}
	if mgr.Current(ctx) != noopSpan {
		t.Error("Expected Current outside a chain to be the no-op span")
	}
}

func TestExitSpanOutsideChainIsRoot(t *testing.T) {
	mgr, collector := newTestManager(t)

	span := mgr.NewExitSpan(context.Background(), "/api", "")
	if span.IsNoop() {
		t.Fatal("Expected a real exit span outside a chain")
	}
	span.Stop()

	segments := collector.Export()
	if len(segments) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(segments))
	}
	got := segments[0].Spans[0]
	if got.Peer != "unknown" {
		t.Errorf("Expected default peer 'unknown', got %s", got.Peer)
	}
	if got.ParentSpanID != -1 {
		t.Errorf("Expected root exit span, got parent %d", got.ParentSpanID)
	}
}

func TestDoubleStopIsIdempotent(t *testing.T) {
	clock := clockz.NewFakeClock()
	mgr, collector := newTestManager(t, WithClock(clock))

	mgr.WithContext(context.Background(), func(ctx context.Context) {
		entry := mgr.NewEntrySpan(ctx, "/", nil)
		clock.Advance(10 * time.Millisecond)
		entry.Stop()
		end := entry.Record().EndTime

		clock.Advance(10 * time.Millisecond)
		entry.Stop()
		entry.SetOperation("/changed")

		if !entry.Record().EndTime.Equal(end) {
			t.Errorf("Expected end time to stay %v, got %v", end, entry.Record().EndTime)
		}
		if entry.Operation() != "/" {
			t.Errorf("Expected finished span to keep its name, got %s", entry.Operation())
		}
	})

	segments := collector.Export()
	if len(segments) != 1 || len(segments[0].Spans) != 1 {
		t.Fatalf("Expected a single one-span segment, got %v", segments)
	}
	if segments[0].Spans[0].Duration != 10*time.Millisecond {
		t.Errorf("Expected 10ms duration, got %v", segments[0].Spans[0].Duration)
	}
}

func TestOutOfOrderStopIsReported(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	mgr, collector := newTestManager(t, WithLogger(zap.New(core)))

	mgr.WithContext(context.Background(), func(ctx context.Context) {
		entry := mgr.NewEntrySpan(ctx, "/", nil)
		child := mgr.NewLocalSpan(ctx, "child")

		entry.Stop()
		if mgr.Current(ctx) != child {
			t.Error("Expected child to stay current after parent was unwound")
		}
		child.Stop()
	})

	if logs.FilterMessage("span stopped while a child span is still open").Len() != 1 {
		t.Errorf("Expected one out-of-order warning, got %v", logs.All())
	}
	if got := testutil.ToFloat64(mgr.Metrics().SpansOutOfOrder); got != 1 {
		t.Errorf("Expected out-of-order counter 1, got %v", got)
	}

	segments := collector.Export()
	if len(segments) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(segments))
	}
	if !segments[0].Suspect {
		t.Error("Expected segment to be flagged suspect")
	}
}

func TestSegmentWaitsForOpenSpans(t *testing.T) {
	mgr, collector := newTestManager(t)

	var exit *ActiveSpan
	mgr.WithContext(context.Background(), func(ctx context.Context) {
		entry := mgr.NewEntrySpan(ctx, "/", nil)
		exit = mgr.NewExitSpan(ctx, "/slow", "slow:80").Async()
		entry.Stop()
	})

	if collector.Count() != 0 {
		t.Fatal("Expected segment to stay open while the exit span is pending")
	}
	if mgr.OpenSegments() != 1 {
		t.Errorf("Expected 1 open segment, got %d", mgr.OpenSegments())
	}

	exit.Await().Stop()

	if collector.Count() != 1 {
		t.Errorf("Expected segment to flush after the last span, got %d", collector.Count())
	}
	if mgr.OpenSegments() != 0 {
		t.Errorf("Expected no open segments, got %d", mgr.OpenSegments())
	}
}

func TestAsyncSpanLeavesStack(t *testing.T) {
	mgr, collector := newTestManager(t)

	mgr.WithContext(context.Background(), func(ctx context.Context) {
		entry := mgr.NewEntrySpan(ctx, "/", nil)
		first := mgr.NewExitSpan(ctx, "/json", "httpbin.org").Async()
		second := mgr.NewExitSpan(ctx, "/xml", "httpbin.org").Async()

		if mgr.Current(ctx) != entry {
			t.Error("Expected entry span to be current after both exits went async")
		}
		entry.Stop()
		second.Await().Stop()
		first.Await().Stop()
	})

	segments := collector.Export()
	if len(segments) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(segments))
	}
	for _, span := range segments[0].Spans[1:] {
		if span.ParentSpanID != 0 {
			t.Errorf("Expected %s to be a child of the entry span, got parent %d", span.Operation, span.ParentSpanID)
		}
	}
	if segments[0].Suspect {
		t.Error("Expected async completion order not to be suspect")
	}
}

func TestNewSegmentAfterFlushKeepsTrace(t *testing.T) {
	mgr, collector := newTestManager(t)

	mgr.WithContext(context.Background(), func(ctx context.Context) {
		first := mgr.NewEntrySpan(ctx, "/", nil)
		first.Stop()
		second := mgr.NewLocalSpan(ctx, "late")
		second.Stop()

		if first.TraceID() != second.TraceID() {
			t.Error("Expected the chain to keep its trace id")
		}
		if first.SegmentID() == second.SegmentID() {
			t.Error("Expected a new segment after the first one flushed")
		}
	})

	if got := len(collector.Export()); got != 2 {
		t.Errorf("Expected 2 segments, got %d", got)
	}
}

func TestUnregisteredTagRejected(t *testing.T) {
	mgr, collector := newTestManager(t)

	mgr.WithContext(context.Background(), func(ctx context.Context) {
		span := mgr.NewEntrySpan(ctx, "/", nil)
		span.Tag(Tag{Key: "custom", Value: "x"})
		span.Tag(HTTPStatusCode(200)).Tag(HTTPStatusCode(503))
		span.Stop()
	})

	tags := collector.Export()[0].Spans[0].Tags
	if len(tags) != 1 {
		t.Fatalf("Expected only the status tag, got %v", tags)
	}
	if tags[0].Value != "503" {
		t.Errorf("Expected overridable status code to be replaced, got %s", tags[0].Value)
	}
	if got := testutil.ToFloat64(mgr.Metrics().TagsRejected); got != 1 {
		t.Errorf("Expected 1 rejected tag, got %v", got)
	}
}

func TestOrphanWatchdogForceFinishes(t *testing.T) {
	clock := clockz.NewFakeClock()
	mgr, collector := newTestManager(t, WithClock(clock), WithOrphanTimeout(time.Second))

	mgr.WithContext(context.Background(), func(ctx context.Context) {
		entry := mgr.NewEntrySpan(ctx, "/", nil)
		mgr.NewExitSpan(ctx, "/never", "void:80").Async()
		entry.Stop()
	})

	clock.Advance(2 * time.Second)
	clock.BlockUntilReady()

	deadline := time.Now().Add(time.Second)
	for collector.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	segments := collector.Export()
	if len(segments) != 1 {
		t.Fatalf("Expected orphaned segment to flush, got %d", len(segments))
	}
	if !segments[0].Orphaned || !segments[0].Spans[1].Orphaned {
		t.Errorf("Expected orphan flags, got %+v", segments[0])
	}
	if segments[0].Spans[0].Orphaned {
		t.Error("Expected entry span to finish normally")
	}
}

func TestOrphanWatchdogDisarmedByStop(t *testing.T) {
	clock := clockz.NewFakeClock()
	mgr, collector := newTestManager(t, WithClock(clock), WithOrphanTimeout(time.Second))

	mgr.WithContext(context.Background(), func(ctx context.Context) {
		entry := mgr.NewEntrySpan(ctx, "/", nil)
		exit := mgr.NewExitSpan(ctx, "/fast", "fast:80").Async()
		exit.Await().Stop()
		entry.Stop()
	})

	clock.Advance(2 * time.Second)
	clock.BlockUntilReady()

	segments := collector.Export()
	if len(segments) != 1 || segments[0].Orphaned {
		t.Errorf("Expected one clean segment, got %+v", segments)
	}
	if got := testutil.ToFloat64(mgr.Metrics().SpansOrphaned); got != 0 {
		t.Errorf("Expected no orphans, got %v", got)
	}
}

func TestOrphanWatchdogIgnoresStoppedSpans(t *testing.T) {
	for i := 0; i < 200; i++ {
		clock := clockz.NewFakeClock()
		mgr := New("test-service", WithClock(clock), WithOrphanTimeout(time.Second))

		exit := mgr.NewExitSpan(context.Background(), "/fast", "fast:80").Async()
		exit.Await().Stop()
		clock.Advance(2 * time.Second)
		clock.BlockUntilReady()
		time.Sleep(time.Microsecond)

		if got := testutil.ToFloat64(mgr.Metrics().SpansOrphaned); got != 0 {
			t.Fatalf("Iteration %d: expected stopped span not to count as orphaned, got %v", i, got)
		}
		mgr.Close()
	}
}

func TestCloseRacingStopCountsOnlyForcedSpans(t *testing.T) {
	for i := 0; i < 50; i++ {
		mgr := New("test-service")
		collector := NewCollector(100)
		collector.SetSyncMode(true)
		mgr.AddReporter(collector)

		spans := make([]*ActiveSpan, 10)
		for j := range spans {
			spans[j] = mgr.NewExitSpan(context.Background(), "/race", "peer:80").Async()
		}

		var wg sync.WaitGroup
		for _, span := range spans {
			wg.Add(1)
			go func(a *ActiveSpan) {
				defer wg.Done()
				a.Await().Stop()
			}(span)
		}
		mgr.Close()
		wg.Wait()

		forced := 0
		for _, seg := range collector.Export() {
			for _, span := range seg.Spans {
				if span.Orphaned {
					forced++
				}
			}
		}
		if got := testutil.ToFloat64(mgr.Metrics().SpansOrphaned); int(got) != forced {
			t.Fatalf("Iteration %d: counted %v orphans, %d spans were force-finished", i, got, forced)
		}
		collector.Close()
	}
}

func TestCloseFlushesOpenSegments(t *testing.T) {
	mgr := New("test-service")
	collector := NewCollector(10)
	collector.SetSyncMode(true)
	defer collector.Close()
	mgr.AddReporter(collector)

	mgr.WithContext(context.Background(), func(ctx context.Context) {
		mgr.NewEntrySpan(ctx, "/", nil)
		mgr.NewLocalSpan(ctx, "work")
	})

	mgr.Close()

	segments := collector.Export()
	if len(segments) != 1 {
		t.Fatalf("Expected open segment to flush on close, got %d", len(segments))
	}
	if !segments[0].Orphaned || segments[0].Suspect {
		t.Errorf("Expected orphaned, well-nested segment, got %+v", segments[0])
	}

	ctx := mgr.NewContext(context.Background())
	if !mgr.NewEntrySpan(ctx, "/", nil).IsNoop() {
		t.Error("Expected no-op spans after close")
	}
	mgr.Close()
}

func TestWithFakeClockTiming(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := clockz.NewFakeClockAt(start)
	mgr, collector := newTestManager(t, WithClock(clock))

	mgr.WithContext(context.Background(), func(ctx context.Context) {
		span := mgr.NewEntrySpan(ctx, "/", nil)
		clock.Advance(100 * time.Millisecond)
		span.Stop()
	})

	span := collector.Export()[0].Spans[0]
	if !span.StartTime.Equal(start) {
		t.Errorf("Expected start %v, got %v", start, span.StartTime)
	}
	if span.Duration != 100*time.Millisecond {
		t.Errorf("Expected 100ms, got %v", span.Duration)
	}
}

func TestConcurrentChainsAreIsolated(t *testing.T) {
	mgr, collector := newTestManager(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mgr.WithContext(context.Background(), func(ctx context.Context) {
				entry := mgr.NewEntrySpan(ctx, "/", nil)
				for j := 0; j < 5; j++ {
					mgr.NewLocalSpan(ctx, "step").Stop()
				}
				entry.Stop()
			})
		}()
	}
	wg.Wait()

	segments := collector.Export()
	if len(segments) != 20 {
		t.Fatalf("Expected 20 segments, got %d", len(segments))
	}
	for _, s := range segments {
		if len(s.Spans) != 6 || s.Suspect {
			t.Errorf("Expected 6 well-nested spans, got %d (suspect=%v)", len(s.Spans), s.Suspect)
		}
	}
}

func TestHandlersReceiveSegments(t *testing.T) {
	mgr := New("test-service")
	defer mgr.Close()

	if mgr.HasHandlers() {
		t.Error("Expected no handlers initially")
	}

	var syncCount, asyncCount atomic.Int32
	id := mgr.OnSegmentFinish(func(Segment) { syncCount.Add(1) })
	done := make(chan struct{}, 1)
	mgr.OnSegmentFinishAsync(func(Segment) {
		asyncCount.Add(1)
		done <- struct{}{}
	})

	mgr.NewExitSpan(context.Background(), "/", "x").Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Async handler never ran")
	}

	mgr.RemoveHandler(id)
	mgr.NewExitSpan(context.Background(), "/", "x").Stop()
	<-done

	if syncCount.Load() != 1 || asyncCount.Load() != 2 {
		t.Errorf("Expected 1 sync and 2 async calls, got %d and %d", syncCount.Load(), asyncCount.Load())
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	mgr := New("test-service")
	defer mgr.Close()

	var hooked atomic.Uint64
	mgr.SetPanicHook(func(id uint64, _ interface{}) { hooked.Store(id) })
	id := mgr.OnSegmentFinish(func(Segment) { panic("boom") })

	mgr.NewExitSpan(context.Background(), "/", "x").Stop()

	if hooked.Load() != id {
		t.Errorf("Expected panic hook for handler %d, got %d", id, hooked.Load())
	}
	if got := testutil.ToFloat64(mgr.Metrics().HandlerPanics); got != 1 {
		t.Errorf("Expected 1 handler panic, got %v", got)
	}
}

func TestPanicHookSwappedWhileWorkersRun(t *testing.T) {
	mgr := New("test-service")
	if err := mgr.EnableWorkerPool(4, 100); err != nil {
		t.Fatalf("Failed to enable worker pool: %v", err)
	}
	mgr.OnSegmentFinishAsync(func(Segment) { panic("boom") })

	var hooked atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			mgr.SetPanicHook(func(uint64, interface{}) { hooked.Add(1) })
		}()
		go func() {
			defer wg.Done()
			mgr.NewExitSpan(context.Background(), "/", "x").Stop()
		}()
	}
	wg.Wait()
	mgr.Close()

	if got := testutil.ToFloat64(mgr.Metrics().HandlerPanics); got != 20 {
		t.Errorf("Expected 20 handler panics, got %v", got)
	}
	if hooked.Load() > 20 {
		t.Errorf("Expected at most 20 hook calls, got %d", hooked.Load())
	}
}

func TestEnableWorkerPoolValidation(t *testing.T) {
	mgr := New("test-service")
	defer mgr.Close()

	if err := mgr.EnableWorkerPool(0, 1); !errors.Is(err, ErrInvalidWorkers) {
		t.Errorf("Expected ErrInvalidWorkers, got %v", err)
	}
	if err := mgr.EnableWorkerPool(1, 0); !errors.Is(err, ErrInvalidQueueSize) {
		t.Errorf("Expected ErrInvalidQueueSize, got %v", err)
	}
	if err := mgr.EnableWorkerPool(2, 10); err != nil {
		t.Fatalf("Expected worker pool, got %v", err)
	}
	if err := mgr.EnableWorkerPool(2, 10); !errors.Is(err, ErrWorkerPoolEnabled) {
		t.Errorf("Expected ErrWorkerPoolEnabled, got %v", err)
	}
}

func TestWorkerPoolDeliversOnClose(t *testing.T) {
	mgr := New("test-service")
	if err := mgr.EnableWorkerPool(1, 100); err != nil {
		t.Fatal(err)
	}

	var count atomic.Int32
	mgr.OnSegmentFinishAsync(func(Segment) { count.Add(1) })
	for i := 0; i < 10; i++ {
		mgr.NewExitSpan(context.Background(), "/", "x").Stop()
	}
	mgr.Close()

	if count.Load() != 10 {
		t.Errorf("Expected 10 deliveries before close returned, got %d", count.Load())
	}
}

func TestMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	mgr := New("test-service", WithRegisterer(reg))
	defer mgr.Close()

	mgr.NewExitSpan(context.Background(), "/", "x").Stop()

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "agentz_segments_finished_total" {
			found = true
			if v := f.GetMetric()[0].GetCounter().GetValue(); v != 1 {
				t.Errorf("Expected 1 finished segment, got %v", v)
			}
		}
	}
	if !found {
		t.Error("Expected agentz_segments_finished_total to be registered")
	}
}
