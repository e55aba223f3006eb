// Package agentz provides the trace-context propagation and span-lifecycle core of an
// in-process tracing agent.
//
// agentz tracks causal chains of work across asynchronous calls, groups the spans of one
// chain into a trace segment, and serializes the cross-process carrier that lets a
// downstream process continue the same trace.
//
// Core Components:
//   - Manager: owns execution chains, creates spans, captures and restores snapshots.
//   - ActiveSpan: live, thread-safe handle on one unit of work.
//   - Segment: finished, immutable set of spans handed to reporters exactly once.
//   - ContextCarrier: the sw8 propagation token.
//   - Collector: bounded buffer of finished segments for export.
//
// Basic Usage:
//
//	mgr := agentz.New("checkout")
//	defer mgr.Close()
//
//	mgr.WithContext(ctx, func(ctx context.Context) {
//		entry := mgr.NewEntrySpan(ctx, "/orders", agentz.FromHeader(r.Header))
//		defer entry.Stop()
//
//		exit := mgr.NewExitSpan(ctx, "/stock", "inventory:8080")
//		for _, item := range exit.Extract().Items() {
//			req.Header.Set(item.Key, item.Value)
//		}
//		exit.Async()
//		go func() {
//			resp, err := client.Do(req)
//			// ...
//			exit.Await().Stop()
//		}()
//	})
//
// Execution Chains:
//
// A chain is the span stack of one logical unit of inbound work. It travels inside a
// context.Context, so every function that may open a span takes the context explicitly.
// WithContext and NewContext install a fresh chain; Capture and Restore carry the current
// span across a goroutine or callback boundary.
//
// Failure Policy:
//
// Nothing on the traced path returns an error or panics. Calls made outside a chain get
// a no-op span, and anomalies such as out-of-order stops are reported through the
// manager's zap logger and prometheus counters.
//
// Resource Cleanup:
//
// Call Manager.Close() to force-finish open segments, drain async handlers and stop
// background goroutines.
package agentz

// SpanKind distinguishes inbound, outbound and in-process work.
type SpanKind int

const (
	// EntrySpan represents inbound work received by this process.
	EntrySpan SpanKind = iota
	// ExitSpan represents outbound work issued by this process.
	ExitSpan
	// LocalSpan represents in-process child work with no network hop.
	LocalSpan
)

func (k SpanKind) String() string {
	switch k {
	case EntrySpan:
		return "Entry"
	case ExitSpan:
		return "Exit"
	case LocalSpan:
		return "Local"
	default:
		return "Unknown"
	}
}

// SpanLayer classifies the technology a span belongs to.
type SpanLayer int

const (
	LayerUnknown SpanLayer = iota
	LayerDatabase
	LayerRPCFramework
	LayerHTTP
	LayerMQ
	LayerCache
)

func (l SpanLayer) String() string {
	switch l {
	case LayerDatabase:
		return "Database"
	case LayerRPCFramework:
		return "RPCFramework"
	case LayerHTTP:
		return "Http"
	case LayerMQ:
		return "MQ"
	case LayerCache:
		return "Cache"
	default:
		return "Unknown"
	}
}

// ComponentID identifies the library that produced a span.
// Values follow the backend's component dictionary.
type ComponentID int

const (
	ComponentUnknown    ComponentID = 0
	ComponentHTTP       ComponentID = 2
	ComponentHTTPServer ComponentID = 49
)
