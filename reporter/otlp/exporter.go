package otlp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/agentz"
	"github.com/zoobzio/clockz"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Defaults used when options are not given.
const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = time.Second
	DefaultTimeout       = 10 * time.Second
)

// ErrExporterClosed is returned by Flush after Close.
var ErrExporterClosed = errors.New("exporter closed")

// Option configures an Exporter.
type Option func(*Exporter)

// WithClock sets the clock driving the flush loop.
func WithClock(clock clockz.Clock) Option {
	return func(e *Exporter) { e.clock = clock }
}

// WithLogger sets the logger for export failures.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Exporter) { e.logger = logger }
}

// WithBatchSize sets the maximum number of segments per export call.
func WithBatchSize(n int) Option {
	return func(e *Exporter) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithFlushInterval sets the longest a buffered segment waits before export.
func WithFlushInterval(d time.Duration) Option {
	return func(e *Exporter) {
		if d > 0 {
			e.flushInterval = d
		}
	}
}

// WithTimeout bounds each export call.
func WithTimeout(d time.Duration) Option {
	return func(e *Exporter) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// Exporter drains a Collector and sends its segments to an OTLP TraceService.
// A batch is sent when the collector holds BatchSize segments or when the flush
// interval elapses, whichever comes first. Failed batches are logged and discarded.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Exporter struct {
	collector     *agentz.Collector
	client        coltracepb.TraceServiceClient
	conn          *grpc.ClientConn // Owned connection, closed on Close.
	clock         clockz.Clock
	logger        *zap.Logger
	stopCh        chan struct{}
	done          chan struct{}
	sendMu        sync.Mutex
	batchSize     int
	flushInterval time.Duration
	timeout       time.Duration
	exported      atomic.Int64
	failed        atomic.Int64
	closing       atomic.Bool
	closed        atomic.Bool
	started       atomic.Bool
}

// Dial connects to an OTLP/gRPC endpoint and returns an exporter that owns the connection.
func Dial(address string, collector *agentz.Collector, secure bool, opts ...Option) (*Exporter, error) {
	var dialOpts []grpc.DialOption
	if !secure {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP client for %q: %w", address, err)
	}
	e := NewExporter(conn, collector, opts...)
	e.conn = conn
	return e, nil
}

// NewExporter builds an exporter on an existing connection. The caller keeps
// ownership of conn.
func NewExporter(conn grpc.ClientConnInterface, collector *agentz.Collector, opts ...Option) *Exporter {
	e := &Exporter{
		collector:     collector,
		client:        coltracepb.NewTraceServiceClient(conn),
		clock:         clockz.RealClock,
		logger:        zap.NewNop(),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		timeout:       DefaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the flush loop. Calling Start more than once has no effect.
func (e *Exporter) Start() {
	if e.started.Swap(true) {
		return
	}
	go e.run(e.clock.After(e.flushInterval))
}

func (e *Exporter) run(timer <-chan time.Time) {
	defer close(e.done)

	for {
		select {
		case <-e.stopCh:
			return
		case <-e.collector.Ready():
			if e.collector.Count() < e.batchSize {
				continue
			}
			e.flushBatches(false)
		case <-timer:
			e.flushBatches(true)
			timer = e.clock.After(e.flushInterval)
		}
	}
}

// flushBatches sends full batches, and the trailing partial one when partial is set.
func (e *Exporter) flushBatches(partial bool) {
	for {
		if !partial && e.collector.Count() < e.batchSize {
			return
		}
		batch := e.collector.ExportN(e.batchSize)
		if len(batch) == 0 {
			return
		}
		if err := e.send(batch); err != nil {
			e.logger.Warn("failed to export segments",
				zap.Int("segments", len(batch)),
				zap.Error(err))
		}
	}
}

func (e *Exporter) send(batch []agentz.Segment) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	resp, err := e.client.Export(ctx, Encode(batch))
	if err != nil {
		e.failed.Add(int64(len(batch)))
		return fmt.Errorf("export of %d segments failed: %w", len(batch), err)
	}
	if ps := resp.GetPartialSuccess(); ps != nil && ps.GetRejectedSpans() > 0 {
		e.logger.Warn("collector rejected spans",
			zap.Int64("rejected", ps.GetRejectedSpans()),
			zap.String("message", ps.GetErrorMessage()))
	}
	e.exported.Add(int64(len(batch)))
	e.logger.Debug("exported segments", zap.Int("segments", len(batch)))
	return nil
}

// Flush sends everything currently buffered, regardless of batch fill.
func (e *Exporter) Flush(ctx context.Context) error {
	if e.closed.Load() {
		return ErrExporterClosed
	}
	var errs []error
	for {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		batch := e.collector.ExportN(e.batchSize)
		if len(batch) == 0 {
			return errors.Join(errs...)
		}
		if err := e.send(batch); err != nil {
			errs = append(errs, err)
		}
	}
}

// Exported returns the number of segments accepted by the collector endpoint.
func (e *Exporter) Exported() int64 { return e.exported.Load() }

// Failed returns the number of segments lost to failed export calls.
func (e *Exporter) Failed() int64 { return e.failed.Load() }

// Close stops the flush loop, sends what is still buffered and releases an owned
// connection. The context bounds the final flush.
func (e *Exporter) Close(ctx context.Context) error {
	if e.closing.Swap(true) {
		return nil
	}
	close(e.stopCh)
	if e.started.Load() {
		<-e.done
	}

	err := e.Flush(ctx)
	e.closed.Store(true)

	if e.conn != nil {
		if cerr := e.conn.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close OTLP connection: %w", cerr))
		}
	}
	return err
}
