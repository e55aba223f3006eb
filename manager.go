package agentz

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

const unknownPeer = "unknown"

// SegmentHandler is called when a segment finishes.
type SegmentHandler func(segment Segment)

type handlerEntry struct {
	handler SegmentHandler
	id      uint64
	async   bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects the clock used for span timestamps and the orphan watchdog.
// Enables deterministic testing.
func WithClock(clock clockz.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithInstance sets the service instance name written into carriers.
func WithInstance(instance string) Option {
	return func(m *Manager) {
		if instance != "" {
			m.instance = instance
		}
	}
}

// WithOrphanTimeout force-finishes async spans whose completion never arrives.
// Zero disables the watchdog.
func WithOrphanTimeout(timeout time.Duration) Option {
	return func(m *Manager) { m.orphanTimeout = timeout }
}

// WithRegisterer registers the manager's diagnostic counters.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) { m.registerer = reg }
}

// Manager owns execution chains and the lifecycle of their spans and segments.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Manager struct {
	handlers        []handlerEntry
	panicHook       func(handlerID uint64, r interface{})
	workers         *workerPool
	traceIDPool     *IDPool
	segmentIDPool   *IDPool
	clock           clockz.Clock
	logger          *zap.Logger
	registerer      prometheus.Registerer
	diag            *diagnostics
	segments        map[*segment]struct{}
	service         string
	instance        string
	orphanTimeout   time.Duration
	handlersLock    sync.RWMutex
	segmentsLock    sync.Mutex
	idPoolOnce      sync.Once
	nextID          atomic.Uint64
	droppedSegments atomic.Uint64
	closed          atomic.Bool
}

// New creates a manager for the named service.
// Uses the real clock and a no-op logger unless options say otherwise.
func New(service string, opts ...Option) *Manager {
	if service == "" {
		service = unknownPeer
	}
	m := &Manager{
		handlers: make([]handlerEntry, 0),
		segments: make(map[*segment]struct{}),
		clock:    clockz.RealClock,
		logger:   zap.NewNop(),
		service:  service,
		instance: defaultInstance(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.diag = newDiagnostics(m.logger, m.registerer)
	return m
}

func defaultInstance() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "") + "@" + host
}

// Service returns the service name written into carriers.
func (m *Manager) Service() string { return m.service }

// Instance returns the service instance name written into carriers.
func (m *Manager) Instance() string { return m.instance }

// ensureIDPools initializes ID pools if not already created.
func (m *Manager) ensureIDPools() {
	m.idPoolOnce.Do(func() {
		// Pool size based on number of CPUs for optimal contention balance.
		poolSize := runtime.NumCPU() * 100
		m.traceIDPool = NewIDPool(poolSize, m.newID)
		m.segmentIDPool = NewIDPool(poolSize, m.newID)
	})
}

// newID returns 32 hex characters of randomness.
func (m *Manager) newID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		// Fallback to time-based ID if the random source fails.
		return strings.ReplaceAll(uuid.NewMD5(uuid.NameSpaceOID, []byte(m.clock.Now().Format(time.RFC3339Nano))).String(), "-", "")
	}
	return strings.ReplaceAll(id.String(), "-", "")
}

func (m *Manager) newSegment(traceID string) *segment {
	m.ensureIDPools()
	if traceID == "" {
		traceID = m.traceIDPool.Get()
	}
	s := newSegment(m, traceID, m.segmentIDPool.Get())

	m.segmentsLock.Lock()
	m.segments[s] = struct{}{}
	m.segmentsLock.Unlock()
	return s
}

// NewEntrySpan opens an Entry span for inbound work. A valid carrier makes the chain's
// segment continue the caller's trace; otherwise a new trace ID is used.
// Returns a no-op span outside a chain.
func (m *Manager) NewEntrySpan(ctx context.Context, defaultOperation string, carrier *ContextCarrier) *ActiveSpan {
	c := chainFrom(ctx)
	if c == nil {
		return m.diag.noChain(EntrySpan, defaultOperation)
	}
	if defaultOperation == "" {
		defaultOperation = "/"
	}
	return m.openSpan(c, EntrySpan, defaultOperation, "", carrier)
}

// NewExitSpan opens an Exit span as a child of the current span. Outside a chain the span
// becomes the root of its own detached segment, since outbound calls may start anywhere.
func (m *Manager) NewExitSpan(ctx context.Context, operation, peer string) *ActiveSpan {
	if peer == "" {
		peer = unknownPeer
	}
	c := chainFrom(ctx)
	if c == nil {
		if m.closed.Load() {
			return noopSpan
		}
		c = &chain{}
	}
	return m.openSpan(c, ExitSpan, operation, peer, nil)
}

// NewLocalSpan opens a Local span as a child of the current span.
// Returns a no-op span outside a chain.
func (m *Manager) NewLocalSpan(ctx context.Context, name string) *ActiveSpan {
	c := chainFrom(ctx)
	if c == nil {
		return m.diag.noChain(LocalSpan, name)
	}
	return m.openSpan(c, LocalSpan, name, "", nil)
}

func (m *Manager) openSpan(c *chain, kind SpanKind, operation, peer string, carrier *ContextCarrier) *ActiveSpan {
	if m.closed.Load() {
		return noopSpan
	}
	a := &ActiveSpan{
		manager: m,
		chain:   c,
		span: &Span{
			Kind:      kind,
			Operation: trimQuery(operation),
			Peer:      peer,
		},
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.seg == nil || c.seg.isFinished() {
			c.seg = m.newSegment(c.traceID)
		}
		if carrier != nil && carrier.IsValid() && c.seg.adopt(carrier.TraceID) {
			a.span.Refs = []SegmentRef{carrier.ref()}
		}
		if c.seg.add(a) {
			break
		}
		// Flushed between the check and the append; start over on a new segment.
		c.seg = nil
	}
	c.traceID = c.seg.trace()
	a.segment = c.seg

	a.span.ParentSpanID = -1
	if parent := c.currentLocked(); parent != nil && parent.segment == c.seg {
		a.span.ParentSpanID = parent.id
	}
	a.span.StartTime = m.clock.Now()
	c.stack = append(c.stack, a)
	return a
}

// watch arms the orphan watchdog for an async span.
func (m *Manager) watch(a *ActiveSpan) {
	if m.orphanTimeout <= 0 {
		return
	}
	// Register the timer before the goroutine starts so fake clocks see it.
	timeout := m.clock.After(m.orphanTimeout)
	done := make(chan struct{})

	a.mu.Lock()
	if !a.span.EndTime.IsZero() {
		a.mu.Unlock()
		return
	}
	a.done = done
	a.mu.Unlock()

	go func() {
		select {
		case <-timeout:
			select {
			case <-done:
				return
			default:
			}
			a.finish(true)
		case <-done:
		}
	}()
}

// segmentFinished hands a flushed segment to every handler.
func (m *Manager) segmentFinished(s *segment, record Segment) {
	m.segmentsLock.Lock()
	delete(m.segments, s)
	m.segmentsLock.Unlock()

	m.diag.segmentFinished(record)
	m.executeHandlers(record)
}

// OpenSegments returns the number of segments with unfinished spans.
func (m *Manager) OpenSegments() int {
	m.segmentsLock.Lock()
	defer m.segmentsLock.Unlock()
	return len(m.segments)
}

// OnSegmentFinish registers a synchronous handler called when segments finish.
func (m *Manager) OnSegmentFinish(handler SegmentHandler) uint64 {
	return m.registerHandler(handler, false)
}

// OnSegmentFinishAsync registers an asynchronous handler called when segments finish.
func (m *Manager) OnSegmentFinishAsync(handler SegmentHandler) uint64 {
	return m.registerHandler(handler, true)
}

// AddReporter hands every finished segment to r.
func (m *Manager) AddReporter(r Reporter) uint64 {
	if r == nil {
		return 0
	}
	return m.registerHandler(r.Report, false)
}

func (m *Manager) registerHandler(handler SegmentHandler, async bool) uint64 {
	if handler == nil {
		return 0
	}

	id := m.nextID.Add(1)

	m.handlersLock.Lock()
	defer m.handlersLock.Unlock()

	m.handlers = append(m.handlers, handlerEntry{
		id:      id,
		handler: handler,
		async:   async,
	})

	return id
}

// RemoveHandler removes a handler by ID.
func (m *Manager) RemoveHandler(id uint64) {
	m.handlersLock.Lock()
	defer m.handlersLock.Unlock()

	// Preserve order
	for i, h := range m.handlers {
		if h.id == id {
			copy(m.handlers[i:], m.handlers[i+1:])
			m.handlers = m.handlers[:len(m.handlers)-1]
			return
		}
	}
}

// HasHandlers reports whether any handler or reporter is registered.
func (m *Manager) HasHandlers() bool {
	m.handlersLock.RLock()
	defer m.handlersLock.RUnlock()
	return len(m.handlers) > 0
}

// SetPanicHook sets a function to be called when a handler panics.
func (m *Manager) SetPanicHook(hook func(handlerID uint64, r interface{})) {
	m.handlersLock.Lock()
	m.panicHook = hook
	m.handlersLock.Unlock()
}

// executeHandlers calls all registered handlers with the finished segment.
func (m *Manager) executeHandlers(record Segment) {
	m.handlersLock.RLock()
	if len(m.handlers) == 0 {
		m.handlersLock.RUnlock()
		return
	}

	handlers := make([]handlerEntry, len(m.handlers))
	copy(handlers, m.handlers)
	m.handlersLock.RUnlock()

	for _, h := range handlers {
		if h.async {
			// Make a copy of h for closure
			entry := h
			if m.workers != nil {
				m.workers.submit(func() {
					m.safeCall(entry, record)
				})
			} else {
				go m.safeCall(entry, record)
			}
		} else {
			m.safeCall(h, record)
		}
	}
}

func (m *Manager) safeCall(entry handlerEntry, record Segment) {
	defer func() {
		if r := recover(); r != nil {
			m.diag.handlerPanic(entry.id, r)
			m.handlersLock.RLock()
			hook := m.panicHook
			m.handlersLock.RUnlock()
			if hook != nil {
				hook(entry.id, r)
			}
		}
	}()
	entry.handler(record)
}

var (
	ErrWorkerPoolEnabled = errors.New("worker pool already enabled")
	ErrInvalidWorkers    = errors.New("workers must be > 0")
	ErrInvalidQueueSize  = errors.New("queueSize must be > 0")
)

// EnableWorkerPool creates a bounded worker pool for async handlers.
func (m *Manager) EnableWorkerPool(workers, queueSize int) error {
	if m.workers != nil {
		return ErrWorkerPoolEnabled
	}
	if workers <= 0 {
		return ErrInvalidWorkers
	}
	if queueSize <= 0 {
		return ErrInvalidQueueSize
	}

	m.workers = &workerPool{
		tasks:   make(chan func(), queueSize),
		stop:    make(chan struct{}),
		dropped: &m.droppedSegments,
		onDrop:  m.diag.segmentDropped,
	}

	m.workers.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go m.workers.run()
	}

	return nil
}

// DroppedSegments returns the number of segments dropped due to full worker queue.
func (m *Manager) DroppedSegments() uint64 {
	return m.droppedSegments.Load()
}

// Close force-finishes every open segment, waits for in-flight async handlers and
// releases background goroutines. Spans requested afterwards are no-ops.
func (m *Manager) Close() {
	if m.closed.Swap(true) {
		return
	}

	// Flush open segments while handlers are still registered.
	m.segmentsLock.Lock()
	open := make([]*segment, 0, len(m.segments))
	for s := range m.segments {
		open = append(open, s)
	}
	m.segmentsLock.Unlock()

	for _, s := range open {
		for _, a := range s.openSpans() {
			a.finish(true)
		}
	}

	// Wait for in-flight async tasks
	if m.workers != nil {
		m.workers.shutdown()
		m.workers = nil
	}

	// Stop new handler executions
	m.handlersLock.Lock()
	m.handlers = nil
	m.handlersLock.Unlock()

	// Close ID pools
	if m.traceIDPool != nil {
		m.traceIDPool.Close()
	}
	if m.segmentIDPool != nil {
		m.segmentIDPool.Close()
	}
}

// workerPool manages a fixed number of workers for processing async handlers.
//
//nolint:govet // Field order optimized for functionality over memory
type workerPool struct {
	tasks   chan func()
	stop    chan struct{}
	dropped *atomic.Uint64
	onDrop  func()
	wg      sync.WaitGroup
}

func (w *workerPool) run() {
	defer w.wg.Done()
	for {
		select {
		case task := <-w.tasks:
			task()
		case <-w.stop:
			// Drain what was queued before shutdown.
			for {
				select {
				case task := <-w.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

func (w *workerPool) submit(task func()) {
	select {
	case w.tasks <- task:
	default:
		w.dropped.Add(1)
		if w.onDrop != nil {
			w.onDrop()
		}
	}
}

func (w *workerPool) shutdown() {
	close(w.stop)
	w.wg.Wait()
}
