package agentz

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

// DefaultMaxBufferSize bounds a collector when no size is given.
const DefaultMaxBufferSize = 1000

// Collector buffers finished segments for batch export. It implements Reporter.
// When the buffer is full the oldest segment is evicted and counted as dropped.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Collector struct {
	buffer       *queue.Queue
	segmentsCh   chan Segment
	stopCh       chan struct{}
	done         chan struct{}
	notify       chan struct{}
	droppedCount atomic.Int64
	maxSize      int
	mu           sync.Mutex
	closed       atomic.Bool // Track if collector is closed.
	syncMode     bool        // Bypass channel for synchronous collection.
}

// NewCollector creates a collector holding at most maxBufferSize segments.
func NewCollector(maxBufferSize int) *Collector {
	if maxBufferSize <= 0 {
		maxBufferSize = DefaultMaxBufferSize
	}
	c := &Collector{
		buffer:     queue.New(),
		segmentsCh: make(chan Segment, maxBufferSize),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		notify:     make(chan struct{}, 1),
		maxSize:    maxBufferSize,
	}
	go c.start()
	return c
}

// start runs the collector's main loop, receiving segments from the channel.
func (c *Collector) start() {
	defer close(c.done)

	for {
		select {
		case <-c.stopCh:
			// Drain remaining segments before shutdown.
			for {
				select {
				case segment := <-c.segmentsCh:
					c.bufferSegment(segment)
				default:
					return // Clean shutdown.
				}
			}
		case segment := <-c.segmentsCh:
			c.bufferSegment(segment)
		}
	}
}

// Close shuts down the collector gracefully.
func (c *Collector) Close() {
	if c.closed.Swap(true) {
		return
	}
	close(c.stopCh)
	select {
	case <-c.done:
		// Clean shutdown completed.
	case <-time.After(100 * time.Millisecond):
		// Timeout - segments still in flight stay in the channel.
	}
}

// Report buffers a finished segment. Never blocks: if the intake channel is full the
// segment is dropped and counted. In sync mode segments are buffered directly.
func (c *Collector) Report(segment Segment) {
	if c.closed.Load() {
		c.droppedCount.Add(1)
		return
	}

	if c.syncMode {
		c.bufferSegment(segment)
		return
	}

	select {
	case c.segmentsCh <- segment:
		// Successfully queued.
	default:
		// Channel full - drop segment to prevent blocking.
		c.droppedCount.Add(1)
	}
}

// bufferSegment appends one segment, evicting the oldest when the buffer is full.
func (c *Collector) bufferSegment(segment Segment) {
	c.mu.Lock()
	if c.buffer.Length() >= c.maxSize {
		c.buffer.Remove()
		c.droppedCount.Add(1)
	}
	c.buffer.Add(segment)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Ready is signalled after segments are buffered. Exporters wait on it between flushes.
func (c *Collector) Ready() <-chan struct{} {
	return c.notify
}

// Export returns buffered segments in arrival order and clears the buffer.
// The returned slice is safe to modify without affecting the collector.
func (c *Collector) Export() []Segment {
	return c.ExportN(0)
}

// ExportN returns at most n buffered segments (all of them when n <= 0).
func (c *Collector) ExportN(n int) []Segment {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := c.buffer.Length()
	if count == 0 {
		return nil
	}
	if n > 0 && n < count {
		count = n
	}

	result := make([]Segment, 0, count)
	for i := 0; i < count; i++ {
		result = append(result, c.buffer.Remove().(Segment))
	}
	return result
}

// Count returns the current number of buffered segments.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffer.Length()
}

// DroppedCount returns the total number of segments dropped due to backpressure.
func (c *Collector) DroppedCount() int64 {
	return c.droppedCount.Load()
}

// SetSyncMode enables synchronous collection for testing.
// When enabled, segments are collected directly without using the channel.
// This makes tests deterministic by eliminating async behavior.
func (c *Collector) SetSyncMode(sync bool) {
	c.syncMode = sync
}

// Reset clears all buffered segments and resets the drop counter.
// Does not affect the running goroutine - use Close() for that.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buffer = queue.New()
	c.droppedCount.Store(0)
}
