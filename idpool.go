package agentz

import (
	"sync"
	"sync/atomic"
)

// IDPool manages a pool of pre-generated trace and segment IDs so span creation
// never waits on the random source.
type IDPool struct {
	factory   func() string
	ids       chan string
	stopCh    chan struct{}
	fallbacks atomic.Uint64
	mu        sync.Mutex
	closed    bool
}

// NewIDPool creates a pool holding up to capacity IDs and starts refilling it.
func NewIDPool(capacity int, factory func() string) *IDPool {
	pool := &IDPool{
		ids:     make(chan string, capacity),
		factory: factory,
		stopCh:  make(chan struct{}),
	}
	go pool.refill()
	return pool
}

// Get takes an ID from the pool, minting one inline when the pool is empty.
func (p *IDPool) Get() string {
	select {
	case id := <-p.ids:
		return id
	default:
		p.fallbacks.Add(1)
		return p.factory()
	}
}

// Fallbacks returns how many IDs were minted inline because the pool ran dry.
func (p *IDPool) Fallbacks() uint64 {
	return p.fallbacks.Load()
}

// refill keeps the pool topped up until Close.
func (p *IDPool) refill() {
	for {
		id := p.factory()
		select {
		case p.ids <- id:
		case <-p.stopCh:
			return
		}
	}
}

// Close stops the refill goroutine. Safe to call more than once.
func (p *IDPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		close(p.stopCh)
		p.closed = true
	}
}
