package agentz

import (
	"context"
	"sync"
)

// chainKeyType is a private type for context keys to avoid collisions.
type chainKeyType string

const (
	chainKey chainKeyType = "agentz"
)

// chain is the span stack of one logical execution chain.
// The anchor is the restored parent when the chain was created by Restore.
type chain struct {
	seg     *segment
	anchor  *ActiveSpan
	stack   []*ActiveSpan
	traceID string // Trace continued when the segment rolls over.
	mu      sync.Mutex
}

// currentLocked returns the top of the stack, or the anchor when the stack is empty.
func (c *chain) currentLocked() *ActiveSpan {
	if n := len(c.stack); n > 0 {
		return c.stack[n-1]
	}
	return c.anchor
}

func (c *chain) current() *ActiveSpan {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked()
}

// pop removes a from the stack. Returns false when a was not on top;
// the span is removed from wherever it sits so the stack stays usable.
func (c *chain) pop(a *ActiveSpan) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.stack)
	if n > 0 && c.stack[n-1] == a {
		c.stack[n-1] = nil
		c.stack = c.stack[:n-1]
		return true
	}
	return !c.removeLocked(a)
}

// remove detaches a without any ordering check.
func (c *chain) remove(a *ActiveSpan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(a)
}

func (c *chain) removeLocked(a *ActiveSpan) bool {
	for i := len(c.stack) - 1; i >= 0; i-- {
		if c.stack[i] == a {
			copy(c.stack[i:], c.stack[i+1:])
			c.stack[len(c.stack)-1] = nil
			c.stack = c.stack[:len(c.stack)-1]
			return true
		}
	}
	return false
}

func chainFrom(ctx context.Context) *chain {
	if ctx == nil {
		return nil
	}
	if c, ok := ctx.Value(chainKey).(*chain); ok {
		return c
	}
	return nil
}

// Snapshot captures the current segment and span of a chain.
// Copying or discarding it has no effect on the spans it references.
// The zero value is valid and restores nothing.
type Snapshot struct {
	seg  *segment
	span *ActiveSpan
}

// IsValid reports whether the snapshot references a span.
func (s Snapshot) IsValid() bool {
	return s.span != nil
}

// SpanID returns the ID of the captured span, -1 for an empty snapshot.
func (s Snapshot) SpanID() int32 {
	if s.span == nil {
		return -1
	}
	return s.span.id
}

// Snapshot returns a snapshot whose restored chain resumes beneath a, whether or not
// a is still on a stack. A no-op span yields the empty snapshot.
func (a *ActiveSpan) Snapshot() Snapshot {
	if a.noop || a.segment == nil {
		return Snapshot{}
	}
	return Snapshot{seg: a.segment, span: a}
}

// NewContext returns a child of parent carrying a brand-new, empty execution chain.
// Use it once per inbound unit of work so concurrent requests never share a span stack.
func (m *Manager) NewContext(parent context.Context) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithValue(parent, chainKey, &chain{})
}

// WithContext runs fn inside a brand-new execution chain.
// The caller's context is untouched, so the previous chain is current again afterwards.
func (m *Manager) WithContext(ctx context.Context, fn func(ctx context.Context)) {
	fn(m.NewContext(ctx))
}

// Capture snapshots the current segment and span of the chain in ctx.
// Take it right before an asynchronous boundary is crossed.
func (m *Manager) Capture(ctx context.Context) Snapshot {
	c := chainFrom(ctx)
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	span := c.currentLocked()
	if span == nil {
		return Snapshot{seg: c.seg}
	}
	return Snapshot{seg: span.segment, span: span}
}

// Restore returns a context whose chain resumes from the snapshot: the captured span is
// the parent of every span opened through it, whatever chain ctx carried before.
// An empty snapshot returns ctx unchanged.
func (m *Manager) Restore(ctx context.Context, snap Snapshot) context.Context {
	if snap.seg == nil {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c := &chain{seg: snap.seg, anchor: snap.span, traceID: snap.seg.trace()}
	return context.WithValue(ctx, chainKey, c)
}

// Current returns the current span of the chain in ctx, or a no-op span.
func (m *Manager) Current(ctx context.Context) *ActiveSpan {
	c := chainFrom(ctx)
	if c == nil {
		return noopSpan
	}
	if span := c.current(); span != nil {
		return span
	}
	return noopSpan
}
