package agentz

import (
	"encoding/hex"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestIDPoolHandsOutFactoryIDs(t *testing.T) {
	var n atomic.Int64
	pool := NewIDPool(8, func() string {
		return fmt.Sprintf("id-%d", n.Add(1))
	})
	defer pool.Close()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := pool.Get()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestIDPoolFallsBackWhenEmpty(t *testing.T) {
	block := make(chan struct{})
	var calls atomic.Int64
	pool := NewIDPool(1, func() string {
		if calls.Add(1) == 1 {
			// Keep the refill goroutine parked so Get finds the pool empty.
			<-block
		}
		return "inline"
	})
	defer func() {
		close(block)
		pool.Close()
	}()
	for calls.Load() == 0 {
		runtime.Gosched()
	}

	if id := pool.Get(); id != "inline" {
		t.Errorf("Expected inline id, got %s", id)
	}
	if pool.Fallbacks() == 0 {
		t.Error("Expected fallback to be counted")
	}
}

func TestIDPoolConcurrentGet(t *testing.T) {
	var n atomic.Int64
	pool := NewIDPool(50, func() string {
		return fmt.Sprintf("%d", n.Add(1))
	})
	defer pool.Close()

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				id := pool.Get()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate id %s", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestIDPoolCloseStopsRefill(t *testing.T) {
	pool := NewIDPool(4, func() string { return "x" })
	time.Sleep(5 * time.Millisecond)
	before := runtime.NumGoroutine()

	pool.Close()
	pool.Close()
	time.Sleep(10 * time.Millisecond)

	if after := runtime.NumGoroutine(); after >= before {
		t.Errorf("Expected refill goroutine to exit: %d -> %d", before, after)
	}
}

func TestManagerIDsAreHex(t *testing.T) {
	mgr := New("svc")
	defer mgr.Close()

	id := mgr.newID()
	if len(id) != 32 {
		t.Fatalf("Expected 32 hex chars, got %q", id)
	}
	if _, err := hex.DecodeString(id); err != nil {
		t.Errorf("Expected hex id, got %q: %v", id, err)
	}
}
