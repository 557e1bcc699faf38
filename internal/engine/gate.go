// Package engine coordinates the load-test run: it builds providers,
// tickers, and endpoint tasks from configuration, dispatches requests
// against the rate stream, and routes outcomes to the aggregator.
package engine

import (
	"context"
	"sync"
)

// Gate is a resizable admission semaphore separating the two task
// classes. Load-generation work must acquire a slot before dispatching;
// monitoring and aggregation never do. The health monitor shrinks the
// gate under overload, so the system degrades by generating less load
// while measurement stays responsive.
type Gate struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waitCh   chan struct{} // closed and replaced on every release/resize
}

// NewGate builds a gate admitting up to capacity concurrent dispatches.
func NewGate(capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{capacity: capacity, waitCh: make(chan struct{})}
}

// Acquire blocks until a slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.inUse < g.capacity {
			g.inUse++
			g.mu.Unlock()
			return nil
		}
		wait := g.waitCh
		g.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryAcquire takes a slot without blocking.
func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUse < g.capacity {
		g.inUse++
		return true
	}
	return false
}

// Release frees a slot and wakes waiters.
func (g *Gate) Release() {
	g.mu.Lock()
	if g.inUse > 0 {
		g.inUse--
	}
	g.notifyLocked()
	g.mu.Unlock()
}

// Resize changes capacity; shrinking below the in-use count lets running
// dispatches finish and simply admits nothing new until they drain.
func (g *Gate) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	g.mu.Lock()
	g.capacity = capacity
	g.notifyLocked()
	g.mu.Unlock()
}

func (g *Gate) notifyLocked() {
	close(g.waitCh)
	g.waitCh = make(chan struct{})
}

// Capacity returns the current slot budget.
func (g *Gate) Capacity() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.capacity
}

// InUse returns the currently held slot count.
func (g *Gate) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}
