// Package adaptive implements the concurrency gate and the failure-rate driven
// controller that resizes it.
package adaptive

import (
	"context"
	"fmt"
	"sync"
)

// Gate is a counting semaphore whose capacity can change while slots are held.
// Shrinking the limit never revokes held slots; new acquisitions wait until
// releases bring usage under the new limit.
type Gate struct {
	mu      sync.Mutex
	limit   int
	inUse   int
	changed chan struct{}
}

// NewGate returns a gate admitting up to limit holders (minimum 1).
func NewGate(limit int) *Gate {
	return &Gate{
		limit:   max(1, limit),
		changed: make(chan struct{}),
	}
}

// Acquire blocks until a slot is free or ctx is done. A free slot is taken
// even when ctx is already done.
func (g *Gate) Acquire(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.inUse < g.limit {
			g.inUse++
			g.mu.Unlock()
			return nil
		}
		wait := g.changed
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("acquire slot: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Release returns a slot. Releasing more than was acquired is a no-op.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUse > 0 {
		g.inUse--
	}
	g.broadcastLocked()
}

// SetLimit changes the capacity (minimum 1).
func (g *Gate) SetLimit(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limit = max(1, n)
	g.broadcastLocked()
}

// Limit returns the capacity currently in force.
func (g *Gate) Limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit
}

// InUse returns the number of held slots.
func (g *Gate) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}

// broadcastLocked wakes every waiter; callers hold mu.
func (g *Gate) broadcastLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}
