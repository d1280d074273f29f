// Package governor bounds in-flight generation work by an estimated token budget.
//
// The inference backend advertises a maximum concurrent token capacity.
// Dividing that capacity by the expected completion length (with some
// headroom, since completions finish at different times) gives the number
// of request slots the backend can absorb. Acquire blocks until enough
// budget is free; waiters are served strictly in arrival order.
package governor

import (
	"context"
	"fmt"
	"sync"
)

// DefaultHeadroom is the multiplier applied to the backend capacity when
// sizing the budget. Values above 1 keep the backend saturated while
// completions drain at different rates.
const DefaultHeadroom = 1.33

// Governor is a counting resource guard with FIFO acquisition order.
type Governor struct {
	mu        sync.Mutex
	budget    int
	available int
	waiters   []*waiter
}

type waiter struct {
	cost  int
	ready chan struct{}
}

// New creates a Governor with the given budget. Budget must be positive.
func New(budget int) (*Governor, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("governor budget must be positive, got %d", budget)
	}
	return &Governor{budget: budget, available: budget}, nil
}

// Budget computes the governor budget from the backend's maximum concurrent
// token capacity and the expected completion length, applying headroom.
// The result is never below 1 so a single request can always proceed.
func Budget(capacity, expectedCompletionTokens int, headroom float64) int {
	if expectedCompletionTokens <= 0 {
		expectedCompletionTokens = 1
	}
	b := int(headroom * float64(capacity) / float64(expectedCompletionTokens))
	if b < 1 {
		b = 1
	}
	return b
}

// Acquire blocks until cost units are available, then deducts them.
// A cost larger than the total budget is clamped to the budget so the
// request can still run alone rather than deadlocking.
// Returns the context error if ctx is cancelled while waiting.
func (g *Governor) Acquire(ctx context.Context, cost int) error {
	if cost < 0 {
		return fmt.Errorf("negative acquire cost %d", cost)
	}

	g.mu.Lock()
	if cost > g.budget {
		cost = g.budget
	}
	// Fast path: nobody ahead of us and enough budget free.
	if len(g.waiters) == 0 && g.available >= cost {
		g.available -= cost
		g.mu.Unlock()
		return nil
	}
	w := &waiter{cost: cost, ready: make(chan struct{})}
	g.waiters = append(g.waiters, w)
	g.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		defer g.mu.Unlock()
		select {
		case <-w.ready:
			// Granted concurrently with cancellation; give the units back.
			g.available += w.cost
			g.serve()
		default:
			g.remove(w)
		}
		return ctx.Err()
	}
}

// Release returns cost units to the budget and wakes eligible waiters.
// Cost is clamped the same way Acquire clamps it so a paired
// Acquire/Release always balances.
func (g *Governor) Release(cost int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cost > g.budget {
		cost = g.budget
	}
	g.available += cost
	if g.available > g.budget {
		g.available = g.budget
	}
	g.serve()
}

// Resize recalibrates the budget between iterations. In-flight work keeps
// its acquired units; only the free pool is adjusted by the delta.
func (g *Governor) Resize(budget int) {
	if budget < 1 {
		budget = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.available += budget - g.budget
	g.budget = budget
	g.serve()
}

// InFlight reports the number of currently acquired units.
func (g *Governor) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.budget - g.available
	if n < 0 {
		n = 0
	}
	return n
}

// serve grants budget to waiters in FIFO order. It stops at the first
// waiter that does not fit, preserving arrival order over throughput.
// Callers must hold g.mu.
func (g *Governor) serve() {
	for len(g.waiters) > 0 {
		w := g.waiters[0]
		cost := w.cost
		if cost > g.budget {
			cost = g.budget
			w.cost = cost
		}
		if g.available < cost {
			return
		}
		g.available -= cost
		g.waiters = g.waiters[1:]
		close(w.ready)
	}
}

// remove drops a cancelled waiter from the queue. Callers must hold g.mu.
func (g *Governor) remove(target *waiter) {
	for i, w := range g.waiters {
		if w == target {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return
		}
	}
}
