// Package semaphore provides the counting gate used to bound in-flight
// sends at the Perfect Link, URB, and Lattice Agreement layers.
package semaphore

import (
	"context"

	xsync "golang.org/x/sync/semaphore"
)

// Gate is a counting semaphore with a fixed capacity, acquired once per
// in-flight unit of work and released when that work completes.
type Gate struct {
	sem *xsync.Weighted
}

// New creates a Gate that allows up to capacity concurrent holders.
func New(capacity int64) *Gate {
	return &Gate{sem: xsync.NewWeighted(capacity)}
}

// Acquire blocks until a slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// Release returns a slot to the gate.
func (g *Gate) Release() {
	g.sem.Release(1)
}

// TryAcquire reports whether a slot was available and, if so, claims it
// without blocking.
func (g *Gate) TryAcquire() bool {
	return g.sem.TryAcquire(1)
}
