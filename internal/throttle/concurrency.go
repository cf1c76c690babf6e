// Package throttle implements the two named limiter primitives (Rate
// and Concurrency) the queueing core uses to shape outbound traffic,
// plus an optional cluster coordinator that lets a named throttle be
// shared across a deployment instead of staying process-local.
package throttle

import (
	"context"
	"errors"

	"github.com/kumomta/kumod/limiters"
)

// errNoClusterSlot is returned by Acquire when the cluster coordinator
// reports the named throttle is already at capacity.
var errNoClusterSlot = errors.New("throttle: no cluster slot available")

// Concurrency is a counting semaphore built on the module-root
// limiters.Semaphore rather than a duplicate implementation: Acquire
// blocks until a slot is free or ctx is done, Release returns one. A
// non-positive max makes every call a no-op, the same "unlimited"
// convention limiters.Semaphore uses.
type Concurrency struct {
	name string
	capacity int
	sem limiters.Semaphore

	coord Coordinator
}

// NewConcurrency returns a Concurrency throttle named name with capacity
// max. name is used only for logging/metrics; process-local Concurrency
// throttles are not registered anywhere global.
func NewConcurrency(name string, max int) *Concurrency {
	return &Concurrency{name: name, capacity: max, sem: limiters.NewSemaphore(max)}
}

// NewClusterConcurrency is like NewConcurrency but additionally checks
// out a cluster-shared slot from coord before granting a local one, so
// the effective cap applies across every kumod instance.
func NewClusterConcurrency(name string, max int, coord Coordinator) *Concurrency {
	c := NewConcurrency(name, max)
	c.coord = coord
	return c
}

func (c *Concurrency) Name() string { return c.name }

// Acquire blocks until a slot is available or ctx is done. When a
// Coordinator is attached, a cluster-shared slot is reserved first and
// released if the subsequent local acquire fails.
func (c *Concurrency) Acquire(ctx context.Context) error {
	if c.coord != nil {
		ok, err := c.coord.TryAcquireSlot(ctx, c.name, c.capacity)
		if err != nil {
			return err
		}
		if !ok {
			return errNoClusterSlot
		}
	}
	if err := c.sem.TakeContext(ctx); err != nil {
		if c.coord != nil {
			c.coord.ReleaseSlot(ctx, c.name)
		}
		return err
	}
	return nil
}

// Release returns a previously acquired slot, local and (if configured)
// cluster-shared. It panics on a mismatched local call, the same
// contract as limiters.Semaphore.Release.
func (c *Concurrency) Release() {
	c.sem.Release()
	if c.coord != nil {
		c.coord.ReleaseSlot(context.Background(), c.name)
	}
}
