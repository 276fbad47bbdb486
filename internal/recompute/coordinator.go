package recompute

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Coordinator holds one exclusive lock per family. Passes of the same family
// never overlap; passes of different families run freely.
type Coordinator struct {
	mu    sync.Mutex
	locks map[Family]*semaphore.Weighted
}

// NewCoordinator returns a coordinator with a lock for every known family.
func NewCoordinator() *Coordinator {
	c := &Coordinator{locks: make(map[Family]*semaphore.Weighted, len(Families))}
	for _, f := range Families {
		c.locks[f] = semaphore.NewWeighted(1)
	}
	return c
}

func (c *Coordinator) lock(f Family) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[f]
	if !ok {
		l = semaphore.NewWeighted(1)
		c.locks[f] = l
	}
	return l
}

// Acquire blocks until the family lock is held or ctx is done. The returned
// func releases the lock and must be called exactly once.
func (c *Coordinator) Acquire(ctx context.Context, f Family) (func(), error) {
	l := c.lock(f)
	if err := l.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { l.Release(1) }) }, nil
}
