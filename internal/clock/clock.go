// Package clock implements the node's durable Lamport clock.
package clock

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/swarmlog/internal/event"
	"github.com/roach88/swarmlog/internal/variable"
)

// Store persists clock values. Both mutations must be durable before they
// return.
type Store interface {
	Lamport(ctx context.Context) (event.LamportTimestamp, error)
	IncreaseLamport(ctx context.Context, n uint64) (event.LamportTimestamp, error)
	ReceivedLamport(ctx context.Context, remote event.LamportTimestamp) (event.LamportTimestamp, error)
}

// Clock is the process-scoped Lamport clock of a node.
//
// It is handed by pointer to the stream manager and the syncer; there is no
// package-level instance. Every value returned has already been written to
// the Store, so a restarted node never reuses a timestamp.
//
// Thread-safety: Clock is safe for concurrent use. Mutations are serialized
// so the published value never moves backwards.
type Clock struct {
	mu      sync.Mutex
	store   Store
	current *variable.Variable[event.LamportTimestamp]
}

// New creates a clock resuming from the persisted value.
func New(ctx context.Context, store Store) (*Clock, error) {
	v, err := store.Lamport(ctx)
	if err != nil {
		return nil, fmt.Errorf("load clock: %w", err)
	}
	return &Clock{store: store, current: variable.New(v)}, nil
}

// Tick increments the clock and returns the new value.
func (c *Clock) Tick(ctx context.Context) (event.LamportTimestamp, error) {
	return c.Reserve(ctx, 1)
}

// Reserve allocates n consecutive timestamps with a single durable write and
// returns the first of them. n must be positive.
func (c *Clock) Reserve(ctx context.Context, n int) (event.LamportTimestamp, error) {
	if n <= 0 {
		return 0, fmt.Errorf("reserve %d timestamps: count must be positive", n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	last, err := c.store.IncreaseLamport(ctx, uint64(n))
	if err != nil {
		return 0, err
	}
	c.current.Set(last)
	return last - event.LamportTimestamp(n) + 1, nil
}

// Observe folds a remote timestamp into the clock:
// local = max(local, remote) + 1.
func (c *Clock) Observe(ctx context.Context, remote event.LamportTimestamp) (event.LamportTimestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.store.ReceivedLamport(ctx, remote)
	if err != nil {
		return 0, err
	}
	c.current.Set(v)
	return v, nil
}

// Current returns the latest value without advancing the clock.
func (c *Clock) Current() event.LamportTimestamp {
	return c.current.Get()
}

// Watch returns an observer of the clock value.
func (c *Clock) Watch() *variable.Observer[event.LamportTimestamp] {
	return c.current.Observe()
}
