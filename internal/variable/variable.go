// Package variable provides an observable cell holding the latest value.
//
// Observers are not queues: a slow observer skips intermediate values and
// always sees the most recent one. This matches how trees and offsets are
// consumed, where only the newest state matters.
package variable

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Observer.Next after the variable is closed and
// the final value has been observed.
var ErrClosed = errors.New("variable closed")

// Variable holds a value of type T and wakes observers on change.
//
// The wake-up channel is replaced on every change and the old one is closed,
// waking all waiters at once.
type Variable[T any] struct {
	mu      sync.Mutex
	value   T
	version uint64
	closed  bool
	changed chan struct{}
}

// New creates a variable holding initial.
func New[T any](initial T) *Variable[T] {
	return &Variable[T]{
		value:   initial,
		version: 1,
		changed: make(chan struct{}),
	}
}

// Get returns the current value.
func (v *Variable[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

// Set replaces the value and notifies observers.
func (v *Variable[T]) Set(value T) {
	v.Transform(func(cur *T) bool {
		*cur = value
		return true
	})
}

// Transform mutates the value in place under the lock. Observers are only
// notified when f returns true.
func (v *Variable[T]) Transform(f func(*T) bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	if !f(&v.value) {
		return
	}
	v.version++
	close(v.changed)
	v.changed = make(chan struct{})
}

// Close stops further updates and wakes all observers.
func (v *Variable[T]) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	close(v.changed)
}

// Observe returns a new observer. Its first Next returns the current value
// immediately.
func (v *Variable[T]) Observe() *Observer[T] {
	return &Observer[T]{v: v}
}

// Observer tracks which version of a Variable it has seen.
type Observer[T any] struct {
	v    *Variable[T]
	seen uint64
}

// Next blocks until the variable holds a value newer than the last one
// returned, then returns it.
func (o *Observer[T]) Next(ctx context.Context) (T, error) {
	for {
		value, ok, wait, err := o.poll()
		if err != nil || ok {
			return value, err
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-wait:
		}
	}
}

// Changed returns a channel that is closed once Next would not block.
// Use with select, then call Take.
func (o *Observer[T]) Changed() <-chan struct{} {
	o.v.mu.Lock()
	defer o.v.mu.Unlock()
	if o.v.version > o.seen || o.v.closed {
		return closedChan
	}
	return o.v.changed
}

// Take returns the current value and marks it as seen. ok is false when
// nothing new was available. Take never blocks.
func (o *Observer[T]) Take() (value T, ok bool) {
	value, ok, _, _ = o.poll()
	return value, ok
}

func (o *Observer[T]) poll() (value T, ok bool, wait <-chan struct{}, err error) {
	o.v.mu.Lock()
	defer o.v.mu.Unlock()
	if o.v.version > o.seen {
		o.seen = o.v.version
		return o.v.value, true, nil, nil
	}
	if o.v.closed {
		return value, false, nil, ErrClosed
	}
	return value, false, o.v.changed, nil
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()
