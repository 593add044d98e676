// Package merge combines ordered sources into one ordered sequence.
//
// Sources are polled by one goroutine each. The merge only emits once
// every live source has a head value available, so the output is ordered
// as long as each source is. Sources may be added while the merge runs;
// a late source can hold values smaller than what was already emitted
// (stragglers), which are either dropped or passed through depending on
// the Mode.
package merge

import (
	"container/heap"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("merge closed")

// Source yields values in ascending order and io.EOF after the last one.
type Source[T any] interface {
	Next(ctx context.Context) (T, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc[T any] func(ctx context.Context) (T, error)

// Next implements Source.
func (f SourceFunc[T]) Next(ctx context.Context) (T, error) { return f(ctx) }

// FromSlice returns a source yielding items in order.
func FromSlice[T any](items ...T) Source[T] {
	return SourceFunc[T](func(context.Context) (T, error) {
		if len(items) == 0 {
			var zero T
			return zero, io.EOF
		}
		v := items[0]
		items = items[1:]
		return v, nil
	})
}

// Mode decides what happens to values smaller than the last emitted one.
type Mode int

const (
	// DropStragglers discards values that would break the output order.
	DropStragglers Mode = iota
	// AdmitStragglers emits them anyway.
	AdmitStragglers
)

type result[T any] struct {
	v   T
	err error
}

type pump[T any] struct {
	out     chan result[T]
	initial bool
}

type entry[T any] struct {
	v T
	p *pump[T]
}

type entryHeap[T any] struct {
	less    func(a, b T) bool
	entries []entry[T]
}

func (h *entryHeap[T]) Len() int           { return len(h.entries) }
func (h *entryHeap[T]) Less(i, j int) bool { return h.less(h.entries[i].v, h.entries[j].v) }
func (h *entryHeap[T]) Swap(i, j int)      { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }
func (h *entryHeap[T]) Push(x any)         { h.entries = append(h.entries, x.(entry[T])) }
func (h *entryHeap[T]) Pop() any {
	n := len(h.entries)
	e := h.entries[n-1]
	h.entries = h.entries[:n-1]
	return e
}

// Merge is a k-way merge over a dynamic set of sources. Next must not be
// called concurrently.
type Merge[T any] struct {
	less func(a, b T) bool
	mode Mode

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{} // buffered, size 1

	input  <-chan Source[T]
	toPoll []*pump[T]
	heap   *entryHeap[T]

	last    T
	hasLast bool
	err     error
}

// NewFixed merges a fixed set of sources.
func NewFixed[T any](less func(a, b T) bool, sources ...Source[T]) *Merge[T] {
	return New(less, DropStragglers, sources, nil)
}

// New merges initial and every source received from input. The merge ends
// once input is closed (a nil input counts as closed) and all sources are
// exhausted. An error from an initial source fails the merge; a failing
// source from input is dropped.
func New[T any](less func(a, b T) bool, mode Mode, initial []Source[T], input <-chan Source[T]) *Merge[T] {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Merge[T]{
		less:   less,
		mode:   mode,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		input:  input,
		heap:   &entryHeap[T]{less: less},
	}
	for _, src := range initial {
		m.add(src, true)
	}
	return m
}

func (m *Merge[T]) add(src Source[T], initial bool) {
	p := &pump[T]{out: make(chan result[T], 1), initial: initial}
	m.toPoll = append(m.toPoll, p)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			v, err := src.Next(m.ctx)
			select {
			case p.out <- result[T]{v: v, err: err}:
			case <-m.ctx.Done():
				return
			}
			select {
			case m.wake <- struct{}{}:
			default:
			}
			if err != nil {
				return
			}
		}
	}()
}

// poll moves every available head from toPoll into the heap. It reports
// whether any source is still pending.
func (m *Merge[T]) poll() (pending bool, err error) {
	remaining := m.toPoll[:0]
	for _, p := range m.toPoll {
		select {
		case r := <-p.out:
			switch {
			case r.err == nil:
				heap.Push(m.heap, entry[T]{v: r.v, p: p})
			case errors.Is(r.err, io.EOF):
			case p.initial:
				err = r.err
			default:
				slog.Warn("dropping failed merge source", "error", r.err)
			}
		default:
			remaining = append(remaining, p)
		}
	}
	m.toPoll = remaining
	return len(remaining) > 0, err
}

// Next returns the next value in order, io.EOF when the merge is complete,
// or the error that failed it.
func (m *Merge[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		if m.err != nil {
			return zero, m.err
		}
		if m.ctx.Err() != nil {
			return zero, ErrClosed
		}

		pending, err := m.poll()
		if err != nil {
			m.err = err
			m.Close()
			return zero, err
		}
		if !pending && m.heap.Len() > 0 {
			e := heap.Pop(m.heap).(entry[T])
			m.toPoll = append(m.toPoll, e.p)
			if m.mode == DropStragglers && m.hasLast && m.less(e.v, m.last) {
				continue
			}
			m.last, m.hasLast = e.v, true
			return e.v, nil
		}
		if !pending && m.input == nil {
			return zero, io.EOF
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-m.ctx.Done():
			return zero, ErrClosed
		case <-m.wake:
		case src, ok := <-m.input:
			if !ok {
				m.input = nil
				continue
			}
			m.add(src, false)
		}
	}
}

// Close stops all sources. It is safe to call more than once.
func (m *Merge[T]) Close() {
	m.cancel()
	m.wg.Wait()
}
