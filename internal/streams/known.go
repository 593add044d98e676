package streams

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/swarmlog/internal/event"
)

// ErrSubscriptionClosed is returned by KnownStreams.Next after Close.
var ErrSubscriptionClosed = errors.New("known streams subscription closed")

// KnownStreams is an unbounded FIFO of stream ids announced by the manager.
//
// The queue uses a channel for signaling to enable context-aware waiting.
type KnownStreams struct {
	mu     sync.Mutex
	ids    []event.StreamID
	closed bool
	signal chan struct{} // buffered, size 1
}

func newKnownStreams(initial []event.StreamID) *KnownStreams {
	return &KnownStreams{
		ids:    initial,
		signal: make(chan struct{}, 1),
	}
}

// push enqueues id. Returns false once the subscription is closed, which
// tells the manager to drop it.
func (k *KnownStreams) push(id event.StreamID) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return false
	}
	k.ids = append(k.ids, id)

	// buffer of 1 coalesces multiple signals
	select {
	case k.signal <- struct{}{}:
	default:
	}
	return true
}

func (k *KnownStreams) tryPop() (event.StreamID, bool, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.ids) == 0 {
		return event.StreamID{}, false, k.closed
	}
	id := k.ids[0]
	k.ids = k.ids[1:]
	return id, true, k.closed
}

// Next returns the next stream id, blocking until one is announced.
func (k *KnownStreams) Next(ctx context.Context) (event.StreamID, error) {
	for {
		id, ok, closed := k.tryPop()
		if closed {
			return event.StreamID{}, ErrSubscriptionClosed
		}
		if ok {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return event.StreamID{}, ctx.Err()
		case <-k.signal:
		}
	}
}

// Close ends the subscription and wakes a blocked Next.
func (k *KnownStreams) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return
	}
	k.closed = true
	k.ids = nil
	close(k.signal)
}
