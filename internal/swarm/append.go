package swarm

import (
	"context"
	"fmt"

	"github.com/roach88/swarmlog/internal/blockstore"
	"github.com/roach88/swarmlog/internal/event"
	"github.com/roach88/swarmlog/internal/forest"
)

// AppendEvent is one event to append.
type AppendEvent struct {
	Tags    event.TagSet
	Payload []byte
}

// AppendResult describes a successful append.
type AppendResult struct {
	// Root is the new root of the stream.
	Root blockstore.Link
	// Keys holds the key of every appended event, in order.
	Keys []event.EventKey
	// Time is the wall-clock microseconds stamped on every event.
	Time uint64
}

// Append adds events to own stream nr. Lamport timestamps are reserved
// while the stream is locked, so they increase along the stream's offsets.
// Appending nothing leaves the stream unchanged and returns a zero result.
func (n *Node) Append(ctx context.Context, nr event.StreamNr, events []AppendEvent) (AppendResult, error) {
	if len(events) == 0 {
		return AppendResult{}, nil
	}
	if err := n.checkOpen(); err != nil {
		return AppendResult{}, err
	}

	id := n.id.Stream(nr)
	res := AppendResult{Time: n.cfg.Now()}
	root, _, err := n.streams.TransformOwn(ctx, nr, func(ctx context.Context, txn *forest.Transaction, cur forest.Tree) (forest.Tree, error) {
		first, err := n.reserve(ctx, len(events))
		if err != nil {
			return forest.Tree{}, fmt.Errorf("reserve lamports: %w", err)
		}
		base := cur.Count()
		res.Keys = make([]event.EventKey, len(events))
		evs := make([]forest.NewEvent, len(events))
		for i, e := range events {
			lamport := first + event.LamportTimestamp(i)
			res.Keys[i] = event.EventKey{Lamport: lamport, Stream: id, Offset: event.Offset(base + uint64(i))}
			evs[i] = forest.NewEvent{Lamport: lamport, Time: res.Time, Tags: e.Tags, Payload: e.Payload}
		}
		return txn.ExtendUnpacked(cur, evs)
	})
	if err != nil {
		return AppendResult{}, fmt.Errorf("append to %s: %w", id, err)
	}
	res.Root = root
	return res, nil
}

// reserve takes count consecutive timestamps from the clock.
func (n *Node) reserve(ctx context.Context, count int) (event.LamportTimestamp, error) {
	if count == 1 {
		return n.clock.Tick(ctx)
	}
	return n.clock.Reserve(ctx, count)
}

func (n *Node) checkOpen() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	return nil
}
