package query

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/roach88/swarmlog/internal/clock"
	"github.com/roach88/swarmlog/internal/event"
	"github.com/roach88/swarmlog/internal/forest"
	"github.com/roach88/swarmlog/internal/streams"
	"github.com/roach88/swarmlog/internal/variable"
)

// rangeSource reads the matching events of one fixed tree.
type rangeSource struct {
	cursor *forest.Cursor
	tags   TagSubscriptions
}

func newRangeSource(f *forest.Forest, tree forest.Tree, id event.StreamID, sel EventSelection, backward bool) *rangeSource {
	to, _ := sel.upperBound(id)
	from := event.Offset(sel.firstOffset(id))
	return &rangeSource{
		cursor: f.Range(tree, id, from, to, backward),
		tags:   sel.Tags,
	}
}

func (s *rangeSource) Next(ctx context.Context) (Item, error) {
	for {
		e, err := s.cursor.Next(ctx)
		if err != nil {
			return Item{}, err
		}
		if s.tags.Matches(e.Tags) {
			return EventItem(e), nil
		}
	}
}

// ownTickRetry is how long an own stream waits for a running transform
// before trying to emit a heartbeat again.
const ownTickRetry = 10 * time.Millisecond

// liveSource follows one stream: it reads new events whenever the tree
// changes, marks each catch-up with a present item and interleaves
// heartbeats. Replicas tick with the watermarks announced by their writer;
// own streams tick with the local clock. Output passes through HoldBack.
type liveSource struct {
	id     event.StreamID
	forest *forest.Forest
	tags   TagSubscriptions

	next     uint64
	to       event.Offset
	bounded  bool
	trees    *variable.Observer[forest.Tree]
	seen     *variable.Observer[*streams.Seen]
	own      *streams.OwnStream
	clk      *clock.Clock
	lamports *variable.Observer[event.LamportTimestamp]
	retry    <-chan time.Time
	cursor   *forest.Cursor
	reading  forest.Tree
	hold     HoldBack
	pending  []Item
	finished bool
}

func newLiveSource(ctx context.Context, mgr *streams.Manager, clk *clock.Clock, id event.StreamID, sel EventSelection) (*liveSource, error) {
	trees, err := mgr.TreeStream(ctx, id)
	if err != nil {
		return nil, err
	}
	seen, err := mgr.LatestSeen(ctx, id)
	if err != nil {
		return nil, err
	}
	s := &liveSource{
		id:     id,
		forest: mgr.Forest(),
		tags:   sel.Tags,
		next:   sel.firstOffset(id),
		trees:  trees,
		seen:   seen,
	}
	s.to, s.bounded = sel.upperBound(id)
	if mgr.IsOwn(id) {
		own, err := mgr.GetOrCreateOwn(ctx, id.Nr)
		if err != nil {
			return nil, err
		}
		s.own, s.clk, s.lamports = own, clk, clk.Watch()
	}
	return s, nil
}

// ownTick emits a heartbeat for an own stream. While no transform runs on
// the stream, its next event gets a timestamp above the current clock.
func (s *liveSource) ownTick() {
	var (
		hb  event.StreamHeartBeat
		has bool
	)
	idle := s.own.Idle(func(tree forest.Tree) {
		if off, ok := tree.Offset(); ok {
			hb = event.StreamHeartBeat{Stream: s.id, Lamport: s.clk.Current() + 1, Offset: off}
			has = true
		}
	})
	if !idle {
		s.retry = time.After(ownTickRetry)
		return
	}
	if has {
		s.push(TickItem(hb))
	}
}

func (s *liveSource) push(it Item) {
	s.pending = append(s.pending, s.hold.Push(it)...)
}

func (s *liveSource) pushPresent() {
	off, _ := s.reading.Offset()
	s.push(PresentItem(event.StreamHeartBeat{Stream: s.id, Lamport: s.reading.LastLamport(), Offset: off}))
	s.finished = s.bounded && s.next > uint64(s.to)
}

func (s *liveSource) Next(ctx context.Context) (Item, error) {
	for {
		if len(s.pending) > 0 {
			it := s.pending[0]
			s.pending = s.pending[1:]
			return it, nil
		}
		if s.finished {
			return Item{}, io.EOF
		}
		if s.cursor != nil {
			e, err := s.cursor.Next(ctx)
			if errors.Is(err, io.EOF) {
				s.cursor = nil
				s.pushPresent()
				continue
			}
			if err != nil {
				return Item{}, err
			}
			s.next = uint64(e.Key.Offset) + 1
			if s.tags.Matches(e.Tags) {
				s.push(EventItem(e))
			}
			continue
		}

		var seenChanged, lamportChanged <-chan struct{}
		if s.seen != nil {
			seenChanged = s.seen.Changed()
		}
		if s.lamports != nil {
			lamportChanged = s.lamports.Changed()
		}
		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-s.trees.Changed():
			tree, ok := s.trees.Take()
			if !ok {
				return Item{}, variable.ErrClosed
			}
			if tree.IsEmpty() {
				continue
			}
			s.reading = tree
			if tree.Count() <= s.next {
				// nothing new to read, but the source is caught up
				s.pushPresent()
				continue
			}
			to := event.Offset(tree.Count() - 1)
			if s.bounded && s.to < to {
				to = s.to
			}
			s.cursor = s.forest.Range(tree, s.id, event.Offset(s.next), to, false)
		case <-seenChanged:
			seen, ok := s.seen.Take()
			if !ok {
				s.seen = nil
				continue
			}
			if seen != nil {
				s.push(TickItem(seen.HeartBeat(s.id)))
			}
		case <-lamportChanged:
			if _, ok := s.lamports.Take(); !ok {
				s.lamports = nil
				continue
			}
			s.ownTick()
		case <-s.retry:
			s.retry = nil
			s.ownTick()
		}
	}
}
