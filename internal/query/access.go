// Package query answers event selections over the local stream state.
//
// Bounded reads merge a fixed snapshot of the selected streams in key order.
// Live reads follow every stream as it grows. Each stream feeds the merge
// events, catch-up markers and heartbeats, and a heartbeat is held back
// until the events it vouches for have been delivered, so the merge never
// emits an event before an older one that is still on its way.
package query

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/swarmlog/internal/clock"
	"github.com/roach88/swarmlog/internal/event"
	"github.com/roach88/swarmlog/internal/merge"
	"github.com/roach88/swarmlog/internal/streams"
)

// Access answers event selections from the local stream state.
type Access struct {
	streams *streams.Manager
	clock   *clock.Clock
}

// NewAccess creates an Access over mgr. Live reads take the heartbeats of
// own streams from clk.
func NewAccess(mgr *streams.Manager, clk *clock.Clock) *Access {
	return &Access{streams: mgr, clock: clk}
}

// Events is an ordered event sequence. Non-event items are filtered out.
type Events struct {
	m       *merge.Merge[Item]
	stop    context.CancelFunc
	wg      sync.WaitGroup
	closeMu sync.Once
}

// Next returns the next event, or io.EOF at the end of a bounded read.
func (e *Events) Next(ctx context.Context) (event.Event, error) {
	for {
		it, err := e.m.Next(ctx)
		if err != nil {
			return event.Event{}, err
		}
		if it.Kind == KindEvent {
			return it.Event, nil
		}
	}
}

// Collect drains the sequence.
func (e *Events) Collect(ctx context.Context) ([]event.Event, error) {
	var out []event.Event
	for {
		ev, err := e.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

// Close tears down every source of the sequence.
func (e *Events) Close() {
	e.closeMu.Do(func() {
		if e.stop != nil {
			e.stop()
		}
		e.m.Close()
		e.wg.Wait()
	})
}

// checkBounds validates the upper bounds of sel against the local state.
func (a *Access) checkBounds(sel EventSelection) ([]event.StreamID, error) {
	present := a.streams.Offsets().Present
	ids := sel.To.Streams()
	for _, id := range ids {
		if !a.streams.HasStream(id) {
			return nil, newUnknownStream(id)
		}
		to := sel.To[id]
		p, ok := present[id]
		if !ok || to > p {
			return nil, newInvalidUpperBounds(id, to, p, ok)
		}
	}
	return ids, nil
}

func (a *Access) bounded(sel EventSelection, backward bool) (*Events, error) {
	ids, err := a.checkBounds(sel)
	if err != nil {
		return nil, err
	}
	sources := make([]merge.Source[Item], 0, len(ids))
	for _, id := range ids {
		tree, _ := a.streams.CurrentTree(id)
		sources = append(sources, newRangeSource(a.streams.Forest(), tree, id, sel, backward))
	}
	less := Item.Less
	if backward {
		less = func(x, y Item) bool { return y.Less(x) }
	}
	return &Events{m: merge.NewFixed(less, sources...)}, nil
}

// BoundedForward returns the selected events of the streams named in
// sel.To in ascending key order. It fails before producing anything if a
// stream is unknown or an upper bound is beyond the present offset.
func (a *Access) BoundedForward(_ context.Context, sel EventSelection) (*Events, error) {
	return a.bounded(sel, false)
}

// BoundedBackward is BoundedForward in descending key order.
func (a *Access) BoundedBackward(_ context.Context, sel EventSelection) (*Events, error) {
	if len(sel.To) == 0 {
		return nil, &AccessError{Code: ErrCodeUnboundedStreamBack, Message: "backward reads need upper bounds"}
	}
	return a.bounded(sel, true)
}

// LiveForward follows the selected events as they arrive. Streams named in
// sel must be known; every other stream joins when it is discovered and
// may deliver events older than ones already returned. The sequence only
// ends through ctx or Close.
func (a *Access) LiveForward(ctx context.Context, sel EventSelection) (*Events, error) {
	mentioned := sel.mentioned()
	initial := make([]merge.Source[Item], 0, len(mentioned))
	for _, id := range mentioned {
		if !a.streams.HasStream(id) {
			return nil, newUnknownStream(id)
		}
		src, err := newLiveSource(ctx, a.streams, a.clock, id, sel)
		if err != nil {
			return nil, err
		}
		initial = append(initial, src)
	}

	ctx, stop := context.WithCancel(ctx)
	input := make(chan merge.Source[Item])
	ev := &Events{
		m:    merge.New(Item.Less, merge.AdmitStragglers, initial, input),
		stop: stop,
	}

	skip := make(map[event.StreamID]bool, len(mentioned))
	for _, id := range mentioned {
		skip[id] = true
	}
	known := a.streams.KnownStreams()
	ev.wg.Add(1)
	go func() {
		defer ev.wg.Done()
		defer close(input)
		defer known.Close()
		for {
			id, err := known.Next(ctx)
			if err != nil {
				return
			}
			if skip[id] {
				continue
			}
			skip[id] = true
			src, err := newLiveSource(ctx, a.streams, a.clock, id, sel)
			if err != nil {
				slog.Warn("cannot follow stream", "stream", id, "error", err)
				continue
			}
			select {
			case input <- src:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ev, nil
}
