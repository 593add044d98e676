package forest

import (
	"context"
	"fmt"
	"io"

	"github.com/roach88/swarmlog/internal/event"
)

// Cursor iterates the events of a tree in an inclusive offset range, one
// leaf at a time.
type Cursor struct {
	f        *Forest
	tree     Tree
	stream   event.StreamID
	from, to uint64
	backward bool

	// chunk state
	chunk    int
	base     uint64
	buffered []event.Event
	done     bool
}

// Range returns a cursor over offsets [from, to] of tree, read in ascending
// order, or descending when backward is set. to is clamped to the tree.
func (f *Forest) Range(tree Tree, stream event.StreamID, from, to event.Offset, backward bool) *Cursor {
	c := &Cursor{f: f, tree: tree, stream: stream, from: uint64(from), to: uint64(to), backward: backward}
	if tree.IsEmpty() || len(tree.hdr.Chunks) == 0 || c.from > c.to || c.from >= tree.Count() {
		c.done = true
		return c
	}
	if c.to >= tree.Count() {
		c.to = tree.Count() - 1
	}
	if backward {
		c.chunk = len(tree.hdr.Chunks) - 1
		c.base = tree.Count() - tree.hdr.Chunks[c.chunk].Count
	}
	return c
}

// Next returns the next event, or io.EOF after the last one.
func (c *Cursor) Next(ctx context.Context) (event.Event, error) {
	for len(c.buffered) == 0 {
		if c.done {
			return event.Event{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return event.Event{}, err
		}
		if err := c.loadChunk(); err != nil {
			return event.Event{}, err
		}
	}
	e := c.buffered[0]
	c.buffered = c.buffered[1:]
	return e, nil
}

// loadChunk buffers the overlapping part of the current chunk and advances.
func (c *Cursor) loadChunk() error {
	chunks := c.tree.hdr.Chunks
	if c.chunk < 0 || c.chunk >= len(chunks) {
		c.done = true
		return nil
	}
	ref := chunks[c.chunk]
	lo, hi := c.base, c.base+ref.Count // [lo, hi)

	if hi > c.from && lo <= c.to {
		events, err := c.readLeaf(ref, lo)
		if err != nil {
			return err
		}
		for _, e := range events {
			o := uint64(e.Key.Offset)
			if o >= c.from && o <= c.to {
				c.buffered = append(c.buffered, e)
			}
		}
		if c.backward {
			for i, j := 0, len(c.buffered)-1; i < j; i, j = i+1, j-1 {
				c.buffered[i], c.buffered[j] = c.buffered[j], c.buffered[i]
			}
		}
	}

	if c.backward {
		if lo <= c.from {
			c.done = true
			return nil
		}
		c.chunk--
		c.base = lo - chunks[c.chunk].Count
	} else {
		if hi > c.to {
			c.done = true
			return nil
		}
		c.chunk++
		c.base = hi
	}
	return nil
}

func (c *Cursor) readLeaf(ref chunkRef, base uint64) ([]event.Event, error) {
	leaf, err := c.f.readLeaf(ref)
	if err != nil {
		return nil, err
	}
	if uint64(len(leaf.Events)) != ref.Count {
		return nil, fmt.Errorf("%w: leaf holds %d events, ref counts %d", ErrMalformedTree, len(leaf.Events), ref.Count)
	}
	out := make([]event.Event, len(leaf.Events))
	for i, le := range leaf.Events {
		out[i] = event.Event{
			Key: event.EventKey{
				Lamport: event.LamportTimestamp(le.Lamport),
				Stream:  c.stream,
				Offset:  event.Offset(base + uint64(i)),
			},
			Time:    le.Time,
			Tags:    event.TagSet(le.Tags),
			Payload: le.Payload,
		}
	}
	return out, nil
}

// Collect drains a cursor into a slice.
func (c *Cursor) Collect(ctx context.Context) ([]event.Event, error) {
	var out []event.Event
	for {
		e, err := c.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}
