package query

import (
	"cmp"
	"fmt"

	"github.com/roach88/swarmlog/internal/event"
)

// ItemKind distinguishes the items of a per-stream source.
type ItemKind int

const (
	// KindEvent carries an event.
	KindEvent ItemKind = iota
	// KindPresent marks that the source has caught up with the local tree.
	// It stands in for the newest event even when that event is filtered out.
	KindPresent
	// KindTick is a heartbeat: the stream has progressed to at least its
	// position somewhere in the swarm.
	KindTick
)

func (k ItemKind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindPresent:
		return "present"
	case KindTick:
		return "tick"
	default:
		return "unknown"
	}
}

// Item is one element of a per-stream source.
type Item struct {
	Kind ItemKind
	// Event is set for KindEvent.
	Event event.Event
	// HeartBeat is set for KindPresent and KindTick.
	HeartBeat event.StreamHeartBeat
}

// EventItem wraps e.
func EventItem(e event.Event) Item {
	return Item{Kind: KindEvent, Event: e}
}

// PresentItem marks that a source caught up to hb.
func PresentItem(hb event.StreamHeartBeat) Item {
	return Item{Kind: KindPresent, HeartBeat: hb}
}

// TickItem wraps a heartbeat.
func TickItem(hb event.StreamHeartBeat) Item {
	return Item{Kind: KindTick, HeartBeat: hb}
}

// Key returns the position of the item.
func (i Item) Key() event.EventKey {
	if i.Kind == KindEvent {
		return i.Event.Key
	}
	return i.HeartBeat.Key()
}

// Compare orders items by (lamport, stream), then by kind, then by offset.
func (i Item) Compare(o Item) int {
	a, b := i.Key(), o.Key()
	if c := a.Compare(b); c != 0 {
		return c
	}
	if c := cmp.Compare(i.Kind, o.Kind); c != 0 {
		return c
	}
	return cmp.Compare(a.Offset, b.Offset)
}

// Less reports whether i sorts before o.
func (i Item) Less(o Item) bool {
	return i.Compare(o) < 0
}

func (i Item) String() string {
	return fmt.Sprintf("%s %s", i.Kind, i.Key())
}

// HoldBack delays heartbeats until an event or present marker of the same
// stream has caught up with them, so a consumer never sees a heartbeat
// ahead of events it has not received yet.
type HoldBack struct {
	lastEvent     *event.StreamHeartBeat
	lastHeartbeat *event.StreamHeartBeat
}

// Push feeds one item and returns what may be emitted now.
func (h *HoldBack) Push(it Item) []Item {
	var out []Item
	switch it.Kind {
	case KindEvent:
		hb := it.Event.Key.HeartBeat()
		h.lastEvent = &hb
		out = append(out, it)
	case KindPresent:
		hb := it.HeartBeat
		h.lastEvent = &hb
		out = append(out, it)
	case KindTick:
		// keep the newest heartbeat by lamport, whatever its offset
		if h.lastHeartbeat == nil || it.HeartBeat.Lamport > h.lastHeartbeat.Lamport {
			hb := it.HeartBeat
			h.lastHeartbeat = &hb
		}
	}
	if h.lastEvent != nil && h.lastHeartbeat != nil && h.lastHeartbeat.Greater(*h.lastEvent) {
		out = append(out, TickItem(*h.lastHeartbeat))
		h.lastHeartbeat = nil
	}
	return out
}
