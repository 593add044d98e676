package event

import (
	"cmp"
	"fmt"
)

// EventKey is the total-order key of an event.
type EventKey struct {
	Lamport LamportTimestamp
	Stream  StreamID
	Offset  Offset
}

// Compare orders keys by (lamport, stream). Offsets never take part: within
// a stream the Lamport order already agrees with the offset order.
func (k EventKey) Compare(o EventKey) int {
	if c := cmp.Compare(k.Lamport, o.Lamport); c != 0 {
		return c
	}
	return k.Stream.Compare(o.Stream)
}

// Less reports whether k sorts strictly before o.
func (k EventKey) Less(o EventKey) bool {
	return k.Compare(o) < 0
}

// HeartBeat returns the watermark claiming that nothing at or before k
// remains to be delivered for k's stream.
func (k EventKey) HeartBeat() StreamHeartBeat {
	return StreamHeartBeat{Stream: k.Stream, Lamport: k.Lamport, Offset: k.Offset}
}

func (k EventKey) String() string {
	return fmt.Sprintf("%d/%s/%d", k.Lamport, k.Stream, k.Offset)
}

// Event is a single entry of a stream.
type Event struct {
	Key EventKey
	// Time is wall-clock microseconds at append; informational only.
	Time    uint64
	Tags    TagSet
	Payload []byte
}

// StreamHeartBeat promises that all future events of Stream compare greater
// than (Lamport, Offset).
type StreamHeartBeat struct {
	Stream  StreamID
	Lamport LamportTimestamp
	Offset  Offset
}

// Compare is the partial order on heartbeats. ok is false unless both
// heartbeats describe the same offset of the same stream; in that case they
// are ordered by Lamport timestamp.
func (h StreamHeartBeat) Compare(o StreamHeartBeat) (c int, ok bool) {
	if h.Stream != o.Stream || h.Offset != o.Offset {
		return 0, false
	}
	return cmp.Compare(h.Lamport, o.Lamport), true
}

// Greater reports whether h is comparable to and strictly greater than o.
func (h StreamHeartBeat) Greater(o StreamHeartBeat) bool {
	c, ok := h.Compare(o)
	return ok && c > 0
}

// Key returns the event key position of the heartbeat.
func (h StreamHeartBeat) Key() EventKey {
	return EventKey{Lamport: h.Lamport, Stream: h.Stream, Offset: h.Offset}
}
