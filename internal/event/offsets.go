package event

import (
	"maps"
	"slices"
)

// OffsetMap maps streams to the highest known offset.
type OffsetMap map[StreamID]Offset

// Get returns the offset recorded for id, if any.
func (m OffsetMap) Get(id StreamID) (Offset, bool) {
	o, ok := m[id]
	return o, ok
}

// Update raises the offset for id. It never lowers an existing entry and
// reports whether the map changed.
func (m OffsetMap) Update(id StreamID, o Offset) bool {
	if cur, ok := m[id]; ok && cur >= o {
		return false
	}
	m[id] = o
	return true
}

// Clone returns an independent copy.
func (m OffsetMap) Clone() OffsetMap {
	if m == nil {
		return OffsetMap{}
	}
	return maps.Clone(m)
}

// Streams returns the keys in StreamID order.
func (m OffsetMap) Streams() []StreamID {
	ids := slices.Collect(maps.Keys(m))
	slices.SortFunc(ids, StreamID.Compare)
	return ids
}

// SwarmOffsets describes ingestion progress.
type SwarmOffsets struct {
	// Present holds the validated, locally readable offset per stream.
	Present OffsetMap
	// ReplicationTarget holds the highest offset announced per stream.
	ReplicationTarget OffsetMap
}

// Clone returns a deep copy.
func (s SwarmOffsets) Clone() SwarmOffsets {
	return SwarmOffsets{
		Present:           s.Present.Clone(),
		ReplicationTarget: s.ReplicationTarget.Clone(),
	}
}
