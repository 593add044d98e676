package query

import (
	"strings"

	"github.com/roach88/swarmlog/internal/event"
)

// TagSubscriptions is a disjunction of tag sets. An event matches when it
// carries every tag of at least one set. The empty list matches nothing.
type TagSubscriptions []event.TagSet

// All matches every event.
func All() TagSubscriptions {
	return TagSubscriptions{event.TagSet{}}
}

// Matches reports whether tags satisfy any of the subscriptions.
func (s TagSubscriptions) Matches(tags event.TagSet) bool {
	for _, sub := range s {
		if sub.IsSubsetOf(tags) {
			return true
		}
	}
	return false
}

func (s TagSubscriptions) String() string {
	parts := make([]string, len(s))
	for i, sub := range s {
		parts[i] = sub.String()
	}
	return strings.Join(parts, " | ")
}

// EventSelection selects events by tags and offset range.
type EventSelection struct {
	Tags TagSubscriptions
	// From holds exclusive lower bounds. Missing streams start at the
	// beginning.
	From event.OffsetMap
	// To holds inclusive upper bounds. A bounded read covers exactly these
	// streams.
	To event.OffsetMap
}

// mentioned returns the streams named in From or To, in order.
func (s EventSelection) mentioned() []event.StreamID {
	all := s.To.Clone()
	for id, o := range s.From {
		if _, ok := all[id]; !ok {
			all[id] = o
		}
	}
	return all.Streams()
}

// firstOffset is the first offset of id included by From.
func (s EventSelection) firstOffset(id event.StreamID) uint64 {
	if o, ok := s.From[id]; ok {
		return uint64(o) + 1
	}
	return 0
}

// upperBound returns the inclusive upper bound of id, if any.
func (s EventSelection) upperBound(id event.StreamID) (event.Offset, bool) {
	o, ok := s.To[id]
	return o, ok
}
