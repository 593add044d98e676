package streams

import (
	"sync"

	"github.com/roach88/swarmlog/internal/blockstore"
	"github.com/roach88/swarmlog/internal/event"
	"github.com/roach88/swarmlog/internal/forest"
	"github.com/roach88/swarmlog/internal/variable"
)

// OwnStream is a stream written by this node.
type OwnStream struct {
	id event.StreamID

	// mu is the sequencing lock held by TransformOwn.
	mu     sync.Mutex
	latest *variable.Variable[forest.Tree]
}

func newOwnStream(id event.StreamID, tree forest.Tree) *OwnStream {
	return &OwnStream{id: id, latest: variable.New(tree)}
}

// ID returns the stream id.
func (s *OwnStream) ID() event.StreamID { return s.id }

// Latest returns the current tree.
func (s *OwnStream) Latest() forest.Tree { return s.latest.Get() }

// Idle calls read with the current tree unless a transform is running, and
// reports whether it did. No timestamp is reserved for the stream while read
// runs.
func (s *OwnStream) Idle(read func(forest.Tree)) bool {
	if !s.mu.TryLock() {
		return false
	}
	defer s.mu.Unlock()
	read(s.latest.Get())
	return true
}

// RootSource says how an incoming root was learned. Higher values take
// priority when several candidates compete.
type RootSource int

const (
	SourceRootMap RootSource = iota
	SourceSlowPath
	SourceFastPath
)

func (s RootSource) String() string {
	switch s {
	case SourceRootMap:
		return "root_map"
	case SourceSlowPath:
		return "slow_path"
	case SourceFastPath:
		return "fast_path"
	default:
		return "unknown"
	}
}

// Candidate is a root announced for a replica but not yet validated.
type Candidate struct {
	Root   blockstore.Link
	Source RootSource

	// pin holds blocks delivered with the root until the candidate is
	// replaced, synced or dropped.
	pin *blockstore.TempPin
}

// Seen is the newest (lamport, offset) announced for a replica.
type Seen struct {
	Lamport event.LamportTimestamp
	Offset  event.Offset
}

// HeartBeat converts the watermark for stream id.
func (s Seen) HeartBeat(id event.StreamID) event.StreamHeartBeat {
	return event.StreamHeartBeat{Stream: id, Lamport: s.Lamport, Offset: s.Offset}
}

// ReplicatedStream is a local replica of a peer's stream.
type ReplicatedStream struct {
	id         event.StreamID
	validated  *variable.Variable[forest.Tree]
	incoming   *variable.Variable[*Candidate]
	latestSeen *variable.Variable[*Seen]
}

func newReplicatedStream(id event.StreamID, tree forest.Tree) *ReplicatedStream {
	return &ReplicatedStream{
		id:         id,
		validated:  variable.New(tree),
		incoming:   variable.New[*Candidate](nil),
		latestSeen: variable.New[*Seen](nil),
	}
}

// ID returns the stream id.
func (r *ReplicatedStream) ID() event.StreamID { return r.id }

// Validated returns the last validated tree.
func (r *ReplicatedStream) Validated() forest.Tree { return r.validated.Get() }

// SetLatest replaces the validated tree. Only the syncer calls this, after
// the Lamport check has passed.
func (r *ReplicatedStream) SetLatest(tree forest.Tree) { r.validated.Set(tree) }

// SetIncoming records root as the newest candidate. The stored candidate is
// kept when it has a higher priority source, or the same source and the same
// root.
func (r *ReplicatedStream) SetIncoming(root blockstore.Link, source RootSource) {
	r.SetIncomingPinned(root, source, nil)
}

// SetIncomingPinned is SetIncoming for a root whose blocks are held by pin.
// The stream owns pin from here on: it is released when the candidate is
// rejected, replaced, downgraded or the stream closes.
func (r *ReplicatedStream) SetIncomingPinned(root blockstore.Link, source RootSource, pin *blockstore.TempPin) {
	drop := pin
	r.incoming.Transform(func(cur **Candidate) bool {
		if c := *cur; c != nil && (c.Source > source || c.Source == source && c.Root == root) {
			return false
		}
		drop = nil
		if c := *cur; c != nil {
			drop = c.pin
		}
		*cur = &Candidate{Root: root, Source: source, pin: pin}
		return true
	})
	drop.Release()
}

// Downgrade is called after a sync attempt for root finished. On success the
// candidate's priority drops to the lowest so any later root is accepted; on
// failure the candidate is cleared.
func (r *ReplicatedStream) Downgrade(root blockstore.Link, failed bool) {
	var drop *blockstore.TempPin
	defer func() { drop.Release() }()
	r.incoming.Transform(func(cur **Candidate) bool {
		c := *cur
		if c == nil || c.Root != root {
			return false
		}
		drop = c.pin
		if failed {
			*cur = nil
		} else {
			*cur = &Candidate{Root: root, Source: SourceRootMap}
		}
		// Priority bookkeeping only; do not wake the syncer.
		return false
	})
}

// Incoming returns the current candidate, if any.
func (r *ReplicatedStream) Incoming() *Candidate { return r.incoming.Get() }

// WatchIncoming observes incoming candidates.
func (r *ReplicatedStream) WatchIncoming() *variable.Observer[*Candidate] {
	return r.incoming.Observe()
}

// SetLatestSeen records an announced (lamport, offset) if it is newer than
// what was seen before.
func (r *ReplicatedStream) SetLatestSeen(lamport event.LamportTimestamp, offset event.Offset) {
	r.latestSeen.Transform(func(cur **Seen) bool {
		if c := *cur; c != nil && (c.Offset > offset || c.Offset == offset && c.Lamport >= lamport) {
			return false
		}
		*cur = &Seen{Lamport: lamport, Offset: offset}
		return true
	})
}

// LatestSeen returns the newest announced watermark, if any.
func (r *ReplicatedStream) LatestSeen() *Seen { return r.latestSeen.Get() }

func (r *ReplicatedStream) close() {
	r.validated.Close()
	r.incoming.Close()
	r.latestSeen.Close()
	if c := r.incoming.Get(); c != nil {
		c.pin.Release()
	}
}
