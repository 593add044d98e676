package streams

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/swarmlog/internal/blockstore"
	"github.com/roach88/swarmlog/internal/event"
	"github.com/roach88/swarmlog/internal/forest"
	"github.com/roach88/swarmlog/internal/variable"
)

var (
	// ErrOwnStream is returned when a local stream is treated as a replica.
	ErrOwnStream = errors.New("stream is owned by this node")
	// ErrTreeShrunk is returned when a transform would drop events.
	ErrTreeShrunk = errors.New("transform shrank the tree")
)

// Index is the durable stream registry.
type Index interface {
	AddStream(ctx context.Context, id event.StreamID) error
	ObservedStreams(ctx context.Context) ([]event.StreamID, error)
}

// Publisher receives every new non-empty root of an own stream together
// with the blocks written to produce it.
type Publisher interface {
	Publish(stream event.StreamID, tree forest.Tree, blocks []blockstore.Block)
}

// TransformFunc derives a new tree from the current one. Blocks must be
// written through txn.
type TransformFunc func(ctx context.Context, txn *forest.Transaction, current forest.Tree) (forest.Tree, error)

// RootMapEntry is one stream of a root map.
type RootMapEntry struct {
	Stream  event.StreamID
	Root    blockstore.Link
	Offset  event.Offset
	Lamport event.LamportTimestamp
}

// Manager is the registry of own and replicated streams.
type Manager struct {
	node   event.NodeID
	forest *forest.Forest
	index  Index

	mu           sync.Mutex
	own          map[event.StreamNr]*OwnStream
	replicated   map[event.StreamID]*ReplicatedStream
	known        []*KnownStreams
	publisher    Publisher
	onReplicated func(*ReplicatedStream)

	offsets *variable.Variable[event.SwarmOffsets]
}

// NewManager creates an empty manager for node.
func NewManager(node event.NodeID, f *forest.Forest, index Index) *Manager {
	return &Manager{
		node:       node,
		forest:     f,
		index:      index,
		own:        make(map[event.StreamNr]*OwnStream),
		replicated: make(map[event.StreamID]*ReplicatedStream),
		offsets: variable.New(event.SwarmOffsets{
			Present:           event.OffsetMap{},
			ReplicationTarget: event.OffsetMap{},
		}),
	}
}

// SetPublisher installs the receiver of new own roots.
func (m *Manager) SetPublisher(p Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publisher = p
}

// OnReplicated installs a hook called once for every newly created replica.
// The node uses it to start careful ingestion.
func (m *Manager) OnReplicated(fn func(*ReplicatedStream)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReplicated = fn
}

// NodeID returns the local node id.
func (m *Manager) NodeID() event.NodeID { return m.node }

// Forest returns the forest trees are stored in.
func (m *Manager) Forest() *forest.Forest { return m.forest }

// IsOwn reports whether id belongs to this node.
func (m *Manager) IsOwn(id event.StreamID) bool { return id.Node == m.node }

// loadAlias restores the durable tree of a stream, if any.
func (m *Manager) loadAlias(id event.StreamID) (forest.Tree, error) {
	root, ok, err := m.forest.Store().Alias(id.Alias())
	if err != nil || !ok {
		return forest.Tree{}, err
	}
	tree, err := m.forest.LoadTree(root)
	if err != nil {
		return forest.Tree{}, fmt.Errorf("load tree of %s: %w", id, err)
	}
	return tree, nil
}

// GetOrCreateOwn returns the own stream nr, creating it on first use.
// Creation registers the stream in the index, replays its alias and
// announces it to known-stream subscribers.
func (m *Manager) GetOrCreateOwn(ctx context.Context, nr event.StreamNr) (*OwnStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.own[nr]; ok {
		return s, nil
	}
	id := m.node.Stream(nr)
	slog.Debug("creating own stream", "stream", id)
	if err := m.index.AddStream(ctx, id); err != nil {
		return nil, err
	}
	tree, err := m.loadAlias(id)
	if err != nil {
		return nil, err
	}
	s := newOwnStream(id, tree)
	m.own[nr] = s
	if off, ok := tree.Offset(); ok {
		m.UpdatePresent(id, off)
	}
	m.publishNewStreamID(id)
	return s, nil
}

// GetOrCreateReplicated returns the replica of id, creating it on first use.
func (m *Manager) GetOrCreateReplicated(ctx context.Context, id event.StreamID) (*ReplicatedStream, error) {
	if m.IsOwn(id) {
		return nil, fmt.Errorf("%w: %s", ErrOwnStream, id)
	}

	m.mu.Lock()
	if r, ok := m.replicated[id]; ok {
		m.mu.Unlock()
		return r, nil
	}
	slog.Debug("creating replicated stream", "stream", id)
	if err := m.index.AddStream(ctx, id); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	tree, err := m.loadAlias(id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	r := newReplicatedStream(id, tree)
	m.replicated[id] = r
	if off, ok := tree.Offset(); ok {
		m.UpdatePresent(id, off)
	}
	m.publishNewStreamID(id)
	hook := m.onReplicated
	m.mu.Unlock()

	if hook != nil {
		hook(r)
	}
	return r, nil
}

// TransformOwn runs f on the current tree of own stream nr under the
// stream's sequencing lock. If the root changed, the new blocks are
// committed, the stream alias is moved, the latest tree is swapped, present
// is updated and the root is handed to the publisher. It returns the new
// root and whether it changed.
func (m *Manager) TransformOwn(ctx context.Context, nr event.StreamNr, f TransformFunc) (blockstore.Link, bool, error) {
	s, err := m.GetOrCreateOwn(ctx, nr)
	if err != nil {
		return blockstore.Link{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.latest.Get()
	txn := m.forest.Transaction()
	next, err := f(ctx, txn, cur)
	if err != nil {
		return blockstore.Link{}, false, err
	}
	if next.Link() == cur.Link() {
		return cur.Link(), false, nil
	}
	if next.Count() < cur.Count() {
		return blockstore.Link{}, false, fmt.Errorf("%w: %d -> %d events", ErrTreeShrunk, cur.Count(), next.Count())
	}

	store := m.forest.Store()
	release := store.Hold()
	err = txn.Commit()
	if err == nil {
		err = store.SetAlias(s.id.Alias(), next.Link())
	}
	release()
	if err != nil {
		return blockstore.Link{}, false, fmt.Errorf("commit %s: %w", s.id, err)
	}

	s.latest.Set(next)
	if off, ok := next.Offset(); ok {
		m.UpdatePresent(s.id, off)
	}

	m.mu.Lock()
	pub := m.publisher
	m.mu.Unlock()
	if pub != nil && !next.IsEmpty() {
		pub.Publish(s.id, next, txn.Written())
	}
	return next.Link(), true, nil
}

// UpdateRoot records a root announced for id. Roots of own streams are
// ignored.
func (m *Manager) UpdateRoot(ctx context.Context, id event.StreamID, root blockstore.Link, source RootSource) error {
	if m.IsOwn(id) {
		return nil
	}
	r, err := m.GetOrCreateReplicated(ctx, id)
	if err != nil {
		return err
	}
	r.SetIncoming(root, source)
	return nil
}

// TreeStream observes the latest tree of id. Every change (a transform for
// own streams, a completed sync for replicas) produces a new value.
func (m *Manager) TreeStream(ctx context.Context, id event.StreamID) (*variable.Observer[forest.Tree], error) {
	if m.IsOwn(id) {
		s, err := m.GetOrCreateOwn(ctx, id.Nr)
		if err != nil {
			return nil, err
		}
		return s.latest.Observe(), nil
	}
	r, err := m.GetOrCreateReplicated(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.validated.Observe(), nil
}

// LatestSeen observes the announced watermark of a replica. Own streams
// have none and return nil.
func (m *Manager) LatestSeen(ctx context.Context, id event.StreamID) (*variable.Observer[*Seen], error) {
	if m.IsOwn(id) {
		return nil, nil
	}
	r, err := m.GetOrCreateReplicated(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.latestSeen.Observe(), nil
}

// CurrentTree returns the latest tree of a known stream without creating it.
func (m *Manager) CurrentTree(id event.StreamID) (forest.Tree, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.IsOwn(id) {
		if s, ok := m.own[id.Nr]; ok {
			return s.latest.Get(), true
		}
		return forest.Tree{}, false
	}
	if r, ok := m.replicated[id]; ok {
		return r.validated.Get(), true
	}
	return forest.Tree{}, false
}

// HasStream reports whether id is known.
func (m *Manager) HasStream(id event.StreamID) bool {
	_, ok := m.CurrentTree(id)
	return ok
}

// Streams returns every known stream id in order.
func (m *Manager) Streams() []event.StreamID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamIDsLocked()
}

func (m *Manager) streamIDsLocked() []event.StreamID {
	ids := make([]event.StreamID, 0, len(m.own)+len(m.replicated))
	for nr := range m.own {
		ids = append(ids, m.node.Stream(nr))
	}
	for id := range m.replicated {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, event.StreamID.Compare)
	return ids
}

// OwnStreamNrs returns the numbers of all own streams in order.
func (m *Manager) OwnStreamNrs() []event.StreamNr {
	m.mu.Lock()
	defer m.mu.Unlock()
	nrs := make([]event.StreamNr, 0, len(m.own))
	for nr := range m.own {
		nrs = append(nrs, nr)
	}
	slices.Sort(nrs)
	return nrs
}

// KnownStreams subscribes to stream discovery. The subscription first
// yields every stream known so far, then each new one as it appears.
// Callers must Close it when done.
func (m *Manager) KnownStreams() *KnownStreams {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := newKnownStreams(m.streamIDsLocked())
	m.known = append(m.known, k)
	return k
}

// publishNewStreamID fans id out to subscribers and prunes closed ones.
// Must be called with m.mu held.
func (m *Manager) publishNewStreamID(id event.StreamID) {
	m.known = slices.DeleteFunc(m.known, func(k *KnownStreams) bool {
		return !k.push(id)
	})
}

// UpdatePresent raises the validated offset of id.
func (m *Manager) UpdatePresent(id event.StreamID, off event.Offset) {
	m.offsets.Transform(func(o *event.SwarmOffsets) bool {
		if cur, ok := o.Present[id]; ok && cur >= off {
			return false
		}
		slog.Debug("updating present", "stream", id, "offset", off)
		o.Present = o.Present.Clone()
		o.Present[id] = off
		return true
	})
}

// UpdateHighestSeen raises the replication target of id.
func (m *Manager) UpdateHighestSeen(id event.StreamID, off event.Offset) {
	m.offsets.Transform(func(o *event.SwarmOffsets) bool {
		if cur, ok := o.ReplicationTarget[id]; ok && cur >= off {
			return false
		}
		slog.Debug("updating highest seen", "stream", id, "offset", off)
		o.ReplicationTarget = o.ReplicationTarget.Clone()
		o.ReplicationTarget[id] = off
		return true
	})
}

// Offsets returns a snapshot of present and replication target offsets.
// The replication target is never reported below present.
func (m *Manager) Offsets() event.SwarmOffsets {
	o := m.offsets.Get().Clone()
	for id, off := range o.Present {
		o.ReplicationTarget.Update(id, off)
	}
	return o
}

// WatchOffsets observes offset changes.
func (m *Manager) WatchOffsets() *variable.Observer[event.SwarmOffsets] {
	return m.offsets.Observe()
}

// RootMap lists the current root of every non-empty stream, own and
// replicated, in stream order.
func (m *Manager) RootMap() []RootMapEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []RootMapEntry
	add := func(id event.StreamID, tree forest.Tree) {
		off, ok := tree.Offset()
		if !ok {
			return
		}
		out = append(out, RootMapEntry{Stream: id, Root: tree.Link(), Offset: off, Lamport: tree.LastLamport()})
	}
	for nr, s := range m.own {
		add(m.node.Stream(nr), s.latest.Get())
	}
	for id, r := range m.replicated {
		add(id, r.validated.Get())
	}
	slices.SortFunc(out, func(a, b RootMapEntry) int { return a.Stream.Compare(b.Stream) })
	return out
}

// LoadKnownStreams replays every stream recorded in the index, restoring
// its tree from the durable alias.
func (m *Manager) LoadKnownStreams(ctx context.Context) error {
	ids, err := m.index.ObservedStreams(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if m.IsOwn(id) {
			_, err = m.GetOrCreateOwn(ctx, id.Nr)
		} else {
			_, err = m.GetOrCreateReplicated(ctx, id)
		}
		if err != nil {
			return fmt.Errorf("load stream %s: %w", id, err)
		}
	}
	slog.Info("loaded known streams", "count", len(ids))
	return nil
}

// Close ends every subscription and observer handed out by the manager.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.known {
		k.Close()
	}
	m.known = nil
	for _, s := range m.own {
		s.latest.Close()
	}
	for _, r := range m.replicated {
		r.close()
	}
	m.offsets.Close()
}
