package forest

import (
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/swarmlog/internal/blockstore"
	"github.com/roach88/swarmlog/internal/event"
)

// MaxLeafEvents bounds the size of leaves produced by Pack.
const MaxLeafEvents = 256

// ErrLamportRegression is returned when appended events would make the
// Lamport timestamp decrease along the stream.
var ErrLamportRegression = errors.New("lamport timestamp regression")

// Tree is an immutable snapshot of one stream. The zero Tree is empty.
type Tree struct {
	link blockstore.Link
	hdr  *header
}

// IsEmpty reports whether the tree holds no events.
func (t Tree) IsEmpty() bool {
	return t.hdr == nil || t.hdr.Count == 0
}

// Count is the number of events, which is also the next offset.
func (t Tree) Count() uint64 {
	if t.hdr == nil {
		return 0
	}
	return t.hdr.Count
}

// LastLamport is the Lamport timestamp of the newest event, zero when empty.
func (t Tree) LastLamport() event.LamportTimestamp {
	if t.hdr == nil {
		return 0
	}
	return event.LamportTimestamp(t.hdr.LastLamport)
}

// Link is the root hash of the tree, zero when empty.
func (t Tree) Link() blockstore.Link {
	return t.link
}

// Offset returns the offset of the newest event.
func (t Tree) Offset() (event.Offset, bool) {
	if t.IsEmpty() {
		return 0, false
	}
	return event.Offset(t.hdr.Count - 1), true
}

// Chunks is the number of leaf blocks.
func (t Tree) Chunks() int {
	if t.hdr == nil {
		return 0
	}
	return len(t.hdr.Chunks)
}

func (t Tree) String() string {
	if t.IsEmpty() {
		return "Tree(empty)"
	}
	return fmt.Sprintf("Tree(%s, count=%d, lamport=%d)", t.link, t.hdr.Count, t.hdr.LastLamport)
}

// Forest reads and writes trees in a block store.
type Forest struct {
	store *blockstore.Store
}

// New creates a forest over store.
func New(store *blockstore.Store) *Forest {
	return &Forest{store: store}
}

// Store returns the underlying block store.
func (f *Forest) Store() *blockstore.Store {
	return f.store
}

// LoadTree loads the tree whose header block is root. Only the header must
// be present locally; leaves are read on demand.
func (f *Forest) LoadTree(root blockstore.Link) (Tree, error) {
	if root.IsZero() {
		return Tree{}, nil
	}
	data, err := f.store.Get(root)
	if err != nil {
		return Tree{}, err
	}
	hdr, err := decodeHeader(data)
	if err != nil {
		return Tree{}, fmt.Errorf("load tree %s: %w", root, err)
	}
	return Tree{link: root, hdr: hdr}, nil
}

// Verify reads every leaf of tree and checks it against the header: event
// counts must match and Lamport timestamps must not decrease along the
// offsets. All leaves must be local.
func (f *Forest) Verify(tree Tree) error {
	if tree.hdr == nil {
		return nil
	}
	var prev uint64
	for i, ref := range tree.hdr.Chunks {
		leaf, err := f.readLeaf(ref)
		if err != nil {
			return fmt.Errorf("verify chunk %d of %s: %w", i, tree.link, err)
		}
		if err := leaf.check(ref, prev); err != nil {
			return fmt.Errorf("verify chunk %d of %s: %w", i, tree.link, err)
		}
		prev = ref.LastLamport
	}
	return nil
}

func (f *Forest) readLeaf(ref chunkRef) (*leafBlock, error) {
	l, err := blockstore.LinkFromBytes(ref.Link)
	if err != nil {
		return nil, err
	}
	data, err := f.store.Get(l)
	if err != nil {
		return nil, err
	}
	return decodeLeaf(data)
}

// NewEvent is an event about to be appended. Its offset is assigned by the
// tree.
type NewEvent struct {
	Lamport event.LamportTimestamp
	Time    uint64
	Tags    event.TagSet
	Payload []byte
}

// Transaction collects the blocks written while deriving new trees.
// Nothing reaches the block store before Commit.
type Transaction struct {
	f       *Forest
	written []blockstore.Block
	pending map[blockstore.Link][]byte
}

// Transaction starts a new write transaction.
func (f *Forest) Transaction() *Transaction {
	return &Transaction{f: f, pending: make(map[blockstore.Link][]byte)}
}

func (t *Transaction) write(v any) (blockstore.Link, error) {
	b, err := encode(v)
	if err != nil {
		return blockstore.Link{}, err
	}
	if _, ok := t.pending[b.Link]; !ok {
		t.pending[b.Link] = b.Data
		t.written = append(t.written, b)
	}
	return b.Link, nil
}

func (t *Transaction) get(l blockstore.Link) ([]byte, error) {
	if data, ok := t.pending[l]; ok {
		return data, nil
	}
	return t.f.store.Get(l)
}

// Written returns the blocks written so far, in write order.
func (t *Transaction) Written() []blockstore.Block {
	return slices.Clone(t.written)
}

// Commit stores all written blocks in one batch.
func (t *Transaction) Commit() error {
	return t.f.store.PutMany(t.written)
}

// ExtendUnpacked appends events as a single new leaf. Lamport timestamps
// must not decrease, neither within events nor relative to the tree.
func (t *Transaction) ExtendUnpacked(tree Tree, events []NewEvent) (Tree, error) {
	if len(events) == 0 {
		return tree, nil
	}
	prev := tree.LastLamport()
	leaf := leafBlock{Kind: kindLeaf, Events: make([]leafEvent, 0, len(events))}
	for i, e := range events {
		if e.Lamport < prev || e.Lamport == 0 {
			return Tree{}, fmt.Errorf("%w: event %d has lamport %d after %d", ErrLamportRegression, i, e.Lamport, prev)
		}
		prev = e.Lamport
		leaf.Events = append(leaf.Events, leafEvent{
			Lamport: uint64(e.Lamport),
			Time:    e.Time,
			Tags:    []string(e.Tags),
			Payload: e.Payload,
		})
	}
	leafLink, err := t.write(leaf)
	if err != nil {
		return Tree{}, err
	}

	hdr := header{Kind: kindHeader, Version: headerVersion}
	if tree.hdr != nil {
		hdr.Chunks = slices.Clone(tree.hdr.Chunks)
		hdr.Count = tree.hdr.Count
	}
	hdr.Chunks = append(hdr.Chunks, chunkRef{
		Link:        leafLink[:],
		Count:       uint64(len(events)),
		LastLamport: uint64(prev),
	})
	hdr.Count += uint64(len(events))
	hdr.LastLamport = uint64(prev)
	return t.writeHeader(hdr)
}

// Pack merges runs of adjacent small leaves into leaves of up to
// MaxLeafEvents events. The logical content is unchanged. When nothing can
// be merged the input tree is returned as is.
func (t *Transaction) Pack(tree Tree) (Tree, error) {
	if tree.hdr == nil || len(tree.hdr.Chunks) < 2 {
		return tree, nil
	}
	var (
		out     []chunkRef
		run     []chunkRef
		runSize uint64
		changed bool
	)
	flush := func() error {
		switch len(run) {
		case 0:
			return nil
		case 1:
			out = append(out, run[0])
		default:
			merged, err := t.mergeChunks(run)
			if err != nil {
				return err
			}
			out = append(out, merged)
			changed = true
		}
		run, runSize = nil, 0
		return nil
	}
	for _, c := range tree.hdr.Chunks {
		if runSize+c.Count > MaxLeafEvents {
			if err := flush(); err != nil {
				return Tree{}, err
			}
		}
		run = append(run, c)
		runSize += c.Count
	}
	if err := flush(); err != nil {
		return Tree{}, err
	}
	if !changed {
		return tree, nil
	}

	hdr := *tree.hdr
	hdr.Chunks = out
	return t.writeHeader(hdr)
}

func (t *Transaction) mergeChunks(run []chunkRef) (chunkRef, error) {
	merged := leafBlock{Kind: kindLeaf}
	for _, c := range run {
		l, err := blockstore.LinkFromBytes(c.Link)
		if err != nil {
			return chunkRef{}, err
		}
		data, err := t.get(l)
		if err != nil {
			return chunkRef{}, err
		}
		leaf, err := decodeLeaf(data)
		if err != nil {
			return chunkRef{}, err
		}
		merged.Events = append(merged.Events, leaf.Events...)
	}
	link, err := t.write(merged)
	if err != nil {
		return chunkRef{}, err
	}
	return chunkRef{
		Link:        link[:],
		Count:       uint64(len(merged.Events)),
		LastLamport: run[len(run)-1].LastLamport,
	}, nil
}

func (t *Transaction) writeHeader(hdr header) (Tree, error) {
	link, err := t.write(hdr)
	if err != nil {
		return Tree{}, err
	}
	return Tree{link: link, hdr: &hdr}, nil
}
