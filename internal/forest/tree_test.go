package forest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/swarmlog/internal/blockstore"
	"github.com/roach88/swarmlog/internal/event"
)

var testStream = event.StreamID{Nr: 1}

func newTestForest(t *testing.T) *Forest {
	t.Helper()
	st, err := blockstore.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st)
}

func newEvents(firstLamport event.LamportTimestamp, n int) []NewEvent {
	out := make([]NewEvent, n)
	for i := range out {
		out[i] = NewEvent{
			Lamport: firstLamport + event.LamportTimestamp(i),
			Time:    uint64(1000 + i),
			Tags:    event.NewTagSet("t"),
			Payload: []byte(fmt.Sprintf("e%d", int(firstLamport)+i)),
		}
	}
	return out
}

// appendCommitted extends tree with one leaf per batch and commits.
func appendCommitted(t *testing.T, f *Forest, tree Tree, batches ...[]NewEvent) Tree {
	t.Helper()
	txn := f.Transaction()
	var err error
	for _, b := range batches {
		tree, err = txn.ExtendUnpacked(tree, b)
		require.NoError(t, err)
	}
	require.NoError(t, txn.Commit())
	return tree
}

func TestEmptyTree(t *testing.T) {
	var tree Tree
	assert.True(t, tree.IsEmpty())
	assert.Equal(t, uint64(0), tree.Count())
	assert.Equal(t, event.LamportTimestamp(0), tree.LastLamport())
	assert.True(t, tree.Link().IsZero())
	_, ok := tree.Offset()
	assert.False(t, ok)

	f := newTestForest(t)
	loaded, err := f.LoadTree(blockstore.Link{})
	require.NoError(t, err)
	assert.True(t, loaded.IsEmpty())
}

func TestExtendAndLoad(t *testing.T) {
	f := newTestForest(t)
	tree := appendCommitted(t, f, Tree{}, newEvents(1, 3), newEvents(4, 2))

	assert.Equal(t, uint64(5), tree.Count())
	assert.Equal(t, event.LamportTimestamp(5), tree.LastLamport())
	assert.Equal(t, 2, tree.Chunks())
	off, ok := tree.Offset()
	require.True(t, ok)
	assert.Equal(t, event.Offset(4), off)

	loaded, err := f.LoadTree(tree.Link())
	require.NoError(t, err)
	assert.Equal(t, tree.Link(), loaded.Link())
	assert.Equal(t, tree.Count(), loaded.Count())
	assert.Equal(t, tree.LastLamport(), loaded.LastLamport())
}

func TestExtendIsPersistent(t *testing.T) {
	f := newTestForest(t)
	old := appendCommitted(t, f, Tree{}, newEvents(1, 2))
	oldLink := old.Link()

	next := appendCommitted(t, f, old, newEvents(3, 2))
	assert.NotEqual(t, oldLink, next.Link())
	assert.Equal(t, oldLink, old.Link())
	assert.Equal(t, uint64(2), old.Count())
}

func TestExtendWithNothingKeepsRoot(t *testing.T) {
	f := newTestForest(t)
	tree := appendCommitted(t, f, Tree{}, newEvents(1, 2))

	txn := f.Transaction()
	same, err := txn.ExtendUnpacked(tree, nil)
	require.NoError(t, err)
	assert.Equal(t, tree.Link(), same.Link())
	assert.Empty(t, txn.Written())
}

func TestExtendRejectsLamportRegression(t *testing.T) {
	f := newTestForest(t)
	tree := appendCommitted(t, f, Tree{}, newEvents(10, 2))

	_, err := f.Transaction().ExtendUnpacked(tree, newEvents(5, 1))
	assert.ErrorIs(t, err, ErrLamportRegression)

	_, err = f.Transaction().ExtendUnpacked(Tree{}, []NewEvent{{Lamport: 3}, {Lamport: 2}})
	assert.ErrorIs(t, err, ErrLamportRegression)
}

func TestTransactionWritesNothingBeforeCommit(t *testing.T) {
	f := newTestForest(t)
	txn := f.Transaction()
	tree, err := txn.ExtendUnpacked(Tree{}, newEvents(1, 1))
	require.NoError(t, err)

	require.Len(t, txn.Written(), 2, "leaf and header")
	ok, err := f.Store().Has(tree.Link())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, txn.Commit())
	ok, err = f.Store().Has(tree.Link())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRangeForwardAndBackward(t *testing.T) {
	ctx := context.Background()
	f := newTestForest(t)
	tree := appendCommitted(t, f, Tree{}, newEvents(1, 3), newEvents(4, 3), newEvents(7, 3))

	tests := []struct {
		name     string
		from, to event.Offset
		backward bool
		want     []event.Offset
	}{
		{"all", 0, 100, false, []event.Offset{0, 1, 2, 3, 4, 5, 6, 7, 8}},
		{"middle across chunks", 2, 6, false, []event.Offset{2, 3, 4, 5, 6}},
		{"single", 4, 4, false, []event.Offset{4}},
		{"backward all", 0, 8, true, []event.Offset{8, 7, 6, 5, 4, 3, 2, 1, 0}},
		{"backward middle", 1, 4, true, []event.Offset{4, 3, 2, 1}},
		{"from beyond end", 9, 20, false, nil},
		{"inverted", 5, 4, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := f.Range(tree, testStream, tt.from, tt.to, tt.backward).Collect(ctx)
			require.NoError(t, err)
			var got []event.Offset
			for _, e := range events {
				got = append(got, e.Key.Offset)
				assert.Equal(t, event.LamportTimestamp(e.Key.Offset)+1, e.Key.Lamport)
				assert.Equal(t, testStream, e.Key.Stream)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRangeContent(t *testing.T) {
	f := newTestForest(t)
	tree := appendCommitted(t, f, Tree{}, newEvents(1, 2))

	events, err := f.Range(tree, testStream, 0, 1, false).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, []byte("e2"), events[1].Payload)
	assert.Equal(t, uint64(1001), events[1].Time)
	assert.Equal(t, event.TagSet{"t"}, events[1].Tags)
}

func TestRangeMissingLeaf(t *testing.T) {
	f := newTestForest(t)
	txn := f.Transaction()
	tree, err := txn.ExtendUnpacked(Tree{}, newEvents(1, 1))
	require.NoError(t, err)
	// store only the header
	for _, b := range txn.Written() {
		if b.Link == tree.Link() {
			require.NoError(t, f.Store().Put(b))
		}
	}

	_, err = f.Range(tree, testStream, 0, 0, false).Collect(context.Background())
	assert.ErrorIs(t, err, blockstore.ErrNotFound)
}

func TestPackMergesSmallLeaves(t *testing.T) {
	ctx := context.Background()
	f := newTestForest(t)
	tree := appendCommitted(t, f, Tree{}, newEvents(1, 2), newEvents(3, 2), newEvents(5, 2))
	require.Equal(t, 3, tree.Chunks())

	txn := f.Transaction()
	packed, err := txn.Pack(tree)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	assert.NotEqual(t, tree.Link(), packed.Link())
	assert.Equal(t, 1, packed.Chunks())
	assert.Equal(t, tree.Count(), packed.Count())
	assert.Equal(t, tree.LastLamport(), packed.LastLamport())

	before, err := f.Range(tree, testStream, 0, 5, false).Collect(ctx)
	require.NoError(t, err)
	after, err := f.Range(packed, testStream, 0, 5, false).Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// packing again is a no-op
	again, err := f.Transaction().Pack(packed)
	require.NoError(t, err)
	assert.Equal(t, packed.Link(), again.Link())
}

func TestPackRespectsLeafLimit(t *testing.T) {
	f := newTestForest(t)
	tree := appendCommitted(t, f, Tree{},
		newEvents(1, MaxLeafEvents-1),
		newEvents(MaxLeafEvents, 2),
		newEvents(MaxLeafEvents+2, 1),
	)

	txn := f.Transaction()
	packed, err := txn.Pack(tree)
	require.NoError(t, err)
	assert.Equal(t, 2, packed.Chunks())
	assert.Equal(t, tree.Count(), packed.Count())
}

func TestLinks(t *testing.T) {
	f := newTestForest(t)
	txn := f.Transaction()
	tree, err := txn.ExtendUnpacked(Tree{}, newEvents(1, 1))
	require.NoError(t, err)
	tree, err = txn.ExtendUnpacked(tree, newEvents(2, 1))
	require.NoError(t, err)

	written := txn.Written()
	var leaves []blockstore.Link
	for _, b := range written {
		links, err := Links(b.Data)
		require.NoError(t, err)
		if b.Link == tree.Link() {
			assert.Len(t, links, 2)
			leaves = links
		}
	}
	for _, l := range leaves {
		data, err := txn.get(l)
		require.NoError(t, err)
		children, err := Links(data)
		require.NoError(t, err)
		assert.Empty(t, children)
	}

	_, err = Links([]byte{0xa1, 0x61, 0x6b, 0x09}) // {"k": 9}
	assert.ErrorIs(t, err, ErrUnknownBlock)
}

func TestLoadTreeRejectsLeaf(t *testing.T) {
	f := newTestForest(t)
	txn := f.Transaction()
	tree, err := txn.ExtendUnpacked(Tree{}, newEvents(1, 1))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	for _, b := range txn.Written() {
		if b.Link != tree.Link() {
			_, err := f.LoadTree(b.Link)
			assert.ErrorIs(t, err, ErrUnknownBlock)
		}
	}
}

// storeHeader writes hdr as a raw block, bypassing the transaction checks.
func storeHeader(t *testing.T, f *Forest, hdr header) blockstore.Link {
	t.Helper()
	b, err := encode(hdr)
	require.NoError(t, err)
	require.NoError(t, f.Store().Put(b))
	return b.Link
}

// leafRef commits a single-leaf tree and returns the ref of its leaf.
func leafRef(t *testing.T, f *Forest, firstLamport event.LamportTimestamp, n int) chunkRef {
	t.Helper()
	tree := appendCommitted(t, f, Tree{}, newEvents(firstLamport, n))
	return tree.hdr.Chunks[0]
}

func TestLoadTreeRejectsInconsistentHeader(t *testing.T) {
	f := newTestForest(t)
	a := leafRef(t, f, 5, 2) // lamports 5, 6
	b := leafRef(t, f, 2, 2) // lamports 2, 3

	tests := []struct {
		name string
		hdr  header
	}{
		{"count without chunks", header{Count: 3, LastLamport: 99}},
		{"count mismatch", header{Count: 3, LastLamport: 6, Chunks: []chunkRef{a}}},
		{"lamport mismatch", header{Count: 2, LastLamport: 7, Chunks: []chunkRef{a}}},
		{"chunk lamports decrease", header{Count: 4, LastLamport: 3, Chunks: []chunkRef{a, b}}},
		{"empty chunk", header{Count: 2, LastLamport: 6, Chunks: []chunkRef{a, {Link: a.Link, LastLamport: 6}}}},
		{"bad link", header{Count: 2, LastLamport: 6, Chunks: []chunkRef{{Link: []byte{1, 2}, Count: 2, LastLamport: 6}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.hdr.Kind, tt.hdr.Version = kindHeader, headerVersion
			_, err := f.LoadTree(storeHeader(t, f, tt.hdr))
			assert.ErrorIs(t, err, ErrMalformedTree)
		})
	}
}

func TestVerify(t *testing.T) {
	f := newTestForest(t)
	good := appendCommitted(t, f, Tree{}, newEvents(1, 3), newEvents(4, 2))
	require.NoError(t, f.Verify(good))
	require.NoError(t, f.Verify(Tree{}))

	a := leafRef(t, f, 5, 2) // lamports 5, 6
	b := leafRef(t, f, 2, 2) // lamports 2, 3

	tests := []struct {
		name string
		hdr  header
	}{
		{"leaf shorter than ref", header{Count: 3, LastLamport: 6, Chunks: []chunkRef{{Link: a.Link, Count: 3, LastLamport: 6}}}},
		{"leaf ends below ref", header{Count: 2, LastLamport: 7, Chunks: []chunkRef{{Link: a.Link, Count: 2, LastLamport: 7}}}},
		{"leaf starts below previous chunk", header{Count: 4, LastLamport: 6, Chunks: []chunkRef{a, {Link: b.Link, Count: 2, LastLamport: 6}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.hdr.Kind, tt.hdr.Version = kindHeader, headerVersion
			tree, err := f.LoadTree(storeHeader(t, f, tt.hdr))
			require.NoError(t, err)
			assert.ErrorIs(t, f.Verify(tree), ErrMalformedTree)
		})
	}
}

func TestRangeRejectsShortLeaf(t *testing.T) {
	f := newTestForest(t)
	a := leafRef(t, f, 1, 2)
	tree, err := f.LoadTree(storeHeader(t, f, header{
		Kind: kindHeader, Version: headerVersion,
		Count: 3, LastLamport: 2,
		Chunks: []chunkRef{{Link: a.Link, Count: 3, LastLamport: 2}},
	}))
	require.NoError(t, err)

	_, err = f.Range(tree, testStream, 0, 2, true).Collect(context.Background())
	assert.ErrorIs(t, err, ErrMalformedTree)
}

func TestRangeHeaderWithoutChunks(t *testing.T) {
	f := newTestForest(t)
	tree := Tree{hdr: &header{Kind: kindHeader, Version: headerVersion, Count: 3, LastLamport: 99}}

	for _, backward := range []bool{false, true} {
		events, err := f.Range(tree, testStream, 0, 2, backward).Collect(context.Background())
		require.NoError(t, err)
		assert.Empty(t, events)
	}
}
