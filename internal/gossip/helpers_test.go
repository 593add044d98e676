package gossip

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/swarmlog/internal/blockstore"
	"github.com/roach88/swarmlog/internal/clock"
	"github.com/roach88/swarmlog/internal/event"
	"github.com/roach88/swarmlog/internal/forest"
	"github.com/roach88/swarmlog/internal/index"
	"github.com/roach88/swarmlog/internal/streams"
)

// testNodeEnv is the storage stack of one node.
type testNodeEnv struct {
	id     event.NodeID
	index  *index.Store
	blocks *blockstore.Store
	forest *forest.Forest
	clock  *clock.Clock
	mgr    *streams.Manager
}

func newTestNodeEnv(t *testing.T, id event.NodeID) *testNodeEnv {
	t.Helper()
	idx, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	bs, err := blockstore.OpenMem()
	require.NoError(t, err)
	clk, err := clock.New(context.Background(), idx)
	require.NoError(t, err)
	f := forest.New(bs)
	mgr := streams.NewManager(id, f, idx)
	t.Cleanup(func() {
		mgr.Close()
		bs.Close()
		idx.Close()
	})
	return &testNodeEnv{id: id, index: idx, blocks: bs, forest: f, clock: clk, mgr: mgr}
}

// storeFetcher serves blocks straight from another node's store.
type storeFetcher struct {
	store *blockstore.Store
}

func (f storeFetcher) FetchBlock(_ context.Context, l blockstore.Link) ([]byte, error) {
	return f.store.Get(l)
}

// buildTree appends events with the given lamports to tree and commits.
func buildTree(t *testing.T, f *forest.Forest, tree forest.Tree, lamports ...event.LamportTimestamp) (forest.Tree, []blockstore.Block) {
	t.Helper()
	evs := make([]forest.NewEvent, len(lamports))
	for i, l := range lamports {
		evs[i] = forest.NewEvent{Lamport: l, Tags: event.NewTagSet("t"), Payload: []byte("p")}
	}
	txn := f.Transaction()
	next, err := txn.ExtendUnpacked(tree, evs)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())
	return next, txn.Written()
}
