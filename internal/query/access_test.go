package query

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/swarmlog/internal/blockstore"
	"github.com/roach88/swarmlog/internal/clock"
	"github.com/roach88/swarmlog/internal/event"
	"github.com/roach88/swarmlog/internal/forest"
	"github.com/roach88/swarmlog/internal/index"
	"github.com/roach88/swarmlog/internal/streams"
)

var (
	localNode = event.NodeID{1}
	peerNode  = event.NodeID{2}

	streamA = localNode.Stream(0)
	streamB = localNode.Stream(1)
)

// testEnv is a manager with the clock its own streams are stamped with.
type testEnv struct {
	mgr *streams.Manager
	clk *clock.Clock
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	idx, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	bs, err := blockstore.OpenMem()
	require.NoError(t, err)
	clk, err := clock.New(context.Background(), idx)
	require.NoError(t, err)
	mgr := streams.NewManager(localNode, forest.New(bs), idx)
	t.Cleanup(func() {
		mgr.Close()
		bs.Close()
		idx.Close()
	})
	return &testEnv{mgr: mgr, clk: clk}
}

func (e *testEnv) access() *Access {
	return NewAccess(e.mgr, e.clk)
}

// appendTo writes events with the given lamports and moves the clock to
// the last of them under the stream lock, as an append does.
func (e *testEnv) appendTo(t *testing.T, nr event.StreamNr, tag string, lamports ...event.LamportTimestamp) {
	t.Helper()
	_, _, err := e.mgr.TransformOwn(context.Background(), nr, func(ctx context.Context, txn *forest.Transaction, cur forest.Tree) (forest.Tree, error) {
		if _, err := e.clk.Observe(ctx, lamports[len(lamports)-1]-1); err != nil {
			return forest.Tree{}, err
		}
		evs := make([]forest.NewEvent, len(lamports))
		for i, l := range lamports {
			evs[i] = forest.NewEvent{Lamport: l, Tags: event.NewTagSet(tag), Payload: []byte(tag)}
		}
		return txn.ExtendUnpacked(cur, evs)
	})
	require.NoError(t, err)
}

// interleaved writes A at odd and B at even lamports 1..6.
func interleaved(t *testing.T) *testEnv {
	env := newEnv(t)
	env.appendTo(t, 0, "a", 1, 3, 5)
	env.appendTo(t, 1, "b", 2, 4, 6)
	return env
}

func lamports(events []event.Event) []event.LamportTimestamp {
	out := make([]event.LamportTimestamp, len(events))
	for i, e := range events {
		out[i] = e.Key.Lamport
	}
	return out
}

func collect(t *testing.T, evs *Events, err error) []event.Event {
	t.Helper()
	require.NoError(t, err)
	defer evs.Close()
	out, err := evs.Collect(context.Background())
	require.NoError(t, err)
	return out
}

func TestBoundedForwardInterleaves(t *testing.T) {
	a := interleaved(t).access()
	sel := EventSelection{Tags: All(), To: event.OffsetMap{streamA: 2, streamB: 2}}

	evs, err := a.BoundedForward(context.Background(), sel)
	got := collect(t, evs, err)
	assert.Equal(t, []event.LamportTimestamp{1, 2, 3, 4, 5, 6}, lamports(got))
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].Key.Less(got[i].Key))
	}
}

func TestBoundedSelections(t *testing.T) {
	tests := []struct {
		name     string
		sel      EventSelection
		backward bool
		want     []event.LamportTimestamp
	}{
		{
			name: "only named streams",
			sel:  EventSelection{Tags: All(), To: event.OffsetMap{streamB: 2}},
			want: []event.LamportTimestamp{2, 4, 6},
		},
		{
			name: "exclusive lower bound",
			sel:  EventSelection{Tags: All(), From: event.OffsetMap{streamA: 0}, To: event.OffsetMap{streamA: 2, streamB: 1}},
			want: []event.LamportTimestamp{2, 3, 4, 5},
		},
		{
			name: "tag filter",
			sel:  EventSelection{Tags: TagSubscriptions{event.NewTagSet("a")}, To: event.OffsetMap{streamA: 2, streamB: 2}},
			want: []event.LamportTimestamp{1, 3, 5},
		},
		{
			name: "no subscriptions",
			sel:  EventSelection{Tags: TagSubscriptions{}, To: event.OffsetMap{streamA: 2}},
			want: []event.LamportTimestamp{},
		},
		{
			name: "no upper bounds",
			sel:  EventSelection{Tags: All()},
			want: []event.LamportTimestamp{},
		},
		{
			name:     "backward",
			sel:      EventSelection{Tags: All(), To: event.OffsetMap{streamA: 2, streamB: 2}},
			backward: true,
			want:     []event.LamportTimestamp{6, 5, 4, 3, 2, 1},
		},
		{
			name:     "backward with lower bound",
			sel:      EventSelection{Tags: All(), From: event.OffsetMap{streamB: 1}, To: event.OffsetMap{streamA: 1, streamB: 2}},
			backward: true,
			want:     []event.LamportTimestamp{6, 3, 1},
		},
	}
	a := interleaved(t).access()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var evs *Events
			var err error
			if tt.backward {
				evs, err = a.BoundedBackward(context.Background(), tt.sel)
			} else {
				evs, err = a.BoundedForward(context.Background(), tt.sel)
			}
			assert.Equal(t, tt.want, lamports(collect(t, evs, err)))
		})
	}
}

func TestBoundedErrors(t *testing.T) {
	ctx := context.Background()
	a := interleaved(t).access()
	streamC := peerNode.Stream(0)

	_, err := a.BoundedForward(ctx, EventSelection{Tags: All(), To: event.OffsetMap{streamA: 2, streamC: 0}})
	assert.True(t, IsUnknownStream(err))
	var ae *AccessError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, streamC, ae.Stream)

	_, err = a.BoundedForward(ctx, EventSelection{Tags: All(), To: event.OffsetMap{streamA: 3}})
	assert.True(t, IsInvalidUpperBounds(err))

	_, err = a.BoundedBackward(ctx, EventSelection{Tags: All()})
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, ErrCodeUnboundedStreamBack, ae.Code)
}

func TestBoundedRejectsEmptyReplica(t *testing.T) {
	ctx := context.Background()
	env := interleaved(t)
	peer := peerNode.Stream(4)
	_, err := env.mgr.GetOrCreateReplicated(ctx, peer)
	require.NoError(t, err)

	// the replica is known but nothing of it is validated yet
	_, err = env.access().BoundedForward(ctx, EventSelection{Tags: All(), To: event.OffsetMap{peer: 0}})
	assert.True(t, IsInvalidUpperBounds(err))
}

func nextWithin(t *testing.T, evs *Events, d time.Duration) event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	e, err := evs.Next(ctx)
	require.NoError(t, err)
	return e
}

func assertStalled(t *testing.T, evs *Events) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := evs.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLiveForwardFollowsAppends(t *testing.T) {
	env := interleaved(t)
	evs, err := env.access().LiveForward(context.Background(), EventSelection{
		Tags: All(),
		To:   event.OffsetMap{streamA: 100, streamB: 100},
	})
	require.NoError(t, err)
	defer evs.Close()

	for want := event.LamportTimestamp(1); want <= 6; want++ {
		assert.Equal(t, want, nextWithin(t, evs, time.Second).Key.Lamport)
	}
	assertStalled(t, evs)

	env.appendTo(t, 0, "a", 7)
	assert.Equal(t, event.LamportTimestamp(7), nextWithin(t, evs, time.Second).Key.Lamport)
	env.appendTo(t, 1, "b", 8)
	assert.Equal(t, event.LamportTimestamp(8), nextWithin(t, evs, time.Second).Key.Lamport)
	assertStalled(t, evs)
}

func TestLiveForwardIdleOwnStreamTicks(t *testing.T) {
	env := interleaved(t)
	evs, err := env.access().LiveForward(context.Background(), EventSelection{Tags: All()})
	require.NoError(t, err)
	defer evs.Close()

	for want := event.LamportTimestamp(1); want <= 6; want++ {
		assert.Equal(t, want, nextWithin(t, evs, time.Second).Key.Lamport)
	}

	// B stays idle; the clock vouches that it has nothing older to add
	env.appendTo(t, 0, "a", 9, 10, 11)
	for _, want := range []event.LamportTimestamp{9, 10, 11} {
		e := nextWithin(t, evs, time.Second)
		assert.Equal(t, want, e.Key.Lamport)
		assert.Equal(t, streamA, e.Key.Stream)
	}
	assertStalled(t, evs)
}

func TestLiveForwardStallsWithoutClock(t *testing.T) {
	env := newEnv(t)
	// written without touching the clock, so no heartbeat can pass B's event
	_, _, err := env.mgr.TransformOwn(context.Background(), 0, func(_ context.Context, txn *forest.Transaction, cur forest.Tree) (forest.Tree, error) {
		return txn.ExtendUnpacked(cur, []forest.NewEvent{{Lamport: 1, Tags: event.NewTagSet("a")}})
	})
	require.NoError(t, err)
	_, _, err = env.mgr.TransformOwn(context.Background(), 1, func(_ context.Context, txn *forest.Transaction, cur forest.Tree) (forest.Tree, error) {
		return txn.ExtendUnpacked(cur, []forest.NewEvent{{Lamport: 2, Tags: event.NewTagSet("b")}})
	})
	require.NoError(t, err)

	evs, err := env.access().LiveForward(context.Background(), EventSelection{
		Tags: All(),
		To:   event.OffsetMap{streamA: 100, streamB: 100},
	})
	require.NoError(t, err)
	defer evs.Close()

	assert.Equal(t, event.LamportTimestamp(1), nextWithin(t, evs, time.Second).Key.Lamport)
	assertStalled(t, evs)

	// A vouches for (2, B) once the clock has caught up with B's event
	for range 2 {
		_, err = env.clk.Tick(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, event.LamportTimestamp(2), nextWithin(t, evs, time.Second).Key.Lamport)
}

func TestLiveForwardAdmitsDiscoveredStreams(t *testing.T) {
	env := newEnv(t)
	env.appendTo(t, 0, "a", 1, 2)

	// A is finished after its first event, so only discovery keeps the
	// query going
	evs, err := env.access().LiveForward(context.Background(), EventSelection{
		Tags: All(),
		To:   event.OffsetMap{streamA: 0},
	})
	require.NoError(t, err)
	defer evs.Close()

	e := nextWithin(t, evs, time.Second)
	assert.Equal(t, streamA, e.Key.Stream)
	assert.Equal(t, event.LamportTimestamp(1), e.Key.Lamport)

	env.appendTo(t, 1, "b", 10)
	e = nextWithin(t, evs, time.Second)
	assert.Equal(t, streamB, e.Key.Stream)
	assert.Equal(t, event.LamportTimestamp(10), e.Key.Lamport)
}

func TestLiveForwardUnknownStream(t *testing.T) {
	env := newEnv(t)
	_, err := env.access().LiveForward(context.Background(), EventSelection{
		Tags: All(),
		From: event.OffsetMap{peerNode.Stream(0): 3},
	})
	assert.True(t, IsUnknownStream(err))
}

func TestLiveForwardHonoursUpperBound(t *testing.T) {
	env := interleaved(t)
	evs, err := env.access().LiveForward(context.Background(), EventSelection{
		Tags: All(),
		To:   event.OffsetMap{streamA: 1, streamB: 0},
	})
	require.NoError(t, err)
	defer evs.Close()

	for _, want := range []event.LamportTimestamp{1, 2, 3} {
		assert.Equal(t, want, nextWithin(t, evs, time.Second).Key.Lamport)
	}
	assertStalled(t, evs)
}

func TestCloseEndsLiveQuery(t *testing.T) {
	evs, err := interleaved(t).access().LiveForward(context.Background(), EventSelection{Tags: All()})
	require.NoError(t, err)
	evs.Close()
	evs.Close()
}
