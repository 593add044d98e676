package gossip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/swarmlog/internal/blockstore"
	"github.com/roach88/swarmlog/internal/clock"
	"github.com/roach88/swarmlog/internal/event"
	"github.com/roach88/swarmlog/internal/forest"
	"github.com/roach88/swarmlog/internal/streams"
)

// ErrSyncAborted is returned when an announced root is malformed or would
// not advance the replica.
var ErrSyncAborted = errors.New("sync aborted")

type syncTask struct {
	root   blockstore.Link
	cancel context.CancelFunc
	done   chan struct{}
}

// Syncer adopts announced roots into replicas. At most one sync runs per
// stream; a newer candidate cancels the running one.
type Syncer struct {
	streams *streams.Manager
	clock   *clock.Clock
	fetcher blockstore.Fetcher

	mu    sync.Mutex
	tasks map[event.StreamID]*syncTask
	wg    sync.WaitGroup

	// commitMu orders the final swap of concurrent syncs.
	commitMu sync.Mutex
}

// NewSyncer creates a syncer fetching missing blocks with fetcher.
func NewSyncer(mgr *streams.Manager, clk *clock.Clock, fetcher blockstore.Fetcher) *Syncer {
	return &Syncer{
		streams: mgr,
		clock:   clk,
		fetcher: fetcher,
		tasks:   make(map[event.StreamID]*syncTask),
	}
}

// Watch syncs every new candidate of r until ctx is done.
func (s *Syncer) Watch(ctx context.Context, r *streams.ReplicatedStream) {
	obs := r.WatchIncoming()
	for {
		c, err := obs.Next(ctx)
		if err != nil {
			return
		}
		if c == nil || c.Root == r.Validated().Link() {
			continue
		}
		s.start(ctx, r, c.Root)
	}
}

// start runs a sync of root, superseding any sync of the same stream.
func (s *Syncer) start(ctx context.Context, r *streams.ReplicatedStream, root blockstore.Link) {
	id := r.ID()

	s.mu.Lock()
	if prev, ok := s.tasks[id]; ok {
		if prev.root == root {
			s.mu.Unlock()
			return
		}
		slog.Debug("superseding sync", "stream", id, "old", prev.root, "new", root)
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	task := &syncTask{root: root, cancel: cancel, done: make(chan struct{})}
	s.tasks[id] = task
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer close(task.done)
		defer cancel()

		err := s.syncOne(ctx, r, root)
		r.Downgrade(root, err != nil)
		switch {
		case err == nil:
		case errors.Is(err, ErrSyncAborted), errors.Is(err, context.Canceled):
			slog.Debug("sync ended", "stream", id, "root", root, "reason", err)
		default:
			slog.Warn("sync failed", "stream", id, "root", root, "error", err)
		}

		s.mu.Lock()
		if s.tasks[id] == task {
			delete(s.tasks, id)
		}
		s.mu.Unlock()
	}()
}

// Wait blocks until every running sync has finished.
func (s *Syncer) Wait() {
	s.wg.Wait()
}

// syncOne makes the tree at root local and adopts it, unless that would
// move the replica's Lamport timestamp backwards.
func (s *Syncer) syncOne(ctx context.Context, r *streams.ReplicatedStream, root blockstore.Link) error {
	id := r.ID()
	f := s.streams.Forest()
	store := f.Store()

	pin := store.CreateTempPin()
	defer pin.Release()
	pin.Add(root)

	if _, err := store.GetOrFetch(ctx, root, s.fetcher); err != nil {
		return fmt.Errorf("fetch root %s: %w", root, err)
	}
	tree, err := f.LoadTree(root)
	if err != nil {
		return fmt.Errorf("%w: malformed announcement %s: %w", ErrSyncAborted, root, err)
	}
	if err := checkAdvances(tree, r.Validated()); err != nil {
		return err
	}

	off, _ := tree.Offset()
	s.streams.UpdateHighestSeen(id, off)

	progress := func(missing int) {
		slog.Debug("sync progress", "stream", id, "root", root, "missing", missing)
	}
	if err := store.FetchClosure(ctx, root, pin, s.fetcher, forest.Links, progress); err != nil {
		return fmt.Errorf("fetch closure of %s: %w", root, err)
	}
	if err := f.Verify(tree); err != nil {
		return fmt.Errorf("%w: %w", ErrSyncAborted, err)
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	// another sync may have committed while we were fetching
	if err := checkAdvances(tree, r.Validated()); err != nil {
		return err
	}
	if err := store.SetAlias(id.Alias(), root); err != nil {
		return err
	}
	if _, err := s.clock.Observe(ctx, tree.LastLamport()); err != nil {
		return err
	}
	r.SetLatest(tree)
	s.streams.UpdatePresent(id, off)
	slog.Debug("adopted root", "stream", id, "root", root, "offset", off, "lamport", tree.LastLamport())
	return nil
}

func checkAdvances(tree, validated forest.Tree) error {
	if tree.IsEmpty() {
		return fmt.Errorf("%w: tree %s is empty", ErrSyncAborted, tree.Link())
	}
	if !validated.IsEmpty() && tree.LastLamport() <= validated.LastLamport() {
		return fmt.Errorf("%w: lamport %d does not advance %d", ErrSyncAborted, tree.LastLamport(), validated.LastLamport())
	}
	return nil
}
