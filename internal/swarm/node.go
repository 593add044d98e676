// Package swarm assembles a node: durable index and block store, Lamport
// clock, stream manager, gossip and queries.
//
// A Node is opened against a transport.Bus it does not own. Open restores
// every stream known from a previous run; Start runs the background tasks
// (publication, root maps, ingestion, block serving and compaction) until
// the context ends or Close is called.
package swarm

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/swarmlog/internal/blockstore"
	"github.com/roach88/swarmlog/internal/clock"
	"github.com/roach88/swarmlog/internal/event"
	"github.com/roach88/swarmlog/internal/forest"
	"github.com/roach88/swarmlog/internal/gossip"
	"github.com/roach88/swarmlog/internal/index"
	"github.com/roach88/swarmlog/internal/query"
	"github.com/roach88/swarmlog/internal/streams"
	"github.com/roach88/swarmlog/internal/transport"
)

// DefaultCompactionInterval is how often own streams are packed.
const DefaultCompactionInterval = 60 * time.Second

var (
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("node already started")
	// ErrClosed is returned by operations on a closed node.
	ErrClosed = errors.New("node closed")
)

// Config describes a node.
type Config struct {
	// DataDir holds index.db and the blocks directory. Empty keeps
	// everything in memory.
	DataDir string

	// NodeKey is the identity key. When nil the key stored in the index is
	// used, and generated on first start.
	NodeKey ed25519.PrivateKey

	// Name labels the node in logs. Defaults to a fresh UUIDv7.
	Name string

	Gossip gossip.Config

	// CompactionInterval is the pause between compaction runs. Zero
	// disables compaction.
	CompactionInterval time.Duration

	// Now returns wall-clock microseconds for appended events. Defaults to
	// the system clock.
	Now func() uint64
}

// DefaultConfig returns a config for an in-memory node on topic.
func DefaultConfig(topic string) Config {
	return Config{
		Gossip:             gossip.DefaultConfig(topic),
		CompactionInterval: DefaultCompactionInterval,
	}
}

// Node is a running swarm member.
//
// Thread-safety: all methods are safe for concurrent use.
type Node struct {
	cfg  Config
	id   event.NodeID
	name string

	index   *index.Store
	blocks  *blockstore.Store
	clock   *clock.Clock
	streams *streams.Manager
	gossip  *gossip.Gossip
	syncer  *gossip.Syncer
	service *gossip.BlockService
	access  *query.Access

	// ctx lives until Close and bounds every background task.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// Open opens the stores under cfg.DataDir and restores every known stream.
func Open(ctx context.Context, cfg Config, bus transport.Bus) (*Node, error) {
	if cfg.Now == nil {
		cfg.Now = gossip.Now
	}
	if cfg.Name == "" {
		cfg.Name = uuid.Must(uuid.NewV7()).String()
	}

	idx, blocks, err := openStores(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	n, err := assemble(ctx, cfg, bus, idx, blocks)
	if err != nil {
		blocks.Close()
		idx.Close()
		return nil, err
	}
	return n, nil
}

func openStores(dir string) (*index.Store, *blockstore.Store, error) {
	if dir == "" {
		idx, err := index.Open(":memory:")
		if err != nil {
			return nil, nil, err
		}
		blocks, err := blockstore.OpenMem()
		if err != nil {
			idx.Close()
			return nil, nil, err
		}
		return idx, blocks, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dir, "index.db")
	slog.Info("opening index", "path", dbPath)
	idx, err := index.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}
	blockPath := filepath.Join(dir, "blocks")
	slog.Info("opening block store", "path", blockPath)
	blocks, err := blockstore.Open(blockPath)
	if err != nil {
		idx.Close()
		return nil, nil, err
	}
	return idx, blocks, nil
}

func assemble(ctx context.Context, cfg Config, bus transport.Bus, idx *index.Store, blocks *blockstore.Store) (*Node, error) {
	key := cfg.NodeKey
	if key == nil {
		var err error
		if key, err = idx.NodeKey(ctx); err != nil {
			return nil, err
		}
	}
	id, err := event.NodeIDFromPublicKey(key.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("node key: %w", err)
	}

	clk, err := clock.New(ctx, idx)
	if err != nil {
		return nil, err
	}
	mgr := streams.NewManager(id, forest.New(blocks), idx)
	g := gossip.New(cfg.Gossip, bus, clk, mgr)
	service := gossip.NewBlockService(blocks, bus, cfg.Gossip.BlocksSubject())

	nctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:     cfg,
		id:      id,
		name:    cfg.Name,
		index:   idx,
		blocks:  blocks,
		clock:   clk,
		streams: mgr,
		gossip:  g,
		syncer:  gossip.NewSyncer(mgr, clk, service),
		service: service,
		access:  query.NewAccess(mgr, clk),
		ctx:     nctx,
		cancel:  cancel,
	}
	mgr.SetPublisher(g)
	mgr.OnReplicated(n.watchReplica)

	if err := mgr.LoadKnownStreams(ctx); err != nil {
		n.stopTasks()
		return nil, err
	}
	slog.Info("node opened", "name", n.name, "node", id, "lamport", clk.Current())
	return n, nil
}

// watchReplica starts careful ingestion of a new replica.
func (n *Node) watchReplica(r *streams.ReplicatedStream) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.syncer.Watch(n.ctx, r)
	}()
}

// Start runs the background tasks until ctx is done or the node is closed.
// It returns immediately.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if n.started {
		return ErrAlreadyStarted
	}
	n.started = true

	ctx, cancel := context.WithCancel(ctx)
	context.AfterFunc(n.ctx, cancel)

	n.spawn(ctx, "publish", n.gossip.PublishLoop)
	n.spawn(ctx, "root map", n.gossip.RootMapLoop)
	n.spawn(ctx, "ingest", n.gossip.IngestLoop)
	n.spawn(ctx, "block service", n.service.Serve)
	if n.cfg.CompactionInterval > 0 {
		n.spawn(ctx, "compaction", n.compactLoop)
	}
	slog.Info("node started", "name", n.name, "topic", n.cfg.Gossip.Topic)
	return nil
}

// spawn runs task on the node's wait group. Must be called with n.mu held.
func (n *Node) spawn(ctx context.Context, name string, task func(context.Context) error) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		err := task(ctx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			slog.Error("node task failed", "task", name, "error", err)
		}
	}()
}

// ID returns the node id.
func (n *Node) ID() event.NodeID { return n.id }

// Name returns the node's log name.
func (n *Node) Name() string { return n.name }

// Streams lists every known stream.
func (n *Node) Streams() []event.StreamID { return n.streams.Streams() }

// Offsets returns the present and replication target offsets.
func (n *Node) Offsets() event.SwarmOffsets { return n.streams.Offsets() }

// Lamport returns the current clock value.
func (n *Node) Lamport() event.LamportTimestamp { return n.clock.Current() }

// StreamBounded reads the selection in ascending key order.
func (n *Node) StreamBounded(ctx context.Context, sel query.EventSelection) (*query.Events, error) {
	return n.access.BoundedForward(ctx, sel)
}

// StreamBoundedBackward reads the selection in descending key order.
func (n *Node) StreamBoundedBackward(ctx context.Context, sel query.EventSelection) (*query.Events, error) {
	return n.access.BoundedBackward(ctx, sel)
}

// StreamLive follows the selection until ctx ends or the result is closed.
func (n *Node) StreamLive(ctx context.Context, sel query.EventSelection) (*query.Events, error) {
	return n.access.LiveForward(ctx, sel)
}

// Close stops every task and closes the stores. The bus is left open.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	slog.Info("node stopping", "name", n.name)
	return n.shutdown()
}

func (n *Node) shutdown() error {
	n.stopTasks()
	return errors.Join(n.blocks.Close(), n.index.Close())
}

func (n *Node) stopTasks() {
	n.cancel()
	n.wg.Wait()
	n.syncer.Wait()
	n.streams.Close()
}
