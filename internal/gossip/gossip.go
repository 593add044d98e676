// Package gossip announces stream roots to the swarm and turns announced
// roots into validated local replicas.
//
// Own roots are published as RootUpdate messages, either with the new
// blocks attached (fast path) or without (slow path), and periodically as
// a RootMap of every known stream. Received roots become candidates on the
// replica and are adopted by the Syncer only after the whole tree is local
// and its Lamport timestamp has advanced.
package gossip

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/swarmlog/internal/blockstore"
	"github.com/roach88/swarmlog/internal/clock"
	"github.com/roach88/swarmlog/internal/event"
	"github.com/roach88/swarmlog/internal/forest"
	"github.com/roach88/swarmlog/internal/streams"
	"github.com/roach88/swarmlog/internal/transport"
)

const (
	DefaultMaxBroadcastBytes = 1_000_000
	DefaultRootMapInterval   = 10 * time.Second
)

// Config controls what is published.
type Config struct {
	Topic             string
	EnableFastPath    bool
	EnableSlowPath    bool
	EnableRootMap     bool
	RootMapInterval   time.Duration
	MaxBroadcastBytes int
}

// DefaultConfig enables every publication path on topic.
func DefaultConfig(topic string) Config {
	return Config{
		Topic:             topic,
		EnableFastPath:    true,
		EnableSlowPath:    true,
		EnableRootMap:     true,
		RootMapInterval:   DefaultRootMapInterval,
		MaxBroadcastBytes: DefaultMaxBroadcastBytes,
	}
}

// BlocksSubject is the request subject blocks are served on.
func (c Config) BlocksSubject() string {
	return c.Topic + ".blocks"
}

type publication struct {
	tree   forest.Tree
	blocks []blockstore.Block
}

// Gossip publishes own roots and ingests the roots of peers.
type Gossip struct {
	cfg     Config
	bus     transport.Bus
	clock   *clock.Clock
	streams *streams.Manager

	mu      sync.Mutex
	pending map[event.StreamID]publication
	order   []event.StreamID
	signal  chan struct{} // buffered, size 1
}

var _ streams.Publisher = (*Gossip)(nil)

// New creates a gossip instance. It does not register itself with mgr;
// the caller installs it with Manager.SetPublisher.
func New(cfg Config, bus transport.Bus, clk *clock.Clock, mgr *streams.Manager) *Gossip {
	return &Gossip{
		cfg:     cfg,
		bus:     bus,
		clock:   clk,
		streams: mgr,
		pending: make(map[event.StreamID]publication),
		signal:  make(chan struct{}, 1),
	}
}

// Publish queues a new root of an own stream. If an earlier root of the same
// stream is still queued it is replaced, keeping its blocks.
func (g *Gossip) Publish(stream event.StreamID, tree forest.Tree, blocks []blockstore.Block) {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev, ok := g.pending[stream]
	if !ok {
		g.order = append(g.order, stream)
	} else {
		blocks = mergeBlocks(prev.blocks, blocks)
	}
	g.pending[stream] = publication{tree: tree, blocks: blocks}

	select {
	case g.signal <- struct{}{}:
	default:
	}
}

func mergeBlocks(a, b []blockstore.Block) []blockstore.Block {
	seen := make(map[blockstore.Link]struct{}, len(a)+len(b))
	out := make([]blockstore.Block, 0, len(a)+len(b))
	for _, blk := range slices.Concat(a, b) {
		if _, ok := seen[blk.Link]; ok {
			continue
		}
		seen[blk.Link] = struct{}{}
		out = append(out, blk)
	}
	return out
}

func (g *Gossip) drain() ([]event.StreamID, map[event.StreamID]publication) {
	g.mu.Lock()
	defer g.mu.Unlock()
	order, pending := g.order, g.pending
	g.order = nil
	g.pending = make(map[event.StreamID]publication)
	return order, pending
}

// PublishLoop sends queued roots until ctx is done.
func (g *Gossip) PublishLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.signal:
		}
		order, pending := g.drain()
		for _, id := range order {
			if err := g.publishRoot(ctx, id, pending[id]); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Warn("publishing root failed", "stream", id, "error", err)
			}
		}
	}
}

func blocksSize(blocks []blockstore.Block) int {
	n := 0
	for _, b := range blocks {
		n += len(b.Data)
	}
	return n
}

func (g *Gossip) publishRoot(ctx context.Context, id event.StreamID, p publication) error {
	off, ok := p.tree.Offset()
	if !ok {
		return nil
	}
	m := &RootUpdate{
		Stream:  id,
		Root:    p.tree.Link(),
		Lamport: p.tree.LastLamport(),
		Time:    Now(),
		Offset:  &off,
	}
	switch {
	case g.cfg.EnableFastPath && blocksSize(p.blocks) <= g.cfg.MaxBroadcastBytes:
		m.Blocks = p.blocks
		slog.Debug("publishing root", "path", "fast", "stream", id, "root", m.Root, "blocks", len(m.Blocks))
	case g.cfg.EnableSlowPath:
		slog.Debug("publishing root", "path", "slow", "stream", id, "root", m.Root)
	default:
		return nil
	}
	return g.send(ctx, m)
}

func (g *Gossip) send(ctx context.Context, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	return g.bus.Publish(ctx, g.cfg.Topic, data)
}

// RootMapLoop publishes a RootMap every RootMapInterval until ctx is done.
// It returns immediately when root maps are disabled.
func (g *Gossip) RootMapLoop(ctx context.Context) error {
	if !g.cfg.EnableRootMap {
		return nil
	}
	ticker := time.NewTicker(g.cfg.RootMapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := g.PublishRootMap(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("publishing root map failed", "error", err)
		}
	}
}

// PublishRootMap sends the roots of every non-empty stream, own and
// replicated. Nothing is sent while no stream has events.
func (g *Gossip) PublishRootMap(ctx context.Context) error {
	roots := g.streams.RootMap()
	if len(roots) == 0 {
		return nil
	}
	m := &RootMap{
		Entries: make([]RootMapEntry, len(roots)),
		Offsets: make([]OffsetLamport, len(roots)),
		Lamport: g.clock.Current(),
		Time:    Now(),
	}
	for i, r := range roots {
		m.Entries[i] = RootMapEntry{Stream: r.Stream, Root: r.Root}
		m.Offsets[i] = OffsetLamport{Offset: r.Offset, Lamport: r.Lamport}
	}
	slog.Debug("publishing root map", "entries", len(m.Entries), "lamport", m.Lamport)
	return g.send(ctx, m)
}
