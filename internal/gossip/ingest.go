package gossip

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/swarmlog/internal/streams"
)

// IngestLoop subscribes to the gossip topic and handles messages until ctx
// is done. Bad messages are logged and dropped.
func (g *Gossip) IngestLoop(ctx context.Context) error {
	msgs, err := g.bus.Subscribe(ctx, g.cfg.Topic)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-msgs:
			if !ok {
				return ctx.Err()
			}
			if err := g.Ingest(ctx, data); err != nil {
				if errors.Is(err, ErrMalformedMessage) {
					slog.Warn("dropping gossip message", "error", err)
				} else {
					slog.Error("ingesting gossip message failed", "error", err)
				}
			}
		}
	}
}

// Ingest handles one encoded message.
func (g *Gossip) Ingest(ctx context.Context, data []byte) error {
	m, err := Decode(data)
	if err != nil {
		return err
	}
	switch m := m.(type) {
	case *RootUpdate:
		return g.ingestRootUpdate(ctx, m)
	case *RootMap:
		return g.ingestRootMap(ctx, m)
	}
	return nil
}

func (g *Gossip) ingestRootUpdate(ctx context.Context, m *RootUpdate) error {
	if _, err := g.clock.Observe(ctx, m.Lamport); err != nil {
		return err
	}
	if g.streams.IsOwn(m.Stream) {
		return nil
	}
	r, err := g.streams.GetOrCreateReplicated(ctx, m.Stream)
	if err != nil {
		return err
	}
	if m.Offset != nil {
		g.streams.UpdateHighestSeen(m.Stream, *m.Offset)
		r.SetLatestSeen(m.Lamport, *m.Offset)
	}

	if len(m.Blocks) == 0 {
		slog.Debug("received root", "stream", m.Stream, "root", m.Root, "source", streams.SourceSlowPath)
		r.SetIncoming(m.Root, streams.SourceSlowPath)
		return nil
	}

	// the blocks are unreachable until the sync adopts the root
	store := g.streams.Forest().Store()
	pin := store.CreateTempPin()
	pin.Add(m.Root)
	release := store.Hold()
	err = store.PutMany(m.Blocks)
	release()
	if err != nil {
		pin.Release()
		return err
	}
	slog.Debug("received root", "stream", m.Stream, "root", m.Root, "source", streams.SourceFastPath)
	r.SetIncomingPinned(m.Root, streams.SourceFastPath, pin)
	return nil
}

func (g *Gossip) ingestRootMap(ctx context.Context, m *RootMap) error {
	if _, err := g.clock.Observe(ctx, m.Lamport); err != nil {
		return err
	}
	for i, e := range m.Entries {
		if g.streams.IsOwn(e.Stream) {
			continue
		}
		r, err := g.streams.GetOrCreateReplicated(ctx, e.Stream)
		if err != nil {
			return err
		}
		if ol, ok := m.OffsetOf(i); ok {
			g.streams.UpdateHighestSeen(e.Stream, ol.Offset)
			r.SetLatestSeen(ol.Lamport, ol.Offset)
		}
		r.SetIncoming(e.Root, streams.SourceRootMap)
	}
	return nil
}
