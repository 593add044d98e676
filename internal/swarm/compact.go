package swarm

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/swarmlog/internal/forest"
)

func (n *Node) compactLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.CompactionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := n.Compact(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("compaction failed", "error", err)
		}
	}
}

// Compact packs every own stream and then collects unreachable blocks.
func (n *Node) Compact(ctx context.Context) error {
	pack := func(_ context.Context, txn *forest.Transaction, cur forest.Tree) (forest.Tree, error) {
		return txn.Pack(cur)
	}
	packed := 0
	for _, nr := range n.streams.OwnStreamNrs() {
		_, changed, err := n.streams.TransformOwn(ctx, nr, pack)
		if err != nil {
			return err
		}
		if changed {
			packed++
		}
	}
	removed, err := n.blocks.GC(forest.Links)
	if err != nil {
		return err
	}
	slog.Debug("compaction done", "packed", packed, "removed", removed)
	return nil
}
