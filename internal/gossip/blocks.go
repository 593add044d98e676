package gossip

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/swarmlog/internal/blockstore"
	"github.com/roach88/swarmlog/internal/transport"
)

// BlockService serves local blocks to peers and fetches missing blocks from
// them.
type BlockService struct {
	store   *blockstore.Store
	bus     transport.Bus
	subject string
}

var _ blockstore.Fetcher = (*BlockService)(nil)

// NewBlockService creates a service on subject.
func NewBlockService(store *blockstore.Store, bus transport.Bus, subject string) *BlockService {
	return &BlockService{store: store, bus: bus, subject: subject}
}

// Serve answers block requests until ctx is done. Requests for blocks that
// are not local get no answer.
func (s *BlockService) Serve(ctx context.Context) error {
	stop, err := s.bus.Serve(s.subject, s.handle)
	if err != nil {
		return err
	}
	defer stop()
	<-ctx.Done()
	return ctx.Err()
}

func (s *BlockService) handle(req []byte) ([]byte, bool) {
	l, err := blockstore.LinkFromBytes(req)
	if err != nil {
		slog.Debug("bad block request", "error", err)
		return nil, false
	}
	data, err := s.store.Get(l)
	if err != nil {
		if !errors.Is(err, blockstore.ErrNotFound) {
			slog.Warn("serving block failed", "link", l, "error", err)
		}
		return nil, false
	}
	return data, true
}

// FetchBlock requests l from peers and verifies the answer.
func (s *BlockService) FetchBlock(ctx context.Context, l blockstore.Link) ([]byte, error) {
	data, err := s.bus.Request(ctx, s.subject, l[:])
	if err != nil {
		if errors.Is(err, transport.ErrNoResponders) {
			return nil, errors.Join(blockstore.ErrNotFound, err)
		}
		return nil, err
	}
	if err := (blockstore.Block{Link: l, Data: data}).Verify(); err != nil {
		return nil, err
	}
	return data, nil
}
