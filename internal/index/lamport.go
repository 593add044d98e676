package index

import (
	"context"
	"fmt"

	"github.com/roach88/swarmlog/internal/event"
)

// Lamport returns the persisted clock value.
func (s *Store) Lamport(ctx context.Context) (event.LamportTimestamp, error) {
	var v int64
	if err := s.db.QueryRowContext(ctx, `SELECT lamport FROM meta WHERE id = 0`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read lamport: %w", err)
	}
	return event.LamportTimestamp(v), nil
}

// IncreaseLamport advances the clock by n and returns the new value.
// The update is durable when this returns.
func (s *Store) IncreaseLamport(ctx context.Context, n uint64) (event.LamportTimestamp, error) {
	if n == 0 {
		return s.Lamport(ctx)
	}
	var v int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE meta SET lamport = lamport + ? WHERE id = 0 RETURNING lamport`,
		int64(n),
	).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("increase lamport by %d: %w", n, err)
	}
	return event.LamportTimestamp(v), nil
}

// ReceivedLamport folds a remotely observed value into the clock:
// lamport = max(lamport, remote) + 1. Returns the new value.
func (s *Store) ReceivedLamport(ctx context.Context, remote event.LamportTimestamp) (event.LamportTimestamp, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE meta SET lamport = MAX(lamport, ?) + 1 WHERE id = 0 RETURNING lamport`,
		int64(remote),
	).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("received lamport %d: %w", remote, err)
	}
	return event.LamportTimestamp(v), nil
}
