package index

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/swarmlog/internal/event"
)

// AddStream records a stream id. Adding a known stream is a no-op.
func (s *Store) AddStream(ctx context.Context, id event.StreamID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO streams (stream, node, nr) VALUES (?, ?, ?)
		ON CONFLICT(stream) DO NOTHING
	`, id.String(), id.Node.String(), int64(id.Nr))
	if err != nil {
		return fmt.Errorf("add stream %s: %w", id, err)
	}
	return nil
}

// ObservedStreams returns every recorded stream id in StreamID order.
func (s *Store) ObservedStreams(ctx context.Context) ([]event.StreamID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stream FROM streams ORDER BY node ASC, nr ASC`)
	if err != nil {
		return nil, fmt.Errorf("query streams: %w", err)
	}
	defer rows.Close()

	var out []event.StreamID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		id, err := event.ParseStreamID(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate streams: %w", err)
	}
	return out, nil
}

// NodeKey returns the node's private key, generating and persisting a new
// one on first use.
func (s *Store) NodeKey(ctx context.Context) (ed25519.PrivateKey, error) {
	var seed []byte
	err := s.db.QueryRowContext(ctx, `SELECT seed FROM identity WHERE id = 0`).Scan(&seed)
	if err == nil {
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("stored node key has %d bytes", len(seed))
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read node key: %w", err)
	}

	seed = make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate node key: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO identity (id, seed) VALUES (0, ?)
		ON CONFLICT(id) DO NOTHING
	`, seed); err != nil {
		return nil, fmt.Errorf("store node key: %w", err)
	}
	// Re-read in case another opener won the insert.
	if err := s.db.QueryRowContext(ctx, `SELECT seed FROM identity WHERE id = 0`).Scan(&seed); err != nil {
		return nil, fmt.Errorf("read node key: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
