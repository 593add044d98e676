package testutil

import (
	"crypto/ed25519"

	"github.com/roach88/swarmlog/internal/event"
)

// FixedKey derives a node key from a one-byte seed, so the same test always
// runs as the same node.
func FixedKey(seed byte) ed25519.PrivateKey {
	s := make([]byte, ed25519.SeedSize)
	for i := range s {
		s[i] = seed
	}
	return ed25519.NewKeyFromSeed(s)
}

// FixedNodeID returns the node id belonging to FixedKey(seed).
func FixedNodeID(seed byte) event.NodeID {
	id, err := event.NodeIDFromPublicKey(FixedKey(seed).Public().(ed25519.PublicKey))
	if err != nil {
		panic(err)
	}
	return id
}
