package blockstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainBlock separates block hashes from any other SHA-256 use.
// The version suffix leaves room for a future algorithm change.
const DomainBlock = "swarmlog/block/v1"

// Link is the content address of a block.
type Link [32]byte

// Hash computes the link of data as SHA256(domain + 0x00 + data).
func Hash(data []byte) Link {
	h := sha256.New()
	h.Write([]byte(DomainBlock))
	h.Write([]byte{0x00})
	h.Write(data)
	var l Link
	h.Sum(l[:0])
	return l
}

// LinkFromBytes converts a raw 32 byte slice into a Link.
func LinkFromBytes(b []byte) (Link, error) {
	var l Link
	if len(b) != len(l) {
		return l, fmt.Errorf("link must be %d bytes, got %d", len(l), len(b))
	}
	copy(l[:], b)
	return l, nil
}

// ParseLink parses the hex form produced by Link.String.
func ParseLink(s string) (Link, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Link{}, fmt.Errorf("parse link: %w", err)
	}
	return LinkFromBytes(raw)
}

func (l Link) String() string {
	return hex.EncodeToString(l[:])
}

// IsZero reports whether l is the zero link, used for "no root".
func (l Link) IsZero() bool {
	return l == Link{}
}

// Block is a link together with the bytes it addresses.
type Block struct {
	Link Link
	Data []byte
}

// NewBlock hashes data into a block.
func NewBlock(data []byte) Block {
	return Block{Link: Hash(data), Data: data}
}

// Verify checks that Data hashes to Link.
func (b Block) Verify() error {
	if got := Hash(b.Data); got != b.Link {
		return fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, b.Link, got)
	}
	return nil
}
