package forest

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/swarmlog/internal/blockstore"
)

const (
	kindLeaf   uint8 = 1
	kindHeader uint8 = 2

	headerVersion uint8 = 1
)

var (
	// ErrUnknownBlock is returned for blocks that are not tree blocks.
	ErrUnknownBlock = errors.New("not a tree block")
	// ErrMalformedTree is returned for tree blocks whose summaries do not
	// match their content.
	ErrMalformedTree = errors.New("malformed tree")
)

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

type leafEvent struct {
	_       struct{} `cbor:",toarray"`
	Lamport uint64
	Time    uint64
	Tags    []string
	Payload []byte
}

type leafBlock struct {
	Kind   uint8       `cbor:"k"`
	Events []leafEvent `cbor:"e"`
}

type chunkRef struct {
	_           struct{} `cbor:",toarray"`
	Link        []byte
	Count       uint64
	LastLamport uint64
}

type header struct {
	Kind        uint8      `cbor:"k"`
	Version     uint8      `cbor:"v"`
	Count       uint64     `cbor:"n"`
	LastLamport uint64     `cbor:"l"`
	Chunks      []chunkRef `cbor:"c"`
}

// blockKind is the common prefix of every tree block.
type blockKind struct {
	Kind   uint8      `cbor:"k"`
	Chunks []chunkRef `cbor:"c"`
}

func encode(v any) (blockstore.Block, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return blockstore.Block{}, fmt.Errorf("encode block: %w", err)
	}
	return blockstore.NewBlock(data), nil
}

func decodeHeader(data []byte) (*header, error) {
	var h header
	if err := cbor.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if h.Kind != kindHeader {
		return nil, fmt.Errorf("%w: kind %d is not a header", ErrUnknownBlock, h.Kind)
	}
	if h.Version != headerVersion {
		return nil, fmt.Errorf("unsupported header version %d", h.Version)
	}
	if err := h.check(); err != nil {
		return nil, err
	}
	return &h, nil
}

// check verifies that the header summary agrees with its chunk refs.
func (h *header) check() error {
	var count, last uint64
	for i, c := range h.Chunks {
		if _, err := blockstore.LinkFromBytes(c.Link); err != nil {
			return fmt.Errorf("%w: chunk %d: %v", ErrMalformedTree, i, err)
		}
		if c.Count == 0 {
			return fmt.Errorf("%w: chunk %d is empty", ErrMalformedTree, i)
		}
		if c.LastLamport < last {
			return fmt.Errorf("%w: chunk %d lamport %d after %d", ErrMalformedTree, i, c.LastLamport, last)
		}
		count += c.Count
		last = c.LastLamport
	}
	if count != h.Count {
		return fmt.Errorf("%w: header counts %d events, chunks hold %d", ErrMalformedTree, h.Count, count)
	}
	if last != h.LastLamport {
		return fmt.Errorf("%w: header lamport %d, last chunk %d", ErrMalformedTree, h.LastLamport, last)
	}
	return nil
}

// check verifies the leaf against the chunk ref pointing at it. prev is the
// last lamport of the preceding chunk.
func (l *leafBlock) check(ref chunkRef, prev uint64) error {
	if uint64(len(l.Events)) != ref.Count {
		return fmt.Errorf("%w: leaf holds %d events, ref counts %d", ErrMalformedTree, len(l.Events), ref.Count)
	}
	for i, e := range l.Events {
		if e.Lamport < prev || e.Lamport == 0 {
			return fmt.Errorf("%w: event %d has lamport %d after %d", ErrMalformedTree, i, e.Lamport, prev)
		}
		prev = e.Lamport
	}
	if prev != ref.LastLamport {
		return fmt.Errorf("%w: leaf ends at lamport %d, ref says %d", ErrMalformedTree, prev, ref.LastLamport)
	}
	return nil
}

func decodeLeaf(data []byte) (*leafBlock, error) {
	var l leafBlock
	if err := cbor.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode leaf: %w", err)
	}
	if l.Kind != kindLeaf {
		return nil, fmt.Errorf("%w: kind %d is not a leaf", ErrUnknownBlock, l.Kind)
	}
	return &l, nil
}

// Links returns the child links of a tree block. It has the signature of
// blockstore.LinksFunc and drives closure fetching and GC.
func Links(data []byte) ([]blockstore.Link, error) {
	var b blockKind
	if err := cbor.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	switch b.Kind {
	case kindLeaf:
		return nil, nil
	case kindHeader:
		out := make([]blockstore.Link, 0, len(b.Chunks))
		for _, c := range b.Chunks {
			l, err := blockstore.LinkFromBytes(c.Link)
			if err != nil {
				return nil, err
			}
			out = append(out, l)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrUnknownBlock, b.Kind)
	}
}
