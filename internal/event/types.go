package event

import (
	"bytes"
	"cmp"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// LamportTimestamp is the logical clock value used for the global order.
type LamportTimestamp uint64

// Offset is the zero-based position of an event within its stream.
// Offsets of different streams are not comparable.
type Offset uint64

// StreamNr distinguishes the streams owned by a single node.
type StreamNr uint64

// NodeID is the identity of a node: its ed25519 public key.
type NodeID [32]byte

// NodeIDFromPublicKey converts an ed25519 public key into a NodeID.
func NodeIDFromPublicKey(pub ed25519.PublicKey) (NodeID, error) {
	var id NodeID
	if len(pub) != ed25519.PublicKeySize {
		return id, fmt.Errorf("invalid public key length %d", len(pub))
	}
	copy(id[:], pub)
	return id, nil
}

// ParseNodeID parses the hex form produced by NodeID.String.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse node id: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("parse node id: expected %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// Stream returns the id of stream nr owned by this node.
func (n NodeID) Stream(nr StreamNr) StreamID {
	return StreamID{Node: n, Nr: nr}
}

// StreamID identifies a stream: the owning node plus a stream number.
// A stream has exactly one writer, the node named here.
type StreamID struct {
	Node NodeID
	Nr   StreamNr
}

// ParseStreamID parses "<hex node id>-<stream nr>".
func ParseStreamID(s string) (StreamID, error) {
	idx := strings.LastIndexByte(s, '-')
	if idx < 0 {
		return StreamID{}, fmt.Errorf("parse stream id %q: missing '-'", s)
	}
	node, err := ParseNodeID(s[:idx])
	if err != nil {
		return StreamID{}, fmt.Errorf("parse stream id %q: %w", s, err)
	}
	nr, err := strconv.ParseUint(s[idx+1:], 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("parse stream id %q: %w", s, err)
	}
	return StreamID{Node: node, Nr: StreamNr(nr)}, nil
}

func (s StreamID) String() string {
	return s.Node.String() + "-" + strconv.FormatUint(uint64(s.Nr), 10)
}

// Compare orders stream ids by node bytes, then by stream number.
func (s StreamID) Compare(o StreamID) int {
	if c := bytes.Compare(s.Node[:], o.Node[:]); c != 0 {
		return c
	}
	return cmp.Compare(s.Nr, o.Nr)
}

// streamAliasPrefix marks stream aliases in the block store.
const streamAliasPrefix = 'S'

// Alias returns the durable block store alias name for the stream:
// 'S' followed by the node id and the big-endian stream number.
func (s StreamID) Alias() []byte {
	buf := make([]byte, 0, 1+len(s.Node)+8)
	buf = append(buf, streamAliasPrefix)
	buf = append(buf, s.Node[:]...)
	return binary.BigEndian.AppendUint64(buf, uint64(s.Nr))
}

// StreamIDFromAlias is the inverse of StreamID.Alias.
func StreamIDFromAlias(alias []byte) (StreamID, bool) {
	if len(alias) != 41 || alias[0] != streamAliasPrefix {
		return StreamID{}, false
	}
	var id StreamID
	copy(id.Node[:], alias[1:33])
	id.Nr = StreamNr(binary.BigEndian.Uint64(alias[33:]))
	return id, true
}
