package gossip

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/swarmlog/internal/blockstore"
	"github.com/roach88/swarmlog/internal/event"
)

// ErrMalformedMessage is returned by Decode for bytes that are not a valid
// gossip message.
var ErrMalformedMessage = errors.New("malformed gossip message")

const (
	tagRootUpdate = "RootUpdate"
	tagRootMap    = "RootMap"

	cborIndefiniteMap = 0xbf
	cborBreak         = 0xff
	cborMajorMap      = 0xa0
)

// Message is a gossip message. It is implemented by *RootUpdate and
// *RootMap only.
type Message interface {
	isMessage()
}

// RootUpdate announces a new root of one stream. Fast-path updates carry
// the blocks needed to adopt the root.
type RootUpdate struct {
	Stream event.StreamID
	Root   blockstore.Link
	Blocks []blockstore.Block
	// Lamport is the last Lamport timestamp of the tree at Root.
	Lamport event.LamportTimestamp
	// Time is the wall clock at creation, in microseconds since the epoch.
	Time uint64
	// Offset is the last offset of the tree at Root. Older peers omit it.
	Offset *event.Offset
}

// RootMap lists the current roots of all streams a node knows.
type RootMap struct {
	Entries []RootMapEntry
	// Offsets is aligned with Entries. It is empty when sent by older peers.
	Offsets []OffsetLamport
	// Lamport is the sender's clock at creation.
	Lamport event.LamportTimestamp
	Time    uint64
}

// RootMapEntry is one stream root in a RootMap.
type RootMapEntry struct {
	Stream event.StreamID
	Root   blockstore.Link
}

// OffsetLamport describes the tree referenced by the aligned entry.
type OffsetLamport struct {
	Offset  event.Offset
	Lamport event.LamportTimestamp
}

func (*RootUpdate) isMessage() {}
func (*RootMap) isMessage()    {}

// Now returns the wall clock in the unit used by messages.
func Now() uint64 {
	return uint64(time.Now().UnixMicro())
}

type wireStream struct {
	_    struct{} `cbor:",toarray"`
	Node []byte
	Nr   uint64
}

type wireBlock struct {
	_    struct{} `cbor:",toarray"`
	Link []byte
	// Data is written as an array of integers, not a byte string.
	Data []uint16
}

type wireEntry struct {
	_      struct{} `cbor:",toarray"`
	Stream wireStream
	Root   []byte
}

type wireOffset struct {
	_       struct{} `cbor:",toarray"`
	Offset  uint64
	Lamport uint64
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func toWireStream(id event.StreamID) wireStream {
	return wireStream{Node: id.Node[:], Nr: uint64(id.Nr)}
}

func fromWireStream(w wireStream) (event.StreamID, error) {
	if len(w.Node) != len(event.NodeID{}) {
		return event.StreamID{}, fmt.Errorf("node id has %d bytes", len(w.Node))
	}
	var id event.StreamID
	copy(id.Node[:], w.Node)
	id.Nr = event.StreamNr(w.Nr)
	return id, nil
}

// field is one key of an indefinite-length map, written in order.
type field struct {
	key   string
	value any
}

// writeBody writes {tag: {fields...}} with the body as an indefinite map.
func writeBody(tag string, fields []field) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(cborMajorMap | 1)
	enc := encMode.NewEncoder(&buf)
	if err := enc.Encode(tag); err != nil {
		return nil, err
	}
	buf.WriteByte(cborIndefiniteMap)
	for _, f := range fields {
		if err := enc.Encode(f.key); err != nil {
			return nil, err
		}
		if err := enc.Encode(f.value); err != nil {
			return nil, fmt.Errorf("encode %s.%s: %w", tag, f.key, err)
		}
	}
	buf.WriteByte(cborBreak)
	return buf.Bytes(), nil
}

// Encode serializes m in the current format.
func Encode(m Message) ([]byte, error) {
	switch m := m.(type) {
	case *RootUpdate:
		blocks := make([]wireBlock, len(m.Blocks))
		for i, b := range m.Blocks {
			data := make([]uint16, len(b.Data))
			for j, c := range b.Data {
				data[j] = uint16(c)
			}
			blocks[i] = wireBlock{Link: append([]byte(nil), b.Link[:]...), Data: data}
		}
		var offset *uint64
		if m.Offset != nil {
			o := uint64(*m.Offset)
			offset = &o
		}
		return writeBody(tagRootUpdate, []field{
			{"blocks", blocks},
			{"lamport", uint64(m.Lamport)},
			{"root", m.Root[:]},
			{"stream", toWireStream(m.Stream)},
			{"time", m.Time},
			{"offset", offset},
		})
	case *RootMap:
		entries := make([]wireEntry, len(m.Entries))
		for i, e := range m.Entries {
			entries[i] = wireEntry{Stream: toWireStream(e.Stream), Root: e.Root[:]}
		}
		offsets := make([]wireOffset, len(m.Offsets))
		for i, o := range m.Offsets {
			offsets[i] = wireOffset{Offset: uint64(o.Offset), Lamport: uint64(o.Lamport)}
		}
		return writeBody(tagRootMap, []field{
			{"entries", entries},
			{"lamport", uint64(m.Lamport)},
			{"offsets", offsets},
			{"time", m.Time},
		})
	default:
		return nil, fmt.Errorf("encode %T: not a gossip message", m)
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

// Decode parses a message in either the current or the legacy format.
// Unknown keys are ignored.
func Decode(data []byte) (Message, error) {
	var outer map[string]cbor.RawMessage
	if err := cbor.Unmarshal(data, &outer); err != nil {
		return nil, malformed("envelope: %v", err)
	}
	if len(outer) != 1 {
		return nil, malformed("envelope has %d entries", len(outer))
	}
	var tag string
	var body cbor.RawMessage
	for tag, body = range outer {
	}
	if len(body) == 0 || body[0]&0xe0 != cborMajorMap {
		return nil, malformed("%s body is not a map", tag)
	}
	var fields map[string]cbor.RawMessage
	if err := cbor.Unmarshal(body, &fields); err != nil {
		return nil, malformed("%s body: %v", tag, err)
	}
	var (
		m   Message
		err error
	)
	switch tag {
	case tagRootUpdate:
		m, err = decodeRootUpdate(fields)
	case tagRootMap:
		m, err = decodeRootMap(fields)
	default:
		return nil, malformed("unknown message %q", tag)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func required(fields map[string]cbor.RawMessage, key string, v any) error {
	raw, ok := fields[key]
	if !ok {
		return malformed("missing %q", key)
	}
	if err := cbor.Unmarshal(raw, v); err != nil {
		return malformed("%q: %v", key, err)
	}
	return nil
}

// optional decodes key into v and reports whether it was present and not
// null.
func optional(fields map[string]cbor.RawMessage, key string, v any) (bool, error) {
	raw, ok := fields[key]
	if !ok || bytes.Equal(raw, []byte{0xf6}) {
		return false, nil
	}
	if err := cbor.Unmarshal(raw, v); err != nil {
		return false, malformed("%q: %v", key, err)
	}
	return true, nil
}

func decodeLink(b []byte) (blockstore.Link, error) {
	l, err := blockstore.LinkFromBytes(b)
	if err != nil {
		return blockstore.Link{}, malformed("link: %v", err)
	}
	return l, nil
}

// decodeBlockData accepts both the integer array and the byte string form.
func decodeBlockData(raw cbor.RawMessage) ([]byte, error) {
	var v any
	if err := cbor.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	switch v := v.(type) {
	case []byte:
		return v, nil
	case []any:
		out := make([]byte, len(v))
		for i, x := range v {
			n, ok := x.(uint64)
			if !ok || n > 0xff {
				return nil, fmt.Errorf("byte %d is %v", i, x)
			}
			out[i] = byte(n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected %T", v)
	}
}

func decodeRootUpdate(fields map[string]cbor.RawMessage) (*RootUpdate, error) {
	var (
		stream  wireStream
		root    []byte
		blocks  []cbor.RawMessage
		lamport uint64
		ts      uint64
		offset  uint64
	)
	if err := required(fields, "stream", &stream); err != nil {
		return nil, err
	}
	if err := required(fields, "root", &root); err != nil {
		return nil, err
	}
	if err := required(fields, "blocks", &blocks); err != nil {
		return nil, err
	}
	if err := required(fields, "lamport", &lamport); err != nil {
		return nil, err
	}
	if err := required(fields, "time", &ts); err != nil {
		return nil, err
	}
	hasOffset, err := optional(fields, "offset", &offset)
	if err != nil {
		return nil, err
	}

	id, err := fromWireStream(stream)
	if err != nil {
		return nil, malformed("stream: %v", err)
	}
	m := &RootUpdate{Stream: id, Lamport: event.LamportTimestamp(lamport), Time: ts}
	if m.Root, err = decodeLink(root); err != nil {
		return nil, err
	}
	if hasOffset {
		o := event.Offset(offset)
		m.Offset = &o
	}
	for i, raw := range blocks {
		var pair []cbor.RawMessage
		if err := cbor.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
			return nil, malformed("block %d is not a pair", i)
		}
		var linkBytes []byte
		if err := cbor.Unmarshal(pair[0], &linkBytes); err != nil {
			return nil, malformed("block %d link: %v", i, err)
		}
		l, err := decodeLink(linkBytes)
		if err != nil {
			return nil, err
		}
		data, err := decodeBlockData(pair[1])
		if err != nil {
			return nil, malformed("block %d data: %v", i, err)
		}
		b := blockstore.Block{Link: l, Data: data}
		if err := b.Verify(); err != nil {
			return nil, malformed("block %d: %v", i, err)
		}
		m.Blocks = append(m.Blocks, b)
	}
	return m, nil
}

func decodeRootMap(fields map[string]cbor.RawMessage) (*RootMap, error) {
	var (
		entries []wireEntry
		offsets []wireOffset
		lamport uint64
		ts      uint64
	)
	if err := required(fields, "entries", &entries); err != nil {
		return nil, err
	}
	if err := required(fields, "lamport", &lamport); err != nil {
		return nil, err
	}
	if err := required(fields, "time", &ts); err != nil {
		return nil, err
	}
	if _, err := optional(fields, "offsets", &offsets); err != nil {
		return nil, err
	}

	m := &RootMap{Lamport: event.LamportTimestamp(lamport), Time: ts}
	for i, e := range entries {
		id, err := fromWireStream(e.Stream)
		if err != nil {
			return nil, malformed("entry %d: %v", i, err)
		}
		root, err := decodeLink(e.Root)
		if err != nil {
			return nil, err
		}
		m.Entries = append(m.Entries, RootMapEntry{Stream: id, Root: root})
	}
	if len(offsets) > 0 {
		if len(offsets) != len(entries) {
			return nil, malformed("%d offsets for %d entries", len(offsets), len(entries))
		}
		for _, o := range offsets {
			m.Offsets = append(m.Offsets, OffsetLamport{Offset: event.Offset(o.Offset), Lamport: event.LamportTimestamp(o.Lamport)})
		}
	}
	return m, nil
}

// OffsetOf returns the aligned offset of entry i, if the sender provided
// offsets.
func (m *RootMap) OffsetOf(i int) (OffsetLamport, bool) {
	if i < len(m.Offsets) {
		return m.Offsets[i], true
	}
	return OffsetLamport{}, false
}
