package event

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(b byte) NodeID {
	var n NodeID
	for i := range n {
		n[i] = b
	}
	return n
}

func TestStreamIDStringRoundTrip(t *testing.T) {
	id := node(0xab).Stream(42)

	parsed, err := ParseStreamID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseStreamIDErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"no separator", "abcdef"},
		{"bad hex", "zz-1"},
		{"short node", "abcd-1"},
		{"bad number", node(1).String() + "-x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseStreamID(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestStreamAliasRoundTrip(t *testing.T) {
	id := node(7).Stream(0x0102030405060708)
	alias := id.Alias()

	require.Len(t, alias, 41)
	assert.Equal(t, byte('S'), alias[0])
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, alias[33:])

	back, ok := StreamIDFromAlias(alias)
	require.True(t, ok)
	assert.Equal(t, id, back)

	_, ok = StreamIDFromAlias([]byte("Sshort"))
	assert.False(t, ok)
}

func TestNodeIDFromPublicKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	id, err := NodeIDFromPublicKey(pub)
	require.NoError(t, err)
	assert.Equal(t, []byte(pub), id[:])

	_, err = NodeIDFromPublicKey(pub[:10])
	assert.Error(t, err)
}

func TestEventKeyOrder(t *testing.T) {
	a := node(1).Stream(0)
	b := node(2).Stream(0)

	// lamport dominates
	assert.True(t, EventKey{Lamport: 1, Stream: b, Offset: 9}.Less(EventKey{Lamport: 2, Stream: a}))
	// stream breaks ties
	assert.True(t, EventKey{Lamport: 3, Stream: a, Offset: 9}.Less(EventKey{Lamport: 3, Stream: b}))
	// offsets are ignored
	assert.Equal(t, 0, EventKey{Lamport: 3, Stream: a, Offset: 1}.Compare(EventKey{Lamport: 3, Stream: a, Offset: 2}))

	// stream number after node
	assert.Equal(t, -1, node(1).Stream(1).Compare(node(1).Stream(2)))
	assert.Equal(t, 1, node(2).Stream(0).Compare(node(1).Stream(9)))
}

func TestHeartBeatPartialOrder(t *testing.T) {
	s := node(1).Stream(0)
	other := node(2).Stream(0)

	h := StreamHeartBeat{Stream: s, Lamport: 5, Offset: 2}

	c, ok := h.Compare(StreamHeartBeat{Stream: s, Lamport: 3, Offset: 2})
	require.True(t, ok)
	assert.Equal(t, 1, c)
	assert.True(t, h.Greater(StreamHeartBeat{Stream: s, Lamport: 3, Offset: 2}))

	_, ok = h.Compare(StreamHeartBeat{Stream: s, Lamport: 3, Offset: 1})
	assert.False(t, ok, "different offsets are incomparable")
	assert.False(t, h.Greater(StreamHeartBeat{Stream: s, Lamport: 3, Offset: 1}))

	_, ok = h.Compare(StreamHeartBeat{Stream: other, Lamport: 3, Offset: 2})
	assert.False(t, ok, "different streams are incomparable")

	assert.False(t, h.Greater(h))
}

func TestOffsetMapUpdate(t *testing.T) {
	s := node(1).Stream(0)
	m := OffsetMap{}

	assert.True(t, m.Update(s, 3))
	assert.False(t, m.Update(s, 2))
	assert.False(t, m.Update(s, 3))
	assert.True(t, m.Update(s, 4))

	o, ok := m.Get(s)
	require.True(t, ok)
	assert.Equal(t, Offset(4), o)

	clone := m.Clone()
	clone.Update(s, 10)
	o, _ = m.Get(s)
	assert.Equal(t, Offset(4), o)
}

func TestOffsetMapStreamsSorted(t *testing.T) {
	m := OffsetMap{
		node(3).Stream(0): 1,
		node(1).Stream(1): 1,
		node(1).Stream(0): 1,
	}
	assert.Equal(t, []StreamID{node(1).Stream(0), node(1).Stream(1), node(3).Stream(0)}, m.Streams())
}

func TestTagSetNormalization(t *testing.T) {
	composed := "caf\u00e9"
	decomposed := "cafe\u0301"

	set := NewTagSet("b", decomposed, "a", "b", "")
	assert.Equal(t, TagSet{"a", "b", composed}, set)
	assert.True(t, set.Contains(decomposed))
	assert.False(t, set.Contains("c"))

	assert.True(t, NewTagSet("a").IsSubsetOf(set))
	assert.True(t, TagSet{}.IsSubsetOf(set))
	assert.False(t, NewTagSet("a", "z").IsSubsetOf(set))
	assert.Equal(t, "a,b,"+composed, set.String())
}
