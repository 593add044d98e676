package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFixedKey_IsStable(t *testing.T) {
	assert.Equal(t, FixedKey(7), FixedKey(7))
	assert.NotEqual(t, FixedKey(7), FixedKey(8))
}

func TestFixedNodeID_MatchesKey(t *testing.T) {
	assert.Equal(t, FixedNodeID(3), FixedNodeID(3))
	assert.NotEqual(t, FixedNodeID(3), FixedNodeID(4))
}
