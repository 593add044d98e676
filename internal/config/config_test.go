package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg, err := Parse("empty.yaml", nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	sc, err := cfg.Swarm()
	require.NoError(t, err)
	assert.Equal(t, "swarmlog", sc.Gossip.Topic)
	assert.True(t, sc.Gossip.EnableFastPath)
	assert.Equal(t, 10*time.Second, sc.Gossip.RootMapInterval)
	assert.Equal(t, 60*time.Second, sc.CompactionInterval)
	assert.Nil(t, sc.NodeKey)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	doc := `
data_dir: /var/lib/swarmlog
node_key: 0101010101010101010101010101010101010101010101010101010101010101
topic: factory
transport:
  kind: nats
  url: nats://localhost:4222
gossip:
  fast_path: false
  root_map_interval: 2s
  max_broadcast_bytes: 4096
compaction_interval: 5m
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/swarmlog", cfg.DataDir)
	assert.Equal(t, "factory", cfg.Topic)
	assert.Equal(t, TransportConfig{Kind: TransportNATS, URL: "nats://localhost:4222"}, cfg.Transport)
	assert.False(t, cfg.Gossip.FastPath)
	assert.True(t, cfg.Gossip.SlowPath, "absent keys keep their defaults")
	assert.Equal(t, Duration(2*time.Second), cfg.Gossip.RootMapInterval)
	assert.Equal(t, 4096, cfg.Gossip.MaxBroadcastBytes)
	assert.Equal(t, Duration(5*time.Minute), cfg.CompactionInterval)

	sc, err := cfg.Swarm()
	require.NoError(t, err)
	require.NotNil(t, sc.NodeKey)
	assert.Equal(t, "factory", sc.Gossip.Topic)
	assert.Equal(t, "factory.blocks", sc.Gossip.BlocksSubject())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	assert.False(t, IsValidationError(err))
}

func TestRejectedDocuments(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		code  ValidationErrorCode
		field string
	}{
		{"unknown key", "topik: x\n", ErrCodeSchema, ""},
		{"empty topic", "topic: \"\"\n", ErrCodeSchema, ""},
		{"bad duration", "compaction_interval: soon\n", ErrCodeSchema, ""},
		{"bad transport kind", "transport:\n  kind: carrier-pigeon\n", ErrCodeSchema, ""},
		{"short node key", "node_key: abcd\n", ErrCodeSchema, ""},
		{"zero broadcast size", "gossip:\n  max_broadcast_bytes: 0\n", ErrCodeSchema, ""},
		{"not yaml", "topic: [\n", ErrCodeParse, ""},
		{"nats without url", "transport:\n  kind: nats\n", ErrCodeInvalid, "transport.url"},
		{"zero root map interval", "gossip:\n  root_map_interval: 0s\n", ErrCodeInvalid, "gossip.root_map_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("test.yaml", []byte(tt.doc))
			require.Error(t, err)
			require.True(t, IsValidationError(err), "got %v", err)
			ve := err.(*ValidationError)
			assert.Equal(t, tt.code, ve.Code)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestDurationRoundTrip(t *testing.T) {
	v, err := Duration(90 * time.Second).MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", v)
}
