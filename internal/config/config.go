// Package config loads node configuration from YAML.
//
// A document is first checked against the embedded CUE schema, then
// decoded strictly over Default(), so absent keys keep their defaults and
// unknown keys are rejected.
package config

import (
	"bytes"
	"crypto/ed25519"
	_ "embed"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/swarmlog/internal/gossip"
	"github.com/roach88/swarmlog/internal/swarm"
)

//go:embed schema.cue
var schemaCUE string

// Transport kinds.
const (
	TransportMemory = "memory"
	TransportNATS   = "nats"
)

// Config is the node configuration file.
type Config struct {
	DataDir            string          `yaml:"data_dir"`
	NodeKey            string          `yaml:"node_key,omitempty"`
	Name               string          `yaml:"name,omitempty"`
	Topic              string          `yaml:"topic"`
	Transport          TransportConfig `yaml:"transport"`
	Gossip             GossipConfig    `yaml:"gossip"`
	CompactionInterval Duration        `yaml:"compaction_interval"`
}

// TransportConfig selects the bus.
type TransportConfig struct {
	Kind string `yaml:"kind"`
	URL  string `yaml:"url,omitempty"`
}

// GossipConfig mirrors gossip.Config.
type GossipConfig struct {
	FastPath          bool     `yaml:"fast_path"`
	SlowPath          bool     `yaml:"slow_path"`
	RootMap           bool     `yaml:"root_map"`
	RootMapInterval   Duration `yaml:"root_map_interval"`
	MaxBroadcastBytes int      `yaml:"max_broadcast_bytes"`
}

// Duration is a time.Duration written as a string such as "10s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns the configuration used when no file is given: an
// in-memory node on the "swarmlog" topic.
func Default() *Config {
	return &Config{
		Topic:     "swarmlog",
		Transport: TransportConfig{Kind: TransportMemory},
		Gossip: GossipConfig{
			FastPath:          true,
			SlowPath:          true,
			RootMap:           true,
			RootMapInterval:   Duration(gossip.DefaultRootMapInterval),
			MaxBroadcastBytes: gossip.DefaultMaxBroadcastBytes,
		},
		CompactionInterval: Duration(swarm.DefaultCompactionInterval),
	}
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(path, data)
}

// Parse validates and decodes a YAML document. filename is used in
// messages only.
func Parse(filename string, data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	if err := validateSchema(filename, data); err != nil {
		return nil, err
	}

	// reject typos such as "gosip:" that the schema alone would not name
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, &ValidationError{Code: ErrCodeParse, Message: err.Error()}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateSchema(filename string, data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return &ValidationError{Code: ErrCodeParse, Message: err.Error()}
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return &ValidationError{Code: ErrCodeParse, Message: err.Error()}
	}
	if err := def.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{Code: ErrCodeSchema, Message: err.Error()}
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Transport.Kind {
	case TransportMemory:
	case TransportNATS:
		if c.Transport.URL == "" {
			return &ValidationError{Code: ErrCodeInvalid, Message: "nats transport needs a url", Field: "transport.url"}
		}
	default:
		return &ValidationError{Code: ErrCodeInvalid, Message: fmt.Sprintf("unknown transport %q", c.Transport.Kind), Field: "transport.kind"}
	}
	if c.Gossip.RootMap && c.Gossip.RootMapInterval <= 0 {
		return &ValidationError{Code: ErrCodeInvalid, Message: "root map interval must be positive", Field: "gossip.root_map_interval"}
	}
	return nil
}

// Swarm converts the file into a node config.
func (c *Config) Swarm() (swarm.Config, error) {
	cfg := swarm.Config{
		DataDir: c.DataDir,
		Name:    c.Name,
		Gossip: gossip.Config{
			Topic:             c.Topic,
			EnableFastPath:    c.Gossip.FastPath,
			EnableSlowPath:    c.Gossip.SlowPath,
			EnableRootMap:     c.Gossip.RootMap,
			RootMapInterval:   time.Duration(c.Gossip.RootMapInterval),
			MaxBroadcastBytes: c.Gossip.MaxBroadcastBytes,
		},
		CompactionInterval: time.Duration(c.CompactionInterval),
	}
	if c.NodeKey != "" {
		seed, err := hex.DecodeString(c.NodeKey)
		if err != nil || len(seed) != ed25519.SeedSize {
			return swarm.Config{}, &ValidationError{Code: ErrCodeInvalid, Message: "node key must be a 32 byte hex seed", Field: "node_key"}
		}
		cfg.NodeKey = ed25519.NewKeyFromSeed(seed)
	}
	return cfg, nil
}
