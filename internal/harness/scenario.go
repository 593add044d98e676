package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// Step operations.
const (
	OpAppend  = "append"
	OpSync    = "sync"
	OpCompact = "compact"
)

// Scenario is a replication scenario loaded from YAML.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// Nodes lists node names. Node keys are derived from the position in
	// this list so traces are reproducible.
	Nodes []string `yaml:"nodes"`

	Steps []Step `yaml:"steps"`

	Expect []Expectation `yaml:"expect"`
}

// Step is one action applied to the swarm.
type Step struct {
	Op       string   `yaml:"op"`
	Node     string   `yaml:"node,omitempty"`
	Stream   uint64   `yaml:"stream,omitempty"`
	Tags     []string `yaml:"tags,omitempty"`
	Payloads []string `yaml:"payloads,omitempty"`
}

// Expectation is a read of one node's view after all steps ran.
type Expectation struct {
	Node     string   `yaml:"node"`
	Tags     []string `yaml:"tags,omitempty"`
	Backward bool     `yaml:"backward,omitempty"`

	// Events are the expected payloads in read order. Nil skips the check.
	Events []string `yaml:"events,omitempty"`
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return sc, nil
}

// ParseScenario decodes a scenario. Unknown fields are rejected.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario YAML: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

// Validate checks required fields and node references.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Nodes) == 0 {
		return fmt.Errorf("nodes list is required and must be non-empty")
	}
	for i, n := range s.Nodes {
		if n == "" {
			return fmt.Errorf("nodes[%d]: name is required", i)
		}
		if slices.Index(s.Nodes, n) != i {
			return fmt.Errorf("nodes[%d]: duplicate node %q", i, n)
		}
	}
	if len(s.Nodes) > 255 {
		return fmt.Errorf("at most 255 nodes are supported")
	}

	for i, step := range s.Steps {
		if err := s.validateStep(i, &step); err != nil {
			return err
		}
	}

	if len(s.Expect) == 0 {
		return fmt.Errorf("expect list is required and must be non-empty")
	}
	for i, e := range s.Expect {
		if !slices.Contains(s.Nodes, e.Node) {
			return fmt.Errorf("expect[%d]: unknown node %q", i, e.Node)
		}
	}
	return nil
}

func (s *Scenario) validateStep(index int, step *Step) error {
	switch step.Op {
	case OpAppend:
		if len(step.Payloads) == 0 {
			return fmt.Errorf("steps[%d]: payloads are required for append", index)
		}
	case OpCompact:
	case OpSync:
		if step.Node != "" {
			return fmt.Errorf("steps[%d]: sync applies to every node", index)
		}
		return nil
	case "":
		return fmt.Errorf("steps[%d]: op is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, step.Op)
	}
	if !slices.Contains(s.Nodes, step.Node) {
		return fmt.Errorf("steps[%d]: unknown node %q", index, step.Node)
	}
	return nil
}
