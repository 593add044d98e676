package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario(t *testing.T) {
	sc, err := LoadScenario("testdata/scenarios/one_way.yaml")
	require.NoError(t, err)

	assert.Equal(t, "one_way", sc.Name)
	assert.Equal(t, []string{"a", "b"}, sc.Nodes)
	require.Len(t, sc.Steps, 3)
	assert.Equal(t, Step{Op: OpAppend, Node: "a", Tags: []string{"order"}, Payloads: []string{"a1", "a2"}}, sc.Steps[0])
	assert.Equal(t, OpSync, sc.Steps[2].Op)
	require.Len(t, sc.Expect, 3)
	assert.Equal(t, []string{"order"}, sc.Expect[2].Tags)
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseScenarioRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "malformed",
			yaml: "name: [",
			want: "failed to parse",
		},
		{
			name: "unknown field",
			yaml: "name: x\nnodes: [a]\nflow: []\nexpect: [{node: a}]\n",
			want: "field flow not found",
		},
		{
			name: "missing name",
			yaml: "nodes: [a]\nexpect: [{node: a}]\n",
			want: "name is required",
		},
		{
			name: "no nodes",
			yaml: "name: x\nexpect: [{node: a}]\n",
			want: "nodes list is required",
		},
		{
			name: "duplicate node",
			yaml: "name: x\nnodes: [a, a]\nexpect: [{node: a}]\n",
			want: "duplicate node",
		},
		{
			name: "unknown op",
			yaml: "name: x\nnodes: [a]\nsteps: [{op: delete, node: a}]\nexpect: [{node: a}]\n",
			want: `unknown op "delete"`,
		},
		{
			name: "missing op",
			yaml: "name: x\nnodes: [a]\nsteps: [{node: a}]\nexpect: [{node: a}]\n",
			want: "op is required",
		},
		{
			name: "append without payloads",
			yaml: "name: x\nnodes: [a]\nsteps: [{op: append, node: a}]\nexpect: [{node: a}]\n",
			want: "payloads are required",
		},
		{
			name: "append to unknown node",
			yaml: "name: x\nnodes: [a]\nsteps: [{op: append, node: z, payloads: [p]}]\nexpect: [{node: a}]\n",
			want: `unknown node "z"`,
		},
		{
			name: "sync with node",
			yaml: "name: x\nnodes: [a]\nsteps: [{op: sync, node: a}]\nexpect: [{node: a}]\n",
			want: "sync applies to every node",
		},
		{
			name: "no expectations",
			yaml: "name: x\nnodes: [a]\n",
			want: "expect list is required",
		},
		{
			name: "expect unknown node",
			yaml: "name: x\nnodes: [a]\nexpect: [{node: b}]\n",
			want: `expect[0]: unknown node "b"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
