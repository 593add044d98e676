package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRejectsArguments(t *testing.T) {
	out, err := runCLI(t, "", "run", "extra")
	require.Error(t, err, out)
}

func TestRunInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	// nats transport without a url
	require.NoError(t, os.WriteFile(path, []byte("topic: t\ntransport:\n  kind: nats\n"), 0o644))

	_, err := runCLI(t, "", "run", "-c", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestRunBadNodeKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("topic: t\nnode_key: \"zz\"\n"), 0o644))

	_, err := runCLI(t, "", "run", "-c", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRunUnreachableTransport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	doc := "topic: t\ntransport:\n  kind: nats\n  url: nats://127.0.0.1:1\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := runCLI(t, "", "run", "-c", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to connect transport")
}

func TestRunHelpText(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewRunCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())
	output := buf.String()
	assert.Contains(t, output, "Run a swarmlog node until interrupted")
	assert.Contains(t, output, "swarmlog run --config")
}
