package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunShellCompletes(t *testing.T) {
	res, err := RunShell(context.Background(), "echo hello", t.TempDir(), 5*time.Second, DefaultShellPath, DefaultShellCommandPrefix)
	require.NoError(t, err)
	assert.Equal(t, ShellCompleted, res.State)
	assert.Contains(t, res.Output, "hello")
	assert.Equal(t, 0, res.ExitCode)
}

func TestRunShellNonZeroExit(t *testing.T) {
	res, err := RunShell(context.Background(), "exit 7", t.TempDir(), 5*time.Second, DefaultShellPath, DefaultShellCommandPrefix)
	require.NoError(t, err)
	assert.Equal(t, ShellCompleted, res.State)
	assert.Equal(t, 7, res.ExitCode)
}

// Scenario 3 (Tool timeout): a command that outlives its timeout is
// terminated and reported as timed_out with partial output retained.
func TestRunShellTimesOutAndKillsProcessTree(t *testing.T) {
	res, err := RunShell(context.Background(), "echo start; sleep 30", t.TempDir(), 200*time.Millisecond, DefaultShellPath, DefaultShellCommandPrefix)
	require.NoError(t, err)
	assert.Equal(t, ShellTimedOut, res.State)
	assert.Contains(t, res.Output, "start")
}

func TestRunShellSpawnFailure(t *testing.T) {
	_, err := RunShell(context.Background(), "echo x", "/no/such/directory", 5*time.Second, DefaultShellPath, DefaultShellCommandPrefix)
	assert.Error(t, err)
}

func TestRollingBufferSpoolsOverflow(t *testing.T) {
	buf := NewRollingBuffer(16)
	defer buf.Close()

	_, err := buf.Write([]byte("0123456789"))
	require.NoError(t, err)
	_, err = buf.Write([]byte("0123456789"))
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "spooled to disk")
}

func TestShellToolInvoke(t *testing.T) {
	reg := NewToolRegistry()
	RegisterShell(reg)
	result := reg.Invoke("shell", mustJSON(t, ShellInput{Command: "echo hi", TimeoutMs: 5000}), ExecutionContext{
		Ctx:        context.Background(),
		WorkingDir: t.TempDir(),
	})
	assert.False(t, result.IsError)
	assert.Contains(t, result.Output, "hi")
}
