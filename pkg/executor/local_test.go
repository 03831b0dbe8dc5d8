package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myles1663/lancelot-sub002/pkg/boundary"
	"github.com/myles1663/lancelot-sub002/pkg/contracts"
)

func newLocal(t *testing.T) (*Local, string) {
	t.Helper()
	root := t.TempDir()
	ws, err := boundary.NewWorkspace(root)
	require.NoError(t, err)
	return NewLocal(ws), root
}

func TestFsWriteCapturesBeforeAfter(t *testing.T) {
	l, root := newLocal(t)
	path := filepath.Join(root, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o600))

	res, err := l.Execute(context.Background(), contracts.ActionRequest{
		Capability: "fs.write", Target: "notes.txt",
		Params: map[string]any{"content": "new"},
	}, time.Second)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.False(t, res.Created)
	assert.NotEmpty(t, res.BeforeHash)
	assert.NotEmpty(t, res.AfterHash)
	assert.NotEqual(t, res.BeforeHash, res.AfterHash)
	assert.Equal(t, []byte("old"), res.PriorContent)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestFsWriteNewFileMarkedCreated(t *testing.T) {
	l, _ := newLocal(t)

	res, err := l.Execute(context.Background(), contracts.ActionRequest{
		Capability: "fs.write", Target: "fresh.txt",
		Params: map[string]any{"content": "hello"},
	}, time.Second)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Empty(t, res.BeforeHash)
}

func TestShellExecCapturesOutputAndExitCode(t *testing.T) {
	l, _ := newLocal(t)

	res, err := l.Execute(context.Background(), contracts.ActionRequest{
		Capability: "shell.exec", Target: "sh",
		Params: map[string]any{"command": "echo governed"},
	}, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Output, "governed")

	_, err = l.Execute(context.Background(), contracts.ActionRequest{
		Capability: "shell.exec", Target: "sh",
		Params: map[string]any{"command": "exit 3"},
	}, 5*time.Second)
	var fault *contracts.ExecutorFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, 3, fault.ExitCode)
}

func TestShellExecTimeout(t *testing.T) {
	l, _ := newLocal(t)

	_, err := l.Execute(context.Background(), contracts.ActionRequest{
		Capability: "shell.exec", Target: "sh",
		Params: map[string]any{"command": "sleep 5"},
	}, 50*time.Millisecond)
	assert.ErrorIs(t, err, contracts.ErrExecutorTimeout)
}

func TestMemoryWriteAndRevert(t *testing.T) {
	l, _ := newLocal(t)

	res, err := l.Execute(context.Background(), contracts.ActionRequest{
		Capability: "memory.write", Target: "note:today",
		Params: map[string]any{"text": "v1"},
	}, time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, res.RevertHandle)
	assert.True(t, res.Created)

	res2, err := l.Execute(context.Background(), contracts.ActionRequest{
		Capability: "memory.write", Target: "note:today",
		Params: map[string]any{"text": "v2"},
	}, time.Second)
	require.NoError(t, err)

	// Reverting the second write restores v1.
	require.NoError(t, l.Memory().Revert(res2.RevertHandle))
	v, ok := l.Memory().Get("note:today")
	require.True(t, ok)
	assert.Equal(t, "v1", v["text"])

	// Handles are single-use.
	assert.Error(t, l.Memory().Revert(res2.RevertHandle))

	// Reverting the original write deletes the created entry.
	require.NoError(t, l.Memory().Revert(res.RevertHandle))
	_, ok = l.Memory().Get("note:today")
	assert.False(t, ok)
}

func TestUnknownDriverFaults(t *testing.T) {
	l, _ := newLocal(t)
	_, err := l.Execute(context.Background(), contracts.ActionRequest{
		Capability: "fs.read", Target: "missing.txt",
	}, time.Second)
	var fault *contracts.ExecutorFault
	assert.ErrorAs(t, err, &fault)
}
