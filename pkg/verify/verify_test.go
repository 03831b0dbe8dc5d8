package verify

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myles1663/lancelot-sub002/pkg/boundary"
	"github.com/myles1663/lancelot-sub002/pkg/canonicalize"
	"github.com/myles1663/lancelot-sub002/pkg/contracts"
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestAllChecksMustPass(t *testing.T) {
	r := NewRegistry().WithClock(fixedClock)
	r.Register("fs.write",
		Check{Name: "always_ok", Fn: func(contracts.ActionRequest, contracts.ExecutionResult) (bool, string) {
			return true, "ok"
		}},
		Check{Name: "always_bad", Fn: func(contracts.ActionRequest, contracts.ExecutionResult) (bool, string) {
			return false, "bad state"
		}},
	)

	res := r.Run(contracts.ActionRequest{Capability: "fs.write"}, contracts.ExecutionResult{}, false)
	assert.False(t, res.Pass)
	require.Len(t, res.Checks, 2)
	assert.True(t, res.Checks[0].Pass)
	assert.False(t, res.Checks[1].Pass)
	assert.Equal(t, "bad state", res.Checks[1].Reason)
	assert.Equal(t, fixedClock(), res.CompletedAt)
}

func TestUnregisteredCapabilityPassesVacuously(t *testing.T) {
	r := NewRegistry().WithClock(fixedClock)
	res := r.Run(contracts.ActionRequest{Capability: "exotic.op"}, contracts.ExecutionResult{}, true)
	assert.True(t, res.Pass)
	assert.True(t, res.Async)
	require.Len(t, res.Checks, 1)
	assert.Equal(t, "no_checks_registered", res.Checks[0].Name)
}

func TestFsWriteContentIntentCheck(t *testing.T) {
	ws, err := boundary.NewWorkspace(t.TempDir())
	require.NoError(t, err)
	r := DefaultRegistry(ws).WithClock(fixedClock)

	req := contracts.ActionRequest{
		Capability: "fs.write",
		Target:     "docs/readme.md",
		Params:     map[string]any{"content": "hello"},
	}
	good := contracts.ExecutionResult{
		Success:   true,
		AfterHash: canonicalize.HashBytes([]byte("hello")),
	}
	assert.True(t, r.Run(req, good, false).Pass)

	tampered := contracts.ExecutionResult{
		Success:   true,
		AfterHash: canonicalize.HashBytes([]byte("something else")),
	}
	res := r.Run(req, tampered, false)
	assert.False(t, res.Pass)
	found := false
	for _, c := range res.Checks {
		if c.Name == "content_matches_intent" {
			found = true
			assert.False(t, c.Pass)
		}
	}
	assert.True(t, found)
}

func TestHTTPStatusCheck(t *testing.T) {
	r := DefaultRegistry(nil).WithClock(fixedClock)
	req := contracts.ActionRequest{Capability: "net.get", Target: "https://example.com"}

	assert.True(t, r.Run(req, contracts.ExecutionResult{Success: true, ExitCode: 204}, true).Pass)
	assert.False(t, r.Run(req, contracts.ExecutionResult{ExitCode: 502}, true).Pass)
}

func TestBannedClaimsCheck(t *testing.T) {
	r := DefaultRegistry(nil).WithClock(fixedClock)
	req := contracts.ActionRequest{
		Capability: "memory.write",
		Target:     "note:pitch",
		Params:     map[string]any{"text": "this product has Guaranteed Returns"},
	}
	res := r.Run(req, contracts.ExecutionResult{Success: true}, true)
	assert.False(t, res.Pass)
}

func TestRunnerDrainWaitsForOutstanding(t *testing.T) {
	r := NewRunner()
	release := make(chan struct{})
	var done atomic.Int32

	for i := 0; i < 3; i++ {
		r.Schedule("sess-1", func() {
			<-release
			done.Add(1)
		})
	}
	assert.Equal(t, 3, r.Outstanding("sess-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Drain(ctx, "sess-1"), context.DeadlineExceeded)

	close(release)
	require.NoError(t, r.Drain(context.Background(), "sess-1"))
	assert.Equal(t, int32(3), done.Load())
	assert.Equal(t, 0, r.Outstanding("sess-1"))
}

func TestRunnerDrainIsPerSession(t *testing.T) {
	r := NewRunner()
	release := make(chan struct{})
	r.Schedule("busy", func() { <-release })

	// A session with no outstanding work drains immediately.
	require.NoError(t, r.Drain(context.Background(), "idle"))
	close(release)
	require.NoError(t, r.Drain(context.Background(), "busy"))
}
