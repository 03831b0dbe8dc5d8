// Package executor defines the execution boundary of the governance engine.
//
// The engine treats the executor as a black box: it runs one action and
// returns an ExecutionResult. The Local implementation in this package
// backs the CLI and tests; production deployments inject their own
// sandboxed implementation.
package executor

import (
	"context"
	"time"

	"github.com/myles1663/lancelot-sub002/pkg/contracts"
)

// MaxOutputBytes bounds captured output in execution results; anything
// beyond the bound is truncated, never buffered.
const MaxOutputBytes = 16 * 1024

// Executor runs a single action request under a hard timeout.
type Executor interface {
	Execute(ctx context.Context, req contracts.ActionRequest, timeout time.Duration) (contracts.ExecutionResult, error)
}

// Func adapts a function to the Executor interface, for tests and shims.
type Func func(ctx context.Context, req contracts.ActionRequest, timeout time.Duration) (contracts.ExecutionResult, error)

// Execute implements Executor.
func (f Func) Execute(ctx context.Context, req contracts.ActionRequest, timeout time.Duration) (contracts.ExecutionResult, error) {
	return f(ctx, req, timeout)
}

func truncate(b []byte) string {
	if len(b) > MaxOutputBytes {
		return string(b[:MaxOutputBytes])
	}
	return string(b)
}
