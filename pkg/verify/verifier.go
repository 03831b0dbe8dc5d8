// Package verify runs post-execution checks.
//
// A verification run is a sequence of named boolean checks; all must pass
// for an overall PASS. Check sets are capability-specific. T2/T3 requests
// verify synchronously; T1 verification is scheduled asynchronously and
// drained at tier-escalation boundaries.
package verify

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/myles1663/lancelot-sub002/pkg/boundary"
	"github.com/myles1663/lancelot-sub002/pkg/canonicalize"
	"github.com/myles1663/lancelot-sub002/pkg/contracts"
)

// Check evaluates one named condition over an execution outcome.
type Check struct {
	Name string
	Fn   func(req contracts.ActionRequest, res contracts.ExecutionResult) (pass bool, detail string)
}

// Registry holds the per-capability check sets.
type Registry struct {
	mu    sync.RWMutex
	sets  map[string][]Check
	clock func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sets:  make(map[string][]Check),
		clock: time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Register appends checks to a capability's set.
func (r *Registry) Register(capability string, checks ...Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets[capability] = append(r.sets[capability], checks...)
}

// Run executes the capability's check set. A capability with no registered
// checks passes vacuously with a single informational entry.
func (r *Registry) Run(req contracts.ActionRequest, res contracts.ExecutionResult, async bool) contracts.VerificationResult {
	r.mu.RLock()
	checks := r.sets[req.Capability]
	r.mu.RUnlock()

	out := contracts.VerificationResult{
		Pass:        true,
		Async:       async,
		CompletedAt: r.clock(),
	}

	if len(checks) == 0 {
		out.Checks = []contracts.CheckResult{{
			Name: "no_checks_registered", Pass: true,
			Detail: "capability has no verification checks",
		}}
		return out
	}

	for _, c := range checks {
		pass, detail := c.Fn(req, res)
		cr := contracts.CheckResult{Name: c.Name, Pass: pass}
		if pass {
			cr.Detail = detail
		} else {
			cr.Reason = detail
			out.Pass = false
		}
		out.Checks = append(out.Checks, cr)
	}
	out.CompletedAt = r.clock()
	return out
}

// DefaultRegistry wires the stock check sets for the built-in capabilities.
func DefaultRegistry(ws *boundary.Workspace) *Registry {
	r := NewRegistry()

	r.Register("fs.write",
		Check{Name: "executor_success", Fn: executorSuccess},
		Check{Name: "content_matches_intent", Fn: func(req contracts.ActionRequest, res contracts.ExecutionResult) (bool, string) {
			declared, ok := req.Params["content"].(string)
			if !ok {
				return true, "no declared content"
			}
			want := canonicalize.HashBytes([]byte(declared))
			if res.AfterHash != want {
				return false, fmt.Sprintf("after-hash %s does not match declared content %s", res.AfterHash, want)
			}
			return true, "after-hash matches declared content"
		}},
		Check{Name: "no_path_escape", Fn: func(req contracts.ActionRequest, res contracts.ExecutionResult) (bool, string) {
			if ws == nil {
				return true, "no workspace configured"
			}
			if _, err := ws.Resolve(req.Target); err != nil {
				return false, err.Error()
			}
			return true, "target inside workspace"
		}},
	)

	r.Register("fs.delete", Check{Name: "executor_success", Fn: executorSuccess})
	r.Register("shell.exec",
		Check{Name: "exit_zero", Fn: func(req contracts.ActionRequest, res contracts.ExecutionResult) (bool, string) {
			if res.ExitCode != 0 {
				return false, fmt.Sprintf("exit code %d", res.ExitCode)
			}
			return true, "exit code 0"
		}},
		Check{Name: "output_bounded", Fn: outputBounded},
	)
	r.Register("git.commit", Check{Name: "exit_zero", Fn: func(req contracts.ActionRequest, res contracts.ExecutionResult) (bool, string) {
		if res.ExitCode != 0 {
			return false, fmt.Sprintf("exit code %d", res.ExitCode)
		}
		return true, "exit code 0"
	}})

	httpOK := Check{Name: "http_status_2xx", Fn: func(req contracts.ActionRequest, res contracts.ExecutionResult) (bool, string) {
		if res.ExitCode < 200 || res.ExitCode >= 300 {
			return false, fmt.Sprintf("status %d", res.ExitCode)
		}
		return true, fmt.Sprintf("status %d", res.ExitCode)
	}}
	r.Register("net.get", httpOK)
	r.Register("net.post", httpOK)

	r.Register("memory.write",
		Check{Name: "executor_success", Fn: executorSuccess},
		Check{Name: "length_bounds", Fn: func(req contracts.ActionRequest, res contracts.ExecutionResult) (bool, string) {
			text, _ := req.Params["text"].(string)
			if len(text) > 64*1024 {
				return false, fmt.Sprintf("entry length %d exceeds bound", len(text))
			}
			return true, "within length bounds"
		}},
		Check{Name: "banned_claims", Fn: func(req contracts.ActionRequest, res contracts.ExecutionResult) (bool, string) {
			text, _ := req.Params["text"].(string)
			for _, banned := range []string{"guaranteed returns", "medical diagnosis"} {
				if strings.Contains(strings.ToLower(text), banned) {
					return false, "banned claim: " + banned
				}
			}
			return true, "no banned claims"
		}},
	)

	return r
}

func executorSuccess(req contracts.ActionRequest, res contracts.ExecutionResult) (bool, string) {
	if !res.Success {
		return false, fmt.Sprintf("executor reported failure (exit=%d)", res.ExitCode)
	}
	return true, "executor reported success"
}

func outputBounded(req contracts.ActionRequest, res contracts.ExecutionResult) (bool, string) {
	const bound = 16 * 1024
	if len(res.Output) > bound {
		return false, fmt.Sprintf("output %d bytes exceeds bound", len(res.Output))
	}
	return true, "output within bound"
}
