package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myles1663/lancelot-sub002/pkg/boundary"
	"github.com/myles1663/lancelot-sub002/pkg/budget"
	"github.com/myles1663/lancelot-sub002/pkg/classifier"
	"github.com/myles1663/lancelot-sub002/pkg/contracts"
	"github.com/myles1663/lancelot-sub002/pkg/executor"
	"github.com/myles1663/lancelot-sub002/pkg/ledger"
	"github.com/myles1663/lancelot-sub002/pkg/policy"
	"github.com/myles1663/lancelot-sub002/pkg/rollback"
	"github.com/myles1663/lancelot-sub002/pkg/sentry"
	"github.com/myles1663/lancelot-sub002/pkg/trust"
	"github.com/myles1663/lancelot-sub002/pkg/verify"
)

const testConstitution = `
version: 1.0.0
denylist:
  - "rm -rf /"
allowlist:
  shell.exec:
    - "make build"
    - "echo ok"
  net.post:
    - "api.example.com"
    - "connector.email"
network:
  allowed_hosts:
    - "example.com"
    - "api.example.com"
    - "connector.email"
  denied_hosts: []
  require_tls: false
`

type harness struct {
	engine   *Engine
	gate     *sentry.Gate
	ledger   *ledger.Ledger
	store    *ledger.MemoryStore
	trust    *trust.Ledger
	sessions *Sessions
	flags    *Flags
	cls      *classifier.Classifier
	root     string
}

type harnessOpts struct {
	exec     executor.Executor
	verifier *verify.Registry
	limits   budget.Limits
	gateWait time.Duration
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	root := t.TempDir()
	ws, err := boundary.NewWorkspace(root)
	require.NoError(t, err)

	c, err := policy.ParseConstitution([]byte(testConstitution))
	require.NoError(t, err)
	store := policy.NewStore(c)

	sessions := NewSessions()
	eval, err := policy.NewEvaluator(store, ws, sessions)
	require.NoError(t, err)
	polEngine := policy.NewEngine(store, eval)

	cls, err := classifier.New(ws, classifier.DefaultDescriptors(), nil, nil)
	require.NoError(t, err)

	if o.gateWait == 0 {
		o.gateWait = 2 * time.Second
	}
	gate := sentry.NewGate(sentry.NewMemoryWhitelist(), o.gateWait)

	local := executor.NewLocal(ws)
	if o.exec == nil {
		o.exec = local
	}
	if o.verifier == nil {
		o.verifier = verify.DefaultRegistry(ws)
	}
	if o.limits == nil {
		o.limits = budget.DefaultLimits()
	}

	memStore := ledger.NewMemoryStore()
	led, err := ledger.NewLedger(memStore)
	require.NoError(t, err)

	tr := trust.NewLedger(graduatorFunc(func(cap, scope string, tier contracts.RiskTier) {
		_ = cls.AmendBaseTier(cap, scope, tier)
	}))

	flags := NewFlags(true, true, true)
	eng, err := New(Deps{
		Classifier: cls,
		Policy:     polEngine,
		Gate:       gate,
		Executor:   o.exec,
		Verifier:   o.verifier,
		Rollback:   rollback.DefaultManager(ws, local.Memory()),
		Ledger:     led,
		Trust:      tr,
		Budget:     budget.NewManager(budget.NewMemoryStore(), o.limits),
		Sessions:   sessions,
		Flags:      flags,
	}, Options{Workers: 4, ExecTimeout: 2 * time.Second})
	require.NoError(t, err)
	eng.sleep = func(context.Context, time.Duration) error { return nil }

	return &harness{
		engine: eng, gate: gate, ledger: led, store: memStore,
		trust: tr, sessions: sessions, flags: flags, cls: cls, root: root,
	}
}

type graduatorFunc func(capability, scope string, tier contracts.RiskTier)

func (f graduatorFunc) AmendBaseTier(capability, scope string, tier contracts.RiskTier) {
	f(capability, scope, tier)
}

func okExec(res contracts.ExecutionResult) executor.Executor {
	return executor.Func(func(context.Context, contracts.ActionRequest, time.Duration) (contracts.ExecutionResult, error) {
		return res, nil
	})
}

func terminalFor(t *testing.T, h *harness, requestID string) contracts.Receipt {
	t.Helper()
	var found []contracts.Receipt
	got, err := h.ledger.Query(ledger.Filter{RequestID: requestID})
	require.NoError(t, err)
	for _, r := range got {
		if r.Status != contracts.StatusPending {
			found = append(found, r)
		}
	}
	require.Len(t, found, 1, "exactly one terminal receipt per request")
	return found[0]
}

func TestReversibleWriteVerifiedAsync(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	rcpt, err := h.engine.Submit(context.Background(), contracts.ActionRequest{
		Capability: "fs.write",
		Target:     "docs/notes.md",
		Params:     map[string]any{"content": "hello"},
		Requester:  "agent",
		SessionID:  "sess-1",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPending, rcpt.Status)
	assert.Empty(t, rcpt.ThisHash)

	require.NoError(t, h.engine.DrainSession(context.Background(), "sess-1"))

	final := terminalFor(t, h, rcpt.RequestID)
	assert.Equal(t, contracts.StatusSuccess, final.Status)
	require.NotNil(t, final.Verification)
	assert.True(t, final.Verification.Async)
	assert.Equal(t, contracts.TierReversible, final.Tier)

	data, err := os.ReadFile(filepath.Join(h.root, "docs/notes.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	report, err := h.ledger.Verify()
	require.NoError(t, err)
	assert.True(t, report.OK)
}

func TestSyncVerificationWhenFlagOff(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.flags.SetAsyncVerify(false)

	rcpt, err := h.engine.Submit(context.Background(), contracts.ActionRequest{
		Capability: "fs.write",
		Target:     "a.txt",
		Params:     map[string]any{"content": "x"},
		SessionID:  "sess-1",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSuccess, rcpt.Status)
	assert.NotEmpty(t, rcpt.ThisHash)
	assert.False(t, rcpt.Verification.Async)
}

func TestPathEscapeDeniedWithoutExecution(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, harnessOpts{
		exec: executor.Func(func(context.Context, contracts.ActionRequest, time.Duration) (contracts.ExecutionResult, error) {
			calls.Add(1)
			return contracts.ExecutionResult{Success: true}, nil
		}),
	})

	rcpt, err := h.engine.Submit(context.Background(), contracts.ActionRequest{
		Capability: "fs.write",
		Target:     "../../etc/passwd",
		Params:     map[string]any{"content": "pwned"},
		SessionID:  "sess-1",
	})
	assert.ErrorIs(t, err, contracts.ErrPolicyDenied)
	assert.Equal(t, contracts.StatusFailure, rcpt.Status)
	assert.Equal(t, contracts.ReasonPathEscape, rcpt.ReasonCode)
	assert.Equal(t, int32(0), calls.Load())
}

func TestUnknownCapabilityRejected(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	rcpt, err := h.engine.Submit(context.Background(), contracts.ActionRequest{
		Capability: "drone.launch",
		Target:     "backyard",
		SessionID:  "sess-1",
	})
	var cerr *contracts.ClassificationError
	assert.ErrorAs(t, err, &cerr)
	assert.Equal(t, contracts.ReasonUnknownCapability, rcpt.ReasonCode)
}

func TestApprovalDeniedNeverExecutes(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, harnessOpts{
		exec: executor.Func(func(context.Context, contracts.ActionRequest, time.Duration) (contracts.ExecutionResult, error) {
			calls.Add(1)
			return contracts.ExecutionResult{Success: true}, nil
		}),
	})

	go func() {
		for len(h.gate.Pending()) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		_ = h.gate.Resolve(h.gate.Pending()[0].Request.ID, "owner", false, false, "not today")
	}()

	rcpt, err := h.engine.Submit(context.Background(), contracts.ActionRequest{
		Capability: "shell.exec",
		Target:     "sh",
		Params:     map[string]any{"command": "make build"},
		SessionID:  "sess-1",
	})
	assert.ErrorIs(t, err, contracts.ErrApprovalDenied)
	assert.Equal(t, contracts.StatusFailure, rcpt.Status)
	assert.Equal(t, contracts.ReasonApprovalDenied, rcpt.ReasonCode)
	require.NotNil(t, rcpt.Approval)
	assert.False(t, rcpt.Approval.Granted)
	assert.Equal(t, int32(0), calls.Load())
}

func TestApprovalTimeoutCancels(t *testing.T) {
	h := newHarness(t, harnessOpts{gateWait: 40 * time.Millisecond})

	rcpt, err := h.engine.Submit(context.Background(), contracts.ActionRequest{
		Capability: "shell.exec",
		Target:     "sh",
		Params:     map[string]any{"command": "make build"},
		SessionID:  "sess-1",
	})
	assert.ErrorIs(t, err, contracts.ErrApprovalTimeout)
	assert.Equal(t, contracts.StatusCancelled, rcpt.Status)
	assert.Equal(t, contracts.ReasonApprovalTimeout, rcpt.ReasonCode)
}

func TestApprovedShellCommandExecutes(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	go func() {
		for len(h.gate.Pending()) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		_ = h.gate.Resolve(h.gate.Pending()[0].Request.ID, "owner", true, false, "fine")
	}()

	rcpt, err := h.engine.Submit(context.Background(), contracts.ActionRequest{
		Capability: "shell.exec",
		Target:     "sh",
		Params:     map[string]any{"command": "echo ok"},
		SessionID:  "sess-1",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSuccess, rcpt.Status)
	assert.Equal(t, "owner", rcpt.Approval.Approver)
	// Controlled tier verifies synchronously even with the async flag on.
	assert.False(t, rcpt.Verification.Async)
}

func TestEscalationDrainsOutstandingVerification(t *testing.T) {
	release := make(chan struct{})
	reg := verify.NewRegistry()
	reg.Register("fs.write", verify.Check{
		Name: "slow_check",
		Fn: func(contracts.ActionRequest, contracts.ExecutionResult) (bool, string) {
			<-release
			return true, "ok"
		},
	})

	h := newHarness(t, harnessOpts{
		exec:     okExec(contracts.ExecutionResult{Success: true, ExitCode: 200}),
		verifier: reg,
	})

	pending, err := h.engine.Submit(context.Background(), contracts.ActionRequest{
		Capability: "fs.write",
		Target:     "draft.txt",
		Params:     map[string]any{"content": "v1"},
		SessionID:  "sess-1",
	})
	require.NoError(t, err)
	require.Equal(t, contracts.StatusPending, pending.Status)

	done := make(chan contracts.Receipt, 1)
	go func() {
		r, _ := h.engine.Submit(context.Background(), contracts.ActionRequest{
			ID:         "t3-req",
			Capability: "net.post",
			Target:     "connector.email",
			Params:     map[string]any{"body": "hi"},
			SessionID:  "sess-1",
		})
		done <- r
	}()

	// While the T1 verification is outstanding the T3 request must not
	// reach the approval gate.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.gate.Pending())

	close(release)
	require.Eventually(t, func() bool { return len(h.gate.Pending()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.gate.Resolve("t3-req", "owner", true, false, "send it"))

	rcpt := <-done
	assert.Equal(t, contracts.StatusSuccess, rcpt.Status)

	// The T1 terminal receipt chained before the T3 one.
	t1 := terminalFor(t, h, pending.RequestID)
	assert.Less(t, t1.Sequence, rcpt.Sequence)
}

func TestSameScopeBlockedWhileAsyncVerifying(t *testing.T) {
	release := make(chan struct{})
	reg := verify.NewRegistry()
	reg.Register("fs.write", verify.Check{
		Name: "slow_check",
		Fn: func(contracts.ActionRequest, contracts.ExecutionResult) (bool, string) {
			<-release
			return true, "ok"
		},
	})
	h := newHarness(t, harnessOpts{verifier: reg})

	pending, err := h.engine.Submit(context.Background(), contracts.ActionRequest{
		Capability: "fs.write", Target: "dir/a.txt",
		Params: map[string]any{"content": "1"}, SessionID: "sess-1",
	})
	require.NoError(t, err)
	require.Equal(t, contracts.StatusPending, pending.Status)

	// The scope stays locked until the first write's verification settles.
	rcpt, err := h.engine.Submit(context.Background(), contracts.ActionRequest{
		Capability: "fs.write", Target: "dir/b.txt",
		Params: map[string]any{"content": "2"}, SessionID: "sess-1",
	})
	assert.ErrorIs(t, err, contracts.ErrConcurrentBlocked)
	assert.Equal(t, contracts.ReasonConcurrentBlocked, rcpt.ReasonCode)

	close(release)
	require.NoError(t, h.engine.DrainSession(context.Background(), "sess-1"))

	final := terminalFor(t, h, pending.RequestID)
	assert.Equal(t, contracts.StatusSuccess, final.Status)

	// With the verification settled the scope is free again.
	rcpt, err = h.engine.Submit(context.Background(), contracts.ActionRequest{
		Capability: "fs.write", Target: "dir/c.txt",
		Params: map[string]any{"content": "3"}, SessionID: "sess-1",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPending, rcpt.Status)
	require.NoError(t, h.engine.DrainSession(context.Background(), "sess-1"))
}

func TestVerificationFailureRollsBack(t *testing.T) {
	reg := verify.NewRegistry()
	reg.Register("fs.write", verify.Check{
		Name: "always_fails",
		Fn: func(contracts.ActionRequest, contracts.ExecutionResult) (bool, string) {
			return false, "content rejected"
		},
	})
	h := newHarness(t, harnessOpts{verifier: reg})
	h.flags.SetAsyncVerify(false)

	require.NoError(t, os.WriteFile(filepath.Join(h.root, "cfg.yaml"), []byte("original"), 0o600))

	rcpt, err := h.engine.Submit(context.Background(), contracts.ActionRequest{
		Capability: "fs.write",
		Target:     "cfg.yaml",
		Params:     map[string]any{"content": "mangled"},
		SessionID:  "sess-1",
	})
	assert.Error(t, err)
	assert.Equal(t, contracts.StatusFailure, rcpt.Status)
	assert.Equal(t, contracts.ReasonVerificationFailed, rcpt.ReasonCode)
	require.NotNil(t, rcpt.Rollback)
	assert.Equal(t, contracts.RollbackSucceeded, rcpt.Rollback.Outcome)

	data, err := os.ReadFile(filepath.Join(h.root, "cfg.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestAsyncVerificationFailureRollsBack(t *testing.T) {
	reg := verify.NewRegistry()
	reg.Register("fs.write", verify.Check{
		Name: "always_fails",
		Fn: func(contracts.ActionRequest, contracts.ExecutionResult) (bool, string) {
			return false, "content rejected"
		},
	})
	h := newHarness(t, harnessOpts{verifier: reg})

	require.NoError(t, os.WriteFile(filepath.Join(h.root, "cfg.yaml"), []byte("original"), 0o600))

	pending, err := h.engine.Submit(context.Background(), contracts.ActionRequest{
		Capability: "fs.write",
		Target:     "cfg.yaml",
		Params:     map[string]any{"content": "mangled"},
		SessionID:  "sess-1",
	})
	require.NoError(t, err)
	require.Equal(t, contracts.StatusPending, pending.Status)

	require.NoError(t, h.engine.DrainSession(context.Background(), "sess-1"))

	final := terminalFor(t, h, pending.RequestID)
	assert.Equal(t, contracts.StatusFailure, final.Status)
	assert.Equal(t, contracts.ReasonVerificationFailed, final.ReasonCode)
	require.NotNil(t, final.Verification)
	assert.True(t, final.Verification.Async)
	require.NotNil(t, final.Rollback)
	assert.Equal(t, contracts.RollbackSucceeded, final.Rollback.Outcome)

	data, err := os.ReadFile(filepath.Join(h.root, "cfg.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestConcurrentExecutionBlocked(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, harnessOpts{
		exec: executor.Func(func(ctx context.Context, req contracts.ActionRequest, _ time.Duration) (contracts.ExecutionResult, error) {
			close(started)
			<-release
			return contracts.ExecutionResult{Success: true}, nil
		}),
	})
	h.flags.SetAsyncVerify(false)

	go func() {
		_, _ = h.engine.Submit(context.Background(), contracts.ActionRequest{
			Capability: "fs.write", Target: "dir/a.txt",
			Params: map[string]any{"content": "1"}, SessionID: "sess-1",
		})
	}()
	<-started

	rcpt, err := h.engine.Submit(context.Background(), contracts.ActionRequest{
		Capability: "fs.write", Target: "dir/b.txt",
		Params: map[string]any{"content": "2"}, SessionID: "sess-1",
	})
	assert.ErrorIs(t, err, contracts.ErrConcurrentBlocked)
	assert.Equal(t, contracts.ReasonConcurrentBlocked, rcpt.ReasonCode)
	close(release)
}

func TestBudgetExhaustion(t *testing.T) {
	h := newHarness(t, harnessOpts{
		limits: budget.Limits{contracts.TierReversible: 1},
		exec:   okExec(contracts.ExecutionResult{Success: true}),
	})
	h.flags.SetAsyncVerify(false)

	_, err := h.engine.Submit(context.Background(), contracts.ActionRequest{
		Capability: "fs.write", Target: "a.txt",
		Params: map[string]any{"content": "1"}, SessionID: "sess-1",
	})
	require.NoError(t, err)

	rcpt, err := h.engine.Submit(context.Background(), contracts.ActionRequest{
		Capability: "fs.write", Target: "b.txt",
		Params: map[string]any{"content": "2"}, SessionID: "sess-1",
	})
	assert.ErrorIs(t, err, contracts.ErrBudgetExhausted)
	assert.Equal(t, contracts.ReasonBudgetExhausted, rcpt.ReasonCode)
}

func TestCancelWhileAwaitingApproval(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	done := make(chan contracts.Receipt, 1)
	go func() {
		r, _ := h.engine.Submit(context.Background(), contracts.ActionRequest{
			ID:         "cancel-me",
			Capability: "shell.exec",
			Target:     "sh",
			Params:     map[string]any{"command": "make build"},
			SessionID:  "sess-1",
		})
		done <- r
	}()

	require.Eventually(t, func() bool {
		s, ok := h.engine.Status("cancel-me")
		return ok && s == StateAwaitingApproval
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.engine.Cancel("cancel-me"))

	rcpt := <-done
	assert.Equal(t, contracts.StatusCancelled, rcpt.Status)
	assert.Equal(t, contracts.ReasonCancelledByCaller, rcpt.ReasonCode)
}

func TestTieringMasterSwitchRunsPlainPath(t *testing.T) {
	h := newHarness(t, harnessOpts{
		exec:     okExec(contracts.ExecutionResult{Success: true, ExitCode: 200}),
		gateWait: 40 * time.Millisecond,
	})
	h.flags.SetTiering(false)

	// An inert read executes synchronously and chains its receipt.
	rcpt, err := h.engine.Submit(context.Background(), contracts.ActionRequest{
		Capability: "fs.read",
		Target:     "a.txt",
		SessionID:  "sess-1",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSuccess, rcpt.Status)
	assert.NotEmpty(t, rcpt.ThisHash)
	assert.False(t, rcpt.Verification.Async)
	assert.Equal(t, contracts.TierInert, rcpt.Tier)
	assert.Empty(t, h.gate.Pending())

	// Even irreversible-tier work bypasses the approval gate on the
	// plain path; policy evaluation still applies.
	rcpt, err = h.engine.Submit(context.Background(), contracts.ActionRequest{
		Capability: "net.post",
		Target:     "connector.email",
		Params:     map[string]any{"body": "digest"},
		SessionID:  "sess-1",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSuccess, rcpt.Status)
	assert.Equal(t, contracts.TierIrreversible, rcpt.Tier)
	assert.Nil(t, rcpt.Approval)
	assert.Empty(t, h.gate.Pending())
}

func TestTransientFaultRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, harnessOpts{
		exec: executor.Func(func(context.Context, contracts.ActionRequest, time.Duration) (contracts.ExecutionResult, error) {
			if calls.Add(1) < 3 {
				return contracts.ExecutionResult{}, &contracts.ExecutorFault{
					Capability: "net.get", Transient: true, Err: errors.New("upstream 503"),
				}
			}
			return contracts.ExecutionResult{Success: true, ExitCode: 200}, nil
		}),
	})
	h.flags.SetAsyncVerify(false)

	rcpt, err := h.engine.Submit(context.Background(), contracts.ActionRequest{
		Capability: "net.get",
		Target:     "https://example.com/data",
		SessionID:  "sess-1",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSuccess, rcpt.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNonRetryableCapabilityFailsOnce(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, harnessOpts{
		exec: executor.Func(func(context.Context, contracts.ActionRequest, time.Duration) (contracts.ExecutionResult, error) {
			calls.Add(1)
			return contracts.ExecutionResult{}, &contracts.ExecutorFault{
				Capability: "fs.write", Transient: true, Err: errors.New("disk wobble"),
			}
		}),
	})
	h.flags.SetAsyncVerify(false)

	rcpt, err := h.engine.Submit(context.Background(), contracts.ActionRequest{
		Capability: "fs.write", Target: "a.txt",
		Params: map[string]any{"content": "1"}, SessionID: "sess-1",
	})
	assert.Error(t, err)
	assert.Equal(t, contracts.ReasonExecutorFault, rcpt.ReasonCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSecretsRedactedInReceipts(t *testing.T) {
	h := newHarness(t, harnessOpts{exec: okExec(contracts.ExecutionResult{Success: true, ExitCode: 201})})
	h.flags.SetAsyncVerify(false)

	go func() {
		for len(h.gate.Pending()) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		_ = h.gate.Resolve(h.gate.Pending()[0].Request.ID, "owner", true, false, "ok")
	}()

	rcpt, err := h.engine.Submit(context.Background(), contracts.ActionRequest{
		Capability: "net.post",
		Target:     "https://api.example.com/send",
		Params:     map[string]any{"body": "hello", "api_key": "sk-123"},
		SessionID:  "sess-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "[redacted]", rcpt.Inputs["api_key"])
	assert.Equal(t, "hello", rcpt.Inputs["body"])
}

func TestTrustFeedsGraduation(t *testing.T) {
	h := newHarness(t, harnessOpts{exec: okExec(contracts.ExecutionResult{Success: true, ExitCode: 200})})
	h.flags.SetAsyncVerify(false)
	h.trust.WithThreshold(3)

	for i := 0; i < 3; i++ {
		go func() {
			for len(h.gate.Pending()) == 0 {
				time.Sleep(5 * time.Millisecond)
			}
			_ = h.gate.Resolve(h.gate.Pending()[0].Request.ID, "owner", true, false, "ok")
		}()
		_, err := h.engine.Submit(context.Background(), contracts.ActionRequest{
			Capability: "net.post",
			Target:     "connector.email",
			Params:     map[string]any{"body": "digest"},
			SessionID:  "sess-1",
		})
		require.NoError(t, err)
	}

	pending := h.trust.Proposals(contracts.ProposalPending)
	require.Len(t, pending, 1)
	assert.Equal(t, contracts.ProposalTierGraduation, pending[0].Kind)

	_, err := h.trust.Accept(pending[0].ID)
	require.NoError(t, err)

	// The pair now classifies at T2 instead of T3.
	c, err := h.cls.Classify(contracts.ActionRequest{
		Capability: "net.post", Target: "connector.email",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.TierControlled, c.Tier)
}
