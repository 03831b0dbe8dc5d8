package contracts

import (
	"errors"
	"fmt"
)

// Machine-checkable reason codes. Every denial, cancellation, and failure
// carries exactly one of these in its receipt.
const (
	ReasonDenylistMatch        = "denylist_match"
	ReasonAllowlistMissing     = "allowlist_missing"
	ReasonPathEscape           = "path_escape"
	ReasonSymlinkEscape        = "symlink_escape"
	ReasonPriorFailure         = "prior_failure_unresolved"
	ReasonConstitutionDeny     = "constitution_deny"
	ReasonApprovalDenied       = "approval_denied"
	ReasonApprovalTimeout      = "approval_timeout"
	ReasonExecutorTimeout      = "executor_timeout"
	ReasonExecutorFault        = "executor_fault"
	ReasonVerificationFailed   = "verification_failed"
	ReasonRollbackFailed       = "rollback_failed"
	ReasonConcurrentBlocked    = "concurrent_execution_blocked"
	ReasonBudgetExhausted      = "budget_exhausted"
	ReasonCancelledByCaller    = "cancelled_by_caller"
	ReasonUnknownCapability    = "unknown_capability"
	ReasonChainHalted          = "chain_integrity_halt"
)

// Sentinel errors for the governance error taxonomy. Components wrap these
// with %w so callers can branch with errors.Is.
var (
	// ErrPolicyDenied is expected, not a bug: the request is recorded as
	// FAILURE with its reason code and never retried.
	ErrPolicyDenied = errors.New("policy denied")

	// ErrApprovalTimeout resolves the request as CANCELLED. An unanswered
	// prompt never resolves to implicit allow.
	ErrApprovalTimeout = errors.New("approval timed out")

	// ErrApprovalDenied is terminal for the request; the same request must
	// be resubmitted to be considered again.
	ErrApprovalDenied = errors.New("approval denied")

	// ErrExecutorTimeout marks an execution that exceeded its hard timeout.
	ErrExecutorTimeout = errors.New("executor timed out")

	// ErrConcurrentBlocked rejects a second in-flight execution for the
	// same (capability, scope). The request is not queued silently.
	ErrConcurrentBlocked = errors.New("concurrent execution blocked")

	// ErrCancelled reports a caller cancellation honored before EXECUTING.
	ErrCancelled = errors.New("request cancelled")

	// ErrBudgetExhausted blocks execution when a tier's daily action budget
	// is spent. Fails closed: a budget store error also surfaces as this.
	ErrBudgetExhausted = errors.New("action budget exhausted")

	// ErrChainIntegrity is fatal to the ledger, not to a single request:
	// appends halt and new T2/T3 approvals are refused until resolved.
	ErrChainIntegrity = errors.New("receipt chain integrity violation")

	// ErrRollbackFailed is always surfaced and never retried automatically;
	// the action is in an unknown, non-reverted state.
	ErrRollbackFailed = errors.New("rollback failed")
)

// ClassificationError rejects a request whose capability is not registered.
// Unrecognized capabilities are never defaulted to T0.
type ClassificationError struct {
	Capability string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("unrecognized capability %q", e.Capability)
}

// ExecutorFault wraps an executor-side failure with enough detail for the
// retry policy to classify it.
type ExecutorFault struct {
	Capability string
	ExitCode   int
	Transient  bool
	Err        error
}

func (e *ExecutorFault) Error() string {
	return fmt.Sprintf("executor fault for %s (exit=%d, transient=%v): %v",
		e.Capability, e.ExitCode, e.Transient, e.Err)
}

func (e *ExecutorFault) Unwrap() error { return e.Err }
