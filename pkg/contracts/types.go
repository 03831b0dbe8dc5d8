// Package contracts defines the shared data model of the governance engine:
// action requests, risk tiers, policy decisions, approvals, execution and
// verification results, rollback records, receipts, and trust state.
//
// Everything here is a plain value type. Components communicate exclusively
// through these contracts; none of them carry behavior beyond small
// derivation helpers.
package contracts

import (
	"fmt"
	"time"
)

// RiskTier is the ordered classification of an action's reversibility and
// impact. The total order T0 < T1 < T2 < T3 governs escalation: within one
// request's lifecycle the effective tier may only increase.
type RiskTier int

const (
	// TierInert (T0): no side effects, e.g. reads.
	TierInert RiskTier = iota
	// TierReversible (T1): side-effecting but mechanically undoable.
	TierReversible
	// TierControlled (T2): side-effecting, undo needs judgment.
	TierControlled
	// TierIrreversible (T3): cannot be undone once executed.
	TierIrreversible
)

// String returns the wire form ("T0".."T3").
func (t RiskTier) String() string {
	switch t {
	case TierInert:
		return "T0"
	case TierReversible:
		return "T1"
	case TierControlled:
		return "T2"
	case TierIrreversible:
		return "T3"
	default:
		return fmt.Sprintf("T?(%d)", int(t))
	}
}

// ParseTier parses the wire form produced by String.
func ParseTier(s string) (RiskTier, error) {
	switch s {
	case "T0":
		return TierInert, nil
	case "T1":
		return TierReversible, nil
	case "T2":
		return TierControlled, nil
	case "T3":
		return TierIrreversible, nil
	}
	return TierInert, fmt.Errorf("unknown risk tier %q", s)
}

// MarshalText implements encoding.TextMarshaler so tiers serialize as "T2",
// not as bare integers, in receipts and API payloads.
func (t RiskTier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *RiskTier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ActionRequest is one requested side-effecting operation. Immutable once
// created; the pipeline never mutates it.
type ActionRequest struct {
	ID         string         `json:"id"`
	Capability string         `json:"capability"` // e.g. "fs.write", "shell.exec", "net.post"
	Target     string         `json:"target"`     // path, URL, or resource identifier
	Params     map[string]any `json:"params,omitempty"`
	Requester  string         `json:"requester"`
	SessionID  string         `json:"session_id"`
	ParentID   string         `json:"parent_id,omitempty"` // quest/plan linkage, child holds parent id
	OwnerGated bool           `json:"owner_gated,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
}

// EvalSource records how a policy decision was produced.
type EvalSource string

const (
	SourceCacheHit       EvalSource = "cache_hit"
	SourceFullEvaluation EvalSource = "full_evaluation"
)

// PolicyDecision is the allow/deny outcome for one request. Produced once
// per request and never mutated.
type PolicyDecision struct {
	Allow         bool       `json:"allow"`
	ReasonCode    string     `json:"reason_code,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Tier          RiskTier   `json:"tier"`
	Source        EvalSource `json:"source"`
	PolicyVersion string     `json:"policy_version"`
}

// ApprovalRecord captures one human (or whitelist/auto-rule) decision on a
// gated request.
type ApprovalRecord struct {
	RequestID  string    `json:"request_id"`
	Granted    bool      `json:"granted"`
	Approver   string    `json:"approver"`
	Timestamp  time.Time `json:"timestamp"`
	Reason     string    `json:"reason,omitempty"`
	Repeatable bool      `json:"repeatable,omitempty"`
	// Signature is the content hash of (capability + target + param keys);
	// a standing approval only matches a materially identical action.
	Signature string `json:"signature,omitempty"`
}

// ExecutionResult is the external executor's output for one attempt.
type ExecutionResult struct {
	Success  bool          `json:"success"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output,omitempty"` // bounded, see executor.MaxOutputBytes
	Duration time.Duration `json:"duration_ns"`

	// Before/after content hashes for file-affecting actions.
	BeforeHash string `json:"before_hash,omitempty"`
	AfterHash  string `json:"after_hash,omitempty"`
	// Created reports that the target did not exist before execution.
	Created bool `json:"created,omitempty"`

	// PriorContent is the pre-execution byte snapshot captured at
	// EXECUTING-entry for reversible file actions. Never serialized into
	// receipts; it exists only so the rollback strategy can restore it.
	PriorContent []byte `json:"-"`
	// RevertHandle is an opaque undo token issued by external subsystems
	// (e.g. the memory store's own undo log).
	RevertHandle string `json:"revert_handle,omitempty"`
}

// CheckResult is one named boolean verification check.
type CheckResult struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Detail string `json:"detail,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// VerificationResult is the outcome of a post-execution verification run.
// All checks must pass for an overall pass.
type VerificationResult struct {
	Pass        bool          `json:"pass"`
	Checks      []CheckResult `json:"checks"`
	Async       bool          `json:"async"`
	CompletedAt time.Time     `json:"completed_at"`
}

// RollbackOutcome is the terminal outcome of one rollback attempt.
type RollbackOutcome string

const (
	RollbackSucceeded RollbackOutcome = "succeeded"
	RollbackFailed    RollbackOutcome = "failed"
)

// RollbackRecord documents one rollback attempt.
type RollbackRecord struct {
	RequestID string          `json:"request_id"`
	Strategy  string          `json:"strategy"`
	Outcome   RollbackOutcome `json:"outcome"`
	Note      string          `json:"note,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ReceiptStatus is the terminal status of a governed action.
type ReceiptStatus string

const (
	StatusPending   ReceiptStatus = "PENDING"
	StatusSuccess   ReceiptStatus = "SUCCESS"
	StatusFailure   ReceiptStatus = "FAILURE"
	StatusCancelled ReceiptStatus = "CANCELLED"
)

// Receipt is the terminal, immutable record of one ActionRequest's full
// lifecycle. Once ThisHash is computed no field may change; the ledger
// enforces write-once semantics.
type Receipt struct {
	ReceiptID  string        `json:"receipt_id"`
	RequestID  string        `json:"request_id"`
	SessionID  string        `json:"session_id"`
	ParentID   string        `json:"parent_id,omitempty"`
	Capability string        `json:"capability"`
	Target     string        `json:"target"` // redacted before persistence
	Scope      string        `json:"scope"`
	Tier       RiskTier      `json:"tier"`
	Status     ReceiptStatus `json:"status"`
	ReasonCode string        `json:"reason_code,omitempty"`

	SubmittedAt time.Time `json:"submitted_at"`
	FinalizedAt time.Time `json:"finalized_at"`
	DurationMs  int64     `json:"duration_ms"`
	CostTokens  int64     `json:"cost_tokens,omitempty"`

	Inputs       map[string]any      `json:"inputs,omitempty"` // redacted
	OutputDigest string              `json:"output_digest,omitempty"`
	Decision     *PolicyDecision     `json:"decision,omitempty"`
	Approval     *ApprovalRecord     `json:"approval,omitempty"`
	Verification *VerificationResult `json:"verification,omitempty"`
	Rollback     *RollbackRecord     `json:"rollback,omitempty"`
	RollbackFailed bool              `json:"rollback_failed,omitempty"`

	// Hash chain fields, set by the ledger at append time.
	Sequence uint64 `json:"sequence"`
	PrevHash string `json:"prev_hash"`
	ThisHash string `json:"this_hash"`
}

// TrustRecord is the per-(capability, scope) reliability statistic derived
// from finalized receipts.
type TrustRecord struct {
	Capability string   `json:"capability"`
	Scope      string   `json:"scope"`
	CurrentTier RiskTier `json:"current_tier"`
	DefaultTier RiskTier `json:"default_tier"`

	ConsecutiveSuccesses int   `json:"consecutive_successes"`
	Successes            int64 `json:"successes"`
	Failures             int64 `json:"failures"`
	Rollbacks            int64 `json:"rollbacks"`

	SuccessRate float64   `json:"success_rate"`
	Eligible    bool      `json:"eligible"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProposalKind distinguishes the autonomy proposal variants.
type ProposalKind string

const (
	ProposalTierGraduation   ProposalKind = "tier_graduation"
	ProposalAutoApprovalRule ProposalKind = "auto_approval_rule"
)

// ProposalStatus is the lifecycle of an autonomy proposal.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalDeclined ProposalStatus = "declined"
)

// ProposalEvidence summarizes the receipt history backing a proposal.
type ProposalEvidence struct {
	Streak    int   `json:"streak"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Rollbacks int64 `json:"rollbacks"`
}

// AutonomyProposal is an owner-facing suggestion to widen autonomy for a
// (capability, scope) pair. Proposals never self-activate.
type AutonomyProposal struct {
	ID         string         `json:"id"`
	Kind       ProposalKind   `json:"kind"`
	Capability string         `json:"capability"`
	Scope      string         `json:"scope"`

	FromTier RiskTier `json:"from_tier,omitempty"`
	ToTier   RiskTier `json:"to_tier,omitempty"`

	Confidence float64          `json:"confidence"`
	Evidence   ProposalEvidence `json:"evidence"`

	// Caps apply to auto-approval rules only. Once either cap is reached,
	// matching requests revert to full approval-gate treatment.
	DailyCap    int `json:"daily_cap,omitempty"`
	LifetimeCap int `json:"lifetime_cap,omitempty"`

	Status    ProposalStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}
