// Package pipeline drives a governed action through its lifecycle:
//
//	RECEIVED -> CLASSIFIED -> POLICY_EVALUATED -> [AWAITING_APPROVAL] ->
//	EXECUTING -> VERIFYING -> [ROLLING_BACK] -> TERMINAL
//
// Every request ends in exactly one terminal receipt on the hash chain.
// Escalation to a controlled or irreversible tier first drains the
// session's outstanding asynchronous verifications, so higher-risk work
// never starts on unverified ground.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/myles1663/lancelot-sub002/pkg/budget"
	"github.com/myles1663/lancelot-sub002/pkg/canonicalize"
	"github.com/myles1663/lancelot-sub002/pkg/classifier"
	"github.com/myles1663/lancelot-sub002/pkg/contracts"
	"github.com/myles1663/lancelot-sub002/pkg/executor"
	"github.com/myles1663/lancelot-sub002/pkg/ledger"
	"github.com/myles1663/lancelot-sub002/pkg/observability"
	"github.com/myles1663/lancelot-sub002/pkg/policy"
	"github.com/myles1663/lancelot-sub002/pkg/rollback"
	"github.com/myles1663/lancelot-sub002/pkg/sentry"
	"github.com/myles1663/lancelot-sub002/pkg/trust"
	"github.com/myles1663/lancelot-sub002/pkg/verify"
)

// Sessions tracks per-session failure state shared between the pipeline and
// the policy evaluator. An unresolved reversible failure blocks new T2/T3
// work in the session until the owner resolves it.
type Sessions struct {
	mu         sync.Mutex
	unresolved map[string]struct{} // sessionID \x00 capability \x00 scope
}

// NewSessions returns an empty tracker.
func NewSessions() *Sessions {
	return &Sessions{unresolved: make(map[string]struct{})}
}

func sessKey(sessionID, capability, scope string) string {
	return sessionID + "\x00" + capability + "\x00" + scope
}

// UnresolvedFailure implements policy.SessionState.
func (s *Sessions) UnresolvedFailure(sessionID, capability, scope string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.unresolved[sessKey(sessionID, capability, scope)]
	return ok
}

// RecordFailure marks an unresolved failure for the triple.
func (s *Sessions) RecordFailure(sessionID, capability, scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unresolved[sessKey(sessionID, capability, scope)] = struct{}{}
}

// Resolve clears an unresolved failure, typically after owner review or a
// successful rollback.
func (s *Sessions) Resolve(sessionID, capability, scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.unresolved, sessKey(sessionID, capability, scope))
}

// Reset clears all failure state for a session.
func (s *Sessions) Reset(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.unresolved {
		if len(k) > len(sessionID) && k[:len(sessionID)+1] == sessionID+"\x00" {
			delete(s.unresolved, k)
		}
	}
}

// Options tune the engine.
type Options struct {
	Workers     int
	ExecTimeout time.Duration
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.ExecTimeout <= 0 {
		o.ExecTimeout = 60 * time.Second
	}
}

// Engine composes the governance components into the request lifecycle.
type Engine struct {
	classifier *classifier.Classifier
	policy     *policy.Engine
	gate       *sentry.Gate
	exec       executor.Executor
	verifier   *verify.Registry
	asyncRun   *verify.Runner
	rollback   *rollback.Manager
	ledger     *ledger.Ledger
	trust      *trust.Ledger
	budget     *budget.Manager
	sessions   *Sessions
	flags      *Flags
	tel        *observability.Telemetry
	log        *slog.Logger

	opts  Options
	clock func() time.Time
	sleep sleeper
	sem   chan struct{}

	mu       sync.Mutex
	inflight map[string]struct{} // capability \x00 scope single-flight
	requests map[string]*reqState
}

// Deps are the engine's collaborators. All fields are required except
// Trust, Budget and Telemetry.
type Deps struct {
	Classifier *classifier.Classifier
	Policy     *policy.Engine
	Gate       *sentry.Gate
	Executor   executor.Executor
	Verifier   *verify.Registry
	Rollback   *rollback.Manager
	Ledger     *ledger.Ledger
	Trust      *trust.Ledger
	Budget     *budget.Manager
	Sessions   *Sessions
	Flags      *Flags
	Telemetry  *observability.Telemetry
	Logger     *slog.Logger
}

// New builds the engine. The policy engine's caching hook is bound to the
// runtime flags here.
func New(deps Deps, opts Options) (*Engine, error) {
	opts.defaults()
	switch {
	case deps.Classifier == nil, deps.Policy == nil, deps.Gate == nil,
		deps.Executor == nil, deps.Verifier == nil, deps.Rollback == nil,
		deps.Ledger == nil, deps.Sessions == nil, deps.Flags == nil:
		return nil, errors.New("pipeline: missing required dependency")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	e := &Engine{
		classifier: deps.Classifier,
		policy:     deps.Policy,
		gate:       deps.Gate,
		exec:       deps.Executor,
		verifier:   deps.Verifier,
		asyncRun:   verify.NewRunner(),
		rollback:   deps.Rollback,
		ledger:     deps.Ledger,
		trust:      deps.Trust,
		budget:     deps.Budget,
		sessions:   deps.Sessions,
		flags:      deps.Flags,
		tel:        deps.Telemetry,
		log:        deps.Logger,
		opts:       opts,
		clock:      time.Now,
		sleep:      realSleep,
		sem:        make(chan struct{}, opts.Workers),
		inflight:   make(map[string]struct{}),
		requests:   make(map[string]*reqState),
	}
	deps.Policy.CachingEnabled = deps.Flags.Caching
	return e, nil
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Flags exposes the runtime flags for the API layer.
func (e *Engine) Flags() *Flags { return e.flags }

// Status reports the lifecycle state of an in-flight request.
func (e *Engine) Status(requestID string) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.requests[requestID]
	if !ok {
		return "", false
	}
	return rs.current(), true
}

// Cancel requests cancellation. Honored only before execution starts; a
// request that has reached EXECUTING runs to completion.
func (e *Engine) Cancel(requestID string) error {
	e.mu.Lock()
	rs, ok := e.requests[requestID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("pipeline: no in-flight request %s", requestID)
	}
	if !rs.cancel() {
		return fmt.Errorf("pipeline: request %s already executing, cancellation refused", requestID)
	}
	return nil
}

// ResolveFailure clears an unresolved session failure after owner review.
func (e *Engine) ResolveFailure(sessionID, capability, scope string) {
	e.sessions.Resolve(sessionID, capability, scope)
}

// DrainSession blocks until all asynchronous verifications for the session
// have completed. Used at session teardown.
func (e *Engine) DrainSession(ctx context.Context, sessionID string) error {
	return e.asyncRun.Drain(ctx, sessionID)
}

// Submit drives one request through the full lifecycle and returns its
// receipt. For T0/T1 requests with asynchronous verification enabled, the
// returned receipt is PENDING and the terminal receipt is chained when
// verification completes. Denials and faults return both the terminal
// receipt and the classifying error.
func (e *Engine) Submit(ctx context.Context, req contracts.ActionRequest) (contracts.Receipt, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = e.clock()
	}

	ctx, span := e.startSpan(ctx, req)
	defer span.End()

	rs := &reqState{state: StateReceived}
	e.mu.Lock()
	if _, dup := e.requests[req.ID]; dup {
		e.mu.Unlock()
		return contracts.Receipt{}, fmt.Errorf("pipeline: duplicate request id %s", req.ID)
	}
	e.requests[req.ID] = rs
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.requests, req.ID)
		e.mu.Unlock()
	}()

	// Bounded worker pool.
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return e.finalize(req, classifier.Classification{}, receiptParts{
			status: contracts.StatusCancelled, reason: contracts.ReasonCancelledByCaller,
		}), ctx.Err()
	}
	defer func() { <-e.sem }()

	if rs.isCancelled() {
		return e.finalize(req, classifier.Classification{}, receiptParts{
			status: contracts.StatusCancelled, reason: contracts.ReasonCancelledByCaller,
		}), contracts.ErrCancelled
	}

	// CLASSIFIED
	cls, err := e.classifier.Classify(req)
	if err != nil {
		return e.finalize(req, cls, receiptParts{
			status: contracts.StatusFailure, reason: contracts.ReasonUnknownCapability,
		}), err
	}
	// With the master switch off, requests keep their classified tier for
	// the receipt but take the plain synchronous path: no approval gate,
	// no tier boundary, no asynchronous verification.
	tiered := e.flags.Tiering()
	if !tiered {
		cls.AppliedRules = append(cls.AppliedRules, "tiering_disabled")
	}
	rs.to(StateClassified)
	span.SetAttributes(attribute.String("tier", cls.Tier.String()), attribute.String("scope", cls.Scope))

	if rs.isCancelled() {
		return e.finalize(req, cls, receiptParts{
			status: contracts.StatusCancelled, reason: contracts.ReasonCancelledByCaller,
		}), contracts.ErrCancelled
	}

	// POLICY_EVALUATED
	dec, err := e.policy.Decide(ctx, req, cls)
	if err != nil {
		return e.finalize(req, cls, receiptParts{
			status: contracts.StatusFailure, reason: contracts.ReasonConstitutionDeny, decision: &dec,
		}), err
	}
	e.countCache(ctx, dec)
	if !dec.Allow {
		rcpt := e.finalize(req, cls, receiptParts{
			status: contracts.StatusFailure, reason: dec.ReasonCode, decision: &dec,
		})
		return rcpt, fmt.Errorf("%w: %s", contracts.ErrPolicyDenied, dec.Reason)
	}
	if dec.Tier > cls.Tier {
		// A constitutional minimum-tier rule raised the effective tier.
		cls.Tier = dec.Tier
		cls.AppliedRules = append(cls.AppliedRules, "constitution_min_tier")
	}
	rs.to(StatePolicyEvaluated)

	if e.budget != nil {
		if err := e.budget.Consume(ctx, cls.Tier); err != nil {
			return e.finalize(req, cls, receiptParts{
				status: contracts.StatusFailure, reason: contracts.ReasonBudgetExhausted, decision: &dec,
			}), err
		}
	}

	// Tier boundary: controlled and irreversible work waits for the
	// session's outstanding asynchronous verifications, and refuses to
	// proceed over a halted chain.
	var approval *contracts.ApprovalRecord
	if tiered && (cls.Tier >= contracts.TierControlled || req.OwnerGated) {
		if err := e.asyncRun.Drain(ctx, req.SessionID); err != nil {
			return e.finalize(req, cls, receiptParts{
				status: contracts.StatusCancelled, reason: contracts.ReasonCancelledByCaller, decision: &dec,
			}), err
		}
		if e.ledger.Halted() {
			return e.finalize(req, cls, receiptParts{
				status: contracts.StatusFailure, reason: contracts.ReasonChainHalted, decision: &dec,
			}), contracts.ErrChainIntegrity
		}
		// The drain may have surfaced an unresolved failure; re-evaluate
		// before engaging a human.
		if e.sessions.UnresolvedFailure(req.SessionID, req.Capability, cls.Scope) {
			rcpt := e.finalize(req, cls, receiptParts{
				status: contracts.StatusFailure, reason: contracts.ReasonPriorFailure, decision: &dec,
			})
			return rcpt, fmt.Errorf("%w: unresolved prior failure", contracts.ErrPolicyDenied)
		}

		rec, err := e.approve(ctx, rs, req, cls)
		if err != nil {
			parts := receiptParts{decision: &dec, approval: &rec}
			switch {
			case errors.Is(err, contracts.ErrApprovalTimeout):
				parts.status, parts.reason = contracts.StatusCancelled, contracts.ReasonApprovalTimeout
			case errors.Is(err, contracts.ErrApprovalDenied):
				parts.status, parts.reason = contracts.StatusFailure, contracts.ReasonApprovalDenied
			default:
				parts.status, parts.reason = contracts.StatusCancelled, contracts.ReasonCancelledByCaller
			}
			return e.finalize(req, cls, parts), err
		}
		approval = &rec
	}

	// EXECUTING: single in-flight execution per (capability, scope).
	flightKey := req.Capability + "\x00" + cls.Scope
	e.mu.Lock()
	if _, busy := e.inflight[flightKey]; busy {
		e.mu.Unlock()
		rcpt := e.finalize(req, cls, receiptParts{
			status: contracts.StatusFailure, reason: contracts.ReasonConcurrentBlocked,
			decision: &dec, approval: approval,
		})
		return rcpt, contracts.ErrConcurrentBlocked
	}
	e.inflight[flightKey] = struct{}{}
	e.mu.Unlock()
	releaseFlight := func() {
		e.mu.Lock()
		delete(e.inflight, flightKey)
		e.mu.Unlock()
	}
	// The scope stays locked through VERIFYING and ROLLING_BACK; on the
	// asynchronous path the settle callback owns the release instead.
	flightHeld := false
	defer func() {
		if !flightHeld {
			releaseFlight()
		}
	}()

	rs.to(StateExecuting)
	res, execErr := e.execute(ctx, req, cls)
	if execErr != nil {
		parts := receiptParts{
			status: contracts.StatusFailure, decision: &dec, approval: approval, result: &res,
		}
		if errors.Is(execErr, contracts.ErrExecutorTimeout) {
			parts.reason = contracts.ReasonExecutorTimeout
		} else {
			parts.reason = contracts.ReasonExecutorFault
		}
		// A fault mid-flight may still have left effects behind; revert
		// what the result proves happened.
		if cls.Descriptor.Reversible && touched(res) {
			rb, rbErr := e.rollback.Rollback(req, res)
			parts.rollbackRec = &rb
			if rbErr != nil {
				parts.rollbackFailed = true
				parts.reason = contracts.ReasonRollbackFailed
				e.sessions.RecordFailure(req.SessionID, req.Capability, cls.Scope)
			}
		}
		return e.finalize(req, cls, parts), execErr
	}
	rs.to(StateVerifying)

	// VERIFYING: asynchronous for T0/T1 when enabled, synchronous otherwise.
	if tiered && cls.Tier <= contracts.TierReversible && e.flags.AsyncVerify() {
		pending := e.buildReceipt(req, cls, receiptParts{
			status: contracts.StatusPending, decision: &dec, approval: approval, result: &res,
		})
		flightHeld = true
		e.asyncRun.Schedule(req.SessionID, func() {
			defer releaseFlight()
			vr := e.verifier.Run(req, res, true)
			e.settleVerification(req, cls, dec, approval, res, vr)
		})
		rs.to(StateTerminal)
		return pending, nil
	}

	vr := e.verifier.Run(req, res, false)
	if !vr.Pass {
		rs.to(StateRollingBack)
	}
	rcpt := e.settleVerification(req, cls, dec, approval, res, vr)
	rs.to(StateTerminal)
	if !vr.Pass {
		return rcpt, fmt.Errorf("verification failed for %s", req.ID)
	}
	return rcpt, nil
}

// settleVerification turns a verification outcome into the terminal
// receipt, rolling back reversible actions that failed their checks.
func (e *Engine) settleVerification(
	req contracts.ActionRequest,
	cls classifier.Classification,
	dec contracts.PolicyDecision,
	approval *contracts.ApprovalRecord,
	res contracts.ExecutionResult,
	vr contracts.VerificationResult,
) contracts.Receipt {
	parts := receiptParts{
		decision: &dec, approval: approval, result: &res, verification: &vr,
	}
	if vr.Pass {
		parts.status = contracts.StatusSuccess
		return e.finalize(req, cls, parts)
	}

	parts.status = contracts.StatusFailure
	parts.reason = contracts.ReasonVerificationFailed
	if cls.Descriptor.Reversible {
		rb, rbErr := e.rollback.Rollback(req, res)
		parts.rollbackRec = &rb
		if rbErr != nil {
			parts.rollbackFailed = true
			parts.reason = contracts.ReasonRollbackFailed
			e.sessions.RecordFailure(req.SessionID, req.Capability, cls.Scope)
		}
	} else {
		e.sessions.RecordFailure(req.SessionID, req.Capability, cls.Scope)
	}
	return e.finalize(req, cls, parts)
}

// approve resolves the human gate, trying capped auto-approval rules first.
func (e *Engine) approve(ctx context.Context, rs *reqState, req contracts.ActionRequest, cls classifier.Classification) (contracts.ApprovalRecord, error) {
	if e.trust != nil && !req.OwnerGated {
		if ruleID, ok := e.trust.Authorize(req.Capability, cls.Scope); ok {
			return contracts.ApprovalRecord{
				RequestID: req.ID,
				Granted:   true,
				Approver:  "auto_rule:" + ruleID,
				Timestamp: e.clock(),
				Reason:    "accepted auto-approval rule",
			}, nil
		}
	}

	rs.to(StateAwaitingApproval)
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	rs.mu.Lock()
	rs.onCancel = cancel
	if rs.cancelled {
		cancel()
	}
	rs.mu.Unlock()
	defer func() {
		rs.mu.Lock()
		rs.onCancel = nil
		rs.mu.Unlock()
	}()

	start := e.clock()
	rec, err := e.gate.RequestApproval(waitCtx, req, cls.Tier)
	if e.tel != nil {
		e.tel.GateWait.Record(ctx, float64(e.clock().Sub(start).Milliseconds()),
			metric.WithAttributes(observability.TierAttr(cls.Tier.String())))
	}
	if err != nil && waitCtx.Err() != nil && !errors.Is(err, contracts.ErrApprovalTimeout) {
		return rec, contracts.ErrCancelled
	}
	return rec, err
}

// execute runs the action with bounded retries for transient faults of
// retryable capabilities.
func (e *Engine) execute(ctx context.Context, req contracts.ActionRequest, cls classifier.Classification) (contracts.ExecutionResult, error) {
	var (
		res contracts.ExecutionResult
		err error
	)
	attempts := 1
	if cls.Descriptor.Retryable {
		attempts = maxAttempts
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err = e.exec.Execute(ctx, req, e.opts.ExecTimeout)
		if err == nil || attempt == attempts || !retryable(err) {
			return res, err
		}
		e.log.Warn("transient executor fault, retrying",
			"request_id", req.ID, "capability", req.Capability, "attempt", attempt)
		if serr := e.sleep(ctx, backoff(attempt)); serr != nil {
			return res, err
		}
	}
	return res, err
}

// receiptParts collects everything finalize folds into the receipt.
type receiptParts struct {
	status         contracts.ReceiptStatus
	reason         string
	decision       *contracts.PolicyDecision
	approval       *contracts.ApprovalRecord
	result         *contracts.ExecutionResult
	verification   *contracts.VerificationResult
	rollbackRec    *contracts.RollbackRecord
	rollbackFailed bool
}

var secretKeyPattern = regexp.MustCompile(`(?i)(token|secret|password|credential|api_?key|authorization)`)

// redactParams drops secret-bearing values from receipt inputs.
func redactParams(params map[string]any) map[string]any {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if secretKeyPattern.MatchString(k) {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}

func touched(res contracts.ExecutionResult) bool {
	return res.BeforeHash != "" || res.Created || res.RevertHandle != ""
}

func (e *Engine) buildReceipt(req contracts.ActionRequest, cls classifier.Classification, parts receiptParts) contracts.Receipt {
	now := e.clock()
	r := contracts.Receipt{
		ReceiptID:   uuid.New().String(),
		RequestID:   req.ID,
		SessionID:   req.SessionID,
		ParentID:    req.ParentID,
		Capability:  req.Capability,
		Target:      req.Target,
		Scope:       cls.Scope,
		Tier:        cls.Tier,
		Status:      parts.status,
		ReasonCode:  parts.reason,
		SubmittedAt: req.SubmittedAt,
		FinalizedAt: now,
		DurationMs:  now.Sub(req.SubmittedAt).Milliseconds(),
		Inputs:      redactParams(req.Params),
		Decision:    parts.decision,
		Approval:    parts.approval,
		Verification: parts.verification,
		Rollback:     parts.rollbackRec,
		RollbackFailed: parts.rollbackFailed,
	}
	if parts.result != nil && parts.result.Output != "" {
		r.OutputDigest = canonicalize.HashBytes([]byte(parts.result.Output))
	}
	return r
}

// finalize chains the terminal receipt, feeds the trust ledger, and emits
// telemetry. Exactly one terminal receipt exists per request.
func (e *Engine) finalize(req contracts.ActionRequest, cls classifier.Classification, parts receiptParts) contracts.Receipt {
	r := e.buildReceipt(req, cls, parts)

	chained, err := e.ledger.Append(r)
	if err != nil {
		// The receipt could not be chained; surface loudly and return the
		// unchained copy so the caller still sees the outcome.
		e.log.Error("receipt append failed", "request_id", req.ID, "error", err)
	} else {
		r = chained
	}

	if e.trust != nil {
		e.trust.Observe(r)
	}
	e.emitMetrics(r)
	e.log.Info("action finalized",
		"request_id", r.RequestID,
		"capability", r.Capability,
		"tier", r.Tier.String(),
		"status", string(r.Status),
		"reason", r.ReasonCode,
		"sequence", r.Sequence,
	)
	return r
}

func (e *Engine) emitMetrics(r contracts.Receipt) {
	if e.tel == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(
		observability.TierAttr(r.Tier.String()),
		observability.StatusAttr(string(r.Status)),
	)
	e.tel.ActionsTotal.Add(ctx, 1, attrs)
	e.tel.ActionDuration.Record(ctx, float64(r.DurationMs), attrs)
	if r.ThisHash != "" {
		e.tel.LedgerAppends.Add(ctx, 1)
	}
}

func (e *Engine) countCache(ctx context.Context, dec contracts.PolicyDecision) {
	if e.tel == nil {
		return
	}
	if dec.Source == contracts.SourceCacheHit {
		e.tel.CacheHits.Add(ctx, 1)
	} else {
		e.tel.CacheMisses.Add(ctx, 1)
	}
}

func (e *Engine) startSpan(ctx context.Context, req contracts.ActionRequest) (context.Context, trace.Span) {
	if e.tel == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return e.tel.Tracer.Start(ctx, "governor.submit",
		trace.WithAttributes(
			attribute.String("request_id", req.ID),
			attribute.String("capability", req.Capability),
			attribute.String("session_id", req.SessionID),
		))
}
