// Package trust derives reliability statistics from finalized receipts and
// proposes autonomy widening to the owner.
//
// Trust is earned per (capability, scope): consecutive verified successes
// build a streak, any failure or rollback resets it. When a streak crosses
// the graduation threshold the ledger emits an owner-facing proposal.
// Proposals never self-activate; the effective configuration only changes
// on an explicit Accept.
package trust

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/myles1663/lancelot-sub002/pkg/contracts"
)

// DefaultStreakThreshold is the consecutive-success count that makes a
// (capability, scope) pair eligible for an autonomy proposal.
const DefaultStreakThreshold = 10

// Graduator applies an accepted tier graduation to the live classifier.
type Graduator interface {
	AmendBaseTier(capability, scope string, tier contracts.RiskTier)
}

// Ledger tracks per-(capability, scope) reliability and manages proposals.
type Ledger struct {
	mu        sync.Mutex
	records   map[string]*contracts.TrustRecord
	proposals map[string]*contracts.AutonomyProposal
	rules     map[string]*ruleState // active auto-approval rules by (capability, scope)

	threshold int
	graduator Graduator
	clock     func() time.Time
}

type ruleState struct {
	proposal  contracts.AutonomyProposal
	day       string
	usedToday int
	usedTotal int
}

// NewLedger builds an empty trust ledger. graduator may be nil if tier
// graduations are not wired to a classifier.
func NewLedger(graduator Graduator) *Ledger {
	return &Ledger{
		records:   make(map[string]*contracts.TrustRecord),
		proposals: make(map[string]*contracts.AutonomyProposal),
		rules:     make(map[string]*ruleState),
		threshold: DefaultStreakThreshold,
		graduator: graduator,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithThreshold overrides the graduation streak threshold.
func (l *Ledger) WithThreshold(n int) *Ledger {
	l.threshold = n
	return l
}

func key(capability, scope string) string {
	return capability + "\x00" + scope
}

// Observe folds one terminal receipt into the trust state. Pending receipts
// and cancellations are ignored; trust moves only on real outcomes.
func (l *Ledger) Observe(r contracts.Receipt) {
	if r.Status != contracts.StatusSuccess && r.Status != contracts.StatusFailure {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(r.Capability, r.Scope)
	rec, ok := l.records[k]
	if !ok {
		rec = &contracts.TrustRecord{
			Capability:  r.Capability,
			Scope:       r.Scope,
			CurrentTier: r.Tier,
			DefaultTier: r.Tier,
		}
		l.records[k] = rec
	}

	rolledBack := r.Rollback != nil || r.RollbackFailed
	switch {
	case r.Status == contracts.StatusSuccess && !rolledBack:
		rec.Successes++
		rec.ConsecutiveSuccesses++
	default:
		rec.Failures++
		rec.ConsecutiveSuccesses = 0
	}
	if rolledBack {
		rec.Rollbacks++
	}

	total := rec.Successes + rec.Failures
	if total > 0 {
		rec.SuccessRate = float64(rec.Successes) / float64(total)
	}
	rec.Eligible = rec.ConsecutiveSuccesses >= l.threshold && rec.Rollbacks == 0
	rec.UpdatedAt = l.clock()

	if rec.Eligible {
		l.maybePropose(rec)
	}
}

// maybePropose emits at most one pending proposal per (capability, scope).
// Caller holds l.mu.
func (l *Ledger) maybePropose(rec *contracts.TrustRecord) {
	for _, p := range l.proposals {
		if p.Capability == rec.Capability && p.Scope == rec.Scope && p.Status == contracts.ProposalPending {
			return
		}
	}
	if _, active := l.rules[key(rec.Capability, rec.Scope)]; active {
		return
	}

	p := contracts.AutonomyProposal{
		ID:         uuid.New().String(),
		Capability: rec.Capability,
		Scope:      rec.Scope,
		Confidence: rec.SuccessRate,
		Evidence: contracts.ProposalEvidence{
			Streak:    rec.ConsecutiveSuccesses,
			Successes: rec.Successes,
			Failures:  rec.Failures,
			Rollbacks: rec.Rollbacks,
		},
		Status:    contracts.ProposalPending,
		CreatedAt: l.clock(),
	}

	switch {
	case rec.CurrentTier >= contracts.TierIrreversible:
		// Irreversible capabilities graduate one tier for this scope only.
		p.Kind = contracts.ProposalTierGraduation
		p.FromTier = rec.CurrentTier
		p.ToTier = rec.CurrentTier - 1
	case rec.CurrentTier == contracts.TierControlled:
		// Controlled capabilities keep their tier but earn a capped bypass
		// of the approval gate.
		p.Kind = contracts.ProposalAutoApprovalRule
		p.DailyCap = 5
		p.LifetimeCap = 100
	default:
		// T0/T1 already run without a gate; nothing to widen.
		return
	}
	l.proposals[p.ID] = &p
}

// Proposals lists proposals, newest first. Pass "" to list all statuses.
func (l *Ledger) Proposals(status contracts.ProposalStatus) []contracts.AutonomyProposal {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []contracts.AutonomyProposal
	for _, p := range l.proposals {
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Accept activates a pending proposal: tier graduations amend the live
// classifier, auto-approval rules start consuming their caps.
func (l *Ledger) Accept(id string) (contracts.AutonomyProposal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.proposals[id]
	if !ok {
		return contracts.AutonomyProposal{}, fmt.Errorf("trust: unknown proposal %s", id)
	}
	if p.Status != contracts.ProposalPending {
		return contracts.AutonomyProposal{}, fmt.Errorf("trust: proposal %s already %s", id, p.Status)
	}
	p.Status = contracts.ProposalAccepted

	switch p.Kind {
	case contracts.ProposalTierGraduation:
		if l.graduator != nil {
			l.graduator.AmendBaseTier(p.Capability, p.Scope, p.ToTier)
		}
		if rec, ok := l.records[key(p.Capability, p.Scope)]; ok {
			rec.CurrentTier = p.ToTier
		}
	case contracts.ProposalAutoApprovalRule:
		l.rules[key(p.Capability, p.Scope)] = &ruleState{proposal: *p}
	}
	return *p, nil
}

// Decline marks a pending proposal declined. The pair stays eligible and a
// fresh proposal may appear after further evidence accrues.
func (l *Ledger) Decline(id string) (contracts.AutonomyProposal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.proposals[id]
	if !ok {
		return contracts.AutonomyProposal{}, fmt.Errorf("trust: unknown proposal %s", id)
	}
	if p.Status != contracts.ProposalPending {
		return contracts.AutonomyProposal{}, fmt.Errorf("trust: proposal %s already %s", id, p.Status)
	}
	p.Status = contracts.ProposalDeclined
	return *p, nil
}

// Authorize consumes one unit of an active auto-approval rule for the pair,
// if one exists with budget left. Returns the rule id on success.
func (l *Ledger) Authorize(capability, scope string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rs, ok := l.rules[key(capability, scope)]
	if !ok {
		return "", false
	}
	day := l.clock().UTC().Format("2006-01-02")
	if rs.day != day {
		rs.day = day
		rs.usedToday = 0
	}
	if rs.usedToday >= rs.proposal.DailyCap || rs.usedTotal >= rs.proposal.LifetimeCap {
		return "", false
	}
	rs.usedToday++
	rs.usedTotal++
	return rs.proposal.ID, true
}

// Record returns the trust record for a pair, if any.
func (l *Ledger) Record(capability, scope string) (contracts.TrustRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key(capability, scope)]
	if !ok {
		return contracts.TrustRecord{}, false
	}
	return *rec, true
}

// Records lists all trust records, ordered by capability then scope.
func (l *Ledger) Records() []contracts.TrustRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]contracts.TrustRecord, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Capability != out[j].Capability {
			return out[i].Capability < out[j].Capability
		}
		return out[i].Scope < out[j].Scope
	})
	return out
}
