// Package sentry is the human approval gate for controlled and irreversible
// actions.
//
// A gated request parks in AWAITING_APPROVAL until a human resolves it or
// the gate times out. Standing approvals ("repeatable") land in a whitelist
// keyed by the action's content signature; a whitelist hit resolves the
// gate without a human in the loop and is recorded as such on the receipt.
package sentry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/myles1663/lancelot-sub002/pkg/canonicalize"
	"github.com/myles1663/lancelot-sub002/pkg/contracts"
)

// WhitelistApprover is the approver recorded when a standing approval
// resolves the gate.
const WhitelistApprover = "whitelist"

// Signature derives the content signature of a request: capability, target,
// and a canonical digest of the parameters. Two requests share a signature
// only when their payloads are materially identical, so a standing approval
// never transfers to a different command or body.
func Signature(req contracts.ActionRequest) string {
	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	paramsDigest, _ := canonicalize.CanonicalHash(params)
	digest, _ := canonicalize.CanonicalHash(struct {
		Capability string `json:"capability"`
		Target     string `json:"target"`
		Params     string `json:"params"`
	}{req.Capability, req.Target, paramsDigest})
	return digest
}

// PendingApproval is one request parked at the gate.
type PendingApproval struct {
	Request   contracts.ActionRequest `json:"request"`
	Tier      contracts.RiskTier      `json:"tier"`
	Signature string                  `json:"signature"`
	Since     time.Time               `json:"since"`
	Deadline  time.Time               `json:"deadline"`
}

type pendingEntry struct {
	info PendingApproval
	done chan contracts.ApprovalRecord
}

// Gate rendezvouses gated requests with human decisions.
type Gate struct {
	whitelist Whitelist
	timeout   time.Duration
	clock     func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// NewGate builds a gate with the given decision timeout.
func NewGate(wl Whitelist, timeout time.Duration) *Gate {
	return &Gate{
		whitelist: wl,
		timeout:   timeout,
		clock:     time.Now,
		pending:   make(map[string]*pendingEntry),
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// RequestApproval blocks until the request is resolved, whitelisted, timed
// out, or the context is cancelled. Timeout and denial both return the
// record alongside the error so the receipt can carry it.
func (g *Gate) RequestApproval(ctx context.Context, req contracts.ActionRequest, tier contracts.RiskTier) (contracts.ApprovalRecord, error) {
	sig := Signature(req)

	// Owner-gated actions always reach a human, whatever the whitelist says.
	if !req.OwnerGated && g.whitelist != nil {
		hit, err := g.whitelist.Lookup(sig)
		if err != nil {
			return contracts.ApprovalRecord{}, fmt.Errorf("sentry: whitelist lookup: %w", err)
		}
		if hit {
			return contracts.ApprovalRecord{
				RequestID: req.ID,
				Granted:   true,
				Approver:  WhitelistApprover,
				Timestamp: g.clock(),
				Reason:    "standing approval",
				Signature: sig,
			}, nil
		}
	}

	now := g.clock()
	entry := &pendingEntry{
		info: PendingApproval{
			Request:   req,
			Tier:      tier,
			Signature: sig,
			Since:     now,
			Deadline:  now.Add(g.timeout),
		},
		done: make(chan contracts.ApprovalRecord, 1),
	}

	g.mu.Lock()
	if _, dup := g.pending[req.ID]; dup {
		g.mu.Unlock()
		return contracts.ApprovalRecord{}, fmt.Errorf("sentry: request %s already awaiting approval", req.ID)
	}
	g.pending[req.ID] = entry
	g.mu.Unlock()
	defer g.remove(req.ID)

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case rec := <-entry.done:
		if !rec.Granted {
			return rec, fmt.Errorf("%w: %s", contracts.ErrApprovalDenied, rec.Reason)
		}
		if rec.Repeatable && g.whitelist != nil && !req.OwnerGated {
			if err := g.whitelist.Add(Entry{
				Signature:  sig,
				Capability: req.Capability,
				Target:     req.Target,
				Approver:   rec.Approver,
				CreatedAt:  rec.Timestamp,
			}); err != nil {
				return rec, fmt.Errorf("sentry: record standing approval: %w", err)
			}
		}
		return rec, nil
	case <-timer.C:
		rec := contracts.ApprovalRecord{
			RequestID: req.ID,
			Granted:   false,
			Timestamp: g.clock(),
			Reason:    "no decision before deadline",
			Signature: sig,
		}
		return rec, contracts.ErrApprovalTimeout
	case <-ctx.Done():
		rec := contracts.ApprovalRecord{
			RequestID: req.ID,
			Granted:   false,
			Timestamp: g.clock(),
			Reason:    "request cancelled while awaiting approval",
			Signature: sig,
		}
		return rec, ctx.Err()
	}
}

// Resolve delivers a human decision to a parked request.
func (g *Gate) Resolve(requestID, approver string, granted, repeatable bool, reason string) error {
	g.mu.Lock()
	entry, ok := g.pending[requestID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("sentry: no pending approval for request %s", requestID)
	}

	rec := contracts.ApprovalRecord{
		RequestID:  requestID,
		Granted:    granted,
		Approver:   approver,
		Timestamp:  g.clock(),
		Reason:     reason,
		Repeatable: repeatable,
		Signature:  entry.info.Signature,
	}
	select {
	case entry.done <- rec:
		return nil
	default:
		return fmt.Errorf("sentry: request %s already resolved", requestID)
	}
}

// Pending lists the requests currently parked at the gate, oldest first.
func (g *Gate) Pending() []PendingApproval {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PendingApproval, 0, len(g.pending))
	for _, e := range g.pending {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

func (g *Gate) remove(requestID string) {
	g.mu.Lock()
	delete(g.pending, requestID)
	g.mu.Unlock()
}
