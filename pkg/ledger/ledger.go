// Package ledger is the append-only, hash-chained receipt store.
//
// Every governed action produces exactly one terminal receipt. Receipts are
// chained: this_hash = SHA-256(JCS(body) || prev_hash), where body is the
// receipt with this_hash zeroed. The chain has a single writer; a detected
// integrity break halts all further appends until an operator intervenes.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/myles1663/lancelot-sub002/pkg/canonicalize"
	"github.com/myles1663/lancelot-sub002/pkg/contracts"
)

// GenesisHash seeds the chain: the hash of zero bytes.
var GenesisHash = canonicalize.HashBytes(nil)

// IntegrityError reports a break in the receipt chain at a given sequence.
type IntegrityError struct {
	Sequence uint64
	Field    string // "this_hash", "prev_hash", or "sequence"
	Want     string
	Got      string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chain integrity: receipt %d: %s mismatch (want %s, got %s)",
		e.Sequence, e.Field, e.Want, e.Got)
}

func (e *IntegrityError) Unwrap() error { return contracts.ErrChainIntegrity }

// Store persists sealed receipts in sequence order.
type Store interface {
	// Append persists a receipt whose chain fields are already set.
	Append(r contracts.Receipt) error
	// Last returns the highest-sequence receipt, or nil for an empty chain.
	Last() (*contracts.Receipt, error)
	// Scan walks all receipts in sequence order.
	Scan(fn func(contracts.Receipt) error) error
	// Query returns receipts matching the filter, in sequence order.
	Query(f Filter) ([]contracts.Receipt, error)
	// Children returns the receipts whose parent_id matches.
	Children(parentID string) ([]contracts.Receipt, error)
	Close() error
}

// Filter selects receipts in Query. Zero fields match everything.
type Filter struct {
	SessionID  string
	RequestID  string
	Capability string
	Status     contracts.ReceiptStatus
	Tier       *contracts.RiskTier
	Since      time.Time
	Until      time.Time
	Limit      int
}

// Matches reports whether a receipt satisfies the filter.
func (f Filter) Matches(r contracts.Receipt) bool {
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if f.RequestID != "" && r.RequestID != f.RequestID {
		return false
	}
	if f.Capability != "" && r.Capability != f.Capability {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Tier != nil && r.Tier != *f.Tier {
		return false
	}
	if !f.Since.IsZero() && r.FinalizedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.FinalizedAt.After(f.Until) {
		return false
	}
	return true
}

// Ledger is the single writer over a Store. All appends serialize through
// it; the store never sees two writers.
type Ledger struct {
	mu     sync.Mutex
	store  Store
	next   uint64
	prev   string
	halted bool
}

// NewLedger opens a ledger over the store, seeding the chain position from
// the last persisted receipt.
func NewLedger(store Store) (*Ledger, error) {
	last, err := store.Last()
	if err != nil {
		return nil, fmt.Errorf("ledger: read head: %w", err)
	}
	l := &Ledger{store: store, prev: GenesisHash}
	if last != nil {
		l.next = last.Sequence + 1
		l.prev = last.ThisHash
	}
	return l, nil
}

// ComputeHash seals a receipt body against a previous hash. The receipt's
// ThisHash field is ignored; Sequence and PrevHash participate in the body.
func ComputeHash(r contracts.Receipt, prevHash string) (string, error) {
	body := r
	body.ThisHash = ""
	canon, err := canonicalize.JCS(body)
	if err != nil {
		return "", fmt.Errorf("ledger: canonicalize receipt: %w", err)
	}
	return canonicalize.HashBytes(append(canon, []byte(prevHash)...)), nil
}

// Append seals the receipt onto the chain and persists it. Chain fields on
// the input are overwritten. A halted ledger refuses all appends.
func (l *Ledger) Append(r contracts.Receipt) (contracts.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted {
		return contracts.Receipt{}, fmt.Errorf("%w: ledger halted, appends refused", contracts.ErrChainIntegrity)
	}

	r.Sequence = l.next
	r.PrevHash = l.prev
	hash, err := ComputeHash(r, l.prev)
	if err != nil {
		return contracts.Receipt{}, err
	}
	r.ThisHash = hash

	if err := l.store.Append(r); err != nil {
		return contracts.Receipt{}, fmt.Errorf("ledger: append seq %d: %w", r.Sequence, err)
	}
	l.next++
	l.prev = r.ThisHash
	return r, nil
}

// Halted reports whether the ledger has refused further appends.
func (l *Ledger) Halted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted
}

// Verify replays the whole chain, recomputing every hash. The first break
// is returned as an *IntegrityError and the ledger halts.
func (l *Ledger) Verify() (VerifyReport, error) {
	report := VerifyReport{}
	prev := GenesisHash
	var wantSeq uint64

	err := l.store.Scan(func(r contracts.Receipt) error {
		if r.Sequence != wantSeq {
			return &IntegrityError{Sequence: r.Sequence, Field: "sequence",
				Want: fmt.Sprintf("%d", wantSeq), Got: fmt.Sprintf("%d", r.Sequence)}
		}
		if r.PrevHash != prev {
			return &IntegrityError{Sequence: r.Sequence, Field: "prev_hash", Want: prev, Got: r.PrevHash}
		}
		want, err := ComputeHash(r, prev)
		if err != nil {
			return err
		}
		if r.ThisHash != want {
			return &IntegrityError{Sequence: r.Sequence, Field: "this_hash", Want: want, Got: r.ThisHash}
		}
		prev = r.ThisHash
		wantSeq++
		report.Count++
		return nil
	})
	if err != nil {
		l.mu.Lock()
		l.halted = true
		l.mu.Unlock()
		return report, err
	}
	report.OK = true
	report.Head = prev
	return report, nil
}

// VerifyReport summarizes one full-chain verification pass.
type VerifyReport struct {
	OK    bool   `json:"ok"`
	Count uint64 `json:"count"`
	Head  string `json:"head"`
}

// Query proxies to the store.
func (l *Ledger) Query(f Filter) ([]contracts.Receipt, error) {
	return l.store.Query(f)
}

// Children returns a request's child receipts (quest/plan linkage).
func (l *Ledger) Children(parentID string) ([]contracts.Receipt, error) {
	return l.store.Children(parentID)
}

// Scan proxies to the store, for archival exports.
func (l *Ledger) Scan(fn func(contracts.Receipt) error) error {
	return l.store.Scan(fn)
}
