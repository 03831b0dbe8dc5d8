package ledger

import (
	"fmt"
	"sync"

	"github.com/myles1663/lancelot-sub002/pkg/contracts"
)

// MemoryStore keeps the chain in process memory. Used by tests and by
// ephemeral single-session deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	receipts []contracts.Receipt
	byID     map[string]int
	byParent map[string][]int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]int),
		byParent: make(map[string][]int),
	}
}

// Append implements Store.
func (m *MemoryStore) Append(r contracts.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byID[r.ReceiptID]; dup {
		return fmt.Errorf("duplicate receipt id %s", r.ReceiptID)
	}
	idx := len(m.receipts)
	m.receipts = append(m.receipts, r)
	m.byID[r.ReceiptID] = idx
	if r.ParentID != "" {
		m.byParent[r.ParentID] = append(m.byParent[r.ParentID], idx)
	}
	return nil
}

// Last implements Store.
func (m *MemoryStore) Last() (*contracts.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.receipts) == 0 {
		return nil, nil
	}
	r := m.receipts[len(m.receipts)-1]
	return &r, nil
}

// Scan implements Store.
func (m *MemoryStore) Scan(fn func(contracts.Receipt) error) error {
	m.mu.RLock()
	snapshot := make([]contracts.Receipt, len(m.receipts))
	copy(snapshot, m.receipts)
	m.mu.RUnlock()

	for _, r := range snapshot {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// Query implements Store.
func (m *MemoryStore) Query(f Filter) ([]contracts.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contracts.Receipt
	for _, r := range m.receipts {
		if !f.Matches(r) {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// Children implements Store.
func (m *MemoryStore) Children(parentID string) ([]contracts.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contracts.Receipt
	for _, idx := range m.byParent[parentID] {
		out = append(out, m.receipts[idx])
	}
	return out, nil
}

// Tamper overwrites a stored receipt in place. Test hook for integrity
// verification; not part of the Store interface.
func (m *MemoryStore) Tamper(seq int, mutate func(*contracts.Receipt)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mutate(&m.receipts[seq])
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
