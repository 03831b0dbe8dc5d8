package executor

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/myles1663/lancelot-sub002/pkg/canonicalize"
	"github.com/myles1663/lancelot-sub002/pkg/contracts"
)

// MemoryStore is the in-process stand-in for the external memory subsystem.
// Writes return a revert handle into its undo log; the rollback manager
// redeems handles through Revert.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]map[string]any
	undo    map[string]undoEntry
}

type undoEntry struct {
	key     string
	prior   map[string]any
	existed bool
}

// NewMemoryStore returns an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]map[string]any),
		undo:    make(map[string]undoEntry),
	}
}

// Read returns the entry for a key.
func (m *MemoryStore) Read(key string) (contracts.ExecutionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return contracts.ExecutionResult{ExitCode: 1}, &contracts.ExecutorFault{
			Capability: "memory.read", ExitCode: 1, Err: fmt.Errorf("no entry for %q", key),
		}
	}
	digest, _ := canonicalize.CanonicalHash(entry)
	return contracts.ExecutionResult{Success: true, AfterHash: digest}, nil
}

// Write stores an entry and records an undo-log entry, returning its handle.
func (m *MemoryStore) Write(key string, value map[string]any) (contracts.ExecutionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prior, existed := m.entries[key]
	handle := uuid.New().String()
	m.undo[handle] = undoEntry{key: key, prior: prior, existed: existed}
	m.entries[key] = value

	res := contracts.ExecutionResult{
		Success:      true,
		Created:      !existed,
		RevertHandle: handle,
	}
	if existed {
		beforeDigest, _ := canonicalize.CanonicalHash(prior)
		res.BeforeHash = beforeDigest
	}
	afterDigest, _ := canonicalize.CanonicalHash(value)
	res.AfterHash = afterDigest
	return res, nil
}

// Revert redeems an undo handle, restoring the prior value (or deleting a
// created entry). Handles are single-use.
func (m *MemoryStore) Revert(handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.undo[handle]
	if !ok {
		return fmt.Errorf("unknown or spent revert handle %q", handle)
	}
	delete(m.undo, handle)

	if u.existed {
		m.entries[u.key] = u.prior
	} else {
		delete(m.entries, u.key)
	}
	return nil
}

// Get returns the current value for a key (test helper).
func (m *MemoryStore) Get(key string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	return v, ok
}
