// Package rollback undoes the effects of failed reversible actions.
//
// Each capability maps to at most one strategy. Rollback runs when a
// reversible action fails verification or faults mid-flight; a missing
// strategy or a failing strategy is recorded on the receipt, never hidden.
package rollback

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/myles1663/lancelot-sub002/pkg/boundary"
	"github.com/myles1663/lancelot-sub002/pkg/contracts"
)

// Strategy reverts one executed action. The returned note, if any, is
// carried onto the receipt's rollback record.
type Strategy interface {
	Name() string
	Revert(req contracts.ActionRequest, res contracts.ExecutionResult) (note string, err error)
}

// Reverter redeems single-use undo handles. The executor's memory store
// implements it.
type Reverter interface {
	Revert(handle string) error
}

// Manager dispatches rollback to per-capability strategies.
type Manager struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	clock      func() time.Time
}

// NewManager returns a manager with no strategies registered.
func NewManager() *Manager {
	return &Manager{
		strategies: make(map[string]Strategy),
		clock:      time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Register binds a strategy to a capability, replacing any previous one.
func (m *Manager) Register(capability string, s Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[capability] = s
}

// Rollback reverts the action and reports the outcome. The returned record
// is always populated; err is non-nil only when the revert itself failed or
// no strategy exists, in which case it wraps ErrRollbackFailed.
func (m *Manager) Rollback(req contracts.ActionRequest, res contracts.ExecutionResult) (contracts.RollbackRecord, error) {
	m.mu.RLock()
	s, ok := m.strategies[req.Capability]
	m.mu.RUnlock()

	rec := contracts.RollbackRecord{
		RequestID: req.ID,
		Timestamp: m.clock(),
	}
	if !ok {
		rec.Strategy = "none"
		rec.Outcome = contracts.RollbackFailed
		rec.Note = "no rollback strategy for capability " + req.Capability
		return rec, fmt.Errorf("%w: %s", contracts.ErrRollbackFailed, rec.Note)
	}

	rec.Strategy = s.Name()
	note, err := s.Revert(req, res)
	rec.Note = note
	if err != nil {
		rec.Outcome = contracts.RollbackFailed
		rec.Note = err.Error()
		return rec, fmt.Errorf("%w: %s: %v", contracts.ErrRollbackFailed, s.Name(), err)
	}
	rec.Outcome = contracts.RollbackSucceeded
	return rec, nil
}

// DefaultManager wires the stock strategies for the built-in capabilities.
func DefaultManager(ws *boundary.Workspace, mem Reverter) *Manager {
	m := NewManager()
	m.Register("fs.write", &fileRestore{ws: ws, name: "fs.restore_prior"})
	m.Register("fs.delete", &fileRestore{ws: ws, name: "fs.restore_prior"})
	m.Register("memory.write", &memoryRevert{mem: mem})
	m.Register("git.commit", gitRevertNote{})
	return m
}

// fileRestore puts back the captured prior bytes, or deletes a file the
// action created.
type fileRestore struct {
	ws   *boundary.Workspace
	name string
}

func (f *fileRestore) Name() string { return f.name }

func (f *fileRestore) Revert(req contracts.ActionRequest, res contracts.ExecutionResult) (string, error) {
	path, err := f.ws.Resolve(req.Target)
	if err != nil {
		return "", err
	}
	if res.Created {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("remove created file: %w", err)
		}
		return "removed created file", nil
	}
	if res.PriorContent == nil {
		return "", fmt.Errorf("no prior content captured for %s", req.Target)
	}
	if err := os.WriteFile(path, res.PriorContent, 0o600); err != nil {
		return "", fmt.Errorf("restore prior content: %w", err)
	}
	return "restored prior content", nil
}

type memoryRevert struct {
	mem Reverter
}

func (memoryRevert) Name() string { return "memory.undo_log" }

func (r *memoryRevert) Revert(req contracts.ActionRequest, res contracts.ExecutionResult) (string, error) {
	if res.RevertHandle == "" {
		return "", fmt.Errorf("no revert handle on execution result")
	}
	if err := r.mem.Revert(res.RevertHandle); err != nil {
		return "", err
	}
	return "undo log entry redeemed", nil
}

// gitRevertNote never rewrites history automatically. It records the revert
// command an operator should run; the commit itself stays in place.
type gitRevertNote struct{}

func (gitRevertNote) Name() string { return "git.revert_note" }

func (gitRevertNote) Revert(req contracts.ActionRequest, res contracts.ExecutionResult) (string, error) {
	ref := res.AfterHash
	if ref == "" {
		ref = "HEAD"
	}
	return fmt.Sprintf("history preserved; operator may run `git revert %s`", ref), nil
}
