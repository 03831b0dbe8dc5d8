// Package budget enforces daily action budgets per risk tier.
//
// Budgets bound blast radius independent of policy: even a fully approved
// stream of T2 actions stops when the day's allowance is spent. Counters
// reset at the UTC day boundary. Store errors fail closed.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/myles1663/lancelot-sub002/pkg/contracts"
)

// Limits maps a risk tier to its daily action cap. A zero or missing cap
// means unlimited; T0 is conventionally unlimited.
type Limits map[contracts.RiskTier]int64

// DefaultLimits is the stock allowance for a single-agent deployment.
func DefaultLimits() Limits {
	return Limits{
		contracts.TierReversible:   500,
		contracts.TierControlled:   50,
		contracts.TierIrreversible: 10,
	}
}

// Store persists daily counters. Incr must be atomic and must expire the
// counter after the day it names has passed.
type Store interface {
	// Incr adds one to the (key, day) counter and returns the new value.
	Incr(ctx context.Context, key, day string) (int64, error)
	// Get reads the (key, day) counter without modifying it.
	Get(ctx context.Context, key, day string) (int64, error)
}

// Manager checks and consumes budget for governed actions.
type Manager struct {
	store  Store
	limits Limits
	clock  func() time.Time
}

// NewManager builds a manager over a store.
func NewManager(store Store, limits Limits) *Manager {
	return &Manager{store: store, limits: limits, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

func (m *Manager) day() string {
	return m.clock().UTC().Format("2006-01-02")
}

func tierKey(tier contracts.RiskTier) string {
	return "tier:" + tier.String()
}

// Consume spends one unit of the tier's daily budget. Exceeding the cap,
// or any store error, returns ErrBudgetExhausted.
func (m *Manager) Consume(ctx context.Context, tier contracts.RiskTier) error {
	limit, ok := m.limits[tier]
	if !ok || limit <= 0 {
		return nil
	}
	n, err := m.store.Incr(ctx, tierKey(tier), m.day())
	if err != nil {
		return fmt.Errorf("%w: budget store unavailable: %v", contracts.ErrBudgetExhausted, err)
	}
	if n > limit {
		return fmt.Errorf("%w: %s daily cap %d reached", contracts.ErrBudgetExhausted, tier, limit)
	}
	return nil
}

// Remaining reports how much of the tier's budget is left today. Unlimited
// tiers report -1.
func (m *Manager) Remaining(ctx context.Context, tier contracts.RiskTier) (int64, error) {
	limit, ok := m.limits[tier]
	if !ok || limit <= 0 {
		return -1, nil
	}
	used, err := m.store.Get(ctx, tierKey(tier), m.day())
	if err != nil {
		return 0, err
	}
	left := limit - used
	if left < 0 {
		left = 0
	}
	return left, nil
}

// MemoryStore keeps counters in process memory. Counters for past days are
// dropped lazily on access.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]int64 // key "day\x00name"
}

// NewMemoryStore returns an empty counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]int64)}
}

func (s *MemoryStore) Incr(ctx context.Context, key, day string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := day + "\x00" + key
	s.counters[k]++
	return s.counters[k], nil
}

func (s *MemoryStore) Get(ctx context.Context, key, day string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[day+"\x00"+key], nil
}
