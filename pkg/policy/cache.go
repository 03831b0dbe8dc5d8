package policy

import (
	"context"
	"sync"

	"github.com/myles1663/lancelot-sub002/pkg/canonicalize"
	"github.com/myles1663/lancelot-sub002/pkg/classifier"
	"github.com/myles1663/lancelot-sub002/pkg/contracts"
)

// Cache memoizes allow/deny outcomes for T0/T1 requests, keyed by
// (capability, target fingerprint, policy version). T2/T3 decisions are
// never cached; irreversible-class requests always undergo full evaluation.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]contracts.PolicyDecision

	hits   uint64
	misses uint64
}

// NewCache returns an empty decision cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]contracts.PolicyDecision)}
}

func cacheKey(capability, target, version string) string {
	return capability + "\x00" + canonicalize.HashBytes([]byte(target)) + "\x00" + version
}

// Get returns a memoized decision marked as a cache hit.
func (c *Cache) Get(capability, target, version string) (contracts.PolicyDecision, bool) {
	c.mu.RLock()
	dec, ok := c.entries[cacheKey(capability, target, version)]
	c.mu.RUnlock()

	c.mu.Lock()
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()

	if !ok {
		return contracts.PolicyDecision{}, false
	}
	dec.Source = contracts.SourceCacheHit
	return dec, true
}

// Put memoizes a decision for a T0/T1 request. Higher tiers are refused
// silently; the caller enforces cacheability, this is the backstop.
func (c *Cache) Put(capability, target, version string, dec contracts.PolicyDecision) {
	if dec.Tier >= contracts.TierControlled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(capability, target, version)] = dec
}

// InvalidateAll clears the whole cache. Invalidation is never partial.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]contracts.PolicyDecision)
}

// Stats reports hit/miss counters for observability.
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}

// Len reports the number of memoized decisions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Engine front-ends the evaluator with the decision cache and wires cache
// invalidation to constitution changes.
type Engine struct {
	store     *Store
	cache     *Cache
	evaluator *Evaluator

	// CachingEnabled is consulted per decision so the pipeline's caching
	// flag can flip at runtime.
	CachingEnabled func() bool
}

// NewEngine builds the policy engine and subscribes the cache to policy
// version changes.
func NewEngine(store *Store, evaluator *Evaluator) *Engine {
	e := &Engine{
		store:          store,
		cache:          NewCache(),
		evaluator:      evaluator,
		CachingEnabled: func() bool { return true },
	}
	store.Subscribe(func(string) { e.cache.InvalidateAll() })
	return e
}

// Cache exposes the underlying cache for stats and tests.
func (e *Engine) Cache() *Cache { return e.cache }

// Decide returns the policy decision for a classified request, consulting
// the cache only for T0/T1.
func (e *Engine) Decide(ctx context.Context, req contracts.ActionRequest, cls classifier.Classification) (contracts.PolicyDecision, error) {
	version := e.store.Version()
	cacheable := cls.Tier < contracts.TierControlled && e.CachingEnabled()

	if cacheable {
		if dec, ok := e.cache.Get(req.Capability, req.Target, version); ok {
			return dec, nil
		}
	}

	dec, err := e.evaluator.Evaluate(ctx, req, cls)
	if err != nil {
		return contracts.PolicyDecision{}, err
	}
	if cacheable {
		e.cache.Put(req.Capability, req.Target, version, dec)
	}
	return dec, nil
}
