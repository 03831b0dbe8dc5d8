// Package classifier maps action requests to risk tiers.
//
// Classification is deterministic and monotonic: rules are applied in a
// fixed order and each rule may only raise the effective tier, never lower
// it. Unrecognized capabilities are rejected with a ClassificationError,
// never defaulted to T0.
package classifier

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/myles1663/lancelot-sub002/pkg/boundary"
	"github.com/myles1663/lancelot-sub002/pkg/contracts"
)

// ScopeKind selects how a capability's target is reduced to a trust scope.
type ScopeKind string

const (
	// ScopePath scopes by the parent directory of the resolved target.
	ScopePath ScopeKind = "path"
	// ScopeHost scopes by the target hostname (or the bare connector id).
	ScopeHost ScopeKind = "host"
	// ScopeResource scopes by the literal target identifier.
	ScopeResource ScopeKind = "resource"
)

// Descriptor declares one capability the engine will govern. The registry
// of descriptors is closed at construction; dispatch on free-form strings
// is a validation-time error, not a runtime surprise.
type Descriptor struct {
	Name              string
	BaseTier          contracts.RiskTier
	RequiresAllowlist bool
	// Retryable marks generation/verification-class capabilities whose
	// executor faults may be retried. Destructive capabilities are never
	// re-executed once attempted.
	Retryable bool
	// Reversible marks capabilities with a registered rollback strategy.
	Reversible bool
	ScopeKind  ScopeKind
}

// Classification is the classifier's output for one request.
type Classification struct {
	Tier         contracts.RiskTier
	Scope        string
	AppliedRules []string
	Descriptor   Descriptor
}

// Classifier applies the ordered escalation rules:
//
//  1. base tier per capability (amendable per (capability, scope) by
//     accepted graduation proposals)
//  2. scope escalation: target outside the workspace boundary raises the
//     tier by one, minimum T3
//  3. pattern escalation: sensitive targets force T3
//  4. contract override: a constitutional minimum tier per capability
type Classifier struct {
	mu         sync.RWMutex
	registry   map[string]Descriptor
	scopeTiers map[string]contracts.RiskTier // key: capability + "\x00" + scope
	overrides  map[string]contracts.RiskTier // constitutional minimum tiers
	sensitive  []*regexp.Regexp
	patterns   []string
	workspace  *boundary.Workspace
}

// New builds a classifier and validates its inputs up front: sensitive
// patterns must compile and every override must name a registered
// capability.
func New(ws *boundary.Workspace, descriptors []Descriptor, sensitivePatterns []string, overrides map[string]contracts.RiskTier) (*Classifier, error) {
	c := &Classifier{
		registry:   make(map[string]Descriptor, len(descriptors)),
		scopeTiers: make(map[string]contracts.RiskTier),
		overrides:  make(map[string]contracts.RiskTier, len(overrides)),
		workspace:  ws,
	}
	for _, d := range descriptors {
		if d.Name == "" {
			return nil, fmt.Errorf("classifier: descriptor with empty name")
		}
		if _, dup := c.registry[d.Name]; dup {
			return nil, fmt.Errorf("classifier: duplicate capability %q", d.Name)
		}
		c.registry[d.Name] = d
	}
	for _, p := range sensitivePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("classifier: sensitive pattern %q: %w", p, err)
		}
		c.sensitive = append(c.sensitive, re)
		c.patterns = append(c.patterns, p)
	}
	for cap, tier := range overrides {
		if _, ok := c.registry[cap]; !ok {
			return nil, fmt.Errorf("classifier: override for unregistered capability %q", cap)
		}
		c.overrides[cap] = tier
	}
	return c, nil
}

// Describe returns the descriptor for a capability.
func (c *Classifier) Describe(capability string) (Descriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.registry[capability]
	if !ok {
		return Descriptor{}, &contracts.ClassificationError{Capability: capability}
	}
	return d, nil
}

// Capabilities lists the registered capability names, sorted.
func (c *Classifier) Capabilities() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.registry))
	for name := range c.registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Classify maps a request to its initial risk tier plus the escalation
// rules that fired.
func (c *Classifier) Classify(req contracts.ActionRequest) (Classification, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	desc, ok := c.registry[req.Capability]
	if !ok {
		return Classification{}, &contracts.ClassificationError{Capability: req.Capability}
	}

	scope := c.scopeOf(desc, req.Target)
	out := Classification{Scope: scope, Descriptor: desc}

	// Rule 1: base tier, honoring accepted graduations for this scope.
	base := desc.BaseTier
	if amended, ok := c.scopeTiers[scopeKey(req.Capability, scope)]; ok {
		base = amended
		out.AppliedRules = append(out.AppliedRules, "base_tier_graduated")
	} else {
		out.AppliedRules = append(out.AppliedRules, "base_tier")
	}
	out.Tier = base

	// Rule 2: scope escalation. Out-of-boundary paths raise by one tier
	// with a floor of T3. The policy evaluator separately denies the
	// escape; classification only scores it.
	if desc.ScopeKind == ScopePath && c.workspace != nil {
		if _, err := c.workspace.Resolve(req.Target); err != nil {
			escalated := out.Tier + 1
			if escalated < contracts.TierIrreversible {
				escalated = contracts.TierIrreversible
			}
			out.raiseTo(escalated, "scope_escalation")
		}
	}

	// Rule 3: pattern escalation. Sensitive targets (secrets, credential
	// paths) force T3 regardless of capability.
	for i, re := range c.sensitive {
		if re.MatchString(req.Target) {
			out.raiseTo(contracts.TierIrreversible, "sensitive_pattern:"+c.patterns[i])
			break
		}
	}

	// Rule 4: constitutional minimum tier for the capability.
	if min, ok := c.overrides[req.Capability]; ok {
		out.raiseTo(min, "contract_override")
	}

	return out, nil
}

// AmendBaseTier records an owner-accepted graduation: the base tier for the
// (capability, scope) pair. Returns an error for unregistered capabilities.
func (c *Classifier) AmendBaseTier(capability, scope string, tier contracts.RiskTier) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.registry[capability]; !ok {
		return &contracts.ClassificationError{Capability: capability}
	}
	c.scopeTiers[scopeKey(capability, scope)] = tier
	return nil
}

// raiseTo escalates monotonically, recording the rule only when it actually
// raised the tier.
func (cl *Classification) raiseTo(tier contracts.RiskTier, rule string) {
	if tier > cl.Tier {
		cl.Tier = tier
		cl.AppliedRules = append(cl.AppliedRules, rule)
	}
}

func (c *Classifier) scopeOf(desc Descriptor, target string) string {
	switch desc.ScopeKind {
	case ScopePath:
		if c.workspace != nil {
			if resolved, err := c.workspace.Resolve(target); err == nil {
				return filepath.Dir(resolved)
			}
		}
		return filepath.Dir(filepath.Clean(target))
	case ScopeHost:
		if u, err := url.Parse(target); err == nil && u.Host != "" {
			return u.Hostname()
		}
		return target
	default:
		return target
	}
}

func scopeKey(capability, scope string) string {
	return capability + "\x00" + scope
}

// DefaultDescriptors is the static capability table the engine ships with.
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{Name: "fs.read", BaseTier: contracts.TierInert, Retryable: true, ScopeKind: ScopePath},
		{Name: "fs.write", BaseTier: contracts.TierReversible, Reversible: true, ScopeKind: ScopePath},
		{Name: "fs.delete", BaseTier: contracts.TierControlled, ScopeKind: ScopePath},
		{Name: "shell.exec", BaseTier: contracts.TierControlled, RequiresAllowlist: true, ScopeKind: ScopeResource},
		{Name: "net.get", BaseTier: contracts.TierReversible, Retryable: true, ScopeKind: ScopeHost},
		{Name: "net.post", BaseTier: contracts.TierIrreversible, RequiresAllowlist: true, ScopeKind: ScopeHost},
		{Name: "git.commit", BaseTier: contracts.TierControlled, Reversible: true, ScopeKind: ScopeResource},
		{Name: "memory.read", BaseTier: contracts.TierInert, Retryable: true, ScopeKind: ScopeResource},
		{Name: "memory.write", BaseTier: contracts.TierReversible, Reversible: true, ScopeKind: ScopeResource},
	}
}
