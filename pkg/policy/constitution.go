// Package policy implements the policy evaluator and its decision cache.
//
// The constitution is a YAML document validated against a JSON Schema at
// load time. Its version is semver; any version change invalidates the
// whole decision cache, since partial invalidation can serve stale
// decisions for capabilities the new version regoverns.
package policy

import (
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Rule is one constitutional CEL rule. Effect "deny" blocks matching
// requests; effect "min_tier" raises the effective tier of matching
// requests during evaluation.
type Rule struct {
	Name   string `yaml:"name" json:"name"`
	Expr   string `yaml:"expr" json:"expr"`
	Effect string `yaml:"effect" json:"effect"`
	Tier   string `yaml:"tier,omitempty" json:"tier,omitempty"`
}

// NetworkSection is the egress perimeter for net.* capabilities.
type NetworkSection struct {
	AllowedHosts []string `yaml:"allowed_hosts" json:"allowed_hosts"`
	DeniedHosts  []string `yaml:"denied_hosts" json:"denied_hosts"`
	RequireTLS   bool     `yaml:"require_tls" json:"require_tls"`
}

// Constitution is the owner's governing policy document.
type Constitution struct {
	Version           string              `yaml:"version" json:"version"`
	WorkspaceRoot     string              `yaml:"workspace_root" json:"workspace_root"`
	Denylist          []string            `yaml:"denylist" json:"denylist"`
	Allowlist         map[string][]string `yaml:"allowlist" json:"allowlist"`
	SensitivePatterns []string            `yaml:"sensitive_patterns" json:"sensitive_patterns"`
	TierOverrides     map[string]string   `yaml:"tier_overrides" json:"tier_overrides"`
	Network           NetworkSection      `yaml:"network" json:"network"`
	Rules             []Rule              `yaml:"rules" json:"rules"`
}

// constitutionSchema is the structural contract a constitution document
// must satisfy before any of it is trusted.
const constitutionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "workspace_root": {"type": "string"},
    "denylist": {"type": "array", "items": {"type": "string"}},
    "allowlist": {
      "type": "object",
      "additionalProperties": {"type": "array", "items": {"type": "string"}}
    },
    "sensitive_patterns": {"type": "array", "items": {"type": "string"}},
    "tier_overrides": {
      "type": "object",
      "additionalProperties": {"type": "string", "pattern": "^T[0-3]$"}
    },
    "network": {
      "type": "object",
      "properties": {
        "allowed_hosts": {"type": "array", "items": {"type": "string"}},
        "denied_hosts": {"type": "array", "items": {"type": "string"}},
        "require_tls": {"type": "boolean"}
      }
    },
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "expr", "effect"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "expr": {"type": "string", "minLength": 1},
          "effect": {"enum": ["deny", "min_tier"]},
          "tier": {"type": "string", "pattern": "^T[0-3]$"}
        }
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("constitution.json", constitutionSchema)

// ParseConstitution parses and validates a YAML constitution document.
// Validation is schema-first, then semver.
func ParseConstitution(data []byte) (*Constitution, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("constitution: invalid YAML: %w", err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("constitution: schema violation: %w", err)
	}

	var c Constitution
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("constitution: decode: %w", err)
	}
	if _, err := semver.NewVersion(c.Version); err != nil {
		return nil, fmt.Errorf("constitution: version %q is not semver: %w", c.Version, err)
	}
	return &c, nil
}

// Store holds the active constitution and notifies subscribers on every
// replacement. The cache subscribes to clear itself wholesale.
type Store struct {
	mu      sync.RWMutex
	current *Constitution
	subs    []func(version string)
}

// NewStore creates a store seeded with an initial constitution.
func NewStore(c *Constitution) *Store {
	return &Store{current: c}
}

// Current returns the active constitution.
func (s *Store) Current() *Constitution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Version returns the active policy version.
func (s *Store) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.Version
}

// Replace swaps the active constitution. Replacing with an older or equal
// semver is allowed (rollbacks are legitimate) but still fires the change
// notification, so caches always clear.
func (s *Store) Replace(c *Constitution) {
	s.mu.Lock()
	s.current = c
	subs := make([]func(string), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(c.Version)
	}
}

// Subscribe registers a change-notification callback.
func (s *Store) Subscribe(fn func(version string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}
