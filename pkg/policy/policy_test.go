package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myles1663/lancelot-sub002/pkg/boundary"
	"github.com/myles1663/lancelot-sub002/pkg/classifier"
	"github.com/myles1663/lancelot-sub002/pkg/contracts"
)

const testConstitution = `
version: "1.2.0"
workspace_root: /workspace
denylist:
  - "rm -rf /"
  - "mkfs"
allowlist:
  shell.exec: ["ls", "git status"]
  net.post: ["connector.email", "api.example.com"]
sensitive_patterns:
  - "(?i)secret"
network:
  allowed_hosts: ["*.example.com", "connector.email"]
  require_tls: true
rules:
  - name: no-params-override
    expr: 'capability == "memory.write" && "unsafe" in params'
    effect: deny
  - name: ledger-writes-are-controlled
    expr: 'capability == "fs.write" && target.startsWith("ledger/")'
    effect: min_tier
    tier: T2
`

type stubSessions struct{ unresolved bool }

func (s *stubSessions) UnresolvedFailure(sessionID, capability, scope string) bool {
	return s.unresolved
}

type fixture struct {
	store    *Store
	engine   *Engine
	cls      *classifier.Classifier
	sessions *stubSessions
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c, err := ParseConstitution([]byte(testConstitution))
	require.NoError(t, err)

	ws, err := boundary.NewWorkspace(t.TempDir())
	require.NoError(t, err)

	store := NewStore(c)
	sessions := &stubSessions{}
	eval, err := NewEvaluator(store, ws, sessions)
	require.NoError(t, err)

	cls, err := classifier.New(ws, classifier.DefaultDescriptors(), c.SensitivePatterns, nil)
	require.NoError(t, err)

	return &fixture{store: store, engine: NewEngine(store, eval), cls: cls, sessions: sessions}
}

func (f *fixture) decide(t *testing.T, capability, target string, params map[string]any) contracts.PolicyDecision {
	t.Helper()
	req := contracts.ActionRequest{
		ID: "r1", Capability: capability, Target: target,
		Params: params, SessionID: "s1",
	}
	cl, err := f.cls.Classify(req)
	require.NoError(t, err)
	dec, err := f.engine.Decide(context.Background(), req, cl)
	require.NoError(t, err)
	return dec
}

func TestParseConstitutionRejectsBadDocuments(t *testing.T) {
	_, err := ParseConstitution([]byte("denylist: [x]"))
	assert.Error(t, err, "missing version")

	_, err = ParseConstitution([]byte("version: \"not-semver\""))
	assert.Error(t, err)

	_, err = ParseConstitution([]byte("version: \"1.0.0\"\nrules:\n  - name: x\n    expr: 'true'\n    effect: explode"))
	assert.Error(t, err, "bad effect enum")
}

func TestDenylistWins(t *testing.T) {
	f := newFixture(t)
	dec := f.decide(t, "shell.exec", "sh", map[string]any{"command": "rm -rf / --no-preserve-root"})
	assert.False(t, dec.Allow)
	assert.Equal(t, contracts.ReasonDenylistMatch, dec.ReasonCode)
}

func TestAllowlistRequired(t *testing.T) {
	f := newFixture(t)

	dec := f.decide(t, "shell.exec", "sh", map[string]any{"command": "ls"})
	assert.True(t, dec.Allow)

	dec = f.decide(t, "shell.exec", "sh", map[string]any{"command": "curl evil"})
	assert.False(t, dec.Allow)
	assert.Equal(t, contracts.ReasonAllowlistMissing, dec.ReasonCode)
}

func TestPathEscapeDenied(t *testing.T) {
	f := newFixture(t)
	dec := f.decide(t, "fs.write", "../../etc/passwd", nil)
	assert.False(t, dec.Allow)
	assert.Equal(t, contracts.ReasonPathEscape, dec.ReasonCode)
}

func TestConstitutionalRuleDenies(t *testing.T) {
	f := newFixture(t)
	dec := f.decide(t, "memory.write", "note:today", map[string]any{"unsafe": true})
	assert.False(t, dec.Allow)
	assert.Equal(t, contracts.ReasonConstitutionDeny, dec.ReasonCode)

	dec = f.decide(t, "memory.write", "note:today", map[string]any{"text": "ok"})
	assert.True(t, dec.Allow)
}

func TestMinTierRuleRaisesDecisionTier(t *testing.T) {
	f := newFixture(t)

	dec := f.decide(t, "fs.write", "ledger/balance.txt", nil)
	assert.True(t, dec.Allow)
	assert.Equal(t, contracts.TierControlled, dec.Tier)
	// The raised decision must never be memoized.
	assert.Equal(t, 0, f.engine.Cache().Len())

	dec = f.decide(t, "fs.write", "notes.txt", nil)
	assert.Equal(t, contracts.TierReversible, dec.Tier)
}

func TestPriorFailureBlocksControlledTiers(t *testing.T) {
	f := newFixture(t)
	f.sessions.unresolved = true

	dec := f.decide(t, "net.post", "connector.email", nil)
	assert.False(t, dec.Allow)
	assert.Equal(t, contracts.ReasonPriorFailure, dec.ReasonCode)

	// T1 is unaffected by the prior-failure gate.
	dec = f.decide(t, "fs.write", "notes.txt", nil)
	assert.True(t, dec.Allow)
}

func TestCacheOnlyServesReversibleTiers(t *testing.T) {
	f := newFixture(t)

	// First T1 decision is a full evaluation, second is a hit.
	dec := f.decide(t, "fs.write", "notes.txt", nil)
	assert.Equal(t, contracts.SourceFullEvaluation, dec.Source)
	dec = f.decide(t, "fs.write", "notes.txt", nil)
	assert.Equal(t, contracts.SourceCacheHit, dec.Source)

	// T3 never hits the cache no matter how often it repeats.
	for i := 0; i < 3; i++ {
		dec = f.decide(t, "net.post", "connector.email", nil)
		assert.Equal(t, contracts.SourceFullEvaluation, dec.Source)
	}
	assert.Equal(t, 1, f.engine.Cache().Len())
}

func TestPolicyChangeInvalidatesWholeCache(t *testing.T) {
	f := newFixture(t)

	f.decide(t, "fs.write", "notes.txt", nil)
	f.decide(t, "fs.read", "notes.txt", nil)
	require.Equal(t, 2, f.engine.Cache().Len())

	next, err := ParseConstitution([]byte(testConstitution))
	require.NoError(t, err)
	next.Version = "1.3.0"
	f.store.Replace(next)

	assert.Equal(t, 0, f.engine.Cache().Len())

	dec := f.decide(t, "fs.write", "notes.txt", nil)
	assert.Equal(t, contracts.SourceFullEvaluation, dec.Source)
	assert.Equal(t, "1.3.0", dec.PolicyVersion)
}
