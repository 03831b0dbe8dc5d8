package policy

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/myles1663/lancelot-sub002/pkg/boundary"
	"github.com/myles1663/lancelot-sub002/pkg/classifier"
	"github.com/myles1663/lancelot-sub002/pkg/contracts"
)

// SessionState exposes the one piece of live pipeline state full evaluation
// needs: whether an earlier reversible action in the session is still
// unresolved for this capability/scope.
type SessionState interface {
	UnresolvedFailure(sessionID, capability, scope string) bool
}

// Evaluator runs full rule evaluation for cache misses and for every T2/T3
// request. Checks run in a fixed order; the first denial wins and carries a
// machine-checkable reason code.
type Evaluator struct {
	store     *Store
	workspace *boundary.Workspace
	sessions  SessionState

	mu       sync.RWMutex
	denyRes  []*regexp.Regexp
	denySrcs []string
	netpol   *boundary.NetworkPolicy

	celEnv   *cel.Env
	celMu    sync.RWMutex
	celCache map[string]cel.Program
}

// NewEvaluator compiles the active constitution's denylist and network
// policy, and prepares the CEL environment for constitutional rules. The
// evaluator re-compiles whenever the store notifies a version change.
func NewEvaluator(store *Store, ws *boundary.Workspace, sessions SessionState) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("capability", cel.StringType),
		cel.Variable("target", cel.StringType),
		cel.Variable("scope", cel.StringType),
		cel.Variable("tier", cel.StringType),
		cel.Variable("params", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL environment: %w", err)
	}

	e := &Evaluator{
		store:     store,
		workspace: ws,
		sessions:  sessions,
		celEnv:    env,
		celCache:  make(map[string]cel.Program),
	}
	if err := e.recompile(); err != nil {
		return nil, err
	}
	store.Subscribe(func(string) {
		// A broken replacement document must not silently disable the
		// denylist; keep the previous compiled state on error.
		_ = e.recompile()
	})
	return e, nil
}

func (e *Evaluator) recompile() error {
	c := e.store.Current()
	if c == nil {
		return errors.New("policy: no active constitution")
	}

	denyRes := make([]*regexp.Regexp, 0, len(c.Denylist))
	for _, p := range c.Denylist {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("policy: denylist pattern %q: %w", p, err)
		}
		denyRes = append(denyRes, re)
	}
	netpol, err := boundary.NewNetworkPolicy(c.Network.AllowedHosts, c.Network.DeniedHosts, c.Network.RequireTLS)
	if err != nil {
		return fmt.Errorf("policy: network policy: %w", err)
	}

	e.mu.Lock()
	e.denyRes = denyRes
	e.denySrcs = append([]string(nil), c.Denylist...)
	e.netpol = netpol
	e.mu.Unlock()
	return nil
}

// Evaluate runs the full check sequence and returns the decision. The
// returned decision is immutable; callers must not amend it.
func (e *Evaluator) Evaluate(ctx context.Context, req contracts.ActionRequest, cls classifier.Classification) (contracts.PolicyDecision, error) {
	c := e.store.Current()
	deny := func(code, reason string) (contracts.PolicyDecision, error) {
		return contracts.PolicyDecision{
			Allow:         false,
			ReasonCode:    code,
			Reason:        reason,
			Tier:          cls.Tier,
			Source:        contracts.SourceFullEvaluation,
			PolicyVersion: c.Version,
		}, nil
	}

	// 1. Static denylist: destructive patterns in the target or command.
	e.mu.RLock()
	denyRes, denySrcs, netpol := e.denyRes, e.denySrcs, e.netpol
	e.mu.RUnlock()

	subject := req.Target
	if cmd, ok := req.Params["command"].(string); ok && cmd != "" {
		subject = subject + " " + cmd
	}
	for i, re := range denyRes {
		if re.MatchString(subject) {
			return deny(contracts.ReasonDenylistMatch, "denylist pattern matched: "+denySrcs[i])
		}
	}

	// 2. Allowlist membership for capabilities that require it.
	if cls.Descriptor.RequiresAllowlist {
		allowed, err := e.allowlisted(c, req, cls)
		if err != nil {
			return contracts.PolicyDecision{}, err
		}
		if !allowed {
			return deny(contracts.ReasonAllowlistMissing,
				fmt.Sprintf("%s target %q not allowlisted", req.Capability, req.Target))
		}
	}

	// 3. Path-traversal normalization for filesystem targets, network
	// perimeter for host targets.
	switch cls.Descriptor.ScopeKind {
	case classifier.ScopePath:
		if _, err := e.workspace.Resolve(req.Target); err != nil {
			switch {
			case errors.Is(err, boundary.ErrSymlinkEscape):
				return deny(contracts.ReasonSymlinkEscape, err.Error())
			case errors.Is(err, boundary.ErrPathEscape):
				return deny(contracts.ReasonPathEscape, err.Error())
			default:
				return contracts.PolicyDecision{}, fmt.Errorf("policy: resolve target: %w", err)
			}
		}
	case classifier.ScopeHost:
		if err := netpol.CheckURL(req.Target); err != nil {
			return deny(contracts.ReasonDenylistMatch, err.Error())
		}
	}

	// 4. Constitutional CEL rules: deny rules block outright, minimum-tier
	// rules raise the effective tier carried on the decision.
	tier := cls.Tier
	for _, rule := range c.Rules {
		matched, err := e.evalRule(rule.Expr, req, cls)
		if err != nil {
			// Fail closed: an unevaluable constitutional rule denies.
			return deny(contracts.ReasonConstitutionDeny,
				fmt.Sprintf("rule %s unevaluable: %v", rule.Name, err))
		}
		if !matched {
			continue
		}
		switch rule.Effect {
		case "deny":
			return deny(contracts.ReasonConstitutionDeny, "constitutional rule matched: "+rule.Name)
		case "min_tier":
			min, err := contracts.ParseTier(rule.Tier)
			if err != nil {
				return deny(contracts.ReasonConstitutionDeny,
					fmt.Sprintf("rule %s tier: %v", rule.Name, err))
			}
			if min > tier {
				tier = min
			}
		}
	}

	// 5. Prior-failure check: an unresolved earlier T1 failure for the same
	// capability/scope blocks new T2/T3 work in the session.
	if tier >= contracts.TierControlled && e.sessions != nil {
		if e.sessions.UnresolvedFailure(req.SessionID, req.Capability, cls.Scope) {
			return deny(contracts.ReasonPriorFailure,
				"unresolved reversible failure for this capability/scope in session")
		}
	}

	return contracts.PolicyDecision{
		Allow:         true,
		Tier:          tier,
		Source:        contracts.SourceFullEvaluation,
		PolicyVersion: c.Version,
	}, nil
}

func (e *Evaluator) allowlisted(c *Constitution, req contracts.ActionRequest, cls classifier.Classification) (bool, error) {
	entries, ok := c.Allowlist[req.Capability]
	if !ok {
		return false, nil
	}
	// For shell commands the allowlist matches the command head, otherwise
	// the target/host.
	subject := req.Target
	if req.Capability == "shell.exec" {
		if cmd, ok := req.Params["command"].(string); ok && cmd != "" {
			subject = cmd
		}
	}
	for _, entry := range entries {
		re, err := regexp.Compile("^" + regexp.QuoteMeta(entry) + "$")
		if err != nil {
			return false, fmt.Errorf("policy: allowlist entry %q: %w", entry, err)
		}
		if re.MatchString(subject) || entry == cls.Scope {
			return true, nil
		}
	}
	return false, nil
}

// evalRule compiles and caches one CEL program, then evaluates it against
// the request. Programs are cached by expression text with double-checked
// locking; the cache survives constitution reloads because expressions are
// content-addressed by their own text.
func (e *Evaluator) evalRule(expr string, req contracts.ActionRequest, cls classifier.Classification) (bool, error) {
	e.celMu.RLock()
	prg, hit := e.celCache[expr]
	e.celMu.RUnlock()

	if !hit {
		e.celMu.Lock()
		if prg, hit = e.celCache[expr]; !hit {
			ast, issues := e.celEnv.Compile(expr)
			if issues != nil && issues.Err() != nil {
				e.celMu.Unlock()
				return false, fmt.Errorf("compile: %w", issues.Err())
			}
			p, err := e.celEnv.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				e.celMu.Unlock()
				return false, fmt.Errorf("program: %w", err)
			}
			e.celCache[expr] = p
			prg = p
		}
		e.celMu.Unlock()
	}

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"capability": req.Capability,
		"target":     req.Target,
		"scope":      cls.Scope,
		"tier":       cls.Tier.String(),
		"params":     params,
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("rule result is not bool")
	}
	return b, nil
}
