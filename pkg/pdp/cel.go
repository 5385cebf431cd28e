package pdp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

// CELPDP is the built-in Policy Evaluator backend: policies are CEL boolean
// expressions keyed by policy ID, compiled and cached lazily. It requires no
// external process, so the bus is usable without standing up OPA.
type CELPDP struct {
	env     *cel.Env
	mu      sync.RWMutex
	rules   map[string]string       // policyID -> CEL expression
	prgs    map[string]cel.Program  // CEL expression -> compiled program
	version string
}

// NewCELPDP builds a CEL-backed PDP. rules maps policy ID to a CEL boolean
// expression evaluated against variables `principal`, `action`, `resource`,
// and `context` (a dynamic map). version identifies the active rule set.
func NewCELPDP(version string, rules map[string]string) (*CELPDP, error) {
	env, err := cel.NewEnv(
		cel.Variable("principal", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("context", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("pdp: cel environment: %w", err)
	}

	return &CELPDP{
		env:     env,
		rules:   rules,
		prgs:    make(map[string]cel.Program),
		version: version,
	}, nil
}

// Evaluate implements PolicyEvaluator. Deny-by-default: a policy ID with no
// registered rule yields allowed=false, reason NO_MATCHING_RULE.
func (c *CELPDP) Evaluate(ctx context.Context, in *DecisionInput) (*Decision, error) {
	if in == nil {
		return c.deny("", "DENY_NIL_INPUT"), nil
	}

	select {
	case <-ctx.Done():
		return c.deny(in.PolicyID, "DENY_TIMEOUT"), nil
	default:
	}

	rule, ok := c.lookupRule(in.PolicyID)
	if !ok {
		return c.deny(in.PolicyID, ReasonNoMatchingRule), nil
	}

	prg, err := c.program(rule)
	if err != nil {
		return nil, fmt.Errorf("pdp: compile policy %q: %w", in.PolicyID, err)
	}

	out, _, err := prg.Eval(map[string]any{
		"principal": in.Principal,
		"action":    in.Action,
		"resource":  in.Resource,
		"context":   in.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("pdp: evaluate policy %q: %w", in.PolicyID, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return nil, fmt.Errorf("pdp: policy %q did not evaluate to bool", in.PolicyID)
	}

	reason := "ALLOW"
	if !allowed {
		reason = "DENY_POLICY"
	}

	d := &Decision{
		Allowed:       allowed,
		Reasons:       []string{reason},
		PolicyID:      in.PolicyID,
		PolicyVersion: c.version,
		EvaluatedAt:   time.Now().UTC(),
	}
	hash, err := ComputeDecisionHash(d)
	if err != nil {
		return nil, fmt.Errorf("pdp: hash decision: %w", err)
	}
	d.DecisionHash = hash
	return d, nil
}

func (c *CELPDP) lookupRule(policyID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rule, ok := c.rules[policyID]
	return rule, ok
}

func (c *CELPDP) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, hit := c.prgs[expr]
	c.mu.RUnlock()
	if hit {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, hit := c.prgs[expr]; hit {
		return prg, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, err
	}
	c.prgs[expr] = prg
	return prg, nil
}

// ActiveVersion implements PolicyEvaluator.
func (c *CELPDP) ActiveVersion(ctx context.Context, policyID string) (string, error) {
	if _, ok := c.lookupRule(policyID); !ok {
		return "", fmt.Errorf("pdp: %w: %s", errPolicyNotFound, policyID)
	}
	return c.version, nil
}

// List implements PolicyEvaluator. CEL rules are global, so tenant is ignored.
func (c *CELPDP) List(ctx context.Context, tenant string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.rules))
	for id := range c.rules {
		ids = append(ids, id)
	}
	return ids, nil
}

// SetRule installs or replaces the CEL expression for policyID and drops any
// cached program for expr, so it is compiled afresh on first use. Programs
// are cached by expression text; the replaced expression's program is left
// in the cache.
func (c *CELPDP) SetRule(policyID, expr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules[policyID] = expr
	delete(c.prgs, expr)
}

func (c *CELPDP) deny(policyID, reason string) *Decision {
	d := &Decision{
		Allowed:       false,
		Reasons:       []string{reason},
		PolicyID:      policyID,
		PolicyVersion: c.version,
		EvaluatedAt:   time.Now().UTC(),
	}
	hash, _ := ComputeDecisionHash(d)
	d.DecisionHash = hash
	return d
}
