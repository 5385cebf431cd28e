package pdp

import (
	"context"
	"sync"
	"time"
)

// Rule is a single static decision an InMemoryPDP returns for a resource.
type Rule struct {
	Allowed bool
	Reasons []string
}

// InMemoryPDP is a deterministic test double: policyID -> version, and
// (policyID, resource) -> Rule. Useful for exercising the processor and
// deliberation queue without a live CEL or OPA backend.
type InMemoryPDP struct {
	mu       sync.RWMutex
	versions map[string]string
	rules    map[string]map[string]Rule // policyID -> resource -> rule
}

// NewInMemoryPDP constructs an empty InMemoryPDP.
func NewInMemoryPDP() *InMemoryPDP {
	return &InMemoryPDP{
		versions: make(map[string]string),
		rules:    make(map[string]map[string]Rule),
	}
}

// SetRule installs the decision returned for (policyID, resource).
func (p *InMemoryPDP) SetRule(policyID, version, resource string, rule Rule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.versions[policyID] = version
	if p.rules[policyID] == nil {
		p.rules[policyID] = make(map[string]Rule)
	}
	p.rules[policyID][resource] = rule
}

// Evaluate implements PolicyEvaluator.
func (p *InMemoryPDP) Evaluate(ctx context.Context, in *DecisionInput) (*Decision, error) {
	if in == nil {
		return nil, errNilInput
	}

	p.mu.RLock()
	version := p.versions[in.PolicyID]
	var rule Rule
	var found bool
	if byResource, ok := p.rules[in.PolicyID]; ok {
		rule, found = byResource[in.Resource]
	}
	p.mu.RUnlock()

	d := &Decision{
		PolicyID:      in.PolicyID,
		PolicyVersion: version,
		EvaluatedAt:   time.Now().UTC(),
	}
	if !found {
		d.Allowed = false
		d.Reasons = []string{ReasonNoMatchingRule}
	} else {
		d.Allowed = rule.Allowed
		d.Reasons = rule.Reasons
	}

	hash, err := ComputeDecisionHash(d)
	if err != nil {
		return nil, err
	}
	d.DecisionHash = hash
	return d, nil
}

// ActiveVersion implements PolicyEvaluator.
func (p *InMemoryPDP) ActiveVersion(ctx context.Context, policyID string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.versions[policyID]
	if !ok {
		return "", errPolicyNotFound
	}
	return v, nil
}

// List implements PolicyEvaluator.
func (p *InMemoryPDP) List(ctx context.Context, tenant string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.versions))
	for id := range p.versions {
		ids = append(ids, id)
	}
	return ids, nil
}
