// Package pdp defines the Policy Decision Point abstraction the bus
// delegates policy evaluation to. Every implementation must be fail-closed
// (deny on error or timeout) and deny-by-default (absence of a matching
// rule yields allowed=false, reason NO_MATCHING_RULE).
package pdp

import (
	"context"
	"time"
)

// DecisionInput is the structured input to a policy evaluation.
type DecisionInput struct {
	PolicyID    string         `json:"policy_id"`
	TenantID    string         `json:"tenant_id,omitempty"`
	Principal   string         `json:"principal"`
	Action      string         `json:"action"`
	Resource    string         `json:"resource"`
	Context     map[string]any `json:"context,omitempty"`
}

// Decision is the outcome of a policy evaluation, mirroring model.PolicyDecision.
type Decision struct {
	Allowed       bool      `json:"allowed"`
	Reasons       []string  `json:"reasons,omitempty"`
	PolicyID      string    `json:"policy_id"`
	PolicyVersion string    `json:"policy_version"`
	EvaluatedAt   time.Time `json:"evaluated_at"`
	DecisionHash  string    `json:"decision_hash"`
}

// ReasonNoMatchingRule is the deny reason used when no rule matched the input.
const ReasonNoMatchingRule = "NO_MATCHING_RULE"

// PolicyEvaluator is the stable interface every PDP backend implements.
type PolicyEvaluator interface {
	// Evaluate runs the policy evaluation. MUST be fail-closed: any internal
	// error returns (nil, err); the caller is responsible for denying.
	Evaluate(ctx context.Context, in *DecisionInput) (*Decision, error)

	// ActiveVersion returns the currently active version of policyID.
	ActiveVersion(ctx context.Context, policyID string) (string, error)

	// List returns the policy IDs applicable to tenant ("" for global policies).
	List(ctx context.Context, tenant string) ([]string, error)
}
