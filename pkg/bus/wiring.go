package bus

import (
	"context"

	"github.com/dislovelhl/acgs2/pkg/breaker"
	"github.com/dislovelhl/acgs2/pkg/model"
	"github.com/dislovelhl/acgs2/pkg/pdp"
)

// breakerGatedEvaluator wraps a pdp.PolicyEvaluator so every external call a
// PDP backend makes (CEL is local, but the OPA-HTTP backend is not) passes
// through a circuit breaker, satisfying the universal breaker invariant for
// both the Authorization Cache's miss path and the Deliberation Queue.
type breakerGatedEvaluator struct {
	eval    pdp.PolicyEvaluator
	breaker *breaker.Breaker
}

func (g *breakerGatedEvaluator) Evaluate(ctx context.Context, in *pdp.DecisionInput) (*pdp.Decision, error) {
	var out *pdp.Decision
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		d, err := g.eval.Evaluate(ctx, in)
		if err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *breakerGatedEvaluator) ActiveVersion(ctx context.Context, policyID string) (string, error) {
	return g.eval.ActiveVersion(ctx, policyID)
}

func (g *breakerGatedEvaluator) List(ctx context.Context, tenant string) ([]string, error) {
	return g.eval.List(ctx, tenant)
}

// defaultPolicyInput builds a pdp.DecisionInput from a Message using the
// conventions spec.md §4.2/§4.7 describe: the message type names the
// action, the target (or tenant, for broadcasts) names the resource, and
// the payload's "policy_id" key (if present) selects the policy, falling
// back to a type-derived default so every message type maps to some
// policy even when the caller doesn't set one explicitly.
func defaultPolicyInput(msg *model.Message) *pdp.DecisionInput {
	policyID, _ := msg.Payload["policy_id"].(string)
	if policyID == "" {
		policyID = "default." + string(msg.Type)
	}
	resource := msg.TargetAgent
	if resource == "" {
		resource = msg.TenantID
	}
	return &pdp.DecisionInput{
		PolicyID:  policyID,
		TenantID:  msg.TenantID,
		Principal: msg.SourceAgent,
		Action:    string(msg.Type),
		Resource:  resource,
		Context:   msg.Payload,
	}
}

// defaultRoleFunc resolves the calling agent's role from its payload
// metadata, falling back to "agent" when unset. New always passes this
// function to the processor; Deps has no field to replace it.
func defaultRoleFunc(msg *model.Message) string {
	if role, ok := msg.Payload["role"].(string); ok && role != "" {
		return role
	}
	return "agent"
}
