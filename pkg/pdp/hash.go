package pdp

import (
	"fmt"

	"github.com/dislovelhl/acgs2/pkg/canonicalize"
)

// ComputeDecisionHash produces a deterministic hash of the decision's
// allow/reasons/policy identity, excluding the hash field itself and the
// evaluation timestamp (which would otherwise make every decision unique).
func ComputeDecisionHash(d *Decision) (string, error) {
	hashInput := struct {
		Allowed       bool     `json:"allowed"`
		Reasons       []string `json:"reasons,omitempty"`
		PolicyID      string   `json:"policy_id"`
		PolicyVersion string   `json:"policy_version"`
	}{
		Allowed:       d.Allowed,
		Reasons:       d.Reasons,
		PolicyID:      d.PolicyID,
		PolicyVersion: d.PolicyVersion,
	}

	hash, err := canonicalize.CanonicalHash(hashInput)
	if err != nil {
		return "", fmt.Errorf("pdp: decision hash: %w", err)
	}
	return "sha256:" + hash, nil
}
