package pdp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInMemoryPDP(t *testing.T) {
	p := NewInMemoryPDP()
	p.SetRule("delete_resource", "v1", "res-1", Rule{Allowed: false, Reasons: []string{"Resource deletion requires a change ticket"}})

	d, err := p.Evaluate(context.Background(), &DecisionInput{PolicyID: "delete_resource", Resource: "res-1"})
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, "v1", d.PolicyVersion)

	_, err = p.Evaluate(context.Background(), &DecisionInput{PolicyID: "other", Resource: "res-1"})
	require.NoError(t, err)

	unmatched, err := p.Evaluate(context.Background(), &DecisionInput{PolicyID: "delete_resource", Resource: "res-2"})
	require.NoError(t, err)
	require.Contains(t, unmatched.Reasons, ReasonNoMatchingRule)
}
