package pdp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCELPDPAllowDeny(t *testing.T) {
	p, err := NewCELPDP("v1", map[string]string{
		"delete_resource": `context.change_ticket != ""`,
	})
	require.NoError(t, err)

	allowed, err := p.Evaluate(context.Background(), &DecisionInput{
		PolicyID: "delete_resource",
		Resource: "res-1",
		Context:  map[string]any{"change_ticket": "CHG-1"},
	})
	require.NoError(t, err)
	require.True(t, allowed.Allowed)
	require.NotEmpty(t, allowed.DecisionHash)

	denied, err := p.Evaluate(context.Background(), &DecisionInput{
		PolicyID: "delete_resource",
		Resource: "res-1",
		Context:  map[string]any{"change_ticket": ""},
	})
	require.NoError(t, err)
	require.False(t, denied.Allowed)
	require.Contains(t, denied.Reasons, "DENY_POLICY")
}

func TestCELPDPNoMatchingRuleDeniesByDefault(t *testing.T) {
	p, err := NewCELPDP("v1", map[string]string{})
	require.NoError(t, err)

	d, err := p.Evaluate(context.Background(), &DecisionInput{PolicyID: "unknown"})
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Contains(t, d.Reasons, ReasonNoMatchingRule)
}

func TestCELPDPProgramCaching(t *testing.T) {
	p, err := NewCELPDP("v1", map[string]string{"p1": "true"})
	require.NoError(t, err)

	_, err = p.Evaluate(context.Background(), &DecisionInput{PolicyID: "p1"})
	require.NoError(t, err)
	require.Len(t, p.prgs, 1)

	_, err = p.Evaluate(context.Background(), &DecisionInput{PolicyID: "p1"})
	require.NoError(t, err)
	require.Len(t, p.prgs, 1)
}

func TestCELPDPActiveVersion(t *testing.T) {
	p, err := NewCELPDP("v2", map[string]string{"p1": "true"})
	require.NoError(t, err)

	v, err := p.ActiveVersion(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, "v2", v)

	_, err = p.ActiveVersion(context.Background(), "missing")
	require.Error(t, err)
}
