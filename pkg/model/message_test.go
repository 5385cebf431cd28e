package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidationResultMerge(t *testing.T) {
	a := ValidationResult{Valid: true, ImpactScore: 0.2}
	b := ValidationResult{Valid: false, Errors: []string{"bad field"}, ImpactScore: 0.7, RequiresDeliberation: true}

	merged := a.Merge(b)

	require.False(t, merged.Valid)
	require.Equal(t, []string{"bad field"}, merged.Errors)
	require.Equal(t, 0.7, merged.ImpactScore)
	require.True(t, merged.RequiresDeliberation)
}

func TestMessageIsBroadcast(t *testing.T) {
	m := &Message{}
	require.True(t, m.IsBroadcast())
	m.TargetAgent = "agent-b"
	require.False(t, m.IsBroadcast())
}

func TestAgentRegistrationHasCapability(t *testing.T) {
	a := &AgentRegistration{Capabilities: map[string]bool{"q:read": true}}
	require.True(t, a.HasCapability("q:read"))
	require.False(t, a.HasCapability("q:write"))

	var nilCaps AgentRegistration
	require.False(t, nilCaps.HasCapability("anything"))
}

func TestSeverityRank(t *testing.T) {
	require.True(t, SeverityCritical.Rank() > SeverityWarning.Rank())
	require.True(t, SeverityWarning.Rank() > SeverityInfo.Rank())
}
