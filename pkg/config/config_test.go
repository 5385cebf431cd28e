package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchSpecTable(t *testing.T) {
	c := Default()
	require.True(t, c.FailClosed)
	require.Equal(t, 0.8, c.ImpactThresholdInitial)
	require.Equal(t, 0.5, c.ImpactThresholdMin)
	require.Equal(t, 0.95, c.ImpactThresholdMax)
	require.Equal(t, 10_000, c.DeliberationQueueCapacity)
	require.Equal(t, time.Second, c.HandlerDeadline())
	require.Equal(t, 5*time.Second, c.MessageDeadline())
	require.Equal(t, int64(5), c.BreakerFailureThreshold)
	require.Equal(t, 30*time.Second, c.BreakerCooldown())
	require.Equal(t, int64(3), c.BreakerProbeCount)
	require.Equal(t, 10_000, c.SIEMQueueCapacity)
	require.True(t, c.SIEMDropOnOverflow)
	require.Equal(t, "JSON", c.SIEMFormat)
	require.Equal(t, 15*time.Minute, c.CacheAuthzTTL())
	require.Equal(t, time.Hour, c.CachePolicyVersionTTL())
	require.Equal(t, 90*time.Second, c.AgentEvictionAfter())
	require.Equal(t, 10*time.Second, c.ShutdownDeadline())
}

func TestLoadRequiresFingerprint(t *testing.T) {
	t.Setenv("AGENTBUS_FINGERPRINT_EXPECTED", "")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("AGENTBUS_FINGERPRINT_EXPECTED", "cdd01ef066bc6cf2")
	t.Setenv("AGENTBUS_FAIL_CLOSED", "false")
	t.Setenv("AGENTBUS_IMPACT_THRESHOLD_INITIAL", "0.65")
	t.Setenv("AGENTBUS_MESSAGE_DEADLINE_MS", "2500")
	t.Setenv("AGENTBUS_SIEM_FORMAT", "CEF")

	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, "cdd01ef066bc6cf2", c.FingerprintExpected)
	require.False(t, c.FailClosed)
	require.Equal(t, 0.65, c.ImpactThresholdInitial)
	require.Equal(t, 2500*time.Millisecond, c.MessageDeadline())
	require.Equal(t, "CEF", c.SIEMFormat)
}

func TestLoadPolicyFile(t *testing.T) {
	path := t.TempDir() + "/policy.yaml"
	require.NoError(t, os.WriteFile(path, []byte(`
alert_thresholds:
  - event_type: authentication_failure
    count: 3
    window_seconds: 300
    level: ESCALATE
    cooldown_seconds: 600
    escalation_multiplier: 2.0
breaker_policies:
  - name: pdp
    failure_window_seconds: 60
    failure_threshold: 5
    cooldown_seconds: 30
    probe_count: 3
    max_cooldown_seconds: 300
`), 0o600))

	pf, err := LoadPolicyFile(path)
	require.NoError(t, err)
	require.Len(t, pf.AlertThresholds, 1)
	require.Equal(t, "authentication_failure", pf.AlertThresholds[0].EventType)
	require.Equal(t, 5*time.Minute, pf.AlertThresholds[0].Window())
	require.Len(t, pf.BreakerPolicies, 1)
	require.Equal(t, time.Minute, pf.BreakerPolicies[0].FailureWindow())
	require.Equal(t, 30*time.Second, pf.BreakerPolicies[0].Cooldown())
}
