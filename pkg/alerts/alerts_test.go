package alerts

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dislovelhl/acgs2/pkg/clockid"
	"github.com/dislovelhl/acgs2/pkg/model"
)

func seq(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return prefix + string(rune('0'+n))
	}
}

func newEvent(evtType string, severity model.Severity, tenant, agent, source string, ts time.Time) model.SecurityEvent {
	return model.SecurityEvent{
		ID:        "e",
		EventType: evtType,
		Severity:  severity,
		TenantID:  tenant,
		AgentID:   agent,
		Source:    source,
		Timestamp: ts,
	}
}

func TestTenantAttackCorrelation(t *testing.T) {
	clock := clockid.NewFixedClock(time.Now())
	c := NewCorrelator(clock, time.Minute, seq("corr-"))

	var last model.SecurityEvent
	for i := 0; i < 3; i++ {
		evt := newEvent("authentication_failure", model.SeverityCritical, "t1", "", "", clock.Now())
		last = c.Observe(evt)
		clock.Advance(time.Second)
	}

	require.True(t, strings.HasPrefix(last.CorrelationID, "tenant_attack:t1:"))
}

func TestDistributedAttackCorrelation(t *testing.T) {
	clock := clockid.NewFixedClock(time.Now())
	c := NewCorrelator(clock, time.Minute, seq("corr-"))

	agents := []string{"a1", "a2", "a3"}
	var last model.SecurityEvent
	for _, a := range agents {
		evt := newEvent("suspicious_pattern", model.SeverityWarning, "", a, "", clock.Now())
		last = c.Observe(evt)
		clock.Advance(time.Second)
	}

	require.True(t, strings.HasPrefix(last.CorrelationID, "distributed_attack:suspicious_pattern:"))
}

func TestEscalatingAttackCorrelation(t *testing.T) {
	clock := clockid.NewFixedClock(time.Now())
	c := NewCorrelator(clock, time.Minute, seq("corr-"))

	severities := []model.Severity{model.SeverityInfo, model.SeverityWarning, model.SeverityError}
	var last model.SecurityEvent
	for _, s := range severities {
		evt := newEvent("probe", s, "", "", "agent-x", clock.Now())
		last = c.Observe(evt)
		clock.Advance(time.Second)
	}

	require.True(t, strings.HasPrefix(last.CorrelationID, "escalating_attack:agent-x:"))
}

func TestCorrelationWindowExpires(t *testing.T) {
	clock := clockid.NewFixedClock(time.Now())
	c := NewCorrelator(clock, time.Second, seq("corr-"))

	for i := 0; i < 2; i++ {
		c.Observe(newEvent("auth_fail", model.SeverityCritical, "t1", "", "", clock.Now()))
	}
	clock.Advance(5 * time.Second)
	evt := c.Observe(newEvent("auth_fail", model.SeverityCritical, "t1", "", "", clock.Now()))

	require.Empty(t, evt.CorrelationID)
}

type alertRecorder struct {
	fired []Alert
}

func (r *alertRecorder) AlertFired(a Alert) { r.fired = append(r.fired, a) }

func TestManagerFiresOnThresholdBreach(t *testing.T) {
	clock := clockid.NewFixedClock(time.Now())
	sink := &alertRecorder{}
	m := NewManager(clock, []Threshold{
		{EventType: "login_failed", Count: 3, Window: time.Minute, Level: LevelWarn, Cooldown: time.Minute, EscalationMultiplier: 2},
	}, sink, nil)

	for i := 0; i < 3; i++ {
		m.Record(newEvent("login_failed", model.SeverityWarning, "", "", "", clock.Now()))
		clock.Advance(time.Second)
	}

	require.Len(t, sink.fired, 1)
	require.Equal(t, LevelWarn, sink.fired[0].Level)
}

func TestManagerEscalatesOnRepeatedFireWithinCooldown(t *testing.T) {
	clock := clockid.NewFixedClock(time.Now())
	sink := &alertRecorder{}
	m := NewManager(clock, []Threshold{
		{EventType: "login_failed", Count: 1, Window: time.Minute, Level: LevelWarn, Cooldown: time.Minute, EscalationMultiplier: 2},
	}, sink, nil)

	m.Record(newEvent("login_failed", model.SeverityWarning, "", "", "", clock.Now()))
	clock.Advance(time.Second)
	m.Record(newEvent("login_failed", model.SeverityWarning, "", "", "", clock.Now()))

	require.Len(t, sink.fired, 2)
	require.Equal(t, LevelWarn, sink.fired[0].Level)
	require.Equal(t, LevelEscalate, sink.fired[1].Level)
}

func TestManagerIgnoresEventsWithoutThreshold(t *testing.T) {
	sink := &alertRecorder{}
	m := NewManager(clockid.SystemClock{}, nil, sink, nil)
	m.Record(newEvent("unconfigured", model.SeverityWarning, "", "", "", time.Now()))
	require.Empty(t, sink.fired)
}
