package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dislovelhl/acgs2/pkg/config"
	"github.com/dislovelhl/acgs2/pkg/faults"
	"github.com/dislovelhl/acgs2/pkg/handlers"
	"github.com/dislovelhl/acgs2/pkg/model"
	"github.com/dislovelhl/acgs2/pkg/pdp"
)

const testFingerprint = "cdd01ef066bc6cf2"

type constScorer struct {
	score float64
}

func (c constScorer) Score(ctx context.Context, text string) (float64, error) { return c.score, nil }
func (c constScorer) ScoreBatch(ctx context.Context, texts []string) ([]float64, error) {
	out := make([]float64, len(texts))
	for i := range out {
		out[i] = c.score
	}
	return out, nil
}

func allowAllPDP(t *testing.T) *pdp.InMemoryPDP {
	t.Helper()
	p := pdp.NewInMemoryPDP()
	for _, mt := range []string{"COMMAND", "QUERY", "EVENT", "RESPONSE", "ERROR"} {
		p.SetRule("default."+mt, "1.0.0", "agent-b", pdp.Rule{Allowed: true})
		p.SetRule("default."+mt, "1.0.0", "t1", pdp.Rule{Allowed: true})
	}
	return p
}

func newTestBus(t *testing.T, evaluator pdp.PolicyEvaluator, score float64) *Bus {
	t.Helper()
	cfg := config.Default()
	cfg.FingerprintExpected = testFingerprint
	cfg.ShutdownDeadlineMs = 500

	b, err := New(cfg, nil, Deps{
		PolicyEvaluator: evaluator,
		Scorer:          constScorer{score: score},
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return b
}

func registerPair(t *testing.T, b *Bus) {
	t.Helper()
	ctx := context.Background()
	_, err := b.Register(ctx, &model.AgentRegistration{ID: "agent-a", TenantID: "t1", Capabilities: map[string]bool{"q:read": true}})
	require.NoError(t, err)
	_, err = b.Register(ctx, &model.AgentRegistration{ID: "agent-b", TenantID: "t1"})
	require.NoError(t, err)
}

func TestNewRejectsMalformedFingerprint(t *testing.T) {
	cfg := config.Default()
	cfg.FingerprintExpected = "NOT-HEX"
	_, err := New(cfg, nil, Deps{PolicyEvaluator: allowAllPDP(t)})
	require.Error(t, err)
}

func TestNewRequiresPolicyEvaluator(t *testing.T) {
	cfg := config.Default()
	cfg.FingerprintExpected = testFingerprint
	_, err := New(cfg, nil, Deps{})
	require.Error(t, err)
}

func TestRegisterIsIdempotent(t *testing.T) {
	b := newTestBus(t, allowAllPDP(t), 0.1)
	ctx := context.Background()

	first, err := b.Register(ctx, &model.AgentRegistration{ID: "agent-a", TenantID: "t1", Name: "alpha"})
	require.NoError(t, err)

	again, err := b.Register(ctx, &model.AgentRegistration{ID: "agent-a", TenantID: "t1", Name: "other"})
	require.NoError(t, err)
	require.Equal(t, first.Name, again.Name)
}

func TestSendMessageBeforeStart(t *testing.T) {
	cfg := config.Default()
	cfg.FingerprintExpected = testFingerprint
	b, err := New(cfg, nil, Deps{PolicyEvaluator: allowAllPDP(t), Scorer: constScorer{score: 0.1}})
	require.NoError(t, err)

	_, err = b.SendMessage(context.Background(), SendRequest{Type: model.MessageTypeQuery, SourceAgent: "agent-a", TargetAgent: "agent-b", TenantID: "t1"})
	require.ErrorIs(t, err, faults.ErrBusNotStarted)
}

func TestSendMessageFastLaneDelivers(t *testing.T) {
	b := newTestBus(t, allowAllPDP(t), 0.12)
	registerPair(t, b)

	inbox, err := b.Subscribe("agent-b")
	require.NoError(t, err)

	res, err := b.SendMessage(context.Background(), SendRequest{
		Type:        model.MessageTypeQuery,
		SourceAgent: "agent-a",
		TargetAgent: "agent-b",
		TenantID:    "t1",
		Payload:     map[string]interface{}{"q": "status"},
	})
	require.NoError(t, err)
	require.Equal(t, model.TerminalDelivered, res.Outcome.Terminal)
	require.Equal(t, testFingerprint, res.Message.Fingerprint)
	require.NotEmpty(t, res.Message.CorrelationID)

	select {
	case got := <-inbox:
		require.Equal(t, res.Message.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("message not delivered to subscriber")
	}
}

func TestSendMessageUnknownTargetErrors(t *testing.T) {
	b := newTestBus(t, allowAllPDP(t), 0.1)
	registerPair(t, b)

	res, err := b.SendMessage(context.Background(), SendRequest{
		Type:        model.MessageTypeQuery,
		SourceAgent: "agent-a",
		TargetAgent: "agent-z",
		TenantID:    "t1",
	})
	require.NoError(t, err)
	require.Equal(t, model.TerminalErrored, res.Outcome.Terminal)
}

func TestSendMessageDeliberateDeny(t *testing.T) {
	p := pdp.NewInMemoryPDP()
	p.SetRule("default.COMMAND", "1.0.0", "agent-b", pdp.Rule{
		Allowed: false,
		Reasons: []string{"Resource deletion requires a change ticket"},
	})
	b := newTestBus(t, p, 0.91)
	registerPair(t, b)

	handled := false
	b.RegisterHandler(model.MessageTypeCommand, handlers.HandlerFunc(func(ctx context.Context, msg *model.Message) (model.ValidationResult, error) {
		handled = true
		return model.ValidationResult{Valid: true}, nil
	}))

	res, err := b.SendMessage(context.Background(), SendRequest{
		Type:        model.MessageTypeCommand,
		SourceAgent: "agent-a",
		TargetAgent: "agent-b",
		TenantID:    "t1",
		Payload:     map[string]interface{}{"action": "delete_resource"},
	})
	require.NoError(t, err)
	require.Equal(t, model.TerminalDenied, res.Outcome.Terminal)
	require.ErrorIs(t, res.Outcome.Err, faults.ErrPolicyDenied)
	require.False(t, handled)
	require.Contains(t, res.Outcome.Decision.Reasons, "Resource deletion requires a change ticket")
}

func TestBroadcastEventReachesTenantSubscribers(t *testing.T) {
	b := newTestBus(t, allowAllPDP(t), 0.1)
	registerPair(t, b)

	inboxA, err := b.Subscribe("agent-a")
	require.NoError(t, err)
	inboxB, err := b.Subscribe("agent-b")
	require.NoError(t, err)

	res, err := b.BroadcastEvent(context.Background(), "config_changed", map[string]interface{}{"key": "v"}, "t1", "agent-a")
	require.NoError(t, err)
	require.Equal(t, model.TerminalDelivered, res.Outcome.Terminal)

	for _, inbox := range []<-chan *model.Message{inboxA, inboxB} {
		select {
		case got := <-inbox:
			require.Equal(t, "config_changed", got.Payload["event_type"])
		case <-time.After(time.Second):
			t.Fatal("broadcast not delivered")
		}
	}
}

func TestAcknowledgeStopsRedelivery(t *testing.T) {
	b := newTestBus(t, allowAllPDP(t), 0.1)
	registerPair(t, b)

	_, err := b.Subscribe("agent-b")
	require.NoError(t, err)

	res, err := b.SendMessage(context.Background(), SendRequest{
		Type: model.MessageTypeQuery, SourceAgent: "agent-a", TargetAgent: "agent-b", TenantID: "t1",
	})
	require.NoError(t, err)
	require.Equal(t, model.TerminalDelivered, res.Outcome.Terminal)

	// Without an ack, a reconnect redelivers the pending message.
	inbox, err := b.Subscribe("agent-b")
	require.NoError(t, err)
	select {
	case got := <-inbox:
		require.Equal(t, res.Message.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("pending message not redelivered on resubscribe")
	}

	require.NoError(t, b.Acknowledge(res.Message.ID))
	inbox, err = b.Subscribe("agent-b")
	require.NoError(t, err)
	select {
	case got := <-inbox:
		t.Fatalf("acknowledged message %s redelivered", got.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartAndStopAreIdempotent(t *testing.T) {
	cfg := config.Default()
	cfg.FingerprintExpected = testFingerprint
	cfg.ShutdownDeadlineMs = 500
	b, err := New(cfg, nil, Deps{PolicyEvaluator: allowAllPDP(t), Scorer: constScorer{score: 0.1}})
	require.NoError(t, err)

	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Stop(context.Background()))
	require.NoError(t, b.Stop(context.Background()))
}

func TestUnregisterTearsDownSubscription(t *testing.T) {
	b := newTestBus(t, allowAllPDP(t), 0.1)
	registerPair(t, b)

	inbox, err := b.Subscribe("agent-b")
	require.NoError(t, err)
	require.NoError(t, b.Unregister(context.Background(), "t1", "agent-b"))

	_, open := <-inbox
	require.False(t, open)
}
