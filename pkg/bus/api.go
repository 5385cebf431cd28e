package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/dislovelhl/acgs2/pkg/clockid"
	"github.com/dislovelhl/acgs2/pkg/faults"
	"github.com/dislovelhl/acgs2/pkg/model"
	"github.com/dislovelhl/acgs2/pkg/processor"
	"github.com/dislovelhl/acgs2/pkg/registry"
)

// subscriber is one agent's inbound delivery channel plus its
// not-yet-acknowledged messages, redelivered on reconnect (spec §6.1:
// "at-least-once delivery to a reconnecting subscriber").
type subscriber struct {
	agentID string
	ch      chan *model.Message

	mu      sync.Mutex
	pending map[string]*model.Message
}

const subscriberBufferSize = 256

// Result bundles a processed message with its pipeline outcome; spec.md's
// send_message return value ("the message") is underspecified for a typed
// API, so callers get both the message as constructed and what happened to it.
type Result struct {
	Message *model.Message
	Outcome processor.Outcome
}

// SendRequest is the input to SendMessage.
type SendRequest struct {
	Type          model.MessageType
	Priority      model.Priority
	SourceAgent   string
	TargetAgent   string
	TenantID      string
	Payload       map[string]interface{}
	CorrelationID string
}

// Register adds an agent to the registry. A duplicate (tenant, id)
// registration is treated as idempotent: the existing entry is returned
// rather than erroring, since a reconnecting agent re-announcing itself is
// normal operation, not a conflict.
func (b *Bus) Register(ctx context.Context, reg *model.AgentRegistration) (*model.AgentRegistration, error) {
	if reg.ID == "" {
		return nil, faults.New(faults.KindValidation, "agent id required", nil)
	}
	if err := b.reg.Register(ctx, reg); err != nil {
		if err == registry.ErrAlreadyRegistered {
			return b.reg.Get(ctx, reg.TenantID, reg.ID)
		}
		return nil, fmt.Errorf("bus: register: %w", err)
	}
	return reg, nil
}

// Unregister removes an agent and tears down its subscription, if any.
func (b *Bus) Unregister(ctx context.Context, tenantID, id string) error {
	if err := b.reg.Unregister(ctx, tenantID, id); err != nil {
		return fmt.Errorf("bus: unregister: %w", err)
	}
	b.mu.Lock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	return nil
}

// Subscribe returns the channel an agent receives delivered messages on.
// Calling Subscribe again for the same agent ID replaces the channel and
// redelivers anything still pending acknowledgment.
func (b *Bus) Subscribe(agentID string) (<-chan *model.Message, error) {
	if agentID == "" {
		return nil, faults.New(faults.KindValidation, "agent id required", nil)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, existed := b.subscribers[agentID]
	if !existed {
		sub = &subscriber{agentID: agentID, pending: make(map[string]*model.Message)}
		b.subscribers[agentID] = sub
	} else {
		close(sub.ch)
	}
	sub.ch = make(chan *model.Message, subscriberBufferSize)

	sub.mu.Lock()
	for _, msg := range sub.pending {
		select {
		case sub.ch <- msg:
		default:
		}
	}
	sub.mu.Unlock()

	return sub.ch, nil
}

// Acknowledge removes messageID from every subscriber's pending set,
// completing the at-least-once delivery contract for that message.
func (b *Bus) Acknowledge(messageID string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		sub.mu.Lock()
		delete(sub.pending, messageID)
		sub.mu.Unlock()
	}
	return nil
}

// SendMessage constructs a Message from req, runs it through the full
// governance pipeline, and — on DELIVERED — hands it to the target
// subscriber (or every tenant subscriber, for a broadcast).
func (b *Bus) SendMessage(ctx context.Context, req SendRequest) (*Result, error) {
	if !b.started.Load() {
		return nil, faults.ErrBusNotStarted
	}
	if b.stopped.Load() {
		return nil, faults.New(faults.KindResource, "bus is stopping", nil)
	}

	if req.Priority == "" {
		req.Priority = model.PriorityNormal
	}
	msg := &model.Message{
		ID:            clockid.NewMessageID(),
		Type:          req.Type,
		Priority:      req.Priority,
		SourceAgent:   req.SourceAgent,
		TargetAgent:   req.TargetAgent,
		TenantID:      req.TenantID,
		Payload:       req.Payload,
		Timestamp:     b.clock.Now(),
		CorrelationID: req.CorrelationID,
		Fingerprint:   b.fpGuard.Expected(),
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = clockid.NewCorrelationID()
	}

	if b.payloadSchemas != nil {
		if err := b.payloadSchemas.Validate(msg.Type, msg.Payload); err != nil {
			return nil, faults.New(faults.KindValidation, "payload schema validation failed", err).WithCorrelation(msg.CorrelationID)
		}
	}

	b.rememberMessage(msg)

	b.inFlight.Add(1)
	defer b.inFlight.Done()
	b.trackActive(msg)
	defer b.untrackActive(msg.ID)

	opCtx, finish := b.obs.TrackOperation(ctx, "bus.send_message")
	outcome := b.proc.Process(opCtx, msg)
	finish(outcome.Err)
	if outcome.Terminal == model.TerminalDelivered {
		b.deliver(msg)
	}
	return &Result{Message: msg, Outcome: outcome}, nil
}

// BroadcastEvent sends an EVENT-type message with no explicit target,
// delivered to every subscriber currently registered within tenantID.
func (b *Bus) BroadcastEvent(ctx context.Context, eventType string, data map[string]interface{}, tenantID, sourceAgent string) (*Result, error) {
	payload := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["event_type"] = eventType
	return b.SendMessage(ctx, SendRequest{
		Type:        model.MessageTypeEvent,
		SourceAgent: sourceAgent,
		TenantID:    tenantID,
		Payload:     payload,
	})
}

// deliver routes msg to its target's subscriber channel, or — for a
// broadcast — to every subscriber belonging to the message's tenant,
// tracking each as pending until Acknowledge.
func (b *Bus) deliver(msg *model.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !msg.IsBroadcast() {
		if sub, ok := b.subscribers[msg.TargetAgent]; ok {
			b.deliverTo(sub, msg)
		}
		return
	}

	agents, err := b.reg.List(context.Background(), registry.Filter{TenantID: msg.TenantID, Status: model.AgentStatusActive})
	if err != nil {
		return
	}
	for _, a := range agents {
		if sub, ok := b.subscribers[a.ID]; ok {
			b.deliverTo(sub, msg)
		}
	}
}

func (b *Bus) deliverTo(sub *subscriber, msg *model.Message) {
	sub.mu.Lock()
	sub.pending[msg.ID] = msg
	sub.mu.Unlock()

	select {
	case sub.ch <- msg:
	default:
		// Subscriber channel saturated: the message remains pending and
		// will be redelivered on the subscriber's next Subscribe call.
	}
}

// rememberMessage keeps the last recentCapacity sent messages so the
// recovery loop can replay one after a transient routing/handler failure.
func (b *Bus) rememberMessage(msg *model.Message) {
	b.recentMu.Lock()
	defer b.recentMu.Unlock()
	b.recent[msg.ID] = msg
	b.recentQ = append(b.recentQ, msg.ID)
	if len(b.recentQ) > recentCapacity {
		oldest := b.recentQ[0]
		b.recentQ = b.recentQ[1:]
		delete(b.recent, oldest)
	}
}

func (b *Bus) trackActive(msg *model.Message) {
	b.activeMu.Lock()
	b.active[msg.ID] = msg
	b.activeMu.Unlock()
}

func (b *Bus) untrackActive(id string) {
	b.activeMu.Lock()
	delete(b.active, id)
	b.activeMu.Unlock()
}

func (b *Bus) lookupMessage(id string) (*model.Message, bool) {
	b.recentMu.Lock()
	defer b.recentMu.Unlock()
	msg, ok := b.recent[id]
	return msg, ok
}

// runRecoveryLoop drains the Recovery Orchestrator, replaying the original
// message for each retryable task and reporting the outcome back so
// exhausted tasks escalate per spec §4.9.
func (b *Bus) runRecoveryLoop(ctx context.Context) {
	for {
		task, err := b.recoveryOrch.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		msg, ok := b.lookupMessage(task.ID)
		if !ok {
			b.recoveryOrch.Complete(task, false)
			continue
		}

		b.inFlight.Add(1)
		outcome := b.proc.Process(ctx, msg)
		b.inFlight.Done()

		if outcome.Terminal == model.TerminalDelivered {
			b.deliver(msg)
		}
		b.recoveryOrch.Complete(task, outcome.Terminal == model.TerminalDelivered)
	}
}
