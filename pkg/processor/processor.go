// Package processor implements the Message Processor (spec §4.11): the
// per-message pipeline from fingerprint check through audit emission.
// Grounded on the teacher's pkg/guardian.Guardian.SignDecision staging
// (gather inputs -> sequential checks, each able to short-circuit to a
// terminal verdict -> sign/record), generalized from tool-call decisions
// to bus messages: fingerprint guard -> breaker-gated registry lookup ->
// impact scoring -> routing -> fast/deliberate handler execution -> audit.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dislovelhl/acgs2/pkg/audit"
	"github.com/dislovelhl/acgs2/pkg/authzcache"
	"github.com/dislovelhl/acgs2/pkg/breaker"
	"github.com/dislovelhl/acgs2/pkg/canonicalize"
	"github.com/dislovelhl/acgs2/pkg/clockid"
	"github.com/dislovelhl/acgs2/pkg/deliberation"
	"github.com/dislovelhl/acgs2/pkg/faults"
	"github.com/dislovelhl/acgs2/pkg/fingerprint"
	"github.com/dislovelhl/acgs2/pkg/handlers"
	"github.com/dislovelhl/acgs2/pkg/impactscorer"
	"github.com/dislovelhl/acgs2/pkg/model"
	"github.com/dislovelhl/acgs2/pkg/pdp"
	"github.com/dislovelhl/acgs2/pkg/recovery"
	"github.com/dislovelhl/acgs2/pkg/registry"
	"github.com/dislovelhl/acgs2/pkg/router"
)

// DefaultMessageDeadline matches spec.md §6.6's message_deadline_ms default.
const DefaultMessageDeadline = 5 * time.Second

// EventSink receives SecurityEvents the processor emits (fingerprint
// mismatch, policy denial, timeouts); the bus facade fans these out to the
// Alert Manager and SIEM Shipper.
type EventSink interface {
	Emit(evt model.SecurityEvent)
}

// PolicyInputFunc builds a policy DecisionInput from a message; injected
// since the mapping (which field holds the policy ID, resource, etc.) is
// deployment-specific.
type PolicyInputFunc func(msg *model.Message) *pdp.DecisionInput

// RoleFunc resolves the calling agent's role for authorization-cache
// keying; injected since role resolution (registry metadata, claims, ...)
// is deployment-specific.
type RoleFunc func(msg *model.Message) string

// Outcome is the result of processing one message, returned to the caller
// and used to build the audit record.
type Outcome struct {
	Terminal model.TerminalState
	Decision *pdp.Decision
	Result   model.ValidationResult
	Err      error
}

// Config parameterizes a Processor.
type Config struct {
	MessageDeadline time.Duration
	ScoreBudget     time.Duration
	HITLRequired    func(policyID string) bool
}

// DefaultConfig matches spec.md §6.6 defaults.
func DefaultConfig() Config {
	return Config{MessageDeadline: DefaultMessageDeadline, ScoreBudget: 10 * time.Millisecond}
}

// Processor wires the bus's per-message pipeline.
type Processor struct {
	cfg Config

	fpGuard         *fingerprint.Guard
	registryLookup  registry.Registry
	registryBreaker *breaker.Breaker
	scorer          impactscorer.Scorer
	router          *router.Router
	policyCache     *authzcache.Cache
	buildInput      PolicyInputFunc
	roleFunc        RoleFunc
	deliberation    *deliberation.Queue
	handlerExec     *handlers.Executor
	auditEmitter    *audit.Emitter
	recoveryOrch    *recovery.Orchestrator
	events          EventSink
	clock           clockid.Clock

	dedupe singleflight.Group
}

// New constructs a Processor. events, recoveryOrch, auditEmitter, roleFunc
// and clock may be nil: a nil events sink silently drops SecurityEvents, a
// nil recoveryOrch or auditEmitter is skipped, a nil roleFunc keys every
// decision under the empty role, and a nil clock uses the system clock.
// delibQueue is used only for DELIBERATE-routed messages; the remaining
// collaborators are required.
func New(
	cfg Config,
	fpGuard *fingerprint.Guard,
	reg registry.Registry,
	regBreaker *breaker.Breaker,
	scorer impactscorer.Scorer,
	rtr *router.Router,
	policyCache *authzcache.Cache,
	buildInput PolicyInputFunc,
	roleFunc RoleFunc,
	delibQueue *deliberation.Queue,
	handlerExec *handlers.Executor,
	auditEmitter *audit.Emitter,
	recoveryOrch *recovery.Orchestrator,
	events EventSink,
	clock clockid.Clock,
) *Processor {
	// cfg.MessageDeadline is honored as given: zero (or negative) means the
	// budget is already exhausted and every message terminates with
	// MessageTimeout, per the deadline boundary contract. Use
	// DefaultConfig() for the 5s default.
	if clock == nil {
		clock = clockid.SystemClock{}
	}
	if roleFunc == nil {
		roleFunc = func(*model.Message) string { return "" }
	}
	return &Processor{
		cfg: cfg, fpGuard: fpGuard, registryLookup: reg, registryBreaker: regBreaker,
		scorer: scorer, router: rtr, policyCache: policyCache, buildInput: buildInput,
		roleFunc: roleFunc, deliberation: delibQueue, handlerExec: handlerExec, auditEmitter: auditEmitter,
		recoveryOrch: recoveryOrch, events: events, clock: clock,
	}
}

// Process runs the full pipeline for msg and returns its terminal Outcome.
// Duplicate concurrent submissions sharing msg.ID collapse into a single
// execution, satisfying the idempotency invariant (§8).
func (p *Processor) Process(ctx context.Context, msg *model.Message) Outcome {
	v, err, _ := p.dedupe.Do(msg.ID, func() (interface{}, error) {
		o := p.run(ctx, msg)
		return o, nil
	})
	if err != nil {
		return Outcome{Terminal: model.TerminalErrored, Err: err}
	}
	return v.(Outcome)
}

func (p *Processor) run(ctx context.Context, msg *model.Message) Outcome {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.MessageDeadline)
	defer cancel()

	// A zero-duration budget is already exhausted before step 1.
	if ctx.Err() != nil {
		return p.timeout(msg, nil)
	}

	// 1. Constitutional fingerprint guard.
	if err := p.fpGuard.Require(msg.Fingerprint); err != nil {
		p.emit(model.SeverityCritical, "constitutional_hash_mismatch",
			fmt.Sprintf("message %s failed fingerprint check", msg.ID), msg)
		return p.audited(msg, model.TerminalErrored, model.AuditFailure, nil,
			faults.New(faults.KindConstitutional, err.Error(), faults.ErrConstitutionalHashMismatch).WithCorrelation(msg.CorrelationID))
	}

	// 2. Resolve target under breaker, unless this is a broadcast.
	if !msg.IsBroadcast() {
		var target *model.AgentRegistration
		lookupErr := p.registryBreaker.Do(ctx, func(ctx context.Context) error {
			a, err := p.registryLookup.Get(ctx, msg.TenantID, msg.TargetAgent)
			if err != nil {
				return err
			}
			target = a
			return nil
		})
		if lookupErr != nil {
			if deadlineExceeded(ctx, lookupErr) {
				return p.timeout(msg, nil)
			}
			p.submitRecovery(msg, "routing_failure", lookupErr, 2)
			return p.audited(msg, model.TerminalErrored, model.AuditFailure, nil,
				faults.New(faults.KindInfrastructure, "registry lookup failed", lookupErr).WithCorrelation(msg.CorrelationID))
		}
		_ = target
	}

	// 3. Score impact.
	score, err := p.score(ctx, msg)
	if err != nil {
		// Cold-start rule: degrade silently to the fail-safe route, no
		// SecurityEvent (spec §4.6: "degradation is normal").
		score = 1.0 // NaN would also work; force DELIBERATE deterministically.
	}

	// 4. Route. The budget may have expired during scoring.
	if ctx.Err() != nil {
		return p.timeout(msg, nil)
	}
	route := p.router.Route(score)

	// 5/6. Execute per route.
	var decision *pdp.Decision
	var result model.ValidationResult
	var runErr error

	switch route {
	case router.RouteFast:
		decision, runErr = p.evaluatePolicy(ctx, msg)
		if runErr != nil {
			if deadlineExceeded(ctx, runErr) {
				return p.timeout(msg, decision)
			}
			p.submitRecovery(msg, "handler_execution_failure", runErr, 2)
			return p.audited(msg, model.TerminalErrored, model.AuditFailure, decision,
				faults.New(faults.KindInfrastructure, "policy evaluation failed", runErr).WithCorrelation(msg.CorrelationID))
		}
		if !decision.Allowed {
			p.emit(model.SeverityWarning, "policy_denied", "fast path denied", msg)
			return p.audited(msg, model.TerminalDenied, model.AuditDenied, decision, faults.ErrPolicyDenied)
		}
		result, runErr = p.executeHandlers(ctx, msg)
	case router.RouteDeliberate:
		decision, runErr = p.deliberate(ctx, msg)
		if runErr != nil {
			if runErr == faults.ErrDeliberationTimeout {
				p.submitRecovery(msg, "deliberation_timeout", runErr, 3)
				return p.audited(msg, model.TerminalErrored, model.AuditFailure, decision,
					faults.New(faults.KindResource, "deliberation timed out", runErr).WithCorrelation(msg.CorrelationID))
			}
			if deadlineExceeded(ctx, runErr) {
				return p.timeout(msg, decision)
			}
			return p.audited(msg, model.TerminalErrored, model.AuditFailure, decision,
				faults.New(faults.KindInfrastructure, "deliberation failed", runErr).WithCorrelation(msg.CorrelationID))
		}
		if !decision.Allowed {
			p.emit(model.SeverityWarning, "policy_denied", "deliberated decision denied", msg)
			return p.audited(msg, model.TerminalDenied, model.AuditDenied, decision, faults.ErrPolicyDenied)
		}
		result, runErr = p.executeHandlers(ctx, msg)
	}

	if runErr != nil {
		if deadlineExceeded(ctx, runErr) {
			return p.timeout(msg, decision)
		}
		p.submitRecovery(msg, "handler_execution_failure", runErr, 2)
		return p.audited(msg, model.TerminalErrored, model.AuditFailure, decision,
			faults.New(faults.KindInfrastructure, "handler execution failed", runErr).WithCorrelation(msg.CorrelationID))
	}
	if !result.Valid {
		return p.audited(msg, model.TerminalErrored, model.AuditFailure, decision, nil)
	}

	return p.audited(msg, model.TerminalDelivered, model.AuditSuccess, decision, nil)
}

// timeout terminates msg with MessageTimeout (spec §4.11 "on exceed"):
// audit outcome=failure and a LINEAR_BACKOFF retry via the recovery queue.
func (p *Processor) timeout(msg *model.Message, decision *pdp.Decision) Outcome {
	p.submitRecovery(msg, "message_timeout", faults.ErrMessageTimeout, 3)
	return p.audited(msg, model.TerminalErrored, model.AuditFailure, decision,
		faults.New(faults.KindResource, "message deadline exceeded", faults.ErrMessageTimeout).WithCorrelation(msg.CorrelationID))
}

// deadlineExceeded reports whether a step failed because the per-message
// budget ran out, as opposed to the step's own fault.
func deadlineExceeded(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded)
}

func (p *Processor) score(ctx context.Context, msg *model.Message) (float64, error) {
	sctx, cancel := context.WithTimeout(ctx, p.cfg.ScoreBudget)
	defer cancel()
	text := payloadText(msg)
	return p.scorer.Score(sctx, text)
}

func payloadText(msg *model.Message) string {
	if v, ok := msg.Payload["text"].(string); ok {
		return v
	}
	b, _ := canonicalize.JCS(msg.Payload)
	return string(b)
}

func (p *Processor) evaluatePolicy(ctx context.Context, msg *model.Message) (*pdp.Decision, error) {
	in := p.buildInput(msg)
	fp, err := canonicalize.Fingerprint128(in)
	if err != nil {
		return nil, fmt.Errorf("processor: input fingerprint: %w", err)
	}
	key := authzcache.Key{Role: p.roleFunc(msg), PolicyID: in.PolicyID, InputFingerprint: fp}
	return p.policyCache.Get(ctx, key, in)
}

func (p *Processor) deliberate(ctx context.Context, msg *model.Message) (*pdp.Decision, error) {
	in := p.buildInput(msg)
	fp, err := canonicalize.Fingerprint128(in)
	if err != nil {
		return nil, fmt.Errorf("processor: input fingerprint: %w", err)
	}
	hitl := p.cfg.HITLRequired != nil && p.cfg.HITLRequired(in.PolicyID)
	return p.deliberation.Submit(ctx, &deliberation.Task{
		ID: msg.ID, PolicyID: in.PolicyID, InputHash: fp, Input: in,
		HITLRequired: hitl, CorrelationID: msg.CorrelationID,
	})
}

func (p *Processor) executeHandlers(ctx context.Context, msg *model.Message) (model.ValidationResult, error) {
	result, errs := p.handlerExec.Run(ctx, msg)
	if len(errs) > 0 && !result.Valid {
		return result, errs[len(errs)-1].Err
	}
	return result, nil
}

func (p *Processor) submitRecovery(msg *model.Message, failureKind string, err error, severity int) {
	if p.recoveryOrch == nil {
		return
	}
	_, _ = p.recoveryOrch.Submit(msg.ID, failureKind, err, severity,
		map[string]interface{}{"message_id": msg.ID}, msg.CorrelationID)
}

func (p *Processor) audited(msg *model.Message, terminal model.TerminalState, outcome model.AuditOutcome, decision *pdp.Decision, err error) Outcome {
	rec := &model.AuditRecord{
		RecordID:      clockid.NewAuditRecordID(),
		Action:        string(msg.Type),
		Actor:         msg.SourceAgent,
		Outcome:       outcome,
		Fingerprint:   msg.Fingerprint,
		CorrelationID: msg.CorrelationID,
		Details:       map[string]interface{}{"message_id": msg.ID, "target_agent": msg.TargetAgent},
	}
	if decision != nil {
		rec.Details["policy_id"] = decision.PolicyID
		rec.Details["allowed"] = decision.Allowed
	}
	if err != nil {
		rec.Details["error"] = err.Error()
	}
	if p.auditEmitter != nil {
		if _, auditErr := p.auditEmitter.Emit(rec); auditErr != nil {
			p.emit(model.SeverityCritical, "audit_write_failed", auditErr.Error(), msg)
		}
	}
	return Outcome{Terminal: terminal, Decision: decision, Err: err}
}

func (p *Processor) emit(sev model.Severity, eventType, message string, msg *model.Message) {
	if p.events == nil {
		return
	}
	p.events.Emit(model.SecurityEvent{
		ID:            clockid.NewEventID(),
		EventType:     eventType,
		Severity:      sev,
		Message:       message,
		Source:        "processor",
		TenantID:      msg.TenantID,
		AgentID:       msg.SourceAgent,
		Fingerprint:   msg.Fingerprint,
		CorrelationID: msg.CorrelationID,
		Timestamp:     p.clock.Now(),
	})
}
