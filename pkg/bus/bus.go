// Package bus implements the Agent Bus Facade (spec §4's component 17,
// §6.1/§6.7): the single public entrypoint that constructs every other
// component once in New and exposes register/send/subscribe/acknowledge
// plus graceful start/stop. Grounded on the teacher's cmd/helm/main.go
// construct-once subsystem wiring and pkg/agent.KernelBridge's
// narrow-dependency-set dispatcher, generalized from an LLM tool-call
// bridge to a message bus facade.
package bus

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dislovelhl/acgs2/pkg/alerts"
	"github.com/dislovelhl/acgs2/pkg/audit"
	"github.com/dislovelhl/acgs2/pkg/authzcache"
	"github.com/dislovelhl/acgs2/pkg/breaker"
	"github.com/dislovelhl/acgs2/pkg/clockid"
	"github.com/dislovelhl/acgs2/pkg/config"
	"github.com/dislovelhl/acgs2/pkg/deliberation"
	"github.com/dislovelhl/acgs2/pkg/faults"
	"github.com/dislovelhl/acgs2/pkg/fingerprint"
	"github.com/dislovelhl/acgs2/pkg/handlers"
	"github.com/dislovelhl/acgs2/pkg/impactscorer"
	"github.com/dislovelhl/acgs2/pkg/model"
	"github.com/dislovelhl/acgs2/pkg/observability"
	"github.com/dislovelhl/acgs2/pkg/pdp"
	"github.com/dislovelhl/acgs2/pkg/policyversion"
	"github.com/dislovelhl/acgs2/pkg/processor"
	"github.com/dislovelhl/acgs2/pkg/recovery"
	"github.com/dislovelhl/acgs2/pkg/registry"
	"github.com/dislovelhl/acgs2/pkg/router"
	"github.com/dislovelhl/acgs2/pkg/schema"
	"github.com/dislovelhl/acgs2/pkg/siem"
)

// Deps bundles the external collaborators a Bus wires together. Every
// field except PolicyEvaluator has a default applied by New when left
// nil/zero (or is optional), so a
// caller that only needs the in-memory defaults can pass a mostly-empty
// Deps and still get a working bus.
type Deps struct {
	Clock clockid.Clock

	// PolicyEvaluator is the PDP backend (pdp.CELPDP, pdp.OPAPDP, or a
	// test double). Required.
	PolicyEvaluator pdp.PolicyEvaluator

	// Registry is the Agent Registry backend. Defaults to a fresh
	// InMemoryRegistry when nil.
	Registry registry.Registry

	// Scorer is the Impact Scorer. Defaults to a KeywordScorer when nil.
	Scorer impactscorer.Scorer

	// AuthzStore backs the Authorization Cache. Defaults to an
	// in-memory store when nil.
	AuthzStore authzcache.Store

	// HITL is the human-in-the-loop collaborator for deliberation-lane
	// denials requiring approval. May be nil if no policy needs it.
	HITL deliberation.HITL

	// Anchor is the external audit-anchor collaborator (merkle/
	// blockchain). May be nil; the emitter keeps records in its ring
	// regardless.
	Anchor audit.Anchor

	// AuditSigningKey, when set, signs every audit record's content hash
	// under AuditSignerID so downstream anchors can verify provenance.
	// Derive per-stream keys from a master key with audit.DeriveSigningKey.
	AuditSigningKey ed25519.PrivateKey
	AuditSignerID   string

	// SIEMShipper transports formatted SecurityEvents out of process.
	// Defaults to a discarding no-op when nil.
	SIEMShipper siem.Shipper

	// PayloadSchemas validates message payloads before dispatch. May be
	// nil to skip schema validation entirely.
	PayloadSchemas *schema.Validator

	// Handlers is the per-message-type handler registry. Populate before
	// Start via RegisterHandler, or pass a pre-built Registry here.
	Handlers *handlers.Registry

	// Observability is the tracing/metrics provider. Defaults to a
	// disabled Provider when nil.
	Observability *observability.Provider

	// PolicyVersionBroadcaster, when set, propagates policy activations
	// to and from a shared Redis channel so a fleet of bus instances
	// keeps one consistent view of each policy's active version.
	PolicyVersionBroadcaster *policyversion.RedisBroadcaster

	Logger *slog.Logger
}

type noopShipper struct{}

func (noopShipper) Ship(ctx context.Context, payloads [][]byte) error { return nil }

// Bus is the Agent Bus Facade.
type Bus struct {
	cfg    *config.Config
	policy *config.PolicyFile
	clock  clockid.Clock
	logger *slog.Logger
	obs    *observability.Provider

	fpGuard         *fingerprint.Guard
	anchor          audit.Anchor
	reg             registry.Registry
	regBreaker      *breaker.Breaker
	pdpEval         pdp.PolicyEvaluator
	gatedEval       *breakerGatedEvaluator
	authzCache      *authzcache.Cache
	policyVerCache  *policyversion.Cache
	scorer          impactscorer.Scorer
	rtr             *router.Router
	delibQueue      *deliberation.Queue
	handlerRegistry *handlers.Registry
	handlerExec     *handlers.Executor
	auditEmitter    *audit.Emitter
	recoveryOrch    *recovery.Orchestrator
	alertMgr        *alerts.Manager
	correlator      *alerts.Correlator
	siemLogger      *siem.Logger
	payloadSchemas  *schema.Validator
	proc            *processor.Processor
	pvBroadcaster   *policyversion.RedisBroadcaster

	started atomic.Bool
	stopped atomic.Bool

	mu          sync.RWMutex
	subscribers map[string]*subscriber

	recentMu sync.Mutex
	recent   map[string]*model.Message // message.id -> message, bounded, for recovery replay
	recentQ  []string

	inFlight sync.WaitGroup
	activeMu sync.Mutex
	active   map[string]*model.Message // message.id -> message, currently in the pipeline

	recoveryCtx    context.Context
	recoveryCancel context.CancelFunc
}

const recentCapacity = 4096

// New constructs a Bus. cfg and deps.PolicyEvaluator are required; every
// other Deps field falls back to an in-memory/no-op default.
func New(cfg *config.Config, policyFile *config.PolicyFile, deps Deps) (*Bus, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bus: config is required")
	}
	if !fingerprint.Valid(cfg.FingerprintExpected) {
		return nil, fmt.Errorf("bus: fingerprint_expected %q is not 16 lowercase hex characters", cfg.FingerprintExpected)
	}
	if deps.PolicyEvaluator == nil {
		return nil, fmt.Errorf("bus: a PolicyEvaluator is required")
	}
	if policyFile == nil {
		policyFile = config.DefaultPolicyFile()
	}

	clock := deps.Clock
	if clock == nil {
		clock = clockid.SystemClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bus")

	obs := deps.Observability
	if obs == nil {
		var err error
		obs, err = observability.New(context.Background(), observability.DefaultConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("bus: default observability: %w", err)
		}
	}

	scorer := deps.Scorer
	if scorer == nil {
		scorer = impactscorer.NewKeywordScorer(impactscorer.DefaultWeights(), 0)
	}

	authzStore := deps.AuthzStore
	if authzStore == nil {
		authzStore = authzcache.NewInMemoryStore()
	}

	handlerRegistry := deps.Handlers
	if handlerRegistry == nil {
		handlerRegistry = handlers.NewRegistry()
	}

	siemShipper := deps.SIEMShipper
	if siemShipper == nil {
		siemShipper = noopShipper{}
	}

	b := &Bus{
		cfg:             cfg,
		policy:          policyFile,
		clock:           clock,
		logger:          logger,
		obs:             obs,
		fpGuard:         fingerprint.NewGuard(cfg.FingerprintExpected),
		anchor:          deps.Anchor,
		scorer:          scorer,
		rtr:             router.NewWithThreshold(cfg.ImpactThresholdInitial),
		handlerRegistry: handlerRegistry,
		handlerExec:     handlers.NewExecutor(handlerRegistry, handlers.Config{FailClosed: cfg.FailClosed, HandlerDeadline: cfg.HandlerDeadline()}),
		payloadSchemas:  deps.PayloadSchemas,
		subscribers:     make(map[string]*subscriber),
		recent:          make(map[string]*model.Message),
		active:          make(map[string]*model.Message),
	}

	b.reg = deps.Registry
	if b.reg == nil {
		// The default in-memory registry reports evictions back to the bus
		// so each one becomes an INFO SecurityEvent.
		b.reg = registry.NewInMemoryRegistry(clock, cfg.AgentEvictionAfter(), b)
	}

	breakerPolicy := findBreakerPolicy(policyFile, "registry", cfg)
	b.regBreaker = breaker.New("registry", breakerPolicy, clock)
	b.regBreaker.OnTransition(b.onBreakerTransition)

	pdpPolicy := findBreakerPolicy(policyFile, "pdp", cfg)
	pdpBreaker := breaker.New("pdp", pdpPolicy, clock)
	pdpBreaker.OnTransition(b.onBreakerTransition)
	b.gatedEval = &breakerGatedEvaluator{eval: deps.PolicyEvaluator, breaker: pdpBreaker}
	b.pdpEval = b.gatedEval

	b.policyVerCache = policyversion.New(cfg.CachePolicyVersionTTL(), func(policyID string) (string, error) {
		return b.pdpEval.ActiveVersion(context.Background(), policyID)
	})
	b.authzCache = authzcache.New(authzStore, b.gatedEval, cfg.CacheAuthzTTL())
	b.policyVerCache.OnChange(func(policyID, newVersion string) {
		_ = b.authzCache.Invalidate(context.Background(), "")
	})
	if deps.PolicyVersionBroadcaster != nil {
		b.pvBroadcaster = deps.PolicyVersionBroadcaster
		b.policyVerCache.OnChange(b.pvBroadcaster.Publish)
	}

	b.delibQueue = deliberation.New(deliberation.Config{
		Capacity:    cfg.DeliberationQueueCapacity,
		Workers:     4,
		HITLTimeout: 5 * time.Minute,
	}, b.gatedEval, deps.HITL, clock)

	b.auditEmitter = audit.New(clock, audit.DefaultRingCapacity, b)
	if deps.AuditSigningKey != nil {
		b.auditEmitter.WithSigner(deps.AuditSignerID, deps.AuditSigningKey)
	}

	b.recoveryOrch = recovery.New(clock, recovery.DefaultBackoffConfig(), b)

	b.correlator = alerts.NewCorrelator(clock, alerts.DefaultCorrelationWindow, clockid.NewCorrelationID)
	b.alertMgr = alerts.NewManager(clock, buildThresholds(policyFile), b, b.correlator)

	siemCfg := siem.DefaultConfig()
	siemCfg.QueueCapacity = cfg.SIEMQueueCapacity
	siemCfg.DropOnOverflow = cfg.SIEMDropOnOverflow
	siemCfg.Format = siem.Format(cfg.SIEMFormat)
	siemCfg.BatchSize = cfg.SIEMBatchSize
	siemCfg.FlushInterval = cfg.SIEMFlushInterval()
	b.siemLogger = siem.New(siemCfg, siemShipper)

	b.proc = processor.New(
		processor.Config{
			MessageDeadline: cfg.MessageDeadline(),
			ScoreBudget:     impactscorer.DefaultLatencyBudget,
			HITLRequired:    func(policyID string) bool { return false },
		},
		b.fpGuard, b.reg, b.regBreaker, b.scorer, b.rtr, b.authzCache,
		defaultPolicyInput, defaultRoleFunc, b.delibQueue, b.handlerExec,
		b.auditEmitter, b.recoveryOrch, b, clock,
	)

	return b, nil
}

func findBreakerPolicy(pf *config.PolicyFile, name string, cfg *config.Config) breaker.Config {
	for _, p := range pf.BreakerPolicies {
		if p.Name == name {
			return breaker.Config{
				FailureWindow:    p.FailureWindow(),
				FailureThreshold: p.FailureThreshold,
				Cooldown:         p.Cooldown(),
				ProbeCount:       p.ProbeCount,
				MaxCooldown:      p.MaxCooldown(),
			}
		}
	}
	return breaker.Config{
		FailureWindow:    time.Minute,
		FailureThreshold: cfg.BreakerFailureThreshold,
		Cooldown:         cfg.BreakerCooldown(),
		ProbeCount:       cfg.BreakerProbeCount,
		MaxCooldown:      5 * time.Minute,
	}
}

func buildThresholds(pf *config.PolicyFile) []alerts.Threshold {
	out := make([]alerts.Threshold, 0, len(pf.AlertThresholds))
	for _, t := range pf.AlertThresholds {
		out = append(out, alerts.Threshold{
			EventType:            t.EventType,
			Count:                t.Count,
			Window:               t.Window(),
			Level:                alerts.AlertLevel(t.Level),
			Cooldown:             t.Cooldown(),
			EscalationMultiplier: t.EscalationMultiplier,
		})
	}
	return out
}

// RegisterHandler adds h to the handler chain for message type t. Must be
// called before Start (handler chains are not safe to mutate concurrently
// with Process).
func (b *Bus) RegisterHandler(t model.MessageType, h handlers.Handler) {
	b.handlerRegistry.Register(t, h)
}

// Start idempotently brings the bus up: background eviction, recovery
// draining. A second call returns immediately without side effects
// (spec §6.7).
func (b *Bus) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return nil
	}
	b.logger.InfoContext(ctx, "starting")

	if imr, ok := b.reg.(*registry.InMemoryRegistry); ok {
		imr.StartEvictionLoop(b.cfg.AgentEvictionAfter() / 3)
	}

	b.recoveryCtx, b.recoveryCancel = context.WithCancel(context.Background())
	go b.runRecoveryLoop(b.recoveryCtx)

	if b.pvBroadcaster != nil {
		go func() {
			if err := b.pvBroadcaster.Listen(b.recoveryCtx, b.policyVerCache); err != nil && b.recoveryCtx.Err() == nil {
				b.logger.Warn("policy version broadcaster stopped", "error", err)
			}
		}()
	}

	b.logger.InfoContext(ctx, "started")
	return nil
}

// Stop initiates a graceful drain: stop accepting new messages, let
// in-flight work complete within the configured shutdown deadline, flush
// audit and SIEM queues, then abort whatever remains (spec §6.7).
func (b *Bus) Stop(ctx context.Context) error {
	if !b.started.Load() || !b.stopped.CompareAndSwap(false, true) {
		return nil
	}
	b.logger.InfoContext(ctx, "stopping")

	done := make(chan struct{})
	go func() {
		b.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(b.cfg.ShutdownDeadline()):
		b.logger.WarnContext(ctx, "shutdown deadline exceeded, aborting remaining in-flight messages")
		b.abortActive()
	}

	if b.recoveryCancel != nil {
		b.recoveryCancel()
	}
	if imr, ok := b.reg.(*registry.InMemoryRegistry); ok {
		imr.Stop()
	}
	b.delibQueue.Close()
	b.recoveryOrch.Close()

	flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if b.anchor != nil {
		if _, err := b.auditEmitter.Flush(flushCtx, b.anchor, 1000, 2*time.Second); err != nil {
			b.logger.WarnContext(ctx, "audit flush during shutdown", "error", err)
		}
	} else if b.auditEmitter.Len() > 0 {
		b.logger.WarnContext(ctx, "no audit anchor configured, buffered records remain unanchored at shutdown", "count", b.auditEmitter.Len())
	}
	b.siemLogger.Stop(flushCtx)
	if b.obs != nil {
		_ = b.obs.Shutdown(flushCtx)
	}

	b.logger.InfoContext(ctx, "stopped")
	return nil
}

// abortActive records every message still in the pipeline at the shutdown
// deadline as aborted and queues it for retry with LINEAR_BACKOFF (spec
// §6.7's drain contract: complete what you can, account for the rest).
func (b *Bus) abortActive() {
	b.activeMu.Lock()
	remaining := make([]*model.Message, 0, len(b.active))
	for _, msg := range b.active {
		remaining = append(remaining, msg)
	}
	b.activeMu.Unlock()

	for _, msg := range remaining {
		_, _ = b.auditEmitter.Emit(&model.AuditRecord{
			RecordID:      clockid.NewAuditRecordID(),
			Action:        string(msg.Type),
			Actor:         msg.SourceAgent,
			Outcome:       model.AuditAborted,
			Fingerprint:   msg.Fingerprint,
			CorrelationID: msg.CorrelationID,
			Details:       map[string]interface{}{"message_id": msg.ID, "reason": "shutdown_abort"},
		})
		_, _ = b.recoveryOrch.Submit(msg.ID, "message_timeout", faults.ErrMessageTimeout, 3,
			map[string]interface{}{"message_id": msg.ID}, msg.CorrelationID)
	}
}

// Emit implements processor.EventSink: every SecurityEvent the processor
// raises is fanned out to the Alert Manager (which forwards to the
// correlator) and the SIEM shipper, per spec §4.14/§4.15.
func (b *Bus) Emit(evt model.SecurityEvent) {
	evt = b.alertMgr.Record(evt)
	b.siemLogger.Log(evt)
}

// AlertFired implements alerts.Sink.
func (b *Bus) AlertFired(a alerts.Alert) {
	b.logger.Warn("alert fired", "event_type", a.EventType, "level", a.Level, "count", a.Count, "correlation_id", a.CorrelationID)
}

// AgentEvicted implements registry.EvictionSink.
func (b *Bus) AgentEvicted(agent *model.AgentRegistration) {
	b.Emit(model.SecurityEvent{
		ID:        clockid.NewEventID(),
		EventType: "agent_evicted",
		Severity:  model.SeverityInfo,
		Message:   fmt.Sprintf("agent %s evicted for stale heartbeat", agent.ID),
		Source:    "registry",
		TenantID:  agent.TenantID,
		AgentID:   agent.ID,
		Fingerprint: b.fpGuard.Expected(),
		Timestamp: b.clock.Now(),
	})
}

// TaskEscalated implements recovery.EscalationSink.
func (b *Bus) TaskEscalated(task *model.RecoveryTask) {
	b.Emit(model.SecurityEvent{
		ID:            clockid.NewEventID(),
		EventType:     "recovery_escalated",
		Severity:      model.SeverityCritical,
		Message:       fmt.Sprintf("recovery task %s (%s) escalated to MANUAL after %d attempts", task.ID, task.FailureKind, task.Attempts),
		Source:        "recovery",
		Fingerprint:   b.fpGuard.Expected(),
		CorrelationID: task.CorrelationID,
		Timestamp:     b.clock.Now(),
	})
}

// onBreakerTransition implements breaker.Listener, turning every circuit
// transition into a SecurityEvent (spec §4.10).
func (b *Bus) onBreakerTransition(name string, from, to model.BreakerState) {
	sev := model.SeverityInfo
	if to == model.BreakerOpen {
		sev = model.SeverityWarning
	}
	b.Emit(model.SecurityEvent{
		ID:          clockid.NewEventID(),
		EventType:   "breaker_state_change",
		Severity:    sev,
		Message:     fmt.Sprintf("breaker %s: %s -> %s", name, from, to),
		Source:      "breaker",
		Fingerprint: b.fpGuard.Expected(),
		Timestamp:   b.clock.Now(),
	})
}

// AuditOverflow implements audit.OverflowSink.
func (b *Bus) AuditOverflow(rec *model.AuditRecord) {
	b.Emit(model.SecurityEvent{
		ID:          clockid.NewEventID(),
		EventType:   "audit_ring_overflow",
		Severity:    model.SeverityCritical,
		Message:     fmt.Sprintf("audit ring overflowed, dropped record %s", rec.RecordID),
		Source:      "audit",
		Fingerprint: b.fpGuard.Expected(),
		Timestamp:   b.clock.Now(),
	})
}
