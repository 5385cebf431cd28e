// Package recovery implements the Recovery Orchestrator (spec §4.9): a
// failure-kind -> strategy table and a prioritized retry queue ordered by
// (next_attempt_at, severity), grounded on the teacher's deterministic
// kernel scheduler (container/heap, sequence-numbered tie-breaking).
package recovery

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dislovelhl/acgs2/pkg/clockid"
	"github.com/dislovelhl/acgs2/pkg/faults"
	"github.com/dislovelhl/acgs2/pkg/model"
)

// StrategyFor maps a fault Kind to the retry strategy spec.md §4.9 assigns
// it. The processor/handlers pass the Kind they classified; Classify below
// additionally recognizes the named failure kinds (MACI-role violations,
// review deadlock, signature collection, ...) that §4.9 lists individually
// but don't have a dedicated faults.Kind.
func StrategyFor(kind faults.Kind) model.RecoveryStrategy {
	switch kind {
	case faults.KindConstitutional, faults.KindSecurity, faults.KindConfiguration:
		return model.StrategyManual
	case faults.KindInfrastructure:
		return model.StrategyExponentialBackoff
	case faults.KindResource:
		return model.StrategyLinearBackoff
	case faults.KindValidation:
		return model.StrategyImmediate
	default:
		return model.StrategyManual
	}
}

// namedStrategies covers the failure kinds spec §4.9 calls out by name
// rather than by taxonomy Kind (they don't all map cleanly onto one
// faults.Kind). Classify consults this table first.
var namedStrategies = map[string]model.RecoveryStrategy{
	"maci_role_violation":       model.StrategyManual,
	"review_deadlock":           model.StrategyManual,
	"delivery_failure":          model.StrategyExponentialBackoff,
	"routing_failure":           model.StrategyExponentialBackoff,
	"opa_connectivity":          model.StrategyExponentialBackoff,
	"handler_execution_failure": model.StrategyExponentialBackoff,
	"signature_collection":      model.StrategyExponentialBackoff,
	"message_timeout":           model.StrategyLinearBackoff,
	"deliberation_timeout":      model.StrategyLinearBackoff,
	"policy_evaluation_resource": model.StrategyLinearBackoff,
	"agent_not_registered":      model.StrategyImmediate,
	"bus_not_started":           model.StrategyImmediate,
	"opa_not_initialized":       model.StrategyImmediate,
}

// Classify picks the retry strategy for a named failure kind, falling back
// to StrategyFor(faults.KindOf(err)) when the name isn't in the explicit table.
func Classify(failureKind string, err error) model.RecoveryStrategy {
	if s, ok := namedStrategies[failureKind]; ok {
		return s
	}
	return StrategyFor(faults.KindOf(err))
}

// BackoffConfig parameterizes the two timed strategies.
type BackoffConfig struct {
	Base    time.Duration
	Max     time.Duration
	MaxAttempts int
}

// DefaultBackoffConfig matches the spec's capacity defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{Base: 500 * time.Millisecond, Max: 2 * time.Minute, MaxAttempts: 8}
}

// NextDelay computes the retry delay for attempt N (1-indexed) under strategy s.
func NextDelay(s model.RecoveryStrategy, attempt int, cfg BackoffConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch s {
	case model.StrategyExponentialBackoff:
		d := cfg.Base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d > cfg.Max {
				return cfg.Max
			}
		}
		return d
	case model.StrategyLinearBackoff:
		d := cfg.Base * time.Duration(attempt)
		if d > cfg.Max {
			return cfg.Max
		}
		return d
	case model.StrategyImmediate:
		return 0
	default: // MANUAL: never auto-retried
		return 0
	}
}

// EscalationSink receives a task the orchestrator has given up retrying
// (attempts exhausted), to be surfaced as a CRITICAL SecurityEvent.
type EscalationSink interface {
	TaskEscalated(task *model.RecoveryTask)
}

// taskHeap orders by (next_attempt_at, severity desc, sequence) for
// deterministic tie-breaking, mirroring the teacher's scheduler heap.
type taskHeap []*queuedTask

type queuedTask struct {
	task *model.RecoveryTask
	seq  uint64
}

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	ti, tj := h[i].task, h[j].task
	if !ti.NextAttemptAt.Equal(tj.NextAttemptAt) {
		return ti.NextAttemptAt.Before(tj.NextAttemptAt)
	}
	if ti.Severity != tj.Severity {
		return ti.Severity > tj.Severity
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*queuedTask)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Orchestrator is the Recovery Orchestrator: a priority queue of retry
// tasks, drained by workers that invoke a caller-supplied retry function.
type Orchestrator struct {
	mu      sync.Mutex
	cond    *sync.Cond
	heap    taskHeap
	byID    map[string]*queuedTask
	nextSeq uint64
	clock   clockid.Clock
	cfg     BackoffConfig
	sink    EscalationSink
	closed  bool
}

// New constructs an Orchestrator.
func New(clock clockid.Clock, cfg BackoffConfig, sink EscalationSink) *Orchestrator {
	if clock == nil {
		clock = clockid.SystemClock{}
	}
	o := &Orchestrator{
		byID:  make(map[string]*queuedTask),
		clock: clock,
		cfg:   cfg,
		sink:  sink,
	}
	o.cond = sync.NewCond(&o.mu)
	heap.Init(&o.heap)
	return o
}

// Submit enqueues a new recovery task for failureKind/err, computing its
// first retry delay from the assigned strategy. MANUAL-strategy tasks are
// escalated immediately (no retry queue entry).
func (o *Orchestrator) Submit(id, failureKind string, err error, severity int, payload map[string]interface{}, correlationID string) (*model.RecoveryTask, error) {
	strategy := Classify(failureKind, err)
	now := o.clock.Now()

	task := &model.RecoveryTask{
		ID:            id,
		FailureKind:   failureKind,
		Strategy:      strategy,
		Status:        model.RecoveryPending,
		Attempts:      0,
		NextAttemptAt: now,
		Severity:      severity,
		Payload:       payload,
		CorrelationID: correlationID,
	}

	if strategy == model.StrategyManual {
		task.Status = model.RecoveryEscalated
		if o.sink != nil {
			o.sink.TaskEscalated(task)
		}
		return task, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, faults.New(faults.KindResource, "recovery orchestrator closed", nil)
	}
	qt := &queuedTask{task: task, seq: o.nextSeq}
	o.nextSeq++
	o.byID[id] = qt
	heap.Push(&o.heap, qt)
	o.cond.Signal()
	return task, nil
}

// Next blocks until a task is ready for retry (its next_attempt_at has
// elapsed) or ctx is cancelled. It marks the task IN_FLIGHT before returning.
func (o *Orchestrator) Next(ctx context.Context) (*model.RecoveryTask, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			o.mu.Lock()
			o.cond.Broadcast()
			o.mu.Unlock()
		case <-done:
		}
	}()

	o.mu.Lock()
	defer o.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if o.closed && o.heap.Len() == 0 {
			return nil, fmt.Errorf("recovery: orchestrator closed")
		}
		if o.heap.Len() == 0 {
			o.cond.Wait()
			continue
		}
		head := o.heap[0]
		now := o.clock.Now()
		if now.Before(head.task.NextAttemptAt) {
			// Arm a wall-clock wake-up for the head task's due time so a
			// quiet queue doesn't sleep past it.
			timer := time.AfterFunc(head.task.NextAttemptAt.Sub(now), func() {
				o.mu.Lock()
				o.cond.Broadcast()
				o.mu.Unlock()
			})
			o.cond.Wait()
			timer.Stop()
			continue
		}
		heap.Pop(&o.heap)
		delete(o.byID, head.task.ID)
		head.task.Status = model.RecoveryInFlight
		head.task.Attempts++
		return head.task, nil
	}
}

// Complete records the outcome of an attempt. On failure, the task is
// rescheduled with the next backoff delay unless attempts are exhausted, in
// which case it is escalated (MANUAL, terminal) with a CRITICAL SecurityEvent
// via the sink.
func (o *Orchestrator) Complete(task *model.RecoveryTask, succeeded bool) {
	if succeeded {
		task.Status = model.RecoveryCompleted
		return
	}

	if task.Attempts >= o.cfg.MaxAttempts {
		task.Status = model.RecoveryEscalated
		if o.sink != nil {
			o.sink.TaskEscalated(task)
		}
		return
	}

	task.Status = model.RecoveryFailed
	delay := NextDelay(task.Strategy, task.Attempts, o.cfg)
	task.NextAttemptAt = o.clock.Now().Add(delay)
	task.Status = model.RecoveryPending

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	qt := &queuedTask{task: task, seq: o.nextSeq}
	o.nextSeq++
	o.byID[task.ID] = qt
	heap.Push(&o.heap, qt)
	o.cond.Signal()
}

// Len returns the number of tasks currently queued (not counting in-flight).
func (o *Orchestrator) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.heap.Len()
}

// Close stops accepting new tasks and wakes any blocked Next callers.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.cond.Broadcast()
}
