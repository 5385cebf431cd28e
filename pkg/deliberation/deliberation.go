// Package deliberation implements the Deliberation Queue (spec §4.10): a
// bounded worker pool that gates DELIBERATE-routed messages on policy
// evaluation and, when required, a human-in-the-loop decision. Concurrent
// submissions for the same (policy_id, input-hash) collapse into one
// evaluation (I4), grounded on the teacher's escalation.Manager lifecycle
// (intent -> approve/deny/timeout -> receipt) generalized from tool-call
// escalation to message deliberation, plus golang.org/x/sync/singleflight
// for the cache-collapse requirement the teacher's manager doesn't itself
// need (it has no concurrent-duplicate problem).
package deliberation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/dislovelhl/acgs2/pkg/clockid"
	"github.com/dislovelhl/acgs2/pkg/faults"
	"github.com/dislovelhl/acgs2/pkg/pdp"
)

const DefaultCapacity = 10000

// BackpressureRatio is the occupancy fraction (of Capacity) above which new
// submissions are rejected with faults.ErrQueueFull.
const BackpressureRatio = 0.9

// Task is one deliberation unit: a policy evaluation, optionally gated by
// human approval when the decision denies and the policy requires HITL.
type Task struct {
	ID            string
	PolicyID      string
	InputHash     string
	Input         *pdp.DecisionInput
	HITLRequired  bool
	CorrelationID string
}

// ApprovalClaims is the signed payload a human-in-the-loop responder
// returns; the Queue verifies its signature before trusting Approve.
type ApprovalClaims struct {
	jwt.RegisteredClaims
	RequestID string `json:"request_id"`
	Approve   bool   `json:"approve"`
	ApproverID string `json:"approver_id"`
}

// HITL is the external human-in-the-loop collaborator (spec §6.3).
type HITL interface {
	RequestApproval(ctx context.Context, requestID string, context map[string]any, deadline time.Time) (signedToken string, err error)
}

// Config parameterizes a Queue.
type Config struct {
	Capacity     int
	Workers      int
	HITLTimeout  time.Duration
	JWTSecret    []byte
}

// DefaultConfig matches spec.md's defaults: capacity 10000, a modest worker
// pool, and a generous HITL wait bounded by the human approval deadline.
func DefaultConfig() Config {
	return Config{Capacity: DefaultCapacity, Workers: 4, HITLTimeout: 5 * time.Minute}
}

// Queue is the bounded, single-flight deliberation queue.
type Queue struct {
	cfg   Config
	eval  pdp.PolicyEvaluator
	hitl  HITL
	clock clockid.Clock

	group singleflight.Group
	sem   chan struct{} // bounds concurrent evaluations to Config.Workers

	mu      sync.Mutex
	pending int

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Queue. hitl may be nil if no policy in use requires HITL.
func New(cfg Config, eval pdp.PolicyEvaluator, hitl HITL, clock clockid.Clock) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if clock == nil {
		clock = clockid.SystemClock{}
	}
	return &Queue{
		cfg:    cfg,
		eval:   eval,
		hitl:   hitl,
		clock:  clock,
		sem:    make(chan struct{}, cfg.Workers),
		closed: make(chan struct{}),
	}
}

// Occupancy returns the current queue depth.
func (q *Queue) Occupancy() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Submit enqueues t and blocks until it is evaluated (and, if gated,
// approved/denied/timed out) or ctx is cancelled. Duplicate concurrent
// submissions sharing (PolicyID, InputHash) collapse into one evaluation
// and every caller observes the same Result (I4).
func (q *Queue) Submit(ctx context.Context, t *Task) (*pdp.Decision, error) {
	q.mu.Lock()
	if q.pending >= int(float64(q.cfg.Capacity)*BackpressureRatio) {
		q.mu.Unlock()
		return nil, faults.ErrQueueFull
	}
	q.pending++
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.pending--
		q.mu.Unlock()
	}()

	key := t.PolicyID + "|" + t.InputHash
	v, err, _ := q.group.Do(key, func() (interface{}, error) {
		return q.process(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	return v.(*pdp.Decision), nil
}

// process runs the actual evaluate-then-maybe-HITL pipeline for one
// collapsed (policy_id, input-hash) group.
func (q *Queue) process(ctx context.Context, t *Task) (*pdp.Decision, error) {
	select {
	case q.sem <- struct{}{}:
		defer func() { <-q.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	decision, err := q.eval.Evaluate(ctx, t.Input)
	if err != nil {
		return nil, fmt.Errorf("deliberation: evaluate: %w", err)
	}

	if decision.Allowed {
		return decision, nil
	}

	if !t.HITLRequired || q.hitl == nil {
		return decision, nil
	}

	return q.awaitHITL(ctx, t, decision)
}

// awaitHITL parks the task awaiting a human decision, honoring the
// configured timeout.
func (q *Queue) awaitHITL(ctx context.Context, t *Task, denied *pdp.Decision) (*pdp.Decision, error) {
	deadline := q.clock.Now().Add(q.cfg.HITLTimeout)
	hctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	token, err := q.hitl.RequestApproval(hctx, t.ID, t.Input.Context, deadline)
	if err != nil {
		if hctx.Err() != nil {
			return nil, faults.ErrDeliberationTimeout
		}
		// Deny-safe default on resolution failure (spec §6.3).
		return denied, nil
	}

	claims, err := q.verifyApproval(token)
	if err != nil {
		return denied, nil
	}

	if !claims.Approve {
		return denied, nil
	}

	approved := *denied
	approved.Allowed = true
	approved.Reasons = append(append([]string{}, denied.Reasons...), "hitl_approved:"+claims.ApproverID)
	return &approved, nil
}

func (q *Queue) verifyApproval(token string) (*ApprovalClaims, error) {
	if len(q.cfg.JWTSecret) == 0 {
		return nil, fmt.Errorf("deliberation: no JWT secret configured")
	}
	claims := &ApprovalClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return q.cfg.JWTSecret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("deliberation: invalid approval token: %w", err)
	}
	return claims, nil
}

// Close releases queue resources. Pending tasks already submitted continue
// to be processed; Close only prevents new callers from racing shutdown
// logic at the bus-facade layer.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}
