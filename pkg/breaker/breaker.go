// Package breaker implements the per-dependency Circuit Breaker (spec
// §4.8): a CLOSED/OPEN/HALF_OPEN state machine that rejects calls in O(1)
// while OPEN, and paces HALF_OPEN probe admission.
package breaker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dislovelhl/acgs2/pkg/clockid"
	"github.com/dislovelhl/acgs2/pkg/faults"
	"github.com/dislovelhl/acgs2/pkg/model"
)

// Config parameterizes one breaker instance.
type Config struct {
	// FailureWindow is the sliding window failures are counted within;
	// failures older than the window no longer count toward the threshold.
	FailureWindow time.Duration
	// FailureThreshold is the failure count within FailureWindow that
	// trips CLOSED -> OPEN.
	FailureThreshold int64
	// Cooldown is the OPEN duration before a probe is allowed.
	Cooldown time.Duration
	// ProbeCount sizes HALF_OPEN probing: probe admission is a token bucket
	// with burst ProbeCount refilled at ProbeCount per second (in-flight
	// probes are not counted), and ProbeCount successes close the breaker.
	ProbeCount int64
	// MaxCooldown caps the exponential cooldown growth on repeated trips.
	MaxCooldown time.Duration
}

// DefaultConfig matches spec.md §6's default config table.
func DefaultConfig() Config {
	return Config{
		FailureWindow:    time.Minute,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		ProbeCount:       3,
		MaxCooldown:      5 * time.Minute,
	}
}

// Listener is notified on every breaker state transition, for
// SecurityEvent emission (WARNING on OPEN, INFO on CLOSED).
type Listener func(name string, from, to model.BreakerState)

// Breaker is one dependency's circuit breaker.
type Breaker struct {
	name      string
	cfg       Config
	clock     clockid.Clock
	mu        sync.Mutex
	state     model.BreakerState
	failTimes []time.Time // failures within cfg.FailureWindow, oldest first
	succ      int64
	opened    time.Time
	next      time.Time
	cool      time.Duration
	probes    int64 // successful probe count while HALF_OPEN

	probeLimiter *rate.Limiter
	listeners    []Listener
}

// New constructs a Breaker in the CLOSED state.
func New(name string, cfg Config, clock clockid.Clock) *Breaker {
	if clock == nil {
		clock = clockid.SystemClock{}
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Minute
	}
	return &Breaker{
		name:         name,
		cfg:          cfg,
		clock:        clock,
		state:        model.BreakerClosed,
		cool:         cfg.Cooldown,
		probeLimiter: rate.NewLimiter(rate.Limit(float64(cfg.ProbeCount)), int(cfg.ProbeCount)),
	}
}

// OnTransition registers a state-change listener.
func (b *Breaker) OnTransition(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Snapshot returns the current state as a model.CircuitBreakerState.
func (b *Breaker) Snapshot() model.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneFailures(b.clock.Now())
	return model.CircuitBreakerState{
		Name:         b.name,
		State:        b.state,
		FailureCount: int64(len(b.failTimes)),
		SuccessCount: b.succ,
		OpenedAt:     b.opened,
		NextProbeAt:  b.next,
	}
}

// Allow reports whether a call may proceed (I5: OPEN rejects in O(1)
// without invoking the downstream). When OPEN and the cooldown has
// elapsed, it transitions to HALF_OPEN and admits a probe if the rate
// limiter has budget; otherwise it continues to reject.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	switch b.state {
	case model.BreakerOpen:
		if now.Before(b.next) {
			return false
		}
		b.transition(model.BreakerHalfOpen)
		fallthrough
	case model.BreakerHalfOpen:
		return b.probeLimiter.AllowN(now, 1)
	default: // CLOSED
		return true
	}
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.succ++
	if b.state == model.BreakerHalfOpen {
		b.probes++
		if b.probes >= b.cfg.ProbeCount {
			b.cool = b.cfg.Cooldown
			b.failTimes = nil
			b.probes = 0
			b.transition(model.BreakerClosed)
		}
	}
	// CLOSED: a success does not erase failures still inside the window;
	// only the window's passage does.
}

// Failure records a failed call. While CLOSED, failures are counted
// within the sliding window and trip the breaker at the threshold; any
// HALF_OPEN failure reopens it immediately with an exponentially grown
// (capped) cooldown.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()

	switch b.state {
	case model.BreakerHalfOpen:
		b.probes = 0
		b.cool = growCooldown(b.cool, b.cfg.MaxCooldown)
		b.openAt(now)
	case model.BreakerClosed:
		b.failTimes = append(b.failTimes, now)
		b.pruneFailures(now)
		if int64(len(b.failTimes)) >= b.cfg.FailureThreshold {
			b.cool = b.cfg.Cooldown
			b.failTimes = nil
			b.openAt(now)
		}
	}
}

// pruneFailures drops failures older than the window. Must be called with
// b.mu held.
func (b *Breaker) pruneFailures(now time.Time) {
	cutoff := now.Add(-b.cfg.FailureWindow)
	i := 0
	for i < len(b.failTimes) && b.failTimes[i].Before(cutoff) {
		i++
	}
	b.failTimes = b.failTimes[i:]
}

func (b *Breaker) openAt(now time.Time) {
	b.opened = now
	b.next = now.Add(b.cool)
	b.probeLimiter.SetBurstAt(now, int(b.cfg.ProbeCount))
	b.transition(model.BreakerOpen)
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to model.BreakerState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	for _, l := range b.listeners {
		l(b.name, from, to)
	}
}

func growCooldown(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// Do runs fn if the breaker allows the call, recording success/failure;
// otherwise it returns ErrDependencyOpen without invoking fn (I5).
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow() {
		return faults.ErrDependencyOpen
	}
	if err := fn(ctx); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}
