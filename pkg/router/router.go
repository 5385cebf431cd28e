// Package router implements the Adaptive Router (spec §4.7): a single
// atomic threshold cell that maps an impact score to {FAST, DELIBERATE},
// and auto-tunes itself from confirmed human outcomes on deliberated
// decisions.
package router

import (
	"math"
	"sync"
	"sync/atomic"
)

// Route is the routing outcome for a message.
type Route string

const (
	RouteFast       Route = "FAST"
	RouteDeliberate Route = "DELIBERATE"
)

const (
	// DefaultThreshold is the initial impact threshold (§4.7, and
	// impact_threshold_initial in the config table).
	DefaultThreshold = 0.8
	minThreshold     = 0.5
	maxThreshold     = 0.95
	smoothingAlpha   = 0.1
)

// Outcome is a human-confirmed result of a deliberated decision, fed back
// into the threshold via Observe. ShouldHaveDeliberated reports the
// routing a human judged correct — e.g. a human overturning a DELIBERATE
// decision that turned out to be low-impact (false for a score above the
// threshold) nudges the threshold up.
type Outcome struct {
	// ImpactScore is the score that produced the routing decision.
	ImpactScore float64
	// ShouldHaveDeliberated is the human-confirmed correct routing: true
	// if the message genuinely warranted deliberation.
	ShouldHaveDeliberated bool
}

// Router holds the current threshold as an atomic float64 bit pattern, so
// Route is lock-free and safe for any number of concurrent readers; only
// Observe (the single feedback writer) takes the lock guarding the
// smoothing update.
type Router struct {
	bits atomic.Uint64
	mu   sync.Mutex
}

// New constructs a Router with DefaultThreshold.
func New() *Router {
	r := &Router{}
	r.bits.Store(math.Float64bits(DefaultThreshold))
	return r
}

// NewWithThreshold constructs a Router with an explicit initial threshold,
// clamped to [0.5, 0.95].
func NewWithThreshold(initial float64) *Router {
	r := &Router{}
	r.bits.Store(math.Float64bits(clamp(initial)))
	return r
}

// Threshold returns the current threshold.
func (r *Router) Threshold() float64 {
	return math.Float64frombits(r.bits.Load())
}

// Route maps an impact score to a routing decision. A tie (score ==
// threshold) and a NaN score both route to DELIBERATE: fail safe.
func (r *Router) Route(score float64) Route {
	if math.IsNaN(score) {
		return RouteDeliberate
	}
	threshold := r.Threshold()
	if score >= threshold {
		return RouteDeliberate
	}
	return RouteFast
}

// Observe feeds a confirmed deliberation outcome back into the threshold
// via exponential smoothing (α=0.1), clamped to [0.5, 0.95]. Observe must
// be called from a single writer goroutine; Route remains safe to call
// concurrently with Observe from any number of goroutines.
func (r *Router) Observe(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.Threshold()
	// target is the threshold that would have made this decision border-
	// line correct: if it should have deliberated and didn't (or vice
	// versa), nudge toward the observed score; a correct decision nudges
	// the threshold toward its current value (no-op in the limit).
	var target float64
	if o.ShouldHaveDeliberated {
		target = math.Min(current, o.ImpactScore)
	} else {
		target = math.Max(current, o.ImpactScore)
	}

	next := current + smoothingAlpha*(target-current)
	r.bits.Store(math.Float64bits(clamp(next)))
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return DefaultThreshold
	}
	if v < minThreshold {
		return minThreshold
	}
	if v > maxThreshold {
		return maxThreshold
	}
	return v
}
