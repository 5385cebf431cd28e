// Package handlers implements Handler Execution (spec §4.12): per-message-
// type handler registration and sequential execution with fail_closed /
// fail_open semantics, a per-handler deadline, and result merging via
// model.ValidationResult's algebra.
//
// The spec calls this a "mixin"; Go has no inheritance, so it is realized
// as a shared Executor parameterized by a small Config (FailClosed,
// HandlerDeadline), grounded on the teacher's
// firewall.Dispatcher composition (a narrow interface wrapping a next-step
// delegate) generalized from tool dispatch to per-type message handling.
package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/dislovelhl/acgs2/pkg/model"
)

// Handler processes one message and contributes a ValidationResult.
type Handler interface {
	Handle(ctx context.Context, msg *model.Message) (model.ValidationResult, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *model.Message) (model.ValidationResult, error)

func (f HandlerFunc) Handle(ctx context.Context, msg *model.Message) (model.ValidationResult, error) {
	return f(ctx, msg)
}

// Config is the subset of processor configuration the executor needs: the
// fail-closed policy and the per-handler deadline.
type Config struct {
	FailClosed     bool
	HandlerDeadline time.Duration
}

// DefaultConfig matches spec.md §6.6 defaults (fail_closed=true, 1s deadline).
func DefaultConfig() Config {
	return Config{FailClosed: true, HandlerDeadline: time.Second}
}

// Registry maps a message type to the ordered handlers that process it.
type Registry struct {
	byType map[model.MessageType][]Handler
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[model.MessageType][]Handler)}
}

// Register appends h to the handler chain for t, run in registration order.
func (r *Registry) Register(t model.MessageType, h Handler) {
	r.byType[t] = append(r.byType[t], h)
}

// Executor runs the registered handler chain for a message, enforcing the
// per-handler deadline and the configured fail_closed/fail_open policy.
type Executor struct {
	registry *Registry
	cfg      Config
}

// NewExecutor constructs an Executor over registry with cfg.
func NewExecutor(registry *Registry, cfg Config) *Executor {
	return &Executor{registry: registry, cfg: cfg}
}

// HandlerError records a single handler's failure without aborting the
// whole batch when fail_closed is false.
type HandlerError struct {
	Index int
	Err   error
}

// Run executes every handler registered for msg.Type sequentially,
// merging each ValidationResult into the running result per the spec's
// merge algebra. A handler error (including a deadline breach) is handled
// per cfg.FailClosed:
//   - true (default): abort remaining handlers, result becomes invalid.
//   - false: continue, record the error in details, result stays valid
//     unless a handler explicitly invalidated it.
func (e *Executor) Run(ctx context.Context, msg *model.Message) (model.ValidationResult, []HandlerError) {
	result := model.ValidationResult{Valid: true}
	var errs []HandlerError

	chain := e.registry.byType[msg.Type]
	for i, h := range chain {
		hctx, cancel := context.WithTimeout(ctx, e.cfg.HandlerDeadline)
		r, err := runOne(hctx, h, msg)
		cancel()

		if err != nil {
			errs = append(errs, HandlerError{Index: i, Err: err})
			if e.cfg.FailClosed {
				result.Valid = false
				result.Errors = append(result.Errors, fmt.Sprintf("handler[%d]: %v", i, err))
				break
			}
			result.Errors = append(result.Errors, fmt.Sprintf("handler[%d] (non-fatal): %v", i, err))
			continue
		}

		result = result.Merge(r)
	}

	return result, errs
}

// runOne invokes h.Handle, racing it against ctx's deadline so a breach
// counts as a handler error per spec §4.12.
func runOne(ctx context.Context, h Handler, msg *model.Message) (model.ValidationResult, error) {
	type out struct {
		r   model.ValidationResult
		err error
	}
	ch := make(chan out, 1)
	go func() {
		r, err := h.Handle(ctx, msg)
		ch <- out{r, err}
	}()

	select {
	case o := <-ch:
		return o.r, o.err
	case <-ctx.Done():
		return model.ValidationResult{}, ctx.Err()
	}
}
