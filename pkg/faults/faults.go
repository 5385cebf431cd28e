// Package faults defines the bus's error taxonomy: typed, wrapped errors
// grouped by the kinds the recovery orchestrator and processor reason about
// (constitutional, security, infrastructure, resource, validation, config).
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a fault for recovery-strategy selection.
type Kind string

const (
	KindConstitutional Kind = "CONSTITUTIONAL"
	KindSecurity       Kind = "SECURITY"
	KindInfrastructure Kind = "INFRASTRUCTURE"
	KindResource       Kind = "RESOURCE"
	KindValidation     Kind = "VALIDATION"
	KindConfiguration  Kind = "CONFIGURATION"
)

// Fault is the structured error record surfaced to callers: {kind, reason,
// correlation_id, retry_after?}.
type Fault struct {
	Kind          Kind
	Reason        string
	CorrelationID string
	RetryAfter    time.Duration
	err           error
}

func (f *Fault) Error() string {
	if f.err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Reason, f.err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
}

func (f *Fault) Unwrap() error { return f.err }

// New builds a Fault wrapping cause (may be nil).
func New(kind Kind, reason string, cause error) *Fault {
	return &Fault{Kind: kind, Reason: reason, err: cause}
}

// WithCorrelation attaches a correlation ID, returning the same Fault for chaining.
func (f *Fault) WithCorrelation(id string) *Fault {
	f.CorrelationID = id
	return f
}

// WithRetryAfter attaches a suggested retry delay, returning the same Fault for chaining.
func (f *Fault) WithRetryAfter(d time.Duration) *Fault {
	f.RetryAfter = d
	return f
}

// Sentinel errors matched via errors.Is across the pipeline.
var (
	ErrConstitutionalHashMismatch = errors.New("constitutional_hash_mismatch")
	ErrPolicyEvaluationBypass     = errors.New("policy_evaluation_bypass_attempt")

	ErrPolicyDenied   = errors.New("policy_denied")
	ErrRoleViolation  = errors.New("role_violation")

	ErrDependencyOpen     = errors.New("dependency_open")
	ErrOPAConnection      = errors.New("opa_connection_error")
	ErrRoutingLookup      = errors.New("routing_lookup_failure")

	ErrQueueFull           = errors.New("queue_full")
	ErrMessageTimeout      = errors.New("message_timeout")
	ErrDeliberationTimeout = errors.New("deliberation_timeout")
	ErrBudgetExceeded      = errors.New("budget_exceeded")

	ErrMalformedMessage     = errors.New("malformed_message")
	ErrUnregisteredAgent    = errors.New("agent_not_registered")
	ErrBusNotStarted        = errors.New("bus_not_started")
	ErrUnknownTarget        = errors.New("unknown_target")

	ErrPolicyNotFound      = errors.New("policy_not_found")
	ErrMisassignedRole     = errors.New("misassigned_role")
	ErrInvalidBundle       = errors.New("invalid_policy_bundle")
	ErrOPANotInitialized   = errors.New("opa_not_initialized")

	ErrRecoveryExhausted = errors.New("recovery_exhausted")
	ErrAuditWriteFailed  = errors.New("audit_write_failed")
)

// KindOf returns the taxonomy Kind that best classifies err, used by the
// recovery orchestrator to pick a strategy when the caller passed a bare
// sentinel rather than a *Fault.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	switch {
	case errors.Is(err, ErrConstitutionalHashMismatch), errors.Is(err, ErrPolicyEvaluationBypass):
		return KindConstitutional
	case errors.Is(err, ErrPolicyDenied), errors.Is(err, ErrRoleViolation):
		return KindSecurity
	case errors.Is(err, ErrDependencyOpen), errors.Is(err, ErrOPAConnection), errors.Is(err, ErrRoutingLookup):
		return KindInfrastructure
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrMessageTimeout), errors.Is(err, ErrDeliberationTimeout), errors.Is(err, ErrBudgetExceeded):
		return KindResource
	case errors.Is(err, ErrMalformedMessage), errors.Is(err, ErrUnregisteredAgent), errors.Is(err, ErrBusNotStarted), errors.Is(err, ErrUnknownTarget):
		return KindValidation
	case errors.Is(err, ErrPolicyNotFound), errors.Is(err, ErrMisassignedRole), errors.Is(err, ErrInvalidBundle), errors.Is(err, ErrOPANotInitialized):
		return KindConfiguration
	default:
		return KindInfrastructure
	}
}
