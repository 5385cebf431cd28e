// Package model holds the bus's wire-level data types: Message, agent
// registration records, validation/policy results, and the records the
// audit and security-event pipelines emit.
package model

import "time"

// MessageType is one of the five payload shapes a Message carries.
type MessageType string

const (
	MessageTypeCommand  MessageType = "COMMAND"
	MessageTypeQuery    MessageType = "QUERY"
	MessageTypeEvent    MessageType = "EVENT"
	MessageTypeResponse MessageType = "RESPONSE"
	MessageTypeError    MessageType = "ERROR"
)

// Priority orders messages for scheduling purposes.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityNormal   Priority = "NORMAL"
	PriorityLow      Priority = "LOW"
)

// TerminalState is the exactly-one terminal state a Message reaches (I2).
type TerminalState string

const (
	TerminalNone      TerminalState = ""
	TerminalDelivered TerminalState = "DELIVERED"
	TerminalDenied    TerminalState = "DENIED"
	TerminalErrored   TerminalState = "ERRORED"
)

// Message is immutable once created: every field is set at construction and
// never mutated by the pipeline. Pipeline stages attach derived state
// (ValidationResult, terminal state) to a separate processor.Outcome instead.
type Message struct {
	ID            string                 `json:"id"`
	Type          MessageType            `json:"type"`
	Priority      Priority               `json:"priority"`
	SourceAgent   string                 `json:"source_agent"`
	TargetAgent   string                 `json:"target_agent,omitempty"`
	Payload       map[string]interface{} `json:"payload"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Fingerprint   string                 `json:"fingerprint"`
	TenantID      string                 `json:"tenant_id,omitempty"`
}

// IsBroadcast reports whether the message has no explicit target (broadcast within tenant).
func (m *Message) IsBroadcast() bool { return m.TargetAgent == "" }

// ValidationResult is the mergeable algebra produced by the validation and
// handler-execution stages: (a ∧ b).valid = a.valid ∧ b.valid; errors
// concatenate; impact score takes the max; deliberation flags OR together.
type ValidationResult struct {
	Valid                bool     `json:"valid"`
	Errors               []string `json:"errors,omitempty"`
	ImpactScore          float64  `json:"impact_score"`
	RequiresDeliberation bool     `json:"requires_deliberation"`
}

// Merge combines r with other per the spec's merge rule and returns a new result.
func (r ValidationResult) Merge(other ValidationResult) ValidationResult {
	merged := ValidationResult{
		Valid:                r.Valid && other.Valid,
		RequiresDeliberation: r.RequiresDeliberation || other.RequiresDeliberation,
	}
	merged.Errors = append(merged.Errors, r.Errors...)
	merged.Errors = append(merged.Errors, other.Errors...)
	if other.ImpactScore > r.ImpactScore {
		merged.ImpactScore = other.ImpactScore
	} else {
		merged.ImpactScore = r.ImpactScore
	}
	return merged
}

// PolicyDecision is the outcome of a policy evaluation.
type PolicyDecision struct {
	Allowed       bool      `json:"allowed"`
	Reasons       []string  `json:"reasons,omitempty"`
	PolicyID      string    `json:"policy_id"`
	PolicyVersion string    `json:"policy_version"`
	EvaluatedAt   time.Time `json:"evaluated_at"`
}

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentStatusActive    AgentStatus = "ACTIVE"
	AgentStatusInactive  AgentStatus = "INACTIVE"
	AgentStatusSuspended AgentStatus = "SUSPENDED"
)

// AgentRegistration is a registry entry: agent ID -> {capabilities, status, last-seen}.
type AgentRegistration struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	TenantID     string            `json:"tenant_id,omitempty"`
	Status       AgentStatus       `json:"status"`
	Capabilities map[string]bool   `json:"capabilities"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastSeen     time.Time         `json:"last_seen"`
}

// HasCapability reports whether the agent declares capability c.
func (a *AgentRegistration) HasCapability(c string) bool {
	return a.Capabilities != nil && a.Capabilities[c]
}

// BreakerState is a circuit breaker's 3-state machine position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreakerState is a snapshot of one dependency breaker's state.
type CircuitBreakerState struct {
	Name          string       `json:"name"`
	State         BreakerState `json:"state"`
	FailureCount  int64        `json:"failure_count"`
	SuccessCount  int64        `json:"success_count"`
	OpenedAt      time.Time    `json:"opened_at,omitempty"`
	NextProbeAt   time.Time    `json:"next_probe_at,omitempty"`
}

// RecoveryStrategy names the retry strategy a failure kind maps to.
type RecoveryStrategy string

const (
	StrategyExponentialBackoff RecoveryStrategy = "EXPONENTIAL_BACKOFF"
	StrategyLinearBackoff      RecoveryStrategy = "LINEAR_BACKOFF"
	StrategyImmediate          RecoveryStrategy = "IMMEDIATE"
	StrategyManual             RecoveryStrategy = "MANUAL"
)

// RecoveryTaskStatus is a recovery task's lifecycle position.
type RecoveryTaskStatus string

const (
	RecoveryPending   RecoveryTaskStatus = "PENDING"
	RecoveryInFlight  RecoveryTaskStatus = "IN_FLIGHT"
	RecoveryCompleted RecoveryTaskStatus = "COMPLETED"
	RecoveryFailed    RecoveryTaskStatus = "FAILED"
	RecoveryEscalated RecoveryTaskStatus = "ESCALATED"
)

// RecoveryTask is a prioritized retry unit owned by the Recovery Orchestrator.
type RecoveryTask struct {
	ID            string                 `json:"id"`
	FailureKind   string                 `json:"failure_kind"`
	Strategy      RecoveryStrategy       `json:"strategy"`
	Status        RecoveryTaskStatus     `json:"status"`
	Attempts      int                    `json:"attempts"`
	NextAttemptAt time.Time              `json:"next_attempt_at"`
	Severity      int                    `json:"severity"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

// AuditOutcome is the recorded result of the action an AuditRecord describes.
type AuditOutcome string

const (
	AuditSuccess AuditOutcome = "success"
	AuditFailure AuditOutcome = "failure"
	AuditPartial AuditOutcome = "partial"
	AuditDenied  AuditOutcome = "denied"
	AuditAborted AuditOutcome = "aborted"
)

// AuditRecord is an append-only, content-addressable entry in the audit log.
type AuditRecord struct {
	RecordID      string                 `json:"record_id"`
	Timestamp     time.Time              `json:"timestamp"`
	Action        string                 `json:"action"`
	Actor         string                 `json:"actor"`
	Outcome       AuditOutcome           `json:"outcome"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Fingerprint   string                 `json:"fingerprint"`
	CorrelationID string                 `json:"correlation_id,omitempty"`

	// Chain fields, populated by the audit store (not part of the hashed content).
	SequenceNum  uint64 `json:"sequence_num"`
	PreviousHash string `json:"previous_hash,omitempty"`
	RecordHash   string `json:"record_hash,omitempty"`
}

// Severity is a SecurityEvent's urgency level.
type Severity string

const (
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityDebug:    0,
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityError:    3,
	SeverityCritical: 4,
}

// Rank returns an ordinal for comparing severities (higher = more severe).
func (s Severity) Rank() int { return severityRank[s] }

// SecurityEvent is a security-relevant occurrence destined for the alert
// manager and SIEM shipper.
type SecurityEvent struct {
	ID            string            `json:"id"`
	EventType     string            `json:"event_type"`
	Severity      Severity          `json:"severity"`
	Message       string            `json:"message"`
	Source        string            `json:"source"`
	TenantID      string            `json:"tenant_id,omitempty"`
	AgentID       string            `json:"agent_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Fingerprint   string            `json:"fingerprint"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}
