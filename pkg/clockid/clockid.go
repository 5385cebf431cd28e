// Package clockid provides the bus's time source and identifier generation.
package clockid

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock time so components can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock returns a constant instant; advance it with Set for step-by-step tests.
type FixedClock struct {
	at time.Time
}

func NewFixedClock(at time.Time) *FixedClock {
	return &FixedClock{at: at.UTC()}
}

func (c *FixedClock) Now() time.Time { return c.at }

func (c *FixedClock) Set(at time.Time) { c.at = at.UTC() }

func (c *FixedClock) Advance(d time.Duration) { c.at = c.at.Add(d) }

// NewMessageID returns a new message identifier (UUID v4).
func NewMessageID() string { return uuid.New().String() }

// NewCorrelationID returns a new correlation identifier (UUID v4).
func NewCorrelationID() string { return uuid.New().String() }

// NewEventID returns a new security-event identifier (UUID v4).
func NewEventID() string { return uuid.New().String() }

// NewAuditRecordID returns a new audit-record identifier (UUID v4).
func NewAuditRecordID() string { return uuid.New().String() }
