// Package registry implements the Agent Registry (spec §4.5): agent ID ->
// {capabilities, status, last-seen}, with a background eviction loop for
// agents whose heartbeat has gone stale.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dislovelhl/acgs2/pkg/canonicalize"
	"github.com/dislovelhl/acgs2/pkg/clockid"
	"github.com/dislovelhl/acgs2/pkg/model"
)

// ErrAgentNotFound is returned by Get/Unregister/Heartbeat for an unknown ID.
var ErrAgentNotFound = fmt.Errorf("registry: agent not found")

// ErrReservedID is returned by Register for a reserved agent ID.
var ErrReservedID = fmt.Errorf("registry: reserved agent id")

// ErrAlreadyRegistered is returned by Register when (tenant, id) already exists.
var ErrAlreadyRegistered = fmt.Errorf("registry: agent already registered")

var reservedIDs = map[string]bool{"": true, "anonymous": true}

// Filter narrows List results.
type Filter struct {
	TenantID string
	Status   model.AgentStatus
}

// Registry is the Agent Registry's operation set.
type Registry interface {
	Register(ctx context.Context, reg *model.AgentRegistration) error
	Unregister(ctx context.Context, tenantID, id string) error
	Get(ctx context.Context, tenantID, id string) (*model.AgentRegistration, error)
	List(ctx context.Context, filter Filter) ([]*model.AgentRegistration, error)
	Heartbeat(ctx context.Context, tenantID, id string) error
	UpdateMetadata(ctx context.Context, tenantID, id string, kv map[string]string) error
}

// EvictionSink receives an event when an agent is evicted for staleness.
type EvictionSink interface {
	AgentEvicted(agent *model.AgentRegistration)
}

// InMemoryRegistry is a thread-safe in-memory Registry guarded by a
// sync.RWMutex. The lock is not reader-preferring: once a writer is waiting,
// new readers block until it has finished.
type InMemoryRegistry struct {
	mu     sync.RWMutex
	agents map[string]*model.AgentRegistration // key: tenantID + "/" + id
	clock  clockid.Clock

	livenessWindow time.Duration
	sink           EvictionSink

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewInMemoryRegistry constructs a Registry with the given liveness window
// (90s when livenessWindow <= 0). StartEvictionLoop must be called to run the
// background eviction loop.
func NewInMemoryRegistry(clock clockid.Clock, livenessWindow time.Duration, sink EvictionSink) *InMemoryRegistry {
	if livenessWindow <= 0 {
		livenessWindow = 90 * time.Second
	}
	return &InMemoryRegistry{
		agents:         make(map[string]*model.AgentRegistration),
		clock:          clock,
		livenessWindow: livenessWindow,
		sink:           sink,
		stop:           make(chan struct{}),
	}
}

// key builds the composite map key, NFC-normalized so code-point variants
// of the same identifier resolve to one registry entry.
func key(tenantID, id string) string {
	return canonicalize.NormalizeID(tenantID) + "/" + canonicalize.NormalizeID(id)
}

// Register implements Registry. Rejects reserved IDs and duplicate
// (tenant, id) pairs.
func (r *InMemoryRegistry) Register(ctx context.Context, reg *model.AgentRegistration) error {
	if reservedIDs[reg.ID] {
		return ErrReservedID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(reg.TenantID, reg.ID)
	if _, exists := r.agents[k]; exists {
		return ErrAlreadyRegistered
	}

	reg.LastSeen = r.clock.Now()
	if reg.Status == "" {
		reg.Status = model.AgentStatusActive
	}
	r.agents[k] = reg
	return nil
}

// Unregister implements Registry.
func (r *InMemoryRegistry) Unregister(ctx context.Context, tenantID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(tenantID, id)
	if _, ok := r.agents[k]; !ok {
		return ErrAgentNotFound
	}
	delete(r.agents, k)
	return nil
}

// Get implements Registry.
func (r *InMemoryRegistry) Get(ctx context.Context, tenantID, id string) (*model.AgentRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[key(tenantID, id)]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return a, nil
}

// List implements Registry.
func (r *InMemoryRegistry) List(ctx context.Context, filter Filter) ([]*model.AgentRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.AgentRegistration, 0, len(r.agents))
	for _, a := range r.agents {
		if filter.TenantID != "" && a.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Heartbeat implements Registry. last_seen is monotonically non-decreasing:
// a heartbeat earlier than the recorded value (possible under clock skew)
// is a no-op rather than a regression.
func (r *InMemoryRegistry) Heartbeat(ctx context.Context, tenantID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[key(tenantID, id)]
	if !ok {
		return ErrAgentNotFound
	}
	now := r.clock.Now()
	if now.After(a.LastSeen) {
		a.LastSeen = now
	}
	return nil
}

// UpdateMetadata implements Registry.
func (r *InMemoryRegistry) UpdateMetadata(ctx context.Context, tenantID, id string, kv map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[key(tenantID, id)]
	if !ok {
		return ErrAgentNotFound
	}
	if a.Metadata == nil {
		a.Metadata = make(map[string]string, len(kv))
	}
	for k, v := range kv {
		a.Metadata[k] = v
	}
	return nil
}

// StartEvictionLoop runs the background staleness sweep every interval until
// Stop is called. Eviction of a stale agent emits an INFO-severity event via
// the configured EvictionSink.
func (r *InMemoryRegistry) StartEvictionLoop(interval time.Duration) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.evictStale()
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop halts the background eviction loop and waits for it to exit.
func (r *InMemoryRegistry) Stop() {
	close(r.stop)
	r.wg.Wait()
}

func (r *InMemoryRegistry) evictStale() {
	now := r.clock.Now()

	r.mu.Lock()
	var evicted []*model.AgentRegistration
	for k, a := range r.agents {
		if now.Sub(a.LastSeen) > r.livenessWindow {
			evicted = append(evicted, a)
			delete(r.agents, k)
		}
	}
	r.mu.Unlock()

	if r.sink != nil {
		for _, a := range evicted {
			r.sink.AgentEvicted(a)
		}
	}
}
