package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dislovelhl/acgs2/pkg/clockid"
	"github.com/dislovelhl/acgs2/pkg/model"
)

func TestRegisterRejectsReservedID(t *testing.T) {
	r := NewInMemoryRegistry(clockid.SystemClock{}, 0, nil)
	err := r.Register(context.Background(), &model.AgentRegistration{ID: ""})
	require.ErrorIs(t, err, ErrReservedID)
}

func TestRegisterIdempotentRejectsDuplicate(t *testing.T) {
	r := NewInMemoryRegistry(clockid.SystemClock{}, 0, nil)
	reg := &model.AgentRegistration{ID: "agent-a", TenantID: "t1"}
	require.NoError(t, r.Register(context.Background(), reg))
	err := r.Register(context.Background(), reg)
	require.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestRegisterFoldsCodePointVariantIDs(t *testing.T) {
	r := NewInMemoryRegistry(clockid.SystemClock{}, 0, nil)
	require.NoError(t, r.Register(context.Background(), &model.AgentRegistration{ID: "caf\u00e9", TenantID: "t1"}))

	// NFD spelling of the same identifier resolves to the same entry.
	err := r.Register(context.Background(), &model.AgentRegistration{ID: "cafe\u0301", TenantID: "t1"})
	require.ErrorIs(t, err, ErrAlreadyRegistered)

	_, err = r.Get(context.Background(), "t1", "cafe\u0301")
	require.NoError(t, err)
}

func TestGetUnregister(t *testing.T) {
	r := NewInMemoryRegistry(clockid.SystemClock{}, 0, nil)
	require.NoError(t, r.Register(context.Background(), &model.AgentRegistration{ID: "agent-a", TenantID: "t1"}))

	got, err := r.Get(context.Background(), "t1", "agent-a")
	require.NoError(t, err)
	require.Equal(t, "agent-a", got.ID)

	require.NoError(t, r.Unregister(context.Background(), "t1", "agent-a"))
	_, err = r.Get(context.Background(), "t1", "agent-a")
	require.ErrorIs(t, err, ErrAgentNotFound)
}

func TestHeartbeatMonotonic(t *testing.T) {
	clock := clockid.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := NewInMemoryRegistry(clock, 0, nil)
	require.NoError(t, r.Register(context.Background(), &model.AgentRegistration{ID: "agent-a", TenantID: "t1"}))

	clock.Advance(-time.Minute)
	require.NoError(t, r.Heartbeat(context.Background(), "t1", "agent-a"))
	got, _ := r.Get(context.Background(), "t1", "agent-a")
	require.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), got.LastSeen)
}

type recordingSink struct {
	evicted []*model.AgentRegistration
}

func (s *recordingSink) AgentEvicted(a *model.AgentRegistration) {
	s.evicted = append(s.evicted, a)
}

func TestEvictionLoopEvictsStaleAgents(t *testing.T) {
	clock := clockid.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sink := &recordingSink{}
	r := NewInMemoryRegistry(clock, 50*time.Millisecond, sink)
	require.NoError(t, r.Register(context.Background(), &model.AgentRegistration{ID: "agent-a", TenantID: "t1"}))

	clock.Advance(time.Minute)
	r.StartEvictionLoop(10 * time.Millisecond)
	require.Eventually(t, func() bool {
		return len(sink.evicted) == 1
	}, time.Second, 5*time.Millisecond)
	r.Stop()

	require.Equal(t, "agent-a", sink.evicted[0].ID)
}

func TestUpdateMetadataMerges(t *testing.T) {
	r := NewInMemoryRegistry(clockid.SystemClock{}, 0, nil)
	require.NoError(t, r.Register(context.Background(), &model.AgentRegistration{ID: "agent-a", TenantID: "t1"}))

	require.NoError(t, r.UpdateMetadata(context.Background(), "t1", "agent-a", map[string]string{"k1": "v1"}))
	require.NoError(t, r.UpdateMetadata(context.Background(), "t1", "agent-a", map[string]string{"k2": "v2"}))

	got, _ := r.Get(context.Background(), "t1", "agent-a")
	require.Equal(t, map[string]string{"k1": "v1", "k2": "v2"}, got.Metadata)
}
