package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dislovelhl/acgs2/pkg/clockid"
	"github.com/dislovelhl/acgs2/pkg/faults"
	"github.com/dislovelhl/acgs2/pkg/model"
)

func TestClassifyNamedStrategies(t *testing.T) {
	require.Equal(t, model.StrategyManual, Classify("maci_role_violation", nil))
	require.Equal(t, model.StrategyExponentialBackoff, Classify("opa_connectivity", nil))
	require.Equal(t, model.StrategyLinearBackoff, Classify("message_timeout", nil))
	require.Equal(t, model.StrategyImmediate, Classify("bus_not_started", nil))
}

func TestClassifyFallsBackToFaultKind(t *testing.T) {
	require.Equal(t, model.StrategyExponentialBackoff, Classify("unlisted", faults.ErrOPAConnection))
	require.Equal(t, model.StrategyManual, Classify("unlisted", faults.ErrConstitutionalHashMismatch))
}

func TestNextDelayExponentialCapsAtMax(t *testing.T) {
	cfg := BackoffConfig{Base: time.Second, Max: 10 * time.Second, MaxAttempts: 10}
	require.Equal(t, time.Second, NextDelay(model.StrategyExponentialBackoff, 1, cfg))
	require.Equal(t, 2*time.Second, NextDelay(model.StrategyExponentialBackoff, 2, cfg))
	require.Equal(t, 10*time.Second, NextDelay(model.StrategyExponentialBackoff, 10, cfg))
}

func TestNextDelayLinear(t *testing.T) {
	cfg := BackoffConfig{Base: time.Second, Max: time.Minute, MaxAttempts: 10}
	require.Equal(t, 3*time.Second, NextDelay(model.StrategyLinearBackoff, 3, cfg))
}

type escalationRecorder struct {
	tasks []*model.RecoveryTask
}

func (e *escalationRecorder) TaskEscalated(task *model.RecoveryTask) {
	e.tasks = append(e.tasks, task)
}

func TestSubmitManualEscalatesImmediately(t *testing.T) {
	sink := &escalationRecorder{}
	o := New(clockid.SystemClock{}, DefaultBackoffConfig(), sink)

	task, err := o.Submit("t1", "maci_role_violation", errors.New("boom"), 5, nil, "corr-1")
	require.NoError(t, err)
	require.Equal(t, model.RecoveryEscalated, task.Status)
	require.Len(t, sink.tasks, 1)
	require.Equal(t, 0, o.Len())
}

func TestSubmitAndNextRespectsDelay(t *testing.T) {
	clock := clockid.NewFixedClock(time.Now())
	o := New(clock, DefaultBackoffConfig(), nil)

	_, err := o.Submit("t1", "opa_connectivity", errors.New("conn"), 3, nil, "")
	require.NoError(t, err)
	require.Equal(t, 1, o.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	task, err := o.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, model.RecoveryInFlight, task.Status)
	require.Equal(t, 1, task.Attempts)
}

func TestCompleteFailureReschedulesUntilExhausted(t *testing.T) {
	clock := clockid.NewFixedClock(time.Now())
	sink := &escalationRecorder{}
	cfg := BackoffConfig{Base: time.Millisecond, Max: time.Second, MaxAttempts: 2}
	o := New(clock, cfg, sink)

	task, err := o.Submit("t1", "message_timeout", nil, 1, nil, "")
	require.NoError(t, err)

	ctx := context.Background()
	got, err := o.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, task.ID, got.ID)

	o.Complete(got, false)
	require.Equal(t, model.RecoveryPending, got.Status)
	require.Equal(t, 1, o.Len())

	clock.Advance(time.Second)
	got2, err := o.Next(ctx)
	require.NoError(t, err)
	o.Complete(got2, false)
	require.Equal(t, model.RecoveryEscalated, got2.Status)
	require.Len(t, sink.tasks, 1)
}

func TestCompleteSuccessMarksCompleted(t *testing.T) {
	o := New(clockid.SystemClock{}, DefaultBackoffConfig(), nil)
	task, _ := o.Submit("t1", "message_timeout", nil, 1, nil, "")
	got, err := o.Next(context.Background())
	require.NoError(t, err)
	o.Complete(got, true)
	require.Equal(t, model.RecoveryCompleted, task.Status)
}

func TestNextOrdersBySeverityThenSequence(t *testing.T) {
	clock := clockid.NewFixedClock(time.Now())
	o := New(clock, DefaultBackoffConfig(), nil)

	_, _ = o.Submit("low", "message_timeout", nil, 1, nil, "")
	_, _ = o.Submit("high", "message_timeout", nil, 9, nil, "")

	ctx := context.Background()
	first, err := o.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "high", first.ID)
}

func TestCloseUnblocksNext(t *testing.T) {
	o := New(clockid.SystemClock{}, DefaultBackoffConfig(), nil)
	done := make(chan error, 1)
	go func() {
		_, err := o.Next(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	o.Close()
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock after Close")
	}
}
