package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dislovelhl/acgs2/pkg/model"
)

func newMsg() *model.Message {
	return &model.Message{ID: "m1", Type: model.MessageTypeCommand}
}

func TestRunMergesSequentialResults(t *testing.T) {
	reg := NewRegistry()
	reg.Register(model.MessageTypeCommand, HandlerFunc(func(ctx context.Context, msg *model.Message) (model.ValidationResult, error) {
		return model.ValidationResult{Valid: true, ImpactScore: 0.2}, nil
	}))
	reg.Register(model.MessageTypeCommand, HandlerFunc(func(ctx context.Context, msg *model.Message) (model.ValidationResult, error) {
		return model.ValidationResult{Valid: true, ImpactScore: 0.6, RequiresDeliberation: true}, nil
	}))

	exec := NewExecutor(reg, DefaultConfig())
	result, errs := exec.Run(context.Background(), newMsg())

	require.Empty(t, errs)
	require.True(t, result.Valid)
	require.Equal(t, 0.6, result.ImpactScore)
	require.True(t, result.RequiresDeliberation)
}

func TestRunFailClosedAbortsOnError(t *testing.T) {
	reg := NewRegistry()
	calledSecond := false
	reg.Register(model.MessageTypeCommand, HandlerFunc(func(ctx context.Context, msg *model.Message) (model.ValidationResult, error) {
		return model.ValidationResult{}, errors.New("boom")
	}))
	reg.Register(model.MessageTypeCommand, HandlerFunc(func(ctx context.Context, msg *model.Message) (model.ValidationResult, error) {
		calledSecond = true
		return model.ValidationResult{Valid: true}, nil
	}))

	exec := NewExecutor(reg, Config{FailClosed: true, HandlerDeadline: time.Second})
	result, errs := exec.Run(context.Background(), newMsg())

	require.False(t, calledSecond)
	require.False(t, result.Valid)
	require.Len(t, errs, 1)
}

func TestRunFailOpenContinuesOnError(t *testing.T) {
	reg := NewRegistry()
	reg.Register(model.MessageTypeCommand, HandlerFunc(func(ctx context.Context, msg *model.Message) (model.ValidationResult, error) {
		return model.ValidationResult{}, errors.New("boom")
	}))
	reg.Register(model.MessageTypeCommand, HandlerFunc(func(ctx context.Context, msg *model.Message) (model.ValidationResult, error) {
		return model.ValidationResult{Valid: true, ImpactScore: 0.3}, nil
	}))

	exec := NewExecutor(reg, Config{FailClosed: false, HandlerDeadline: time.Second})
	result, errs := exec.Run(context.Background(), newMsg())

	require.True(t, result.Valid)
	require.Equal(t, 0.3, result.ImpactScore)
	require.Len(t, errs, 1)
	require.NotEmpty(t, result.Errors)
}

func TestRunDeadlineBreachCountsAsError(t *testing.T) {
	reg := NewRegistry()
	reg.Register(model.MessageTypeCommand, HandlerFunc(func(ctx context.Context, msg *model.Message) (model.ValidationResult, error) {
		select {
		case <-time.After(100 * time.Millisecond):
			return model.ValidationResult{Valid: true}, nil
		case <-ctx.Done():
			return model.ValidationResult{}, ctx.Err()
		}
	}))

	exec := NewExecutor(reg, Config{FailClosed: true, HandlerDeadline: 5 * time.Millisecond})
	result, errs := exec.Run(context.Background(), newMsg())

	require.False(t, result.Valid)
	require.Len(t, errs, 1)
}

func TestRunNoHandlersRegisteredYieldsValid(t *testing.T) {
	reg := NewRegistry()
	exec := NewExecutor(reg, DefaultConfig())
	result, errs := exec.Run(context.Background(), newMsg())
	require.True(t, result.Valid)
	require.Empty(t, errs)
}
