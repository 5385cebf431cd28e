package faults

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFaultUnwrap(t *testing.T) {
	cause := errors.New("boom")
	f := New(KindInfrastructure, "dependency down", cause)
	require.ErrorIs(t, f, cause)
}

func TestFaultChaining(t *testing.T) {
	f := New(KindResource, "queue full", ErrQueueFull).
		WithCorrelation("corr-1").
		WithRetryAfter(2 * time.Second)
	require.Equal(t, "corr-1", f.CorrelationID)
	require.Equal(t, 2*time.Second, f.RetryAfter)
	require.ErrorIs(t, f, ErrQueueFull)
}

func TestKindOf(t *testing.T) {
	require.Equal(t, KindConstitutional, KindOf(ErrConstitutionalHashMismatch))
	require.Equal(t, KindSecurity, KindOf(ErrPolicyDenied))
	require.Equal(t, KindInfrastructure, KindOf(ErrDependencyOpen))
	require.Equal(t, KindResource, KindOf(ErrQueueFull))
	require.Equal(t, KindValidation, KindOf(ErrMalformedMessage))
	require.Equal(t, KindConfiguration, KindOf(ErrPolicyNotFound))

	wrapped := New(KindSecurity, "denied", ErrPolicyDenied)
	require.Equal(t, KindSecurity, KindOf(wrapped))
}
