package authzcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dislovelhl/acgs2/pkg/pdp"
)

type countingEvaluator struct {
	calls int64
	delay time.Duration
}

func (c *countingEvaluator) Evaluate(ctx context.Context, in *pdp.DecisionInput) (*pdp.Decision, error) {
	atomic.AddInt64(&c.calls, 1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return &pdp.Decision{Allowed: true, PolicyID: in.PolicyID, EvaluatedAt: time.Now()}, nil
}

func TestCacheHitMiss(t *testing.T) {
	eval := &countingEvaluator{}
	c := New(NewInMemoryStore(), eval, time.Minute)

	key := Key{Role: "admin", PolicyID: "p1", InputFingerprint: "fp1"}
	in := &pdp.DecisionInput{PolicyID: "p1"}

	_, err := c.Get(context.Background(), key, in)
	require.NoError(t, err)
	_, err = c.Get(context.Background(), key, in)
	require.NoError(t, err)

	require.EqualValues(t, 1, atomic.LoadInt64(&eval.calls))
}

func TestCacheSingleFlightCollapse(t *testing.T) {
	eval := &countingEvaluator{delay: 50 * time.Millisecond}
	c := New(NewInMemoryStore(), eval, time.Minute)

	key := Key{Role: "admin", PolicyID: "p1", InputFingerprint: "fp1"}
	in := &pdp.DecisionInput{PolicyID: "p1"}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), key, in)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt64(&eval.calls))
}

func TestCacheTTLExpiry(t *testing.T) {
	eval := &countingEvaluator{}
	c := New(NewInMemoryStore(), eval, 10*time.Millisecond)

	key := Key{Role: "admin", PolicyID: "p1", InputFingerprint: "fp1"}
	in := &pdp.DecisionInput{PolicyID: "p1"}

	_, err := c.Get(context.Background(), key, in)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = c.Get(context.Background(), key, in)
	require.NoError(t, err)

	require.EqualValues(t, 2, atomic.LoadInt64(&eval.calls))
}

func TestCacheInvalidate(t *testing.T) {
	eval := &countingEvaluator{}
	c := New(NewInMemoryStore(), eval, time.Minute)

	key := Key{Role: "admin", PolicyID: "p1", InputFingerprint: "fp1"}
	in := &pdp.DecisionInput{PolicyID: "p1"}

	_, err := c.Get(context.Background(), key, in)
	require.NoError(t, err)

	require.NoError(t, c.Invalidate(context.Background(), "admin"))

	_, err = c.Get(context.Background(), key, in)
	require.NoError(t, err)

	require.EqualValues(t, 2, atomic.LoadInt64(&eval.calls))
}
