package impactscorer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type scriptedScorer struct {
	delay time.Duration
	val   float64
	err   error
}

func (s *scriptedScorer) Score(ctx context.Context, text string) (float64, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return s.val, s.err
}

func (s *scriptedScorer) ScoreBatch(ctx context.Context, texts []string) ([]float64, error) {
	out := make([]float64, len(texts))
	for i := range texts {
		v, err := s.Score(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func TestFallbackScorerUsesPrimaryWhenFast(t *testing.T) {
	primary := &scriptedScorer{val: 0.77}
	fallback := &scriptedScorer{val: 0.01}
	f := NewFallbackScorer(primary, fallback)

	got, err := f.Score(context.Background(), "anything")
	require.NoError(t, err)
	require.Equal(t, 0.77, got)
}

func TestFallbackScorerUsesFallbackOnPrimaryError(t *testing.T) {
	primary := &scriptedScorer{err: errors.New("backend unavailable")}
	fallback := &scriptedScorer{val: 0.42}
	f := NewFallbackScorer(primary, fallback)

	got, err := f.Score(context.Background(), "anything")
	require.NoError(t, err)
	require.Equal(t, 0.42, got)
}

func TestFallbackScorerUsesFallbackOnBudgetExceeded(t *testing.T) {
	primary := &scriptedScorer{delay: 50 * time.Millisecond, val: 0.99}
	fallback := &scriptedScorer{val: 0.13}
	f := &FallbackScorer{Primary: primary, Fallback: fallback, Budget: 5 * time.Millisecond}

	start := time.Now()
	got, err := f.Score(context.Background(), "anything")
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Equal(t, 0.13, got)
	require.Less(t, elapsed, 40*time.Millisecond)
}

func TestFallbackScorerNilPrimaryGoesStraightToFallback(t *testing.T) {
	fallback := &scriptedScorer{val: 0.5}
	f := &FallbackScorer{Fallback: fallback}

	got, err := f.Score(context.Background(), "anything")
	require.NoError(t, err)
	require.Equal(t, 0.5, got)
}

func TestFallbackScorerBatchPreservesOrder(t *testing.T) {
	primary := &scriptedScorer{val: 0.9}
	fallback := &scriptedScorer{val: 0.1}
	f := NewFallbackScorer(primary, fallback)

	got, err := f.ScoreBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Equal(t, []float64{0.9, 0.9, 0.9}, got)
}

func TestFallbackScorerDefaultBudgetAppliedWhenUnset(t *testing.T) {
	f := &FallbackScorer{Primary: &scriptedScorer{val: 1}, Fallback: &scriptedScorer{val: 0}}
	got, err := f.Score(context.Background(), "x")
	require.NoError(t, err)
	require.Equal(t, float64(1), got)
}
