package impactscorer

import (
	"context"
	"time"
)

// DefaultLatencyBudget is the primary-backend time budget before falling
// back to the keyword scorer (spec §4.6 cold-start rule).
const DefaultLatencyBudget = 10 * time.Millisecond

// FallbackScorer wraps a primary Scorer (typically the ml/wazero backend)
// with a deterministic fallback (typically KeywordScorer). If the primary
// errors, or does not return within Budget, the fallback result is used
// instead. This is normal degradation, not a security event: callers must
// not emit a SUSPICIOUS_PATTERN SecurityEvent solely because the fallback
// fired.
type FallbackScorer struct {
	Primary  Scorer
	Fallback Scorer
	Budget   time.Duration
}

// NewFallbackScorer constructs a FallbackScorer with DefaultLatencyBudget.
func NewFallbackScorer(primary, fallback Scorer) *FallbackScorer {
	return &FallbackScorer{Primary: primary, Fallback: fallback, Budget: DefaultLatencyBudget}
}

type scoreResult struct {
	val float64
	err error
}

// Score implements Scorer.
func (f *FallbackScorer) Score(ctx context.Context, text string) (float64, error) {
	if f.Primary == nil {
		return f.Fallback.Score(ctx, text)
	}

	budget := f.Budget
	if budget <= 0 {
		budget = DefaultLatencyBudget
	}

	cctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	resultCh := make(chan scoreResult, 1)
	go func() {
		v, err := f.Primary.Score(cctx, text)
		resultCh <- scoreResult{val: v, err: err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return f.Fallback.Score(ctx, text)
		}
		return r.val, nil
	case <-cctx.Done():
		return f.Fallback.Score(ctx, text)
	}
}

// ScoreBatch implements Scorer by scoring each input independently, so a
// slow or failing primary on one input doesn't block the whole batch's
// fallback decision for the others.
func (f *FallbackScorer) ScoreBatch(ctx context.Context, texts []string) ([]float64, error) {
	out := make([]float64, len(texts))
	for i, t := range texts {
		v, err := f.Score(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
