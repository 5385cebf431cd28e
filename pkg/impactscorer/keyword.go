package impactscorer

import (
	"context"
	"math"
	"strings"
)

// KeywordScorer is the deterministic fallback backend: a map of weighted
// tokens summed additively over the input's tokens, then squashed to [0,1]
// with a logistic function. It never errors and never returns NaN.
type KeywordScorer struct {
	weights map[string]float64
	bias    float64
}

// DefaultWeights is a representative weighted-token table: terms that
// correlate with higher-impact operations score higher.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"delete":     2.5,
		"drop":       2.5,
		"revoke":     2.0,
		"grant":      1.8,
		"admin":      1.5,
		"production": 1.3,
		"shutdown":   2.2,
		"override":   1.7,
		"bypass":     2.0,
		"emergency":  1.6,
		"password":   1.4,
		"credential": 1.6,
		"status":     -1.0,
		"read":       -0.8,
		"list":       -0.8,
		"query":      -0.5,
		"ping":       -1.2,
	}
}

// NewKeywordScorer constructs a KeywordScorer. bias shifts the pre-squash
// sum; a negative bias makes the scorer default toward low impact for
// inputs with no matched tokens.
func NewKeywordScorer(weights map[string]float64, bias float64) *KeywordScorer {
	if weights == nil {
		weights = DefaultWeights()
	}
	return &KeywordScorer{weights: weights, bias: bias}
}

// Score implements Scorer.
func (k *KeywordScorer) Score(ctx context.Context, text string) (float64, error) {
	sum := k.bias
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]{}")
		if w, ok := k.weights[tok]; ok {
			sum += w
		}
	}
	return logisticSquash(sum), nil
}

// ScoreBatch implements Scorer.
func (k *KeywordScorer) ScoreBatch(ctx context.Context, texts []string) ([]float64, error) {
	out := make([]float64, len(texts))
	for i, t := range texts {
		s, err := k.Score(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func logisticSquash(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
