// Package impactscorer implements the Impact Scorer (spec §4.6): text -> a
// score in [0,1]. The keyword backend is deterministic and always
// available; the ml backend is an optional sandboxed plugin. The processor
// never branches on backend identity — it calls the Scorer interface.
package impactscorer

import "context"

// Scorer maps message text to an impact score in [0,1]. NaN is a valid
// return value and signals the caller to fail safe (route to DELIBERATE).
type Scorer interface {
	// Score scores a single input.
	Score(ctx context.Context, text string) (float64, error)

	// ScoreBatch scores a batch, preserving input order. Required for
	// throughput: the processor opportunistically merges same-tick messages.
	ScoreBatch(ctx context.Context, texts []string) ([]float64, error)
}
