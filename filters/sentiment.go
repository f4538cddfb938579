// filters/sentiment.go
package filters

import (
	"context"
	"fmt"

	"atra_engine/market"
	"atra_engine/scorer"
)

// SentimentFilter consults the external news/whale scorer. It is just
// another filter to the evaluator: the scorer being down degrades it to a
// neutral pass at the registry boundary instead of suppressing signals.
type SentimentFilter struct {
	scorer  scorer.Scorer
	minProb float64 // probability below this blocks the signal
}

func NewSentimentFilter(s scorer.Scorer, minProb float64) *SentimentFilter {
	if minProb <= 0 {
		minProb = 0.45
	}
	return &SentimentFilter{scorer: s, minProb: minProb}
}

func (f *SentimentFilter) ID() string { return "sentiment" }

func (f *SentimentFilter) Check(ctx context.Context, w *market.Window, side market.Side) (Result, error) {
	sc, err := f.scorer.Score(ctx, w.Symbol)
	if err != nil {
		return Result{}, err
	}

	// The scorer reports P(up move). Mirror it for shorts.
	prob := sc.Probability
	if side == market.Short {
		prob = 1 - prob
	}

	if prob < f.minProb {
		return Result{
			Passed: false,
			Reason: fmt.Sprintf("sentiment probability %.2f below %.2f for %s", prob, f.minProb, side),
		}, nil
	}
	return Result{Passed: true, Confidence: prob}, nil
}
