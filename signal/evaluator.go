// signal/evaluator.go
package signal

import (
	"context"
	"fmt"
	"time"

	"atra_engine/filters"
	"atra_engine/logs"
	"atra_engine/market"
)

// Mode selects how the evaluator combines filter results.
type Mode int

const (
	// ModeStrict requires every filter to pass and short-circuits on the
	// first failure.
	ModeStrict Mode = iota
	// ModeSoft aggregates weighted confidences into a quality score and
	// tolerates individual failures outside the hard-block set.
	ModeSoft
)

func (m Mode) String() string {
	if m == ModeStrict {
		return "strict"
	}
	return "soft"
}

// ParseMode maps the config string onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "strict":
		return ModeStrict, nil
	case "soft":
		return ModeSoft, nil
	default:
		return ModeStrict, fmt.Errorf("unknown evaluation mode %q", s)
	}
}

// Regime is a coarse volatility classification of the current market,
// derived from ATR. Soft-mode thresholds shift with it.
type Regime int

const (
	RegimeNormal Regime = iota
	RegimeVolatile
)

// volatileATRPct is the ATR%% of price above which the market counts as
// volatile and soft-mode thresholds tighten.
const volatileATRPct = 2.5

// RegimeOf classifies the window's current regime.
func RegimeOf(w *market.Window) Regime {
	if w.ATRPct() >= volatileATRPct {
		return RegimeVolatile
	}
	return RegimeNormal
}

// CandidateSignal is the immutable directional candidate handed to the risk
// gate. It is created once here and consumed once there.
type CandidateSignal struct {
	Symbol        string
	Side          market.Side
	EntryPrice    float64
	QualityScore  float64
	ATRPct        float64
	FilterResults []filters.Result
	Timestamp     time.Time
}

// Evaluation is the outcome of one evaluator pass: either a candidate signal
// or a block with its reason.
type Evaluation struct {
	Signal       *CandidateSignal
	Blocked      bool
	BlockReason  string
	QualityScore float64
	Results      []filters.Result
}

// Evaluator runs the filter registry in strict or soft mode and aggregates
// the results into at most one candidate signal.
type Evaluator struct {
	registry       *filters.Registry
	mode           Mode
	weights        map[string]float64
	hardBlock      map[string]bool
	longThreshold  float64
	shortThreshold float64
	volatileBonus  float64
}

// NewEvaluator builds an evaluator. weights maps filter IDs to soft-mode
// weights (missing IDs default to 1.0); hardBlock lists filter IDs whose
// failure always blocks, even in soft mode.
func NewEvaluator(registry *filters.Registry, mode Mode, weights map[string]float64, hardBlock []string, longThreshold, shortThreshold, volatileBonus float64) *Evaluator {
	hb := make(map[string]bool, len(hardBlock))
	for _, id := range hardBlock {
		hb[id] = true
	}
	if weights == nil {
		weights = map[string]float64{}
	}
	return &Evaluator{
		registry:       registry,
		mode:           mode,
		weights:        weights,
		hardBlock:      hb,
		longThreshold:  longThreshold,
		shortThreshold: shortThreshold,
		volatileBonus:  volatileBonus,
	}
}

// Mode reports the configured evaluation mode.
func (e *Evaluator) Mode() Mode { return e.mode }

// Threshold returns the soft-mode admission threshold for a side under the
// given regime. Volatile markets demand a higher score.
func (e *Evaluator) Threshold(side market.Side, regime Regime) float64 {
	t := e.longThreshold
	if side == market.Short {
		t = e.shortThreshold
	}
	if regime == RegimeVolatile {
		t += e.volatileBonus
	}
	if t > 1 {
		t = 1
	}
	return t
}

// Evaluate runs the registry over the window for one side.
func (e *Evaluator) Evaluate(ctx context.Context, w *market.Window, side market.Side) Evaluation {
	results := e.registry.Run(ctx, w, side)

	if e.mode == ModeStrict {
		return e.evaluateStrict(w, side, results)
	}
	return e.evaluateSoft(w, side, results)
}

// evaluateStrict blocks on the first failing filter. Filters run
// independently, so "first" is positional, not causal; the reported reason
// is simply the earliest blocker in registry order.
func (e *Evaluator) evaluateStrict(w *market.Window, side market.Side, results []filters.Result) Evaluation {
	seen := make([]filters.Result, 0, len(results))
	for _, res := range results {
		seen = append(seen, res)
		if !res.Passed {
			logs.Debugf("[Evaluator] %s %s blocked by %s: %s", w.Symbol, side, res.FilterID, res.Reason)
			return Evaluation{
				Blocked:     true,
				BlockReason: fmt.Sprintf("%s: %s", res.FilterID, res.Reason),
				Results:     seen,
			}
		}
	}

	score := e.weightedScore(results)
	return Evaluation{
		Signal:       e.newSignal(w, side, score, results),
		QualityScore: score,
		Results:      results,
	}
}

// evaluateSoft admits the signal when the weighted quality score clears the
// regime-adjusted threshold, unless a hard-block filter failed.
func (e *Evaluator) evaluateSoft(w *market.Window, side market.Side, results []filters.Result) Evaluation {
	for _, res := range results {
		if !res.Passed && e.hardBlock[res.FilterID] {
			return Evaluation{
				Blocked:     true,
				BlockReason: fmt.Sprintf("hard-block %s: %s", res.FilterID, res.Reason),
				Results:     results,
			}
		}
	}

	score := e.weightedScore(results)
	threshold := e.Threshold(side, RegimeOf(w))
	if score < threshold {
		return Evaluation{
			Blocked:      true,
			BlockReason:  fmt.Sprintf("quality score %.3f below threshold %.3f", score, threshold),
			QualityScore: score,
			Results:      results,
		}
	}

	return Evaluation{
		Signal:       e.newSignal(w, side, score, results),
		QualityScore: score,
		Results:      results,
	}
}

// weightedScore folds filter confidences into one quality score in [0, 1].
// Failed filters contribute zero, which is what lets soft mode tolerate them.
func (e *Evaluator) weightedScore(results []filters.Result) float64 {
	var sum, totalWeight float64
	for _, res := range results {
		weight := 1.0
		if wgt, ok := e.weights[res.FilterID]; ok {
			weight = wgt
		}
		totalWeight += weight
		if res.Passed {
			sum += res.Confidence * weight
		}
	}
	if totalWeight == 0 {
		return 0
	}
	return sum / totalWeight
}

func (e *Evaluator) newSignal(w *market.Window, side market.Side, score float64, results []filters.Result) *CandidateSignal {
	return &CandidateSignal{
		Symbol:        w.Symbol,
		Side:          side,
		EntryPrice:    w.LastClose(),
		QualityScore:  score,
		ATRPct:        w.ATRPct(),
		FilterResults: results,
		Timestamp:     time.Now(),
	}
}
