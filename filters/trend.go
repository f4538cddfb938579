// filters/trend.go
package filters

import (
	"context"
	"fmt"
	"math"

	"atra_engine/market"
	"atra_engine/utils"
)

// TrendAlignmentFilter compares the candidate's direction against the trend
// of a higher-cap reference asset (typically BTC): altcoin entries against
// the reference trend have poor expectancy. The reference window comes
// through the injected provider, which the caller normally wraps with its
// own TTL cache so one sweep across many symbols fetches the reference once.
type TrendAlignmentFilter struct {
	provider  market.Provider
	refSymbol string
	timeframe string
}

func NewTrendAlignmentFilter(provider market.Provider, refSymbol, timeframe string) *TrendAlignmentFilter {
	return &TrendAlignmentFilter{provider: provider, refSymbol: refSymbol, timeframe: timeframe}
}

func (f *TrendAlignmentFilter) ID() string { return "trend_alignment" }

func (f *TrendAlignmentFilter) Check(ctx context.Context, w *market.Window, side market.Side) (Result, error) {
	if w.Symbol == f.refSymbol {
		// The reference asset is trivially aligned with itself.
		return Result{Passed: true, Confidence: 0.5}, nil
	}

	ref, err := f.provider.GetWindow(ctx, f.refSymbol, f.timeframe)
	if err != nil {
		return Result{}, fmt.Errorf("reference window %s: %w", f.refSymbol, err)
	}

	fast, err := lastValid(ref.Ind.EMAFast)
	if err != nil {
		return Result{}, err
	}
	slow, err := lastValid(ref.Ind.EMASlow)
	if err != nil {
		return Result{}, err
	}
	if slow == 0 {
		return Result{}, fmt.Errorf("%w: zero reference EMA", market.ErrDataUnavailable)
	}

	refTrendPct := (fast - slow) / slow * 100
	aligned := (side == market.Long && refTrendPct >= 0) || (side == market.Short && refTrendPct <= 0)
	if !aligned {
		return Result{
			Passed: false,
			Reason: fmt.Sprintf("%s trend %.3f%% against %s entry", f.refSymbol, refTrendPct, side),
		}, nil
	}
	return Result{Passed: true, Confidence: utils.Clamp(math.Abs(refTrendPct), 0, 1)}, nil
}
