// filters/technical.go
package filters

import (
	"context"
	"fmt"
	"math"

	"atra_engine/market"
	"atra_engine/utils"
)

// lastValid returns the latest non-NaN value of an indicator series.
func lastValid(series []float64) (float64, error) {
	if len(series) == 0 {
		return 0, fmt.Errorf("%w: indicator series empty", market.ErrDataUnavailable)
	}
	v := series[len(series)-1]
	if math.IsNaN(v) {
		return 0, fmt.Errorf("%w: indicator not warmed up", market.ErrDataUnavailable)
	}
	return v, nil
}

// RSIFilter blocks entries into overbought longs and oversold shorts.
type RSIFilter struct {
	Overbought float64 // e.g. 70
	Oversold   float64 // e.g. 30
}

func NewRSIFilter() *RSIFilter {
	return &RSIFilter{Overbought: 70, Oversold: 30}
}

func (f *RSIFilter) ID() string { return "rsi" }

func (f *RSIFilter) Check(ctx context.Context, w *market.Window, side market.Side) (Result, error) {
	rsi, err := lastValid(w.Ind.RSI)
	if err != nil {
		return Result{}, err
	}

	if side == market.Long {
		if rsi >= f.Overbought {
			return Result{Passed: false, Reason: fmt.Sprintf("RSI %.1f overbought (>= %.0f)", rsi, f.Overbought)}, nil
		}
		// More headroom below overbought means a stronger long setup.
		conf := utils.Clamp((f.Overbought-rsi)/f.Overbought, 0, 1)
		return Result{Passed: true, Confidence: conf}, nil
	}

	if rsi <= f.Oversold {
		return Result{Passed: false, Reason: fmt.Sprintf("RSI %.1f oversold (<= %.0f)", rsi, f.Oversold)}, nil
	}
	conf := utils.Clamp((rsi-f.Oversold)/(100-f.Oversold), 0, 1)
	return Result{Passed: true, Confidence: conf}, nil
}

// EMATrendFilter requires the fast EMA to sit on the signal side of the slow
// EMA.
type EMATrendFilter struct{}

func NewEMATrendFilter() *EMATrendFilter { return &EMATrendFilter{} }

func (f *EMATrendFilter) ID() string { return "ema_trend" }

func (f *EMATrendFilter) Check(ctx context.Context, w *market.Window, side market.Side) (Result, error) {
	fast, err := lastValid(w.Ind.EMAFast)
	if err != nil {
		return Result{}, err
	}
	slow, err := lastValid(w.Ind.EMASlow)
	if err != nil {
		return Result{}, err
	}
	if slow == 0 {
		return Result{}, fmt.Errorf("%w: zero slow EMA", market.ErrDataUnavailable)
	}

	spreadPct := (fast - slow) / slow * 100
	aligned := (side == market.Long && spreadPct > 0) || (side == market.Short && spreadPct < 0)
	if !aligned {
		return Result{Passed: false, Reason: fmt.Sprintf("EMA spread %.3f%% against %s", spreadPct, side)}, nil
	}
	// A 1% spread between the EMAs already counts as full conviction.
	conf := utils.Clamp(math.Abs(spreadPct), 0, 1)
	return Result{Passed: true, Confidence: conf}, nil
}

// MACDFilter requires the MACD line on the signal side of its signal line.
type MACDFilter struct{}

func NewMACDFilter() *MACDFilter { return &MACDFilter{} }

func (f *MACDFilter) ID() string { return "macd" }

func (f *MACDFilter) Check(ctx context.Context, w *market.Window, side market.Side) (Result, error) {
	macd, err := lastValid(w.Ind.MACD)
	if err != nil {
		return Result{}, err
	}
	sig, err := lastValid(w.Ind.MACDSig)
	if err != nil {
		return Result{}, err
	}

	hist := macd - sig
	aligned := (side == market.Long && hist > 0) || (side == market.Short && hist < 0)
	if !aligned {
		return Result{Passed: false, Reason: fmt.Sprintf("MACD histogram %.5f against %s", hist, side)}, nil
	}

	// Normalize histogram by price so confidence is symbol-agnostic.
	price := w.LastClose()
	if price <= 0 {
		return Result{}, fmt.Errorf("%w: zero close price", market.ErrDataUnavailable)
	}
	conf := utils.Clamp(math.Abs(hist)/price*1000, 0, 1)
	return Result{Passed: true, Confidence: conf}, nil
}

// BollingerFilter rejects entries chasing a move that already pierced the
// opposite band.
type BollingerFilter struct{}

func NewBollingerFilter() *BollingerFilter { return &BollingerFilter{} }

func (f *BollingerFilter) ID() string { return "bollinger" }

func (f *BollingerFilter) Check(ctx context.Context, w *market.Window, side market.Side) (Result, error) {
	upper, err := lastValid(w.Ind.BBUpper)
	if err != nil {
		return Result{}, err
	}
	lower, err := lastValid(w.Ind.BBLower)
	if err != nil {
		return Result{}, err
	}
	price := w.LastClose()
	if price <= 0 || upper <= lower {
		return Result{}, fmt.Errorf("%w: degenerate bollinger band", market.ErrDataUnavailable)
	}

	if side == market.Long && price >= upper {
		return Result{Passed: false, Reason: fmt.Sprintf("price %.4f above upper band %.4f", price, upper)}, nil
	}
	if side == market.Short && price <= lower {
		return Result{Passed: false, Reason: fmt.Sprintf("price %.4f below lower band %.4f", price, lower)}, nil
	}

	// Confidence grows with distance from the adverse band.
	width := upper - lower
	var dist float64
	if side == market.Long {
		dist = (upper - price) / width
	} else {
		dist = (price - lower) / width
	}
	return Result{Passed: true, Confidence: utils.Clamp(dist, 0, 1)}, nil
}

// VolumeFilter requires the latest bar's volume to confirm participation.
type VolumeFilter struct {
	MinRatio float64 // latest volume / SMA(volume), e.g. 0.8
}

func NewVolumeFilter() *VolumeFilter { return &VolumeFilter{MinRatio: 0.8} }

func (f *VolumeFilter) ID() string { return "volume" }

func (f *VolumeFilter) Check(ctx context.Context, w *market.Window, side market.Side) (Result, error) {
	avg, err := lastValid(w.Ind.VolumeSMA)
	if err != nil {
		return Result{}, err
	}
	last, ok := w.Last()
	if !ok || avg <= 0 {
		return Result{}, fmt.Errorf("%w: no volume baseline", market.ErrDataUnavailable)
	}

	ratio := last.Volume / avg
	if ratio < f.MinRatio {
		return Result{Passed: false, Reason: fmt.Sprintf("volume ratio %.2f below %.2f", ratio, f.MinRatio)}, nil
	}
	// Ratio 2x or better counts as full conviction.
	conf := utils.Clamp((ratio-f.MinRatio)/(2-f.MinRatio), 0, 1)
	return Result{Passed: true, Confidence: conf}, nil
}
