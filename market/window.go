// market/window.go
package market

import (
	"errors"
	"time"
)

// ErrDataUnavailable is returned when a market data source cannot produce a
// window (network failure, unknown symbol, not enough history). Callers on
// the filter path must treat it as fail-open, never fail-closed.
var ErrDataUnavailable = errors.New("market data unavailable")

// Side is the candidate trade direction.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Candle is a single OHLCV bar.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Indicators carries precomputed indicator series aligned with the candle
// slice. A nil/short series means the indicator could not be computed.
type Indicators struct {
	EMAFast   []float64 // EMA(9)
	EMASlow   []float64 // EMA(21)
	RSI       []float64 // RSI(14)
	MACD      []float64
	MACDSig   []float64
	BBUpper   []float64
	BBLower   []float64
	ATR       []float64 // ATR(14)
	VolumeSMA []float64 // SMA(20) of volume
}

// Window is an immutable snapshot of one symbol/timeframe: OHLCV plus
// precomputed indicators. Filters only ever read it.
type Window struct {
	Symbol    string
	Timeframe string
	Candles   []Candle
	Ind       Indicators
	FetchedAt time.Time
}

// Len returns the number of candles in the window.
func (w *Window) Len() int { return len(w.Candles) }

// Last returns the most recent candle. ok is false for an empty window.
func (w *Window) Last() (Candle, bool) {
	if len(w.Candles) == 0 {
		return Candle{}, false
	}
	return w.Candles[len(w.Candles)-1], true
}

// LastClose returns the latest close price, or 0 for an empty window.
func (w *Window) LastClose() float64 {
	c, ok := w.Last()
	if !ok {
		return 0
	}
	return c.Close
}

// ATRPct returns the latest ATR as a percentage of the last close.
// Returns 0 when ATR is not available.
func (w *Window) ATRPct() float64 {
	n := len(w.Ind.ATR)
	close := w.LastClose()
	if n == 0 || close <= 0 {
		return 0
	}
	return w.Ind.ATR[n-1] / close * 100
}

// Returns computes simple close-to-close returns over the window. Used by the
// risk gate for pairwise correlation.
func (w *Window) Returns() []float64 {
	if len(w.Candles) < 2 {
		return nil
	}
	out := make([]float64, 0, len(w.Candles)-1)
	for i := 1; i < len(w.Candles); i++ {
		prev := w.Candles[i-1].Close
		if prev == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (w.Candles[i].Close-prev)/prev)
	}
	return out
}
