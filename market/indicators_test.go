// market/indicators_test.go
package market

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func risingCandles(n int) []Candle {
	out := make([]Candle, n)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	price := 100.0
	for i := range out {
		price += 0.5
		out[i] = Candle{
			OpenTime: base.Add(time.Duration(i) * time.Hour),
			Open:     price - 0.5, High: price + 0.3, Low: price - 0.8, Close: price,
			Volume: 1000,
		}
	}
	return out
}

func TestComputeIndicatorsAlignment(t *testing.T) {
	candles := risingCandles(60)
	ind := computeIndicators(candles)

	for name, series := range map[string][]float64{
		"ema_fast": ind.EMAFast, "ema_slow": ind.EMASlow, "rsi": ind.RSI,
		"macd": ind.MACD, "macd_sig": ind.MACDSig,
		"bb_upper": ind.BBUpper, "bb_lower": ind.BBLower,
		"atr": ind.ATR, "volume_sma": ind.VolumeSMA,
	} {
		assert.Len(t, series, len(candles), "series %s must align with candles", name)
		assert.False(t, math.IsNaN(series[len(series)-1]), "series %s must be warm at the tail", name)
	}
}

func TestComputeIndicatorsOnTrend(t *testing.T) {
	ind := computeIndicators(risingCandles(60))
	last := len(ind.RSI) - 1

	// A steadily rising series reads bullish.
	assert.Greater(t, ind.RSI[last], 50.0)
	assert.Greater(t, ind.EMAFast[last], ind.EMASlow[last])
	assert.Greater(t, ind.ATR[last], 0.0)
	assert.Greater(t, ind.BBUpper[last], ind.BBLower[last])
	assert.InDelta(t, 1000, ind.VolumeSMA[last], 1e-9)
}

func TestIndicatorWarmupIsNaN(t *testing.T) {
	ind := computeIndicators(risingCandles(60))
	require.NotEmpty(t, ind.RSI)
	assert.True(t, math.IsNaN(ind.RSI[0]))
	assert.True(t, math.IsNaN(ind.BBUpper[0]))
}
