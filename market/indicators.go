// market/indicators.go
package market

import "math"

// Indicator parameters follow the defaults the evaluator was tuned against.
const (
	emaFastPeriod = 9
	emaSlowPeriod = 21
	rsiPeriod     = 14
	atrPeriod     = 14
	bbPeriod      = 20
	bbStdDev      = 2.0
	volSMAPeriod  = 20
	macdFast      = 12
	macdSlow      = 26
	macdSignal    = 9
)

// computeIndicators fills an Indicators struct from raw candles. Series are
// aligned with the candle slice; warm-up entries hold NaN so consumers can
// detect missing values explicitly.
func computeIndicators(candles []Candle) Indicators {
	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		volumes[i] = c.Volume
	}

	macd, sig := macdSeries(closes)
	upper, lower := bollinger(closes)
	return Indicators{
		EMAFast:   ema(closes, emaFastPeriod),
		EMASlow:   ema(closes, emaSlowPeriod),
		RSI:       rsi(closes, rsiPeriod),
		MACD:      macd,
		MACDSig:   sig,
		BBUpper:   upper,
		BBLower:   lower,
		ATR:       atr(candles, atrPeriod),
		VolumeSMA: sma(volumes, volSMAPeriod),
	}
}

func ema(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if len(values) < period {
		return out
	}
	var seed float64
	for i := 0; i < period; i++ {
		seed += values[i]
	}
	prev := seed / float64(period)
	out[period-1] = prev
	k := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		prev = values[i]*k + prev*(1-k)
		out[i] = prev
	}
	return out
}

func sma(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if len(values) < period {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

func rsi(closes []float64, period int) []float64 {
	out := nanSlice(len(closes))
	if len(closes) <= period {
		return out
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	out[period] = rsiValue(avgGain, avgLoss)
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

func atr(candles []Candle, period int) []float64 {
	out := nanSlice(len(candles))
	if len(candles) <= period {
		return out
	}
	trs := make([]float64, len(candles))
	trs[0] = candles[0].High - candles[0].Low
	for i := 1; i < len(candles); i++ {
		h, l, pc := candles[i].High, candles[i].Low, candles[i-1].Close
		trs[i] = math.Max(h-l, math.Max(math.Abs(h-pc), math.Abs(l-pc)))
	}
	var seed float64
	for i := 1; i <= period; i++ {
		seed += trs[i]
	}
	prev := seed / float64(period)
	out[period] = prev
	for i := period + 1; i < len(candles); i++ {
		prev = (prev*float64(period-1) + trs[i]) / float64(period)
		out[i] = prev
	}
	return out
}

func macdSeries(closes []float64) (macd, signal []float64) {
	fast := ema(closes, macdFast)
	slow := ema(closes, macdSlow)
	macd = nanSlice(len(closes))
	for i := range closes {
		if !math.IsNaN(fast[i]) && !math.IsNaN(slow[i]) {
			macd[i] = fast[i] - slow[i]
		}
	}
	// Signal line: EMA over the defined portion of the MACD series.
	signal = nanSlice(len(closes))
	start := -1
	for i, v := range macd {
		if !math.IsNaN(v) {
			start = i
			break
		}
	}
	if start < 0 || len(macd)-start < macdSignal {
		return macd, signal
	}
	sub := ema(macd[start:], macdSignal)
	for i, v := range sub {
		signal[start+i] = v
	}
	return macd, signal
}

func bollinger(closes []float64) (upper, lower []float64) {
	mid := sma(closes, bbPeriod)
	upper = nanSlice(len(closes))
	lower = nanSlice(len(closes))
	for i := bbPeriod - 1; i < len(closes); i++ {
		var variance float64
		for j := i - bbPeriod + 1; j <= i; j++ {
			d := closes[j] - mid[i]
			variance += d * d
		}
		sd := math.Sqrt(variance / float64(bbPeriod))
		upper[i] = mid[i] + bbStdDev*sd
		lower[i] = mid[i] - bbStdDev*sd
	}
	return upper, lower
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
