// risk/correlation.go
package risk

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// minCorrelationSamples is the shortest return series worth correlating.
// Below this the estimate is noise, so the check is skipped for that pair.
const minCorrelationSamples = 10

// Correlation computes the Pearson correlation of two return series. The
// series are truncated to their common length. Returns 0 when there is not
// enough overlap or either series is degenerate.
func Correlation(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < minCorrelationSamples {
		return 0
	}
	a = a[len(a)-n:]
	b = b[len(b)-n:]
	c := stat.Correlation(a, b, nil)
	if math.IsNaN(c) {
		return 0
	}
	return c
}

// MaxAbsCorrelation returns the highest absolute correlation between the
// candidate returns and any of the open series, along with the symbol it
// came from.
func MaxAbsCorrelation(candidate []float64, open map[string][]float64) (string, float64) {
	var worstSymbol string
	var worst float64
	for symbol, returns := range open {
		c := math.Abs(Correlation(candidate, returns))
		if c > worst {
			worst = c
			worstSymbol = symbol
		}
	}
	return worstSymbol, worst
}
