// profit/accounting.go
package profit

import (
	"sync"
	"time"

	"atra_engine/logs"

	"github.com/shopspring/decimal"
)

// Accountant tracks realized PnL and equity for one account. All money math
// runs on decimals; float equity only crosses the boundary at Snapshot time.
//
// The accountant feeds the risk monitor: drawdown is measured against the
// peak equity high-water mark, and the daily realized loss resets at UTC
// midnight.
type Accountant struct {
	mu sync.Mutex

	initialEquity decimal.Decimal
	realizedPnl   decimal.Decimal
	peakEquity    decimal.Decimal

	dailyPnl decimal.Decimal
	dailyDay string // UTC date the dailyPnl belongs to

	now func() time.Time
}

// Snapshot is the accountant state handed to the risk monitor.
type Snapshot struct {
	Equity       float64
	RealizedPnl  float64
	DailyPnl     float64
	DrawdownPct  float64
	DailyLossPct float64
}

func NewAccountant(initialEquity float64) *Accountant {
	eq := decimal.NewFromFloat(initialEquity)
	return &Accountant{
		initialEquity: eq,
		peakEquity:    eq,
		now:           time.Now,
	}
}

// RecordRealized books a realized PnL delta (partial or full close).
func (a *Accountant) RecordRealized(pnl float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.rollDayLocked()
	d := decimal.NewFromFloat(pnl)
	a.realizedPnl = a.realizedPnl.Add(d)
	a.dailyPnl = a.dailyPnl.Add(d)

	equity := a.initialEquity.Add(a.realizedPnl)
	if equity.GreaterThan(a.peakEquity) {
		a.peakEquity = equity
	}
	logs.Infof("[Profit] realized %s, equity %s (peak %s)",
		d.StringFixed(4), equity.StringFixed(4), a.peakEquity.StringFixed(4))
}

// Snapshot returns current equity, drawdown from the peak and the daily loss
// as percentages. Drawdown and daily loss are reported as positive numbers.
func (a *Accountant) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.rollDayLocked()
	equity := a.initialEquity.Add(a.realizedPnl)

	var drawdownPct decimal.Decimal
	if a.peakEquity.IsPositive() && equity.LessThan(a.peakEquity) {
		drawdownPct = a.peakEquity.Sub(equity).Div(a.peakEquity).Mul(decimal.NewFromInt(100))
	}

	var dailyLossPct decimal.Decimal
	if a.dailyPnl.IsNegative() && a.initialEquity.IsPositive() {
		dailyLossPct = a.dailyPnl.Neg().Div(a.initialEquity).Mul(decimal.NewFromInt(100))
	}

	eqF, _ := equity.Float64()
	realF, _ := a.realizedPnl.Float64()
	dailyF, _ := a.dailyPnl.Float64()
	ddF, _ := drawdownPct.Float64()
	dlF, _ := dailyLossPct.Float64()
	return Snapshot{
		Equity:       eqF,
		RealizedPnl:  realF,
		DailyPnl:     dailyF,
		DrawdownPct:  ddF,
		DailyLossPct: dlF,
	}
}

// Equity returns current equity as a float for position sizing.
func (a *Accountant) Equity() float64 {
	return a.Snapshot().Equity
}

// PeakEquity returns the equity high-water mark.
func (a *Accountant) PeakEquity() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out, _ := a.peakEquity.Float64()
	return out
}

// Restore reloads persisted realized PnL after a restart.
func (a *Accountant) Restore(realizedPnl, peakEquity float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.realizedPnl = decimal.NewFromFloat(realizedPnl)
	peak := decimal.NewFromFloat(peakEquity)
	if peak.GreaterThan(a.peakEquity) {
		a.peakEquity = peak
	}
}

// rollDayLocked resets the daily bucket when the UTC date changes.
func (a *Accountant) rollDayLocked() {
	day := a.now().UTC().Format("2006-01-02")
	if day != a.dailyDay {
		if a.dailyDay != "" {
			logs.Infof("[Profit] daily PnL rollover: %s closed at %s", a.dailyDay, a.dailyPnl.StringFixed(4))
		}
		a.dailyDay = day
		a.dailyPnl = decimal.Zero
	}
}

// RealizedFor computes realized PnL for closing qty at exitPrice against
// avgEntry. Long profits when exit > entry, short when exit < entry.
func RealizedFor(isLong bool, avgEntry, exitPrice, qty float64) float64 {
	entry := decimal.NewFromFloat(avgEntry)
	exit := decimal.NewFromFloat(exitPrice)
	q := decimal.NewFromFloat(qty)
	var diff decimal.Decimal
	if isLong {
		diff = exit.Sub(entry)
	} else {
		diff = entry.Sub(exit)
	}
	out, _ := diff.Mul(q).Float64()
	return out
}
