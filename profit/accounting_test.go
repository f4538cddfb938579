// profit/accounting_test.go
package profit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDrawdownMeasuredFromPeak(t *testing.T) {
	a := NewAccountant(10000)

	a.RecordRealized(-500)
	snap := a.Snapshot()
	assert.InDelta(t, 9500, snap.Equity, 1e-9)
	assert.InDelta(t, 5.0, snap.DrawdownPct, 1e-9)
	assert.InDelta(t, 5.0, snap.DailyLossPct, 1e-9)

	// Recovery past the old peak sets a new high-water mark.
	a.RecordRealized(1500)
	snap = a.Snapshot()
	assert.InDelta(t, 11000, snap.Equity, 1e-9)
	assert.InDelta(t, 0.0, snap.DrawdownPct, 1e-9)
	assert.InDelta(t, 11000, a.PeakEquity(), 1e-9)

	// Drawdown is now measured against the new peak, not the initial equity.
	a.RecordRealized(-1100)
	snap = a.Snapshot()
	assert.InDelta(t, 9900, snap.Equity, 1e-9)
	assert.InDelta(t, 10.0, snap.DrawdownPct, 1e-9)
}

func TestDailyLossResetsAtUTCMidnight(t *testing.T) {
	a := NewAccountant(10000)
	clock := time.Date(2025, 6, 1, 23, 50, 0, 0, time.UTC)
	a.now = func() time.Time { return clock }

	a.RecordRealized(-800)
	snap := a.Snapshot()
	assert.InDelta(t, 8.0, snap.DailyLossPct, 1e-9)

	clock = clock.Add(20 * time.Minute) // crosses midnight
	snap = a.Snapshot()
	assert.InDelta(t, 0.0, snap.DailyPnl, 1e-9)
	assert.InDelta(t, 0.0, snap.DailyLossPct, 1e-9)
	// Cumulative realized PnL and drawdown are unaffected by the rollover.
	assert.InDelta(t, -800, snap.RealizedPnl, 1e-9)
	assert.InDelta(t, 8.0, snap.DrawdownPct, 1e-9)
}

func TestDailyGainNeverReportsAsLoss(t *testing.T) {
	a := NewAccountant(10000)
	a.RecordRealized(300)
	snap := a.Snapshot()
	assert.InDelta(t, 0.0, snap.DailyLossPct, 1e-9)
	assert.InDelta(t, 300, snap.DailyPnl, 1e-9)
}

func TestRestoreReloadsPersistedBooks(t *testing.T) {
	a := NewAccountant(10000)
	a.Restore(-250, 10400)

	snap := a.Snapshot()
	assert.InDelta(t, 9750, snap.Equity, 1e-9)
	assert.InDelta(t, 10400, a.PeakEquity(), 1e-9)
	// Restored losses belong to a previous day, not today's bucket.
	assert.InDelta(t, 0.0, snap.DailyLossPct, 1e-9)
}

func TestRealizedForDirections(t *testing.T) {
	assert.InDelta(t, 50, RealizedFor(true, 100, 110, 5), 1e-9)
	assert.InDelta(t, -50, RealizedFor(true, 100, 90, 5), 1e-9)
	assert.InDelta(t, 50, RealizedFor(false, 100, 90, 5), 1e-9)
	assert.InDelta(t, -50, RealizedFor(false, 100, 110, 5), 1e-9)
}
