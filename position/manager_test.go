// position/manager_test.go
package position

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"atra_engine/audit"
	"atra_engine/config"
	"atra_engine/exchange"
	"atra_engine/market"
	"atra_engine/profit"
	"atra_engine/risk"
	"atra_engine/signal"
	"atra_engine/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureNotifier struct {
	mu     sync.Mutex
	alerts []string
}

func (n *captureNotifier) Alert(title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, title+": "+message)
}

func (n *captureNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.alerts...)
}

func testLifecycleConfig() *config.LifecycleConfig {
	return &config.LifecycleConfig{
		BaseStopLossPct:      2.0,
		TP1ATRMultiplier:     1.5,
		TP2ATRMultiplier:     3.0,
		TP1MinPct:            0.5,
		TP1MaxPct:            10,
		TP2MinPct:            1,
		TP2MaxPct:            15,
		TP1CloseFraction:     0.5,
		MaxDCAEntries:        2,
		DCAStepPct:           2.0,
		DCATightenFactor:     0.9,
		TrailingActivatePct:  0.5,
		BreakevenBufferPct:   0.2,
		TrailingDistancePct:  0.8,
		MaxPlacementAttempts: 3,
		BackoffBaseMillis:    1,
	}
}

type testRig struct {
	mock     *exchange.MockClient
	store    *state.MemoryStore
	auditLog *audit.MemoryLog
	notifier *captureNotifier
	books    *profit.Accountant
	manager  *Manager
}

func newTestRig(cfg *config.LifecycleConfig) *testRig {
	rig := &testRig{
		mock:     exchange.NewMockClient(),
		store:    state.NewMemoryStore(),
		auditLog: audit.NewMemoryLog(),
		notifier: &captureNotifier{},
		books:    profit.NewAccountant(10000),
	}
	rig.manager = NewManager(cfg, rig.mock, rig.store, rig.auditLog, rig.notifier, rig.books)
	return rig
}

func testWindow(symbol string, closes ...float64) *market.Window {
	candles := make([]market.Candle, len(closes))
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		candles[i] = market.Candle{
			OpenTime: base.Add(time.Duration(i) * time.Hour),
			Open:     c, High: c * 1.01, Low: c * 0.99, Close: c,
			Volume: 1000,
		}
	}
	return &market.Window{Symbol: symbol, Timeframe: "1h", Candles: candles, FetchedAt: time.Now()}
}

func testSignal(symbol string, side market.Side, price, atrPct float64) *signal.CandidateSignal {
	return &signal.CandidateSignal{
		Symbol:       symbol,
		Side:         side,
		EntryPrice:   price,
		QualityScore: 0.8,
		ATRPct:       atrPct,
		Timestamp:    time.Now(),
	}
}

func testAdmission(qty float64) *risk.Admission {
	return &risk.Admission{ID: uuid.New().String(), RiskPct: 2.0, Qty: qty}
}

func openLong(t *testing.T, rig *testRig, symbol string, price float64) *Position {
	t.Helper()
	rig.mock.SetPrice(symbol, price)
	w := testWindow(symbol, price*0.99, price*1.005, price)
	pos, err := rig.manager.Open(context.Background(), "acct-1", testSignal(symbol, market.Long, price, 2.0), testAdmission(1.0), w)
	require.NoError(t, err)
	return pos
}

func TestOpenPlacesEntryAndProtectiveLadder(t *testing.T) {
	rig := newTestRig(testLifecycleConfig())
	pos := openLong(t, rig, "BTCUSDT", 100)

	assert.Equal(t, StateOpen, pos.State)
	assert.InDelta(t, 100, pos.AvgEntry, 1e-9)
	assert.InDelta(t, 98, pos.StopPrice, 1e-9)   // 2% base stop
	assert.InDelta(t, 103, pos.TP1Price, 1e-9)   // 2% ATR * 1.5
	assert.InDelta(t, 106, pos.TP2Price, 1e-9)   // 2% ATR * 3.0
	require.NotNil(t, pos.Orders.Stop)
	require.NotNil(t, pos.Orders.TP1)
	require.NotNil(t, pos.Orders.TP2)
	assert.InDelta(t, 2.0, pos.RiskPctUsed, 1e-9)
	assert.NotEmpty(t, pos.AdmissionID)

	open, err := rig.mock.FetchOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 3)
	assert.Len(t, rig.auditLog.ByKind(audit.KindPositionOpened), 1)
}

func TestOpenRejectsSecondPositionSameSymbol(t *testing.T) {
	rig := newTestRig(testLifecycleConfig())
	openLong(t, rig, "BTCUSDT", 100)

	w := testWindow("BTCUSDT", 99, 100)
	_, err := rig.manager.Open(context.Background(), "acct-1", testSignal("BTCUSDT", market.Long, 100, 2.0), testAdmission(1.0), w)
	assert.ErrorContains(t, err, "already active")
}

func TestDCARecomputesWeightedAverageAndLevels(t *testing.T) {
	rig := newTestRig(testLifecycleConfig())
	pos := openLong(t, rig, "BTCUSDT", 100)

	rig.mock.SetPrice("BTCUSDT", 90)
	require.NoError(t, rig.manager.AddDCA(context.Background(), pos.ID, 90, 2.0))

	assert.Equal(t, StateDCAAveraging, pos.State)
	assert.InDelta(t, 95, pos.AvgEntry, 1e-9) // (100 + 90) / 2, equal sizes
	assert.InDelta(t, 2.0, pos.Qty, 1e-9)
	// Offsets shrink by the tighten factor and re-derive from the new average.
	assert.InDelta(t, 95*(1-0.018), pos.StopPrice, 1e-6)
	assert.InDelta(t, 95*(1+0.027), pos.TP1Price, 1e-6)
	assert.InDelta(t, 95*(1+0.054), pos.TP2Price, 1e-6)
	assert.Len(t, rig.auditLog.ByKind(audit.KindPositionDCA), 1)
}

func TestDCARequiresAdversePrice(t *testing.T) {
	rig := newTestRig(testLifecycleConfig())
	pos := openLong(t, rig, "BTCUSDT", 100)

	err := rig.manager.AddDCA(context.Background(), pos.ID, 99.5, 2.0)
	assert.ErrorContains(t, err, "not adverse enough")
}

func TestDCAEntryLimit(t *testing.T) {
	cfg := testLifecycleConfig()
	cfg.MaxDCAEntries = 1
	rig := newTestRig(cfg)
	pos := openLong(t, rig, "BTCUSDT", 100)

	rig.mock.SetPrice("BTCUSDT", 95)
	require.NoError(t, rig.manager.AddDCA(context.Background(), pos.ID, 95, 2.0))

	rig.mock.SetPrice("BTCUSDT", 90)
	err := rig.manager.AddDCA(context.Background(), pos.ID, 90, 2.0)
	var v *risk.Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "max_dca", v.Rule)
}

func TestTP1PartialCloseMovesStopToBreakevenOrBetter(t *testing.T) {
	rig := newTestRig(testLifecycleConfig())
	pos := openLong(t, rig, "BTCUSDT", 100)

	rig.mock.SetPrice("BTCUSDT", 103)
	require.NoError(t, rig.manager.CheckPrice(context.Background(), pos.ID, 103))

	assert.InDelta(t, 0.5, pos.Qty, 1e-9)
	assert.InDelta(t, 1.5, pos.RealizedPnl, 1e-9) // (103-100) * 0.5
	// At +3% PnL trailing is already past its activation, so the stop lands
	// at the trailing distance, above the breakeven buffer.
	assert.Equal(t, StateTrailing, pos.State)
	assert.InDelta(t, 103*(1-0.008), pos.StopPrice, 1e-6)
	assert.Zero(t, pos.TP1Price)
	assert.Len(t, rig.auditLog.ByKind(audit.KindPositionTP1), 1)
}

func TestTrailingStopIsMonotonic(t *testing.T) {
	rig := newTestRig(testLifecycleConfig())
	pos := openLong(t, rig, "BTCUSDT", 100)

	rig.mock.SetPrice("BTCUSDT", 103)
	require.NoError(t, rig.manager.CheckPrice(context.Background(), pos.ID, 103))
	stopAfterTP1 := pos.StopPrice

	rig.mock.SetPrice("BTCUSDT", 104)
	require.NoError(t, rig.manager.CheckPrice(context.Background(), pos.ID, 104))
	stopAfterRally := pos.StopPrice
	assert.Greater(t, stopAfterRally, stopAfterTP1)
	assert.InDelta(t, 104*(1-0.008), stopAfterRally, 1e-6)

	// A pullback that does not hit the stop must never loosen it.
	rig.mock.SetPrice("BTCUSDT", 103.5)
	require.NoError(t, rig.manager.CheckPrice(context.Background(), pos.ID, 103.5))
	assert.Equal(t, stopAfterRally, pos.StopPrice)
}

func TestStopBreachClosesAndCancelsLadder(t *testing.T) {
	rig := newTestRig(testLifecycleConfig())
	pos := openLong(t, rig, "BTCUSDT", 100)

	rig.mock.SetPrice("BTCUSDT", 97.5)
	require.NoError(t, rig.manager.CheckPrice(context.Background(), pos.ID, 97.5))

	assert.Equal(t, StateClosed, pos.State)
	assert.Equal(t, "stop_loss", pos.CloseReason)
	assert.Nil(t, rig.manager.ActiveFor("acct-1", "BTCUSDT"))
	assert.InDelta(t, -2.5, rig.books.Snapshot().RealizedPnl, 1e-9)

	open, err := rig.mock.FetchOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestTP2ClosesFullRemainder(t *testing.T) {
	rig := newTestRig(testLifecycleConfig())
	pos := openLong(t, rig, "BTCUSDT", 100)

	rig.mock.SetPrice("BTCUSDT", 106.5)
	require.NoError(t, rig.manager.CheckPrice(context.Background(), pos.ID, 106.5))

	assert.Equal(t, StateClosed, pos.State)
	assert.Equal(t, "take_profit_2", pos.CloseReason)
}

func TestTP2ClosesTrailingRemainder(t *testing.T) {
	rig := newTestRig(testLifecycleConfig())
	pos := openLong(t, rig, "BTCUSDT", 100)

	// TP1 fires and leaves the remainder trailing with TP2 still resting.
	rig.mock.SetPrice("BTCUSDT", 103)
	require.NoError(t, rig.manager.CheckPrice(context.Background(), pos.ID, 103))
	require.Equal(t, StateTrailing, pos.State)

	rig.mock.SetPrice("BTCUSDT", 106.5)
	require.NoError(t, rig.manager.CheckPrice(context.Background(), pos.ID, 106.5))

	assert.Equal(t, StateClosed, pos.State)
	assert.Equal(t, "take_profit_2", pos.CloseReason)
	assert.Nil(t, rig.manager.ActiveFor("acct-1", "BTCUSDT"))

	open, err := rig.mock.FetchOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestShortLifecycleMirrorsLong(t *testing.T) {
	rig := newTestRig(testLifecycleConfig())
	rig.mock.SetPrice("ETHUSDT", 200)
	w := testWindow("ETHUSDT", 202, 201, 200)
	pos, err := rig.manager.Open(context.Background(), "acct-1", testSignal("ETHUSDT", market.Short, 200, 2.0), testAdmission(1.0), w)
	require.NoError(t, err)

	assert.InDelta(t, 204, pos.StopPrice, 1e-9)
	assert.InDelta(t, 194, pos.TP1Price, 1e-9)
	assert.InDelta(t, 188, pos.TP2Price, 1e-9)

	rig.mock.SetPrice("ETHUSDT", 205)
	require.NoError(t, rig.manager.CheckPrice(context.Background(), pos.ID, 205))
	assert.Equal(t, StateClosed, pos.State)
	assert.Equal(t, "stop_loss", pos.CloseReason)
}

func TestEntryRetryExhaustionLeavesNoPosition(t *testing.T) {
	rig := newTestRig(testLifecycleConfig())
	rig.mock.SetPrice("BTCUSDT", 100)
	rig.mock.FailNextPlacements(10)

	w := testWindow("BTCUSDT", 99, 100)
	_, err := rig.manager.Open(context.Background(), "acct-1", testSignal("BTCUSDT", market.Long, 100, 2.0), testAdmission(1.0), w)

	var ef *exchange.ExecutionFailure
	require.ErrorAs(t, err, &ef)
	assert.Nil(t, rig.manager.ActiveFor("acct-1", "BTCUSDT"))
	assert.Zero(t, rig.mock.PlacementCount())
}

func TestProtectiveFailureFlattensAndAlerts(t *testing.T) {
	rig := newTestRig(testLifecycleConfig())
	rig.mock.SetPrice("BTCUSDT", 100)
	rig.mock.SetProtectiveHardFail(true)

	w := testWindow("BTCUSDT", 99, 100)
	_, err := rig.manager.Open(context.Background(), "acct-1", testSignal("BTCUSDT", market.Long, 100, 2.0), testAdmission(1.0), w)
	require.Error(t, err)

	assert.Nil(t, rig.manager.ActiveFor("acct-1", "BTCUSDT"))
	info, _ := rig.mock.GetPositionInfo(context.Background(), "BTCUSDT")
	assert.Zero(t, info.PositionAmt) // naked quantity was flattened

	alerts := rig.notifier.all()
	require.NotEmpty(t, alerts)
	assert.True(t, strings.Contains(alerts[0], "Naked position"), "got: %v", alerts)
	assert.Len(t, rig.auditLog.ByKind(audit.KindPositionFailed), 1)
}

func TestManualCloseRecordsReason(t *testing.T) {
	rig := newTestRig(testLifecycleConfig())
	pos := openLong(t, rig, "BTCUSDT", 100)

	rig.mock.SetPrice("BTCUSDT", 101)
	require.NoError(t, rig.manager.Close(context.Background(), pos.ID, "opposite_signal"))
	assert.Equal(t, "opposite_signal", pos.CloseReason)

	// The slot frees up for a new position in the other direction.
	w := testWindow("BTCUSDT", 102, 101)
	_, err := rig.manager.Open(context.Background(), "acct-1", testSignal("BTCUSDT", market.Short, 101, 2.0), testAdmission(1.0), w)
	require.NoError(t, err)
}

func TestRestoreKeepsExchangeBackedPositions(t *testing.T) {
	rig := newTestRig(testLifecycleConfig())
	pos := openLong(t, rig, "BTCUSDT", 100)

	// Same store and exchange: the position survives a restart.
	m2 := NewManager(testLifecycleConfig(), rig.mock, rig.store, rig.auditLog, rig.notifier, rig.books)
	require.NoError(t, m2.Restore(context.Background()))
	restored := m2.ActiveFor("acct-1", "BTCUSDT")
	require.NotNil(t, restored)
	assert.Equal(t, pos.ID, restored.ID)
	assert.Equal(t, pos.StopPrice, restored.StopPrice)

	// Same store, but the exchange is flat: the position is dropped.
	m3 := NewManager(testLifecycleConfig(), exchange.NewMockClient(), rig.store, rig.auditLog, rig.notifier, rig.books)
	require.NoError(t, m3.Restore(context.Background()))
	assert.Nil(t, m3.ActiveFor("acct-1", "BTCUSDT"))
}

func TestConcurrentChecksOnDifferentSymbols(t *testing.T) {
	rig := newTestRig(testLifecycleConfig())
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	positions := make([]*Position, len(symbols))
	for i, s := range symbols {
		positions[i] = openLong(t, rig, s, 100)
	}

	// Prices stay inside the dead zone: under the 0.5% trailing activation,
	// above the stop, below TP1. No check may move any position.
	var wg sync.WaitGroup
	for round := 0; round < 20; round++ {
		for i, pos := range positions {
			wg.Add(1)
			go func(pos *Position, price float64) {
				defer wg.Done()
				_ = rig.manager.CheckPrice(context.Background(), pos.ID, price)
			}(pos, 100+float64(round%3)*0.1+float64(i)*0.01)
		}
	}
	wg.Wait()

	for _, pos := range positions {
		assert.True(t, pos.Active(), "position %s should still be active", pos.Symbol)
		assert.Equal(t, StateOpen, pos.State)
		assert.InDelta(t, 98, pos.StopPrice, 1e-9)
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	p := &Position{ID: "x", State: StateClosed}
	err := p.transition(StateOpen)
	require.Error(t, err)
	assert.Equal(t, StateClosed, p.State)
}

func TestFlattenAccountClosesEverything(t *testing.T) {
	rig := newTestRig(testLifecycleConfig())
	for _, s := range []string{"BTCUSDT", "ETHUSDT"} {
		openLong(t, rig, s, 100)
	}
	rig.manager.FlattenAccount(context.Background(), "acct-1", "emergency_stop")
	assert.Empty(t, rig.manager.ActiveAll())
}

func TestOpenPositionsSnapshotForGate(t *testing.T) {
	rig := newTestRig(testLifecycleConfig())
	openLong(t, rig, "BTCUSDT", 100)
	openLong(t, rig, "ETHUSDT", 50)

	snap := rig.manager.OpenPositions("acct-1")
	require.Len(t, snap, 2)
	for _, p := range snap {
		assert.Greater(t, p.Notional, 0.0)
		assert.Equal(t, market.Long, p.Side)
	}
	assert.Empty(t, rig.manager.OpenPositions("acct-2"))
}

func TestPeakPnlTracked(t *testing.T) {
	rig := newTestRig(testLifecycleConfig())
	pos := openLong(t, rig, "BTCUSDT", 100)
	for _, price := range []float64{100.2, 100.4, 100.3} {
		rig.mock.SetPrice("BTCUSDT", price)
		require.NoError(t, rig.manager.CheckPrice(context.Background(), pos.ID, price))
	}
	assert.InDelta(t, 0.4, pos.PeakPnlPct, 1e-9)
}

func TestRealizedForDirectionality(t *testing.T) {
	assert.InDelta(t, 5, profit.RealizedFor(true, 100, 105, 1), 1e-9)
	assert.InDelta(t, -5, profit.RealizedFor(true, 100, 95, 1), 1e-9)
	assert.InDelta(t, 5, profit.RealizedFor(false, 100, 95, 1), 1e-9)
	assert.InDelta(t, -5, profit.RealizedFor(false, 100, 105, 1), 1e-9)
}

func TestUnrealizedPnlPct(t *testing.T) {
	long := &Position{Side: market.Long, AvgEntry: 100}
	assert.InDelta(t, 3, long.UnrealizedPnlPct(103), 1e-9)
	assert.InDelta(t, -3, long.UnrealizedPnlPct(97), 1e-9)

	short := &Position{Side: market.Short, AvgEntry: 100}
	assert.InDelta(t, 3, short.UnrealizedPnlPct(97), 1e-9)
}
