// risk/gate_test.go
package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"atra_engine/config"
	"atra_engine/market"
	"atra_engine/signal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPortfolio struct {
	mu        sync.Mutex
	positions []OpenPosition
}

func (s *stubPortfolio) OpenPositions(accountID string) []OpenPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OpenPosition(nil), s.positions...)
}

func testRiskConfig() *config.RiskConfig {
	return &config.RiskConfig{
		MaxConcurrentPositions: 3,
		MaxCorrelation:         0.7,
		MaxExposurePct:         50,
		BaseRiskPct:            2.0,
		MaxRiskPct:             5.0,
		ZeroAllocationHalt:     3,
	}
}

func testSizingConfig() *config.LifecycleConfig {
	return &config.LifecycleConfig{BaseStopLossPct: 2.0}
}

func candidate(symbol string, atrPct float64) *signal.CandidateSignal {
	return &signal.CandidateSignal{
		Symbol:       symbol,
		Side:         market.Long,
		EntryPrice:   100,
		QualityScore: 0.9,
		ATRPct:       atrPct,
		Timestamp:    time.Now(),
	}
}

func trendingReturns(n int, slope float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = slope * float64(i%5)
	}
	return out
}

func TestAdmitSizesFromDynamicRisk(t *testing.T) {
	gate := NewGate(testRiskConfig(), testSizingConfig(), &stubPortfolio{}, NewFlagSet())

	adm, err := gate.Admit(context.Background(), "acct-1", candidate("BTCUSDT", 2.0), nil, 10000)
	require.NoError(t, err)
	// At 2% ATR the base risk applies unchanged: 2% of 10k over a 2% stop.
	assert.InDelta(t, 2.0, adm.RiskPct, 1e-9)
	assert.InDelta(t, 5000, adm.Notional, 1e-6) // capped at 50% exposure
	assert.InDelta(t, 50, adm.Qty, 1e-6)
}

func TestAdmitReducesRiskInVolatileMarkets(t *testing.T) {
	gate := NewGate(testRiskConfig(), testSizingConfig(), &stubPortfolio{}, NewFlagSet())

	calm, err := gate.Admit(context.Background(), "a1", candidate("BTCUSDT", 2.0), nil, 10000)
	require.NoError(t, err)
	wild, err := gate.Admit(context.Background(), "a2", candidate("BTCUSDT", 6.0), nil, 10000)
	require.NoError(t, err)
	assert.Less(t, wild.RiskPct, calm.RiskPct)
	// 2% * (1 - (6-2)*0.1) = 1.2%
	assert.InDelta(t, 1.2, wild.RiskPct, 1e-9)
}

func TestAdmitRejectsAtConcurrencyLimit(t *testing.T) {
	portfolio := &stubPortfolio{positions: []OpenPosition{
		{Symbol: "AUSDT", Notional: 100},
		{Symbol: "BUSDT", Notional: 100},
		{Symbol: "CUSDT", Notional: 100},
	}}
	gate := NewGate(testRiskConfig(), testSizingConfig(), portfolio, NewFlagSet())

	// A perfect-quality candidate is still rejected: limits bind regardless
	// of signal strength.
	sig := candidate("DUSDT", 2.0)
	sig.QualityScore = 1.0
	_, err := gate.Admit(context.Background(), "acct-1", sig, nil, 10000)
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "max_concurrent", v.Rule)
}

func TestAdmitRejectsCorrelatedCandidate(t *testing.T) {
	shared := trendingReturns(40, 0.01)
	portfolio := &stubPortfolio{positions: []OpenPosition{
		{Symbol: "ETHUSDT", Notional: 100, Returns: shared},
	}}
	gate := NewGate(testRiskConfig(), testSizingConfig(), portfolio, NewFlagSet())

	_, err := gate.Admit(context.Background(), "acct-1", candidate("BTCUSDT", 2.0), shared, 10000)
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "correlation", v.Rule)
}

func TestAdmitBlockedWhileHalted(t *testing.T) {
	flags := NewFlagSet()
	gate := NewGate(testRiskConfig(), testSizingConfig(), &stubPortfolio{}, flags)
	flags.For("acct-1").Escalate(LevelHalted, "drawdown stop")

	_, err := gate.Admit(context.Background(), "acct-1", candidate("BTCUSDT", 2.0), nil, 10000)
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "account_state", v.Rule)

	// Other accounts keep trading.
	_, err = gate.Admit(context.Background(), "acct-2", candidate("BTCUSDT", 2.0), nil, 10000)
	assert.NoError(t, err)

	// Only an explicit reset reopens the account.
	flags.For("acct-1").Reset()
	_, err = gate.Admit(context.Background(), "acct-1", candidate("BTCUSDT", 2.0), nil, 10000)
	assert.NoError(t, err)
}

func TestWarningBlocksAdmissionLikeHalted(t *testing.T) {
	flags := NewFlagSet()
	gate := NewGate(testRiskConfig(), testSizingConfig(), &stubPortfolio{}, flags)
	flags.For("acct-1").Escalate(LevelWarning, "drawdown warning")

	// WARNING only relaxes through an explicit reset, so it blocks new
	// entries exactly like HALTED.
	_, err := gate.Admit(context.Background(), "acct-1", candidate("BTCUSDT", 2.0), nil, 10000)
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "account_state", v.Rule)

	flags.For("acct-1").Reset()
	adm, err := gate.Admit(context.Background(), "acct-1", candidate("BTCUSDT", 2.0), nil, 10000)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, adm.RiskPct, 1e-9)
}

func TestAdmitRejectsWhenExposureCapReached(t *testing.T) {
	portfolio := &stubPortfolio{positions: []OpenPosition{
		{Symbol: "ETHUSDT", Notional: 3000},
	}}
	gate := NewGate(testRiskConfig(), testSizingConfig(), portfolio, NewFlagSet())

	// The candidate sizes to 5000 (50% cap); 3000 already deployed pushes
	// the total to 80% of equity.
	_, err := gate.Admit(context.Background(), "acct-1", candidate("BTCUSDT", 2.0), nil, 10000)
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "max_exposure", v.Rule)
}

func TestConcurrentAdmissionsRespectExposureCap(t *testing.T) {
	cfg := testRiskConfig()
	cfg.MaxConcurrentPositions = 5
	gate := NewGate(cfg, testSizingConfig(), &stubPortfolio{}, NewFlagSet())

	// Each admission reserves the full 50% exposure cap, so of two
	// near-simultaneous signals exactly one may pass.
	symbols := []string{"BTCUSDT", "ETHUSDT"}
	var admitted int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			if _, err := gate.Admit(context.Background(), "acct-1", candidate(symbol, 2.0), nil, 10000); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(symbol)
	}
	wg.Wait()
	assert.EqualValues(t, 1, admitted)
}

func TestConcurrentAdmissionsFillExactlyTheFreeSlots(t *testing.T) {
	cfg := testRiskConfig()
	cfg.MaxConcurrentPositions = 1
	gate := NewGate(cfg, testSizingConfig(), &stubPortfolio{}, NewFlagSet())

	var admitted int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sig := candidate("BTCUSDT", 2.0)
			if _, err := gate.Admit(context.Background(), "acct-1", sig, nil, 10000); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, admitted)
}

func TestReleaseFreesReservedSlot(t *testing.T) {
	cfg := testRiskConfig()
	cfg.MaxConcurrentPositions = 1
	gate := NewGate(cfg, testSizingConfig(), &stubPortfolio{}, NewFlagSet())

	adm, err := gate.Admit(context.Background(), "acct-1", candidate("BTCUSDT", 2.0), nil, 10000)
	require.NoError(t, err)

	_, err = gate.Admit(context.Background(), "acct-1", candidate("ETHUSDT", 2.0), nil, 10000)
	require.Error(t, err)

	gate.Release("acct-1", adm.ID)
	_, err = gate.Admit(context.Background(), "acct-1", candidate("ETHUSDT", 2.0), nil, 10000)
	assert.NoError(t, err)
}

func TestZeroAllocationStreakHaltsAccount(t *testing.T) {
	flags := NewFlagSet()
	gate := NewGate(testRiskConfig(), testSizingConfig(), &stubPortfolio{}, flags)

	for i := 0; i < 3; i++ {
		_, err := gate.Admit(context.Background(), "acct-1", candidate("BTCUSDT", 2.0), nil, 0)
		var v *Violation
		require.ErrorAs(t, err, &v)
		assert.Equal(t, "zero_allocation", v.Rule)
	}
	assert.Equal(t, LevelHalted, flags.For("acct-1").Level())
}

func TestCorrelationHelpers(t *testing.T) {
	a := trendingReturns(30, 0.01)
	inv := make([]float64, len(a))
	for i, v := range a {
		inv[i] = -v
	}
	assert.InDelta(t, 1.0, Correlation(a, a), 1e-9)
	assert.InDelta(t, -1.0, Correlation(a, inv), 1e-9)
	assert.Zero(t, Correlation(a[:3], a[:3])) // too short to trust

	symbol, worst := MaxAbsCorrelation(a, map[string][]float64{"X": inv, "Y": make([]float64, 30)})
	assert.Equal(t, "X", symbol)
	assert.InDelta(t, 1.0, worst, 1e-9)
}
