// risk/gate.go
package risk

import (
	"context"
	"fmt"
	"sync"

	"atra_engine/config"
	"atra_engine/logs"
	"atra_engine/market"
	"atra_engine/signal"
	"atra_engine/utils"

	"github.com/google/uuid"
)

// OpenPosition is the gate's view of one live position, supplied by the
// lifecycle manager.
type OpenPosition struct {
	Symbol   string
	Side     market.Side
	Notional float64
	Returns  []float64
}

// PortfolioSource reports the live positions for an account. The gate always
// reads a fresh snapshot at admission time rather than caching one.
type PortfolioSource interface {
	OpenPositions(accountID string) []OpenPosition
}

// Admission is a granted entry slot. It counts against concurrency and
// exposure limits until the manager commits or releases it, so two
// concurrent admissions cannot both squeeze through the last slot.
type Admission struct {
	ID       string
	Symbol   string
	RiskPct  float64
	Notional float64
	Qty      float64
}

type reservation struct {
	symbol   string
	notional float64
}

// Gate is the portfolio risk gate. Admit runs the full read-check-reserve
// sequence under a per-account lock, so admissions for one account are
// strictly serialized while accounts never block each other.
type Gate struct {
	cfg       *config.RiskConfig
	sizingCfg *config.LifecycleConfig
	portfolio PortfolioSource
	flags     *FlagSet

	mu        sync.Mutex
	accountMu map[string]*sync.Mutex
	reserved  map[string]map[string]reservation // accountID -> admissionID -> reservation
	zeroAlloc map[string]int                    // consecutive zero-size admissions
}

func NewGate(cfg *config.RiskConfig, sizingCfg *config.LifecycleConfig, portfolio PortfolioSource, flags *FlagSet) *Gate {
	return &Gate{
		cfg:       cfg,
		sizingCfg: sizingCfg,
		portfolio: portfolio,
		flags:     flags,
		accountMu: make(map[string]*sync.Mutex),
		reserved:  make(map[string]map[string]reservation),
		zeroAlloc: make(map[string]int),
	}
}

func (g *Gate) lockFor(accountID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	mu, ok := g.accountMu[accountID]
	if !ok {
		mu = &sync.Mutex{}
		g.accountMu[accountID] = mu
	}
	return mu
}

// Admit checks every portfolio rule against a fresh snapshot and, if all
// pass, reserves a slot and returns the sized admission. Any rule failure
// returns a *Violation.
func (g *Gate) Admit(ctx context.Context, accountID string, sig *signal.CandidateSignal, candidateReturns []float64, equity float64) (*Admission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mu := g.lockFor(accountID)
	mu.Lock()
	defer mu.Unlock()

	// WARNING blocks just like HALTED: both relax only through an explicit
	// operator reset, never by themselves.
	if level := g.flags.For(accountID).Level(); level != LevelNormal {
		return nil, &Violation{Rule: "account_state", Detail: fmt.Sprintf("account %s is %s, new entries blocked", accountID, level)}
	}

	open := g.portfolio.OpenPositions(accountID)
	reservedCount, reservedNotional := g.reservedTotals(accountID)

	// Concurrency limit counts reservations in flight as occupied slots.
	if len(open)+reservedCount >= g.cfg.MaxConcurrentPositions {
		return nil, &Violation{
			Rule:   "max_concurrent",
			Detail: fmt.Sprintf("%d open + %d pending >= limit %d", len(open), reservedCount, g.cfg.MaxConcurrentPositions),
		}
	}

	// Correlation against every open position's return series.
	if g.cfg.MaxCorrelation > 0 && len(candidateReturns) > 0 {
		openReturns := make(map[string][]float64, len(open))
		for _, p := range open {
			if p.Symbol == sig.Symbol {
				continue
			}
			openReturns[p.Symbol] = p.Returns
		}
		if symbol, corr := MaxAbsCorrelation(candidateReturns, openReturns); corr > g.cfg.MaxCorrelation {
			return nil, &Violation{
				Rule:   "correlation",
				Detail: fmt.Sprintf("%s correlates %.2f with open %s (limit %.2f)", sig.Symbol, corr, symbol, g.cfg.MaxCorrelation),
			}
		}
	}

	riskPct := g.dynamicRiskPct(sig.ATRPct)
	notional, qty := g.size(equity, riskPct, sig.EntryPrice)
	if qty <= 0 {
		g.recordZeroAllocation(accountID)
		return nil, &Violation{Rule: "zero_allocation", Detail: fmt.Sprintf("equity %.2f yields no allocatable size", equity)}
	}
	g.zeroAlloc[accountID] = 0

	// Exposure cap across open, reserved and the new notional.
	usedNotional := reservedNotional
	for _, p := range open {
		usedNotional += p.Notional
	}
	if equity > 0 {
		exposurePct := (usedNotional + notional) / equity * 100
		if exposurePct > g.cfg.MaxExposurePct {
			return nil, &Violation{
				Rule:   "max_exposure",
				Detail: fmt.Sprintf("exposure would reach %.1f%% (limit %.1f%%)", exposurePct, g.cfg.MaxExposurePct),
			}
		}
	}

	adm := &Admission{
		ID:       uuid.New().String(),
		Symbol:   sig.Symbol,
		RiskPct:  riskPct,
		Notional: notional,
		Qty:      qty,
	}
	if g.reserved[accountID] == nil {
		g.reserved[accountID] = make(map[string]reservation)
	}
	g.reserved[accountID][adm.ID] = reservation{symbol: adm.Symbol, notional: adm.Notional}
	logs.Infof("[RiskGate] admitted %s %s: risk %.2f%%, notional %.2f, qty %.6f",
		accountID, sig.Symbol, riskPct, notional, qty)
	return adm, nil
}

// Commit drops the reservation once the position is live and visible through
// the portfolio source.
func (g *Gate) Commit(accountID, admissionID string) {
	g.releaseReservation(accountID, admissionID)
}

// Release frees a reservation when the entry failed to execute.
func (g *Gate) Release(accountID, admissionID string) {
	g.releaseReservation(accountID, admissionID)
}

func (g *Gate) releaseReservation(accountID, admissionID string) {
	mu := g.lockFor(accountID)
	mu.Lock()
	defer mu.Unlock()
	delete(g.reserved[accountID], admissionID)
}

func (g *Gate) reservedTotals(accountID string) (int, float64) {
	var notional float64
	for _, r := range g.reserved[accountID] {
		notional += r.notional
	}
	return len(g.reserved[accountID]), notional
}

// dynamicRiskPct scales the base risk down as volatility rises. At 2% ATR
// the base applies unchanged, every extra ATR point shaves 10% off.
func (g *Gate) dynamicRiskPct(atrPct float64) float64 {
	scaled := g.cfg.BaseRiskPct * (1 - (atrPct-2)*0.1)
	return utils.Clamp(scaled, 0.1, g.cfg.MaxRiskPct)
}

// size converts a risk percentage into notional and quantity. Risk capital is
// what the initial stop would lose, so notional is risk divided by the stop
// distance.
func (g *Gate) size(equity, riskPct, entryPrice float64) (notional, qty float64) {
	if equity <= 0 || entryPrice <= 0 {
		return 0, 0
	}
	riskCapital := equity * riskPct / 100
	stopPct := g.sizingCfg.BaseStopLossPct
	if stopPct <= 0 {
		return 0, 0
	}
	notional = riskCapital / (stopPct / 100)
	maxNotional := equity * g.cfg.MaxExposurePct / 100
	if notional > maxNotional {
		notional = maxNotional
	}
	qty = notional / entryPrice
	if qty < utils.Epsilon {
		return 0, 0
	}
	return notional, qty
}

func (g *Gate) recordZeroAllocation(accountID string) {
	g.zeroAlloc[accountID]++
	count := g.zeroAlloc[accountID]
	logs.Warnf("[RiskGate] account %s zero allocation (%d consecutive)", accountID, count)
	if g.cfg.ZeroAllocationHalt > 0 && count >= g.cfg.ZeroAllocationHalt {
		if g.flags.For(accountID).Escalate(LevelHalted, fmt.Sprintf("%d consecutive zero allocations", count)) {
			logs.Errorf("[RiskGate] account %s HALTED after %d consecutive zero allocations", accountID, count)
		}
	}
}
