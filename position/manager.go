// position/manager.go
package position

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"atra_engine/audit"
	"atra_engine/config"
	"atra_engine/exchange"
	"atra_engine/logs"
	"atra_engine/market"
	"atra_engine/notify"
	"atra_engine/profit"
	"atra_engine/risk"
	"atra_engine/signal"
	"atra_engine/state"
	"atra_engine/utils"

	"github.com/google/uuid"
)

const positionsStateName = "positions"

// Books receives realized PnL as positions close. Satisfied by
// profit.Accountant.
type Books interface {
	RecordRealized(pnl float64)
}

// Manager owns the position lifecycle: entry, DCA averaging, the TP1 partial
// close, trailing and the final close. All mutations of one position run
// under a per-(account,symbol) lock; different symbols proceed in parallel.
type Manager struct {
	cfg      *config.LifecycleConfig
	client   exchange.Client
	store    state.Store
	auditLog audit.Log
	notifier notify.Notifier
	books    Books
	retry    exchange.RetryPolicy

	mu        sync.Mutex
	positions map[string]*Position   // by position ID
	bySymbol  map[string]string      // accountID|symbol -> position ID of the active position
	locks     map[string]*sync.Mutex // accountID|symbol
}

func NewManager(cfg *config.LifecycleConfig, client exchange.Client, store state.Store,
	auditLog audit.Log, notifier notify.Notifier, books Books) *Manager {
	retry := exchange.RetryPolicy{
		MaxAttempts: cfg.MaxPlacementAttempts,
		BaseDelay:   time.Duration(cfg.BackoffBaseMillis) * time.Millisecond,
		MaxDelay:    8 * time.Second,
	}
	return &Manager{
		cfg:       cfg,
		client:    client,
		store:     store,
		auditLog:  auditLog,
		notifier:  notifier,
		books:     books,
		retry:     retry,
		positions: make(map[string]*Position),
		bySymbol:  make(map[string]string),
		locks:     make(map[string]*sync.Mutex),
	}
}

func symbolKey(accountID, symbol string) string {
	return accountID + "|" + symbol
}

func (m *Manager) lockFor(accountID, symbol string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := symbolKey(accountID, symbol)
	mu, ok := m.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[key] = mu
	}
	return mu
}

// OpenPositions implements risk.PortfolioSource with a fresh snapshot of the
// account's active positions.
func (m *Manager) OpenPositions(accountID string) []risk.OpenPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []risk.OpenPosition
	for _, p := range m.positions {
		if p.AccountID != accountID || !p.Active() {
			continue
		}
		out = append(out, risk.OpenPosition{
			Symbol:   p.Symbol,
			Side:     p.Side,
			Notional: p.Notional(),
			Returns:  p.Returns,
		})
	}
	return out
}

// ActiveFor returns the active position for an account+symbol, or nil.
func (m *Manager) ActiveFor(accountID, symbol string) *Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.bySymbol[symbolKey(accountID, symbol)]
	if !ok {
		return nil
	}
	p := m.positions[id]
	if p == nil || !p.Active() {
		return nil
	}
	return p
}

// ActiveAll returns every active position across accounts. Used by the
// protective order guard and the price loop.
func (m *Manager) ActiveAll() []*Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Position
	for _, p := range m.positions {
		if p.Active() {
			out = append(out, p)
		}
	}
	return out
}

// Open places the initial entry and the full protective ladder. Entry
// placement retries transient errors; exhaustion returns the failure with no
// position recorded. A filled entry whose protective ladder cannot be placed
// leaves a FAILED position, a best-effort flatten and an operator alert.
func (m *Manager) Open(ctx context.Context, accountID string, sig *signal.CandidateSignal, adm *risk.Admission, w *market.Window) (*Position, error) {
	mu := m.lockFor(accountID, sig.Symbol)
	mu.Lock()
	defer mu.Unlock()

	if existing := m.ActiveFor(accountID, sig.Symbol); existing != nil {
		return nil, fmt.Errorf("position already active for %s %s (%s)", accountID, sig.Symbol, existing.ID)
	}
	qty := adm.Qty

	pos := &Position{
		ID:          uuid.New().String(),
		AccountID:   accountID,
		Symbol:      sig.Symbol,
		Side:        sig.Side,
		State:       StatePendingEntry,
		Returns:     w.Returns(),
		AdmissionID: adm.ID,
		RiskPctUsed: adm.RiskPct,
		OpenedAt:    time.Now(),
	}

	entrySide := exchange.Buy
	if !pos.IsLong() {
		entrySide = exchange.Sell
	}
	err := exchange.ExecuteWithRetry(ctx, "entry "+sig.Symbol, m.retry, func(ctx context.Context) error {
		_, err := m.client.PlaceOrder(ctx, sig.Symbol, entrySide, exchange.Market, 0, qty, false)
		return err
	})
	if err != nil {
		logs.Errorf("[Lifecycle] entry for %s %s failed: %v", accountID, sig.Symbol, err)
		return nil, err
	}

	fillPrice := sig.EntryPrice
	if live, perr := m.client.GetPrice(sig.Symbol); perr == nil && live > 0 {
		fillPrice = live
	}
	pos.addEntry(fillPrice, qty, time.Now())
	m.applyLevels(pos, sig.ATRPct)

	if err := m.placeProtectives(ctx, pos); err != nil {
		m.failNaked(ctx, pos, err)
		return nil, err
	}

	if err := pos.transition(StateOpen); err != nil {
		return nil, err
	}
	m.register(pos)
	m.persist()
	m.auditEvent(audit.KindPositionOpened, pos, nil, pos)
	logs.Infof("[Lifecycle] opened %s %s %s: qty %.6f @ %.4f, SL %.4f, TP1 %.4f, TP2 %.4f",
		accountID, sig.Symbol, sig.Side, pos.Qty, pos.AvgEntry, pos.StopPrice, pos.TP1Price, pos.TP2Price)
	return pos, nil
}

// AddDCA averages into an adverse move with one more equal-size entry, then
// recomputes the stop and take-profit levels from the new weighted average.
func (m *Manager) AddDCA(ctx context.Context, positionID string, price, atrPct float64) error {
	pos := m.get(positionID)
	if pos == nil {
		return fmt.Errorf("unknown position %s", positionID)
	}
	mu := m.lockFor(pos.AccountID, pos.Symbol)
	mu.Lock()
	defer mu.Unlock()

	if pos.State != StateOpen && pos.State != StateDCAAveraging {
		return fmt.Errorf("position %s in state %s, DCA not allowed", pos.ID, pos.State)
	}
	if pos.DCACount() >= m.cfg.MaxDCAEntries {
		return &risk.Violation{Rule: "max_dca", Detail: fmt.Sprintf("position %s already has %d adds", pos.ID, pos.DCACount())}
	}

	// Adds only trigger once price moved DCAStepPct against the average
	// per step already taken.
	requiredPct := m.cfg.DCAStepPct * float64(pos.DCACount()+1)
	adversePct := pos.UnrealizedPnlPct(price)
	if adversePct > -requiredPct {
		return fmt.Errorf("price not adverse enough for DCA: %.2f%% vs required -%.2f%%", adversePct, requiredPct)
	}

	before := *pos
	addQty := pos.Entries[0].Qty
	entrySide := exchange.Buy
	if !pos.IsLong() {
		entrySide = exchange.Sell
	}
	err := exchange.ExecuteWithRetry(ctx, "dca "+pos.Symbol, m.retry, func(ctx context.Context) error {
		_, err := m.client.PlaceOrder(ctx, pos.Symbol, entrySide, exchange.Market, 0, addQty, false)
		return err
	})
	if err != nil {
		logs.Errorf("[Lifecycle] DCA for %s failed: %v", pos.ID, err)
		return err
	}

	pos.addEntry(price, addQty, time.Now())
	m.applyLevels(pos, atrPct)
	if err := m.replaceProtectives(ctx, pos); err != nil {
		m.failNaked(ctx, pos, err)
		return err
	}
	if pos.State == StateOpen {
		if err := pos.transition(StateDCAAveraging); err != nil {
			return err
		}
	}
	m.persist()
	m.auditEvent(audit.KindPositionDCA, pos, before, pos)
	logs.Infof("[Lifecycle] DCA %d on %s: new avg %.4f, qty %.6f, SL %.4f, TP1 %.4f, TP2 %.4f",
		pos.DCACount(), pos.ID, pos.AvgEntry, pos.Qty, pos.StopPrice, pos.TP1Price, pos.TP2Price)
	return nil
}

// CheckPrice advances the lifecycle for one position at the current price:
// stop and take-profit detection, the TP1 partial close and trailing stop
// tightening.
func (m *Manager) CheckPrice(ctx context.Context, positionID string, price float64) error {
	pos := m.get(positionID)
	if pos == nil {
		return fmt.Errorf("unknown position %s", positionID)
	}
	mu := m.lockFor(pos.AccountID, pos.Symbol)
	mu.Lock()
	defer mu.Unlock()

	if !pos.Active() {
		return nil
	}

	if pnl := pos.UnrealizedPnlPct(price); pnl > pos.PeakPnlPct {
		pos.PeakPnlPct = pnl
	}

	if pos.stopBreached(price) {
		return m.closeLocked(ctx, pos, price, "stop_loss")
	}
	// TP2 closes the remainder in every active state; while trailing, the
	// TP2 order is still resting on the venue for exactly this price.
	if pos.tpReached(price, pos.TP2Price) {
		return m.closeLocked(ctx, pos, price, "take_profit_2")
	}
	if pos.tpReached(price, pos.TP1Price) && (pos.State == StateOpen || pos.State == StateDCAAveraging) {
		if err := m.handleTP1Locked(ctx, pos, price); err != nil {
			return err
		}
	}
	return m.updateTrailingLocked(ctx, pos, price)
}

// Close cancels the protective ladder and flattens the remaining quantity at
// market.
func (m *Manager) Close(ctx context.Context, positionID string, reason string) error {
	pos := m.get(positionID)
	if pos == nil {
		return fmt.Errorf("unknown position %s", positionID)
	}
	mu := m.lockFor(pos.AccountID, pos.Symbol)
	mu.Lock()
	defer mu.Unlock()
	if !pos.Active() {
		return nil
	}
	price, err := m.client.GetPrice(pos.Symbol)
	if err != nil {
		price = pos.AvgEntry
	}
	return m.closeLocked(ctx, pos, price, reason)
}

// FlattenAccount closes every active position of an account. Used on
// emergency stop.
func (m *Manager) FlattenAccount(ctx context.Context, accountID, reason string) {
	for _, pos := range m.ActiveAll() {
		if pos.AccountID != accountID {
			continue
		}
		if err := m.Close(ctx, pos.ID, reason); err != nil {
			logs.Errorf("[Lifecycle] flatten failed for %s: %v", pos.ID, err)
			m.notifier.Alert("Flatten failed", fmt.Sprintf("position %s (%s %s): %v", pos.ID, accountID, pos.Symbol, err))
		}
	}
}

// handleTP1Locked realizes the TP1 fraction, moves the stop to breakeven or
// better and hands the remainder to the trailing logic.
func (m *Manager) handleTP1Locked(ctx context.Context, pos *Position, price float64) error {
	before := *pos
	closeQty := pos.Qty * m.cfg.TP1CloseFraction
	err := exchange.ExecuteWithRetry(ctx, "tp1 close "+pos.Symbol, m.retry, func(ctx context.Context) error {
		_, err := m.client.PlaceOrder(ctx, pos.Symbol, pos.closeSide(), exchange.Market, 0, closeQty, true)
		return err
	})
	if err != nil {
		logs.Errorf("[Lifecycle] TP1 partial close for %s failed: %v", pos.ID, err)
		return err
	}

	realized := profit.RealizedFor(pos.IsLong(), pos.AvgEntry, price, closeQty)
	pos.RealizedPnl += realized
	m.books.RecordRealized(realized)
	pos.Qty -= closeQty

	// Remaining quantity is guarded by a breakeven-or-better stop, never a
	// looser one than before.
	breakeven := pos.AvgEntry * (1 + m.cfg.BreakevenBufferPct/100)
	if !pos.IsLong() {
		breakeven = pos.AvgEntry * (1 - m.cfg.BreakevenBufferPct/100)
	}
	pos.StopPrice = m.tighterStop(pos, breakeven)
	pos.TP1Price = 0

	if err := pos.transition(StateTP1Partial); err != nil {
		return err
	}
	if err := m.replaceProtectives(ctx, pos); err != nil {
		m.failNaked(ctx, pos, err)
		return err
	}
	m.persist()
	m.auditEvent(audit.KindPositionTP1, pos, before, pos)
	logs.Infof("[Lifecycle] TP1 on %s: realized %.4f, remaining qty %.6f, stop -> %.4f",
		pos.ID, realized, pos.Qty, pos.StopPrice)
	return nil
}

// updateTrailingLocked tightens the stop once profit passes the activation
// threshold. The stop only ever moves toward price, never away.
func (m *Manager) updateTrailingLocked(ctx context.Context, pos *Position, price float64) error {
	pnl := pos.UnrealizedPnlPct(price)
	if !pos.TrailingActive {
		if pnl < m.cfg.TrailingActivatePct {
			return nil
		}
		pos.TrailingActive = true
		logs.Infof("[Lifecycle] trailing activated on %s at %.2f%% PnL", pos.ID, pnl)
	}
	if pos.State == StateTP1Partial {
		if err := pos.transition(StateTrailing); err != nil {
			return err
		}
	}

	trailDist := m.cfg.TrailingDistancePct
	candidate := price * (1 - trailDist/100)
	if !pos.IsLong() {
		candidate = price * (1 + trailDist/100)
	}
	newStop := m.tighterStop(pos, candidate)
	if utils.FloatEquals(newStop, pos.StopPrice) {
		return nil
	}

	before := *pos
	pos.StopPrice = newStop
	if err := m.replaceStop(ctx, pos); err != nil {
		// Keep the old resting stop authoritative if the exchange refused
		// the replacement.
		pos.StopPrice = before.StopPrice
		return err
	}
	m.persist()
	m.auditEvent(audit.KindTrailingAdjust, pos, before, pos)
	logs.Debugf("[Lifecycle] trailing stop on %s moved %.4f -> %.4f", pos.ID, before.StopPrice, pos.StopPrice)
	return nil
}

// tighterStop returns whichever of the current and candidate stop protects
// more profit.
func (m *Manager) tighterStop(pos *Position, candidate float64) float64 {
	if pos.StopPrice <= 0 {
		return candidate
	}
	if pos.IsLong() {
		return math.Max(pos.StopPrice, candidate)
	}
	return math.Min(pos.StopPrice, candidate)
}

func (m *Manager) closeLocked(ctx context.Context, pos *Position, price float64, reason string) error {
	before := *pos
	m.cancelProtectivesBestEffort(ctx, pos)

	if pos.Qty > utils.Epsilon {
		err := exchange.ExecuteWithRetry(ctx, "close "+pos.Symbol, m.retry, func(ctx context.Context) error {
			_, err := m.client.PlaceOrder(ctx, pos.Symbol, pos.closeSide(), exchange.Market, 0, pos.Qty, true)
			return err
		})
		if err != nil {
			logs.Errorf("[Lifecycle] close for %s failed: %v", pos.ID, err)
			m.notifier.Alert("Close failed", fmt.Sprintf("position %s (%s): %v", pos.ID, pos.Symbol, err))
			return err
		}
	}

	realized := profit.RealizedFor(pos.IsLong(), pos.AvgEntry, price, pos.Qty)
	pos.RealizedPnl += realized
	m.books.RecordRealized(realized)
	pos.Qty = 0
	now := time.Now()
	pos.ClosedAt = &now
	pos.CloseReason = reason
	if err := pos.transition(StateClosed); err != nil {
		return err
	}
	m.unregister(pos)
	m.persist()
	m.auditEvent(audit.KindPositionClosed, pos, before, pos)
	logs.Infof("[Lifecycle] closed %s (%s): realized %.4f, total %.4f", pos.ID, reason, realized, pos.RealizedPnl)
	return nil
}

// applyLevels derives the stop and take-profit prices from the weighted
// average entry, scaled by volatility and narrowed as DCA depth grows.
func (m *Manager) applyLevels(pos *Position, atrPct float64) {
	stopPct := m.cfg.BaseStopLossPct
	tp1Pct := utils.Clamp(atrPct*m.cfg.TP1ATRMultiplier, m.cfg.TP1MinPct, m.cfg.TP1MaxPct)
	tp2Pct := utils.Clamp(atrPct*m.cfg.TP2ATRMultiplier, m.cfg.TP2MinPct, m.cfg.TP2MaxPct)
	if tp2Pct <= tp1Pct {
		tp2Pct = tp1Pct + 0.5
	}

	tighten := math.Pow(m.cfg.DCATightenFactor, float64(pos.DCACount()))
	stopPct *= tighten
	tp1Pct *= tighten
	tp2Pct *= tighten

	// Levels always re-derive from the current average. A DCA moves the
	// average toward price, so the stop is allowed to move with it here;
	// monotonic tightening only applies after TP1 and during trailing.
	avg := pos.AvgEntry
	if pos.IsLong() {
		pos.StopPrice = avg * (1 - stopPct/100)
		pos.TP1Price = avg * (1 + tp1Pct/100)
		pos.TP2Price = avg * (1 + tp2Pct/100)
	} else {
		pos.StopPrice = avg * (1 + stopPct/100)
		pos.TP1Price = avg * (1 - tp1Pct/100)
		pos.TP2Price = avg * (1 - tp2Pct/100)
	}
}

func (m *Manager) protectiveRequest(pos *Position, kind exchange.ProtectiveKind, trigger, qty float64) exchange.ProtectiveRequest {
	return exchange.ProtectiveRequest{
		Symbol:       pos.Symbol,
		Kind:         kind,
		TriggerPrice: trigger,
		Side:         pos.closeSide(),
		Qty:          qty,
		ClientID:     fmt.Sprintf("%s-%s-%d", pos.ID[:8], kind, len(pos.Entries)),
	}
}

// placeProtectives places the full ladder for the current levels. Each leg
// retries transient errors independently.
func (m *Manager) placeProtectives(ctx context.Context, pos *Position) error {
	type leg struct {
		kind    exchange.ProtectiveKind
		trigger float64
		qty     float64
		dst     **exchange.OrderRef
	}
	legs := []leg{
		{exchange.KindStop, pos.StopPrice, pos.Qty, &pos.Orders.Stop},
	}
	if pos.TP1Price > 0 {
		legs = append(legs, leg{exchange.KindTakeProfit, pos.TP1Price, pos.Qty * m.cfg.TP1CloseFraction, &pos.Orders.TP1})
	}
	if pos.TP2Price > 0 {
		tp2Qty := pos.Qty
		if pos.TP1Price > 0 {
			tp2Qty = pos.Qty * (1 - m.cfg.TP1CloseFraction)
		}
		legs = append(legs, leg{exchange.KindTakeProfit, pos.TP2Price, tp2Qty, &pos.Orders.TP2})
	}

	for i := range legs {
		l := legs[i]
		var ref *exchange.OrderRef
		err := exchange.ExecuteWithRetry(ctx, fmt.Sprintf("protective %s %s", l.kind, pos.Symbol), m.retry, func(ctx context.Context) error {
			var perr error
			ref, perr = m.client.PlaceProtectiveOrder(ctx, m.protectiveRequest(pos, l.kind, l.trigger, l.qty))
			return perr
		})
		if err != nil {
			return fmt.Errorf("failed to place %s for %s: %w", l.kind, pos.Symbol, err)
		}
		*l.dst = ref
	}
	return nil
}

// replaceProtectives cancels the resting ladder and places a fresh one for
// the current levels and quantity.
func (m *Manager) replaceProtectives(ctx context.Context, pos *Position) error {
	m.cancelProtectivesBestEffort(ctx, pos)
	pos.Orders = Protective{}
	return m.placeProtectives(ctx, pos)
}

// replaceStop swaps only the stop leg, leaving take-profits untouched.
func (m *Manager) replaceStop(ctx context.Context, pos *Position) error {
	if pos.Orders.Stop != nil {
		if err := m.client.CancelOrder(ctx, pos.Symbol, pos.Orders.Stop.OrderID); err != nil {
			logs.Warnf("[Lifecycle] cancel old stop for %s failed: %v", pos.ID, err)
		}
		pos.Orders.Stop = nil
	}
	var ref *exchange.OrderRef
	err := exchange.ExecuteWithRetry(ctx, "replace stop "+pos.Symbol, m.retry, func(ctx context.Context) error {
		var perr error
		ref, perr = m.client.PlaceProtectiveOrder(ctx, m.protectiveRequest(pos, exchange.KindStop, pos.StopPrice, pos.Qty))
		return perr
	})
	if err != nil {
		return err
	}
	pos.Orders.Stop = ref
	return nil
}

// ReconcileProtectives verifies the resting ladder for one position against
// the venue's open orders and re-places every leg that is absent, or whose
// trigger or quantity drifted from the recorded values. Runs under the
// position's keyed lock so a concurrent price check cannot tear the view.
// Idempotent: intact legs are never touched.
func (m *Manager) ReconcileProtectives(ctx context.Context, positionID string, open []exchange.Order) (int, error) {
	pos := m.get(positionID)
	if pos == nil {
		return 0, fmt.Errorf("unknown position %s", positionID)
	}
	mu := m.lockFor(pos.AccountID, pos.Symbol)
	mu.Lock()
	defer mu.Unlock()
	if !pos.Active() {
		return 0, nil
	}

	resting := make(map[string]exchange.Order, len(open))
	for _, o := range open {
		resting[strconv.FormatInt(o.OrderID, 10)] = o
	}

	type leg struct {
		name    string
		kind    exchange.ProtectiveKind
		trigger float64
		qty     float64
		dst     **exchange.OrderRef
	}
	legs := []leg{
		{"stop", exchange.KindStop, pos.StopPrice, pos.Qty, &pos.Orders.Stop},
	}
	if pos.TP1Price > 0 {
		legs = append(legs, leg{"tp1", exchange.KindTakeProfit, pos.TP1Price, pos.Qty * m.cfg.TP1CloseFraction, &pos.Orders.TP1})
	}
	if pos.TP2Price > 0 {
		tp2Qty := pos.Qty
		if pos.TP1Price > 0 {
			tp2Qty = pos.Qty * (1 - m.cfg.TP1CloseFraction)
		}
		legs = append(legs, leg{"tp2", exchange.KindTakeProfit, pos.TP2Price, tp2Qty, &pos.Orders.TP2})
	}

	repaired := 0
	for _, l := range legs {
		if l.trigger <= 0 {
			continue
		}
		if ref := *l.dst; ref != nil {
			if o, ok := resting[ref.OrderID]; ok {
				if legIntact(o, l.trigger, ref.Qty) {
					continue
				}
				// Drifted trigger or quantity: the stale order must go
				// before the leg is re-placed.
				if cerr := m.client.CancelOrder(ctx, pos.Symbol, ref.OrderID); cerr != nil {
					return repaired, fmt.Errorf("cancel of drifted %s failed: %w", l.name, cerr)
				}
				logs.Warnf("[Lifecycle] %s on %s %s drifted from recorded level %.4f, re-placing",
					l.name, pos.AccountID, pos.Symbol, l.trigger)
			} else {
				logs.Warnf("[Lifecycle] %s absent on %s %s, re-placing at %.4f",
					l.name, pos.AccountID, pos.Symbol, l.trigger)
			}
		}
		before := pos.Orders
		var ref *exchange.OrderRef
		err := exchange.ExecuteWithRetry(ctx, fmt.Sprintf("repair %s %s", l.kind, pos.Symbol), m.retry, func(ctx context.Context) error {
			var perr error
			ref, perr = m.client.PlaceProtectiveOrder(ctx, m.protectiveRequest(pos, l.kind, l.trigger, l.qty))
			return perr
		})
		if err != nil {
			return repaired, fmt.Errorf("repair of %s failed: %w", l.name, err)
		}
		*l.dst = ref
		m.auditEvent(audit.KindProtectiveRepair, pos, before, ref)
		repaired++
	}
	if repaired > 0 {
		m.persist()
	}
	return repaired, nil
}

// legIntact reports whether the resting order still matches the recorded
// trigger and quantity. Unparseable venue fields count as a mismatch.
func legIntact(o exchange.Order, trigger, qty float64) bool {
	t, err := strconv.ParseFloat(o.StopPrice, 64)
	if err != nil || !utils.FloatEquals(t, trigger) {
		return false
	}
	q, err := strconv.ParseFloat(o.OrigQty, 64)
	if err != nil || !utils.FloatEquals(q, qty) {
		return false
	}
	return true
}

// failNaked handles a filled entry left without protection: best-effort
// flatten, FAILED state, operator alert.
func (m *Manager) failNaked(ctx context.Context, pos *Position, cause error) {
	logs.Errorf("[Lifecycle] protective placement exhausted for %s %s: %v", pos.AccountID, pos.Symbol, cause)
	if pos.Qty > utils.Epsilon {
		if _, err := m.client.PlaceOrder(ctx, pos.Symbol, pos.closeSide(), exchange.Market, 0, pos.Qty, true); err != nil {
			logs.Errorf("[Lifecycle] emergency flatten of naked %s failed: %v", pos.Symbol, err)
		} else {
			pos.Qty = 0
		}
	}
	before := *pos
	if pos.State == StatePendingEntry || pos.Active() {
		if err := pos.transition(StateFailed); err == nil {
			pos.CloseReason = "protective_placement_failed"
			m.unregister(pos)
			m.persist()
			m.auditEvent(audit.KindPositionFailed, pos, before, pos)
		}
	}
	m.notifier.Alert("Naked position", fmt.Sprintf("%s %s entry filled but protective ladder failed: %v", pos.AccountID, pos.Symbol, cause))
}

func (m *Manager) cancelProtectivesBestEffort(ctx context.Context, pos *Position) {
	for _, ref := range []*exchange.OrderRef{pos.Orders.Stop, pos.Orders.TP1, pos.Orders.TP2} {
		if ref == nil {
			continue
		}
		if err := m.client.CancelOrder(ctx, pos.Symbol, ref.OrderID); err != nil {
			logs.Debugf("[Lifecycle] cancel order %s for %s: %v", ref.OrderID, pos.Symbol, err)
		}
	}
	pos.Orders = Protective{}
}

func (m *Manager) get(positionID string) *Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[positionID]
}

func (m *Manager) register(pos *Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.ID] = pos
	m.bySymbol[symbolKey(pos.AccountID, pos.Symbol)] = pos.ID
}

func (m *Manager) unregister(pos *Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := symbolKey(pos.AccountID, pos.Symbol)
	if m.bySymbol[key] == pos.ID {
		delete(m.bySymbol, key)
	}
}

func (m *Manager) persist() {
	m.mu.Lock()
	active := make([]*Position, 0, len(m.positions))
	for _, p := range m.positions {
		if p.Active() {
			active = append(active, p)
		}
	}
	m.mu.Unlock()
	if err := m.store.Save(positionsStateName, active); err != nil {
		logs.Errorf("[Lifecycle] failed to persist positions: %v", err)
	}
}

// Restore reloads active positions after a restart and reconciles them
// against the exchange. A position the exchange no longer holds is dropped;
// surviving positions keep their levels and let the guard repair any missing
// protective orders.
func (m *Manager) Restore(ctx context.Context) error {
	var saved []*Position
	found, err := m.store.Load(positionsStateName, &saved)
	if err != nil {
		return fmt.Errorf("failed to load positions: %w", err)
	}
	if !found {
		return nil
	}
	for _, pos := range saved {
		if !pos.Active() {
			continue
		}
		info, err := m.client.GetPositionInfo(ctx, pos.Symbol)
		if err != nil {
			logs.Warnf("[Lifecycle] reconcile %s: position info unavailable: %v", pos.Symbol, err)
			m.register(pos)
			continue
		}
		if info == nil || math.Abs(info.PositionAmt) < utils.Epsilon {
			now := time.Now()
			pos.ClosedAt = &now
			pos.CloseReason = "reconcile_flat"
			pos.State = StateClosed
			logs.Warnf("[Lifecycle] reconcile: %s %s flat on exchange, marking closed", pos.AccountID, pos.Symbol)
			continue
		}
		m.register(pos)
		logs.Infof("[Lifecycle] restored %s %s %s in state %s", pos.AccountID, pos.Symbol, pos.Side, pos.State)
	}
	m.persist()
	return nil
}

func (m *Manager) auditEvent(kind audit.EventKind, pos *Position, before, after interface{}) {
	if err := m.auditLog.LogEvent(audit.Event{
		Kind:      kind,
		AccountID: pos.AccountID,
		Symbol:    pos.Symbol,
		Before:    before,
		After:     after,
	}); err != nil {
		logs.Warnf("[Lifecycle] audit write failed: %v", err)
	}
}
