// position/position.go
package position

import (
	"fmt"
	"time"

	"atra_engine/exchange"
	"atra_engine/market"
	"atra_engine/utils"
)

// State is the lifecycle state of a position. Transitions go through
// transition() only, so an illegal move is an error instead of silent
// corruption.
type State string

const (
	StatePendingEntry State = "PENDING_ENTRY"
	StateOpen         State = "OPEN"
	StateDCAAveraging State = "DCA_AVERAGING"
	StateTP1Partial   State = "TP1_PARTIAL"
	StateTrailing     State = "TRAILING"
	StateClosed       State = "CLOSED"
	StateFailed       State = "FAILED"
)

// allowedTransitions maps each state to the states it may move into.
var allowedTransitions = map[State][]State{
	StatePendingEntry: {StateOpen, StateFailed},
	StateOpen:         {StateDCAAveraging, StateTP1Partial, StateClosed, StateFailed},
	StateDCAAveraging: {StateDCAAveraging, StateTP1Partial, StateClosed, StateFailed},
	StateTP1Partial:   {StateTrailing, StateClosed, StateFailed},
	StateTrailing:     {StateClosed, StateFailed},
	StateClosed:       {},
	StateFailed:       {},
}

// Entry is one fill contributing to the position, either the initial entry
// or a DCA add.
type Entry struct {
	Price float64   `json:"price"`
	Qty   float64   `json:"qty"`
	Time  time.Time `json:"time"`
}

// Protective holds the resting exchange orders guarding the position. After
// the TP1 partial close the ladder is re-placed as a breakeven-or-better
// stop plus a TP2 for the full remainder.
type Protective struct {
	Stop *exchange.OrderRef `json:"stop,omitempty"`
	TP1  *exchange.OrderRef `json:"tp1,omitempty"`
	TP2  *exchange.OrderRef `json:"tp2,omitempty"`
}

// Position is one live or historical position. Mutations happen only under
// the manager's per-(account,symbol) lock.
type Position struct {
	ID        string      `json:"id"`
	AccountID string      `json:"account_id"`
	Symbol    string      `json:"symbol"`
	Side      market.Side `json:"side"`
	State     State       `json:"state"`

	Entries  []Entry `json:"entries"`
	AvgEntry float64 `json:"avg_entry"`
	Qty      float64 `json:"qty"`

	StopPrice float64    `json:"stop_price"`
	TP1Price  float64    `json:"tp1_price"`
	TP2Price  float64    `json:"tp2_price"`
	Orders    Protective `json:"protective_orders"`

	TrailingActive bool    `json:"trailing_active"`
	PeakPnlPct     float64 `json:"peak_pnl_pct"`

	// Returns taken from the entry window, kept for correlation checks
	// against later candidates.
	Returns []float64 `json:"returns,omitempty"`

	AdmissionID string     `json:"admission_id,omitempty"`
	RiskPctUsed float64    `json:"risk_pct_used"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`
	RealizedPnl float64    `json:"realized_pnl"`
}

// transition moves the position to a new state, rejecting anything the
// lifecycle does not allow.
func (p *Position) transition(to State) error {
	for _, allowed := range allowedTransitions[p.State] {
		if allowed == to {
			p.State = to
			return nil
		}
	}
	return fmt.Errorf("illegal position transition %s -> %s (position %s)", p.State, to, p.ID)
}

// addEntry appends a fill and recomputes the weighted average entry price.
func (p *Position) addEntry(price, qty float64, at time.Time) {
	p.Entries = append(p.Entries, Entry{Price: price, Qty: qty, Time: at})
	prices := make([]float64, len(p.Entries))
	qtys := make([]float64, len(p.Entries))
	for i, e := range p.Entries {
		prices[i] = e.Price
		qtys[i] = e.Qty
	}
	p.AvgEntry = utils.WeightedMean(prices, qtys)
	p.Qty += qty
}

// IsLong reports the position direction.
func (p *Position) IsLong() bool { return p.Side == market.Long }

// Active reports whether the position still holds quantity on the exchange.
func (p *Position) Active() bool {
	switch p.State {
	case StateOpen, StateDCAAveraging, StateTP1Partial, StateTrailing:
		return true
	}
	return false
}

// UnrealizedPnlPct is the signed move from the average entry, positive when
// the position is in profit.
func (p *Position) UnrealizedPnlPct(price float64) float64 {
	if p.AvgEntry <= 0 {
		return 0
	}
	pct := (price - p.AvgEntry) / p.AvgEntry * 100
	if !p.IsLong() {
		pct = -pct
	}
	return pct
}

// DCACount is the number of averaging adds beyond the initial entry.
func (p *Position) DCACount() int {
	if len(p.Entries) == 0 {
		return 0
	}
	return len(p.Entries) - 1
}

// Notional is current quantity at the average entry price.
func (p *Position) Notional() float64 {
	return p.Qty * p.AvgEntry
}

// stopBreached reports whether price has crossed the protective stop.
func (p *Position) stopBreached(price float64) bool {
	if p.StopPrice <= 0 {
		return false
	}
	if p.IsLong() {
		return price <= p.StopPrice
	}
	return price >= p.StopPrice
}

// tpReached reports whether price has reached the given take-profit level.
func (p *Position) tpReached(price, tpPrice float64) bool {
	if tpPrice <= 0 {
		return false
	}
	if p.IsLong() {
		return price >= tpPrice
	}
	return price <= tpPrice
}

// closeSide is the order side that reduces this position.
func (p *Position) closeSide() exchange.OrderSide {
	if p.IsLong() {
		return exchange.Sell
	}
	return exchange.Buy
}
