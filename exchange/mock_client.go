// exchange/mock_client.go
package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

//
// In-memory mock client for running and testing the engine without a real API
//

// Ensure MockClient implements the Client interface.
var _ Client = (*MockClient)(nil)

// MockClient simulates the narrow exchange contract. Tests drive it directly:
// set prices, inject failures, inspect or drop orders to simulate external
// cancellations.
type MockClient struct {
	mu          sync.RWMutex
	prices      map[string]float64
	openOrders  map[string]*Order // orderID -> order
	positions   map[string]*PositionInfo
	nextOrderID int64

	// Failure injection. transientFailures fails the next N placements with a
	// TransientError; hardFail fails every placement with an ExecutionFailure;
	// protectiveHardFail rejects only protective placements.
	transientFailures  int
	hardFail           bool
	protectiveHardFail bool

	// placements counts every accepted order, protective or plain.
	placements int
}

// NewMockClient creates a mock client with no positions and no orders.
func NewMockClient() *MockClient {
	return &MockClient{
		prices:      make(map[string]float64),
		openOrders:  make(map[string]*Order),
		positions:   make(map[string]*PositionInfo),
		nextOrderID: 1,
	}
}

// SetPrice sets the simulated mark price for a symbol.
func (c *MockClient) SetPrice(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = price
}

// FailNextPlacements makes the next n placements fail with a transient error.
func (c *MockClient) FailNextPlacements(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transientFailures = n
}

// SetHardFail toggles unrecoverable rejection of every placement.
func (c *MockClient) SetHardFail(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hardFail = v
}

// SetProtectiveHardFail rejects every protective placement while leaving
// plain orders working. Simulates a venue refusing conditional orders.
func (c *MockClient) SetProtectiveHardFail(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.protectiveHardFail = v
}

// DropOrder removes an open order as if it were cancelled externally.
func (c *MockClient) DropOrder(orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.openOrders, orderID)
}

// PlacementCount reports how many orders were accepted in total.
func (c *MockClient) PlacementCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.placements
}

// SyncTime is a no-op for the mock.
func (c *MockClient) SyncTime() error { return nil }

// GetPrice returns the simulated price for a symbol.
func (c *MockClient) GetPrice(symbol string) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[symbol]
	if !ok {
		return 0, &TransientError{Op: "GetPrice", Err: fmt.Errorf("no simulated price for %s", symbol)}
	}
	return p, nil
}

func (c *MockClient) checkFailureLocked(op string) error {
	if c.hardFail {
		return &ExecutionFailure{Op: op, Err: fmt.Errorf("simulated hard rejection")}
	}
	if c.transientFailures > 0 {
		c.transientFailures--
		return &TransientError{Op: op, Err: fmt.Errorf("simulated transient failure")}
	}
	return nil
}

// PlaceOrder records a plain order and immediately marks it filled at the
// simulated price, the way market orders behave on the venue.
func (c *MockClient) PlaceOrder(ctx context.Context, symbol string, side OrderSide, typ OrderType, price, qty float64, reduceOnly bool) (*OrderRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkFailureLocked("PlaceOrder"); err != nil {
		return nil, err
	}

	id := c.nextOrderID
	c.nextOrderID++
	c.placements++

	fillPrice := price
	if typ == Market {
		fillPrice = c.prices[symbol]
	}

	// Market fills adjust the simulated position.
	c.applyFillLocked(symbol, side, qty, fillPrice, reduceOnly)

	return &OrderRef{
		OrderID: strconv.FormatInt(id, 10),
		Qty:     qty,
		Side:    side,
	}, nil
}

func (c *MockClient) applyFillLocked(symbol string, side OrderSide, qty, price float64, reduceOnly bool) {
	pos, ok := c.positions[symbol]
	if !ok {
		pos = &PositionInfo{Symbol: symbol}
		c.positions[symbol] = pos
	}
	signed := qty
	if side == Sell {
		signed = -qty
	}
	newAmt := pos.PositionAmt + signed
	if !reduceOnly && pos.PositionAmt*signed >= 0 && newAmt != 0 {
		// Adding in the same direction: move the weighted entry.
		total := pos.EntryPrice*absFloat(pos.PositionAmt) + price*qty
		pos.EntryPrice = total / absFloat(newAmt)
	}
	pos.PositionAmt = newAmt
	if pos.PositionAmt == 0 {
		pos.EntryPrice = 0
	}
	pos.Notional = absFloat(pos.PositionAmt) * price
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// PlaceProtectiveOrder records a resting stop/take-profit order.
func (c *MockClient) PlaceProtectiveOrder(ctx context.Context, req ProtectiveRequest) (*OrderRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.protectiveHardFail {
		return nil, &ExecutionFailure{Op: "PlaceProtectiveOrder", Err: fmt.Errorf("simulated protective rejection")}
	}
	if err := c.checkFailureLocked("PlaceProtectiveOrder"); err != nil {
		return nil, err
	}

	id := c.nextOrderID
	c.nextOrderID++
	c.placements++

	typ := StopMarket
	if req.Kind == KindTakeProfit {
		typ = TPMarket
	}
	idStr := strconv.FormatInt(id, 10)
	c.openOrders[idStr] = &Order{
		Symbol:        req.Symbol,
		OrderID:       id,
		ClientOrderID: req.ClientID,
		StopPrice:     strconv.FormatFloat(req.TriggerPrice, 'f', -1, 64),
		OrigQty:       strconv.FormatFloat(req.Qty, 'f', -1, 64),
		Status:        StatusNew,
		Type:          typ,
		Side:          req.Side,
		ReduceOnly:    true,
	}

	return &OrderRef{
		OrderID:      idStr,
		ClientID:     req.ClientID,
		Kind:         req.Kind,
		TriggerPrice: req.TriggerPrice,
		Qty:          req.Qty,
		Side:         req.Side,
	}, nil
}

// CancelOrder removes an open order.
func (c *MockClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.openOrders[orderID]; !ok {
		return &ExecutionFailure{Op: "CancelOrder", Err: fmt.Errorf("unknown order %s", orderID)}
	}
	delete(c.openOrders, orderID)
	return nil
}

// FetchOpenOrders lists live simulated orders for a symbol.
func (c *MockClient) FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Order
	for _, o := range c.openOrders {
		if o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	return out, nil
}

// GetPositionInfo returns the simulated position for a symbol.
func (c *MockClient) GetPositionInfo(ctx context.Context, symbol string) (*PositionInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if pos, ok := c.positions[symbol]; ok {
		cp := *pos
		return &cp, nil
	}
	return &PositionInfo{Symbol: symbol}, nil
}
