package exchange

import (
	"context"
	"errors"
	"fmt"
)

// OrderSide defines the order direction (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderType defines the order type.
type OrderType string

const (
	Limit      OrderType = "LIMIT"
	Market     OrderType = "MARKET"
	StopMarket OrderType = "STOP_MARKET"
	TPMarket   OrderType = "TAKE_PROFIT_MARKET"
)

// ProtectiveKind distinguishes the two protective order flavors.
type ProtectiveKind string

const (
	KindStop       ProtectiveKind = "stop"
	KindTakeProfit ProtectiveKind = "take_profit"
)

// OrderStatus defines the order status.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// Order represents an exchange order as seen over the narrow contract.
type Order struct {
	Symbol        string      `json:"symbol"`
	OrderID       int64       `json:"orderId"`
	ClientOrderID string      `json:"clientOrderId"`
	Price         string      `json:"price"`
	StopPrice     string      `json:"stopPrice"`
	OrigQty       string      `json:"origQty"`
	ExecutedQty   string      `json:"executedQty"`
	AvgPrice      string      `json:"avgPrice"`
	Status        OrderStatus `json:"status"`
	Type          OrderType   `json:"type"`
	Side          OrderSide   `json:"side"`
	ReduceOnly    bool        `json:"reduceOnly"`
	UpdateTime    int64       `json:"updateTime"`
}

// OrderRef is the stable handle the lifecycle manager and guard keep for a
// placed order.
type OrderRef struct {
	OrderID      string
	ClientID     string
	Kind         ProtectiveKind
	TriggerPrice float64
	Qty          float64
	Side         OrderSide
}

// ProtectiveRequest describes a stop or take-profit order to place.
type ProtectiveRequest struct {
	Symbol       string
	Kind         ProtectiveKind
	TriggerPrice float64
	Side         OrderSide // the side that EXITS the position
	Qty          float64
	ClientID     string
}

// PositionInfo contains key position information for a single trading pair.
type PositionInfo struct {
	Symbol           string
	PositionAmt      float64
	EntryPrice       float64
	UnrealizedProfit float64
	Notional         float64
}

// TransientError marks a retryable exchange failure (network, rate limit,
// 5xx). Retried with bounded backoff by ExecuteWithRetry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient exchange error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ExecutionFailure marks an unrecoverable exchange failure: a hard rejection
// or retry exhaustion. Positions hit by it transition to FAILED.
type ExecutionFailure struct {
	Op  string
	Err error
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("execution failure during %s: %v", e.Op, e.Err)
}

func (e *ExecutionFailure) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// Client is the narrow execution contract the lifecycle manager and the
// protective order monitor depend on. No exchange wire format leaks past it.
type Client interface {
	// SyncTime synchronizes clocks with the venue. Call before signed requests.
	SyncTime() error

	// GetPrice returns the latest mark price for a symbol.
	GetPrice(symbol string) (float64, error)

	// PlaceOrder submits a plain entry/exit order and returns its reference.
	PlaceOrder(ctx context.Context, symbol string, side OrderSide, typ OrderType, price, qty float64, reduceOnly bool) (*OrderRef, error)

	// PlaceProtectiveOrder submits a stop or take-profit order guarding an
	// open position.
	PlaceProtectiveOrder(ctx context.Context, req ProtectiveRequest) (*OrderRef, error)

	// CancelOrder cancels an active order by ID.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// FetchOpenOrders lists live orders for the symbol as the exchange
	// reports them. The guard reconciles against this, never local state.
	FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error)

	// GetPositionInfo queries current position quantity and PnL for a symbol.
	GetPositionInfo(ctx context.Context, symbol string) (*PositionInfo, error)
}
