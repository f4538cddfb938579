// exchange/client.go
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"atra_engine/logs"
)

// Ensure APIClient implements the Client contract.
var _ Client = (*APIClient)(nil)

// APIClient talks to a Binance USDT-M futures style REST API.
type APIClient struct {
	ApiKey     string
	ApiSecret  string
	BaseURL    string
	Http       *http.Client
	timeOffset int64 // server time minus local time, milliseconds
	recvWindow int64
	mu         sync.Mutex // serializes signed requests through this client
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type serverTimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

// NewAPIClient creates an API client instance.
func NewAPIClient(apiKey, apiSecret, baseURL string, timeoutSeconds, recvWindowSeconds int) *APIClient {
	return &APIClient{
		ApiKey:     apiKey,
		ApiSecret:  apiSecret,
		BaseURL:    baseURL,
		Http:       &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
		recvWindow: int64(recvWindowSeconds * 1000),
	}
}

// SyncTime synchronizes with the venue clock and stores the offset used to
// timestamp signed requests.
func (c *APIClient) SyncTime() error {
	resp, err := c.Http.Get(c.BaseURL + "/fapi/v1/time")
	if err != nil {
		return &TransientError{Op: "SyncTime", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientError{Op: "SyncTime", Err: err}
	}
	if resp.StatusCode >= 400 {
		return &TransientError{Op: "SyncTime", Err: fmt.Errorf("HTTP %d, body: %s", resp.StatusCode, string(body))}
	}

	var tr serverTimeResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return fmt.Errorf("failed to parse server time JSON: %w, body: %s", err, string(body))
	}

	c.mu.Lock()
	c.timeOffset = tr.ServerTime - time.Now().UnixMilli()
	c.mu.Unlock()
	logs.Infof("[API Client] Time synchronization completed, offset: %d ms", c.timeOffset)
	return nil
}

// sendRequest signs and sends one request. All parameters travel in the query
// string, which is also what gets signed.
func (c *APIClient) sendRequest(ctx context.Context, method, endpoint string, params url.Values, target interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	timestamp := time.Now().UnixMilli() + c.timeOffset
	params.Set("timestamp", strconv.FormatInt(timestamp, 10))
	params.Set("recvWindow", strconv.FormatInt(c.recvWindow, 10))

	queryString := params.Encode()
	mac := hmac.New(sha256.New, []byte(c.ApiSecret))
	_, _ = mac.Write([]byte(queryString))
	signature := hex.EncodeToString(mac.Sum(nil))

	fullURL := fmt.Sprintf("%s%s?%s&signature=%s", c.BaseURL, endpoint, queryString, signature)

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if method == http.MethodPost || method == http.MethodDelete {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("X-MBX-APIKEY", c.ApiKey)

	resp, err := c.Http.Do(req)
	if err != nil {
		return &TransientError{Op: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientError{Op: endpoint, Err: err}
	}

	if resp.StatusCode >= 400 {
		var errResp apiError
		if json.Unmarshal(body, &errResp) == nil && errResp.Msg != "" {
			apiErr := fmt.Errorf("API error: %s (code: %d)", errResp.Msg, errResp.Code)
			// Rate limits and server-side errors are retryable; hard
			// rejections (bad params, insufficient margin) are not.
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return &TransientError{Op: endpoint, Err: apiErr}
			}
			return &ExecutionFailure{Op: endpoint, Err: apiErr}
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return &TransientError{Op: endpoint, Err: fmt.Errorf("HTTP %d, body: %s", resp.StatusCode, string(body))}
		}
		return &ExecutionFailure{Op: endpoint, Err: fmt.Errorf("HTTP %d, body: %s", resp.StatusCode, string(body))}
	}

	if target != nil {
		if err := json.Unmarshal(body, target); err != nil {
			return fmt.Errorf("failed to decode JSON: %w, body: %s", err, string(body))
		}
	}
	return nil
}

// GetPrice retrieves the latest price for a trading pair.
func (c *APIClient) GetPrice(symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var data struct {
		Price string `json:"price"`
	}
	if err := c.sendRequest(context.Background(), http.MethodGet, "/fapi/v1/ticker/price", params, &data); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(data.Price, 64)
}

// PlaceOrder submits a plain entry or exit order.
func (c *APIClient) PlaceOrder(ctx context.Context, symbol string, side OrderSide, typ OrderType, price, qty float64, reduceOnly bool) (*OrderRef, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", string(typ))
	params.Set("quantity", strconv.FormatFloat(qty, 'f', -1, 64))
	if typ == Limit {
		params.Set("timeInForce", "GTC")
		params.Set("price", strconv.FormatFloat(price, 'f', -1, 64))
	}
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}

	var placed Order
	if err := c.sendRequest(ctx, http.MethodPost, "/fapi/v1/order", params, &placed); err != nil {
		return nil, err
	}
	return &OrderRef{
		OrderID:  strconv.FormatInt(placed.OrderID, 10),
		ClientID: placed.ClientOrderID,
		Qty:      qty,
		Side:     side,
	}, nil
}

// PlaceProtectiveOrder submits a STOP_MARKET or TAKE_PROFIT_MARKET order
// guarding an open position.
func (c *APIClient) PlaceProtectiveOrder(ctx context.Context, req ProtectiveRequest) (*OrderRef, error) {
	typ := StopMarket
	if req.Kind == KindTakeProfit {
		typ = TPMarket
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(typ))
	params.Set("stopPrice", strconv.FormatFloat(req.TriggerPrice, 'f', -1, 64))
	params.Set("quantity", strconv.FormatFloat(req.Qty, 'f', -1, 64))
	params.Set("reduceOnly", "true")
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	var placed Order
	if err := c.sendRequest(ctx, http.MethodPost, "/fapi/v1/order", params, &placed); err != nil {
		return nil, err
	}
	return &OrderRef{
		OrderID:      strconv.FormatInt(placed.OrderID, 10),
		ClientID:     placed.ClientOrderID,
		Kind:         req.Kind,
		TriggerPrice: req.TriggerPrice,
		Qty:          req.Qty,
		Side:         req.Side,
	}, nil
}

// CancelOrder cancels an active order.
func (c *APIClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	return c.sendRequest(ctx, http.MethodDelete, "/fapi/v1/order", params, nil)
}

// FetchOpenOrders lists the venue's live orders for a symbol.
func (c *APIClient) FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var open []Order
	if err := c.sendRequest(ctx, http.MethodGet, "/fapi/v1/openOrders", params, &open); err != nil {
		return nil, err
	}
	return open, nil
}

type positionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	UnrealizedProfit string `json:"unRealizedProfit"`
	Notional         string `json:"notional"`
}

// GetPositionInfo queries position quantity and PnL for a symbol.
func (c *APIClient) GetPositionInfo(ctx context.Context, symbol string) (*PositionInfo, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var risks []positionRisk
	if err := c.sendRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, &risks); err != nil {
		return nil, err
	}

	for _, p := range risks {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		upnl, _ := strconv.ParseFloat(p.UnrealizedProfit, 64)
		notional, _ := strconv.ParseFloat(p.Notional, 64)
		return &PositionInfo{
			Symbol:           p.Symbol,
			PositionAmt:      amt,
			EntryPrice:       entry,
			UnrealizedProfit: upnl,
			Notional:         notional,
		}, nil
	}
	return &PositionInfo{Symbol: symbol}, nil
}
