// market/provider.go
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"atra_engine/logs"

	"github.com/go-resty/resty/v2"
)

// Provider produces market windows. Implementations may fail with
// ErrDataUnavailable; they must never block outside the network call itself.
type Provider interface {
	GetWindow(ctx context.Context, symbol, timeframe string) (*Window, error)
}

// RESTProvider fetches klines from a Binance-futures style REST endpoint and
// derives the indicator series locally.
type RESTProvider struct {
	http       *resty.Client
	windowSize int
}

// NewRESTProvider builds a provider against baseURL with the given window
// size (number of candles per fetch).
func NewRESTProvider(baseURL string, timeout time.Duration, windowSize int) *RESTProvider {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &RESTProvider{http: client, windowSize: windowSize}
}

// GetWindow fetches one symbol/timeframe window. Any transport or decode
// failure is wrapped into ErrDataUnavailable so the filter boundary can
// degrade fail-open.
func (p *RESTProvider) GetWindow(ctx context.Context, symbol, timeframe string) (*Window, error) {
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"interval": timeframe,
			"limit":    strconv.Itoa(p.windowSize),
		}).
		Get("/fapi/v1/klines")
	if err != nil {
		return nil, fmt.Errorf("%w: klines fetch for %s failed: %v", ErrDataUnavailable, symbol, err)
	}
	if resp.StatusCode() >= 400 {
		return nil, fmt.Errorf("%w: klines API for %s returned HTTP %d", ErrDataUnavailable, symbol, resp.StatusCode())
	}

	candles, err := parseKlines(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: empty kline response for %s", ErrDataUnavailable, symbol)
	}

	return &Window{
		Symbol:    symbol,
		Timeframe: timeframe,
		Candles:   candles,
		Ind:       computeIndicators(candles),
		FetchedAt: time.Now(),
	}, nil
}

// parseKlines decodes the Binance array-of-arrays kline payload.
func parseKlines(body []byte) ([]Candle, error) {
	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode kline payload: %v", err)
	}
	candles := make([]Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			return nil, fmt.Errorf("malformed kline row with %d fields", len(row))
		}
		var openTime int64
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			return nil, fmt.Errorf("bad kline open time: %v", err)
		}
		vals := make([]float64, 5)
		for i := 1; i <= 5; i++ {
			var s string
			if err := json.Unmarshal(row[i], &s); err != nil {
				return nil, fmt.Errorf("bad kline field %d: %v", i, err)
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("bad kline number %q: %v", s, err)
			}
			vals[i-1] = f
		}
		candles = append(candles, Candle{
			OpenTime: time.UnixMilli(openTime),
			Open:     vals[0],
			High:     vals[1],
			Low:      vals[2],
			Close:    vals[3],
			Volume:   vals[4],
		})
	}
	return candles, nil
}

// CachedProvider wraps a Provider with an explicit TTL cache. The cache is an
// injected object, never package-level state, so parallel evaluations stay
// safe and tests can pass their own.
type CachedProvider struct {
	inner Provider
	cache *WindowCache
}

func NewCachedProvider(inner Provider, cache *WindowCache) *CachedProvider {
	return &CachedProvider{inner: inner, cache: cache}
}

func (p *CachedProvider) GetWindow(ctx context.Context, symbol, timeframe string) (*Window, error) {
	if w, ok := p.cache.Get(symbol, timeframe); ok {
		return w, nil
	}
	w, err := p.inner.GetWindow(ctx, symbol, timeframe)
	if err != nil {
		return nil, err
	}
	p.cache.Put(w)
	logs.Debugf("[Market] Cached fresh window for %s/%s (%d candles)", symbol, timeframe, w.Len())
	return w, nil
}
