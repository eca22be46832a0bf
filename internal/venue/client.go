package venue

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
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// BaseURL is the production futures API URL.
	BaseURL = "https://fapi.binance.com"
	// TestnetURL is the testnet futures API URL.
	TestnetURL = "https://testnet.binancefuture.com"

	// recvWindow tolerates clock skew on signed requests.
	recvWindow = "10000"
)

// Exchange is the trading surface the engine consumes. All methods
// route through the request gateway; a non-success venue status code is
// returned as *APIError and treated like a transport failure upstream.
type Exchange interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	GetBalance(ctx context.Context) (float64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceMarketOrder(ctx context.Context, symbol, side, quantity string, reduceOnly bool) (*OrderResponse, error)
	PlaceStopOrder(ctx context.Context, symbol, side, stopPrice string) (*OrderResponse, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	GetOpenPositions(ctx context.Context) ([]OpenPosition, error)
	GetPositionBySymbol(ctx context.Context, symbol string) (*OpenPosition, error)
	ListTradableSymbols(ctx context.Context, minVolume float64) ([]TradableSymbol, error)
	GetSymbolFilters(ctx context.Context, symbol string) (*SymbolFilters, error)
}

// Client is the signed REST client for the futures venue. It performs a
// single attempt per call: transient failures surface to the caller and
// are retried by the next scheduled tick, never by a busy loop here.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	gateway    *Gateway

	filtersMu        sync.RWMutex
	filters          map[string]*SymbolFilters
	filtersFetchedAt time.Time
}

// NewClient creates a venue client routing all traffic through gateway.
func NewClient(apiKey, secretKey string, testnet bool, gateway *Gateway) *Client {
	baseURL := BaseURL
	if testnet {
		baseURL = TestnetURL
	}

	// Keys must be trimmed or signature generation breaks.
	return &Client{
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		gateway:    gateway,
		filters:    make(map[string]*SymbolFilters),
	}
}

// ==================== MARKET DATA ====================

// GetCandles fetches up to limit OHLCV candles, ascending by open time.
func (c *Client) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	body, err := c.gateway.Do(ctx, Call{
		Endpoint: "/fapi/v1/klines",
		// limit is part of the key: a 50-candle response must never be
		// served to a caller that asked for 200.
		CacheKey: "klines:" + symbol + ":" + interval + ":" + strconv.Itoa(limit),
		Fn: func(ctx context.Context) ([]byte, error) {
			return c.publicGet(ctx, "/fapi/v1/klines", map[string]string{
				"symbol":   symbol,
				"interval": interval,
				"limit":    strconv.Itoa(limit),
			})
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching candles: %w", err)
	}

	return parseKlines(body)
}

// parseKlines decodes the venue's kline array-of-arrays payload. Rows
// that are short or carry unexpected field types return an error rather
// than a partial series; a truncated series would skew the indicators.
func parseKlines(body []byte) ([]Candle, error) {
	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("error parsing candles: %w", err)
	}

	candles := make([]Candle, len(raw))
	for i, row := range raw {
		if len(row) < 7 {
			return nil, fmt.Errorf("malformed candle row at index %d", i)
		}
		openTime, okOpen := row[0].(float64)
		closeTime, okClose := row[6].(float64)
		if !okOpen || !okClose {
			return nil, fmt.Errorf("malformed candle timestamps at index %d", i)
		}
		candles[i] = Candle{
			OpenTime:  int64(openTime),
			Open:      parseFloat(row[1]),
			High:      parseFloat(row[2]),
			Low:       parseFloat(row[3]),
			Close:     parseFloat(row[4]),
			Volume:    parseFloat(row[5]),
			CloseTime: int64(closeTime),
		}
	}

	return candles, nil
}

// GetMarkPrice fetches the current mark price for a symbol.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	body, err := c.gateway.Do(ctx, Call{
		Endpoint: "/fapi/v1/premiumIndex",
		CacheKey: "markprice:" + symbol,
		Fn: func(ctx context.Context) ([]byte, error) {
			return c.publicGet(ctx, "/fapi/v1/premiumIndex", map[string]string{"symbol": symbol})
		},
	})
	if err != nil {
		return 0, fmt.Errorf("error fetching mark price: %w", err)
	}

	var mp MarkPrice
	if err := json.Unmarshal(body, &mp); err != nil {
		return 0, fmt.Errorf("error parsing mark price: %w", err)
	}

	return mp.MarkPrice, nil
}

// ListTradableSymbols returns USDT-quoted symbols whose 24h quote volume
// is at least minVolume, sorted by volume descending.
func (c *Client) ListTradableSymbols(ctx context.Context, minVolume float64) ([]TradableSymbol, error) {
	body, err := c.gateway.Do(ctx, Call{
		Endpoint: "/fapi/v1/ticker/24hr",
		CacheKey: "tickers24h",
		Fn: func(ctx context.Context) ([]byte, error) {
			return c.publicGet(ctx, "/fapi/v1/ticker/24hr", nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching tickers: %w", err)
	}

	var tickers []ticker24h
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, fmt.Errorf("error parsing tickers: %w", err)
	}

	symbols := make([]TradableSymbol, 0, len(tickers))
	for _, t := range tickers {
		if !strings.HasSuffix(t.Symbol, "USDT") || t.QuoteVolume < minVolume {
			continue
		}
		symbols = append(symbols, TradableSymbol{
			Symbol: t.Symbol,
			Volume: t.QuoteVolume,
			Price:  t.LastPrice,
		})
	}

	sort.Slice(symbols, func(i, j int) bool { return symbols[i].Volume > symbols[j].Volume })

	return symbols, nil
}

// GetSymbolFilters returns precision filters for a symbol. Exchange info
// changes rarely, so the parsed table is held for an hour.
func (c *Client) GetSymbolFilters(ctx context.Context, symbol string) (*SymbolFilters, error) {
	c.filtersMu.RLock()
	if f, ok := c.filters[symbol]; ok && time.Since(c.filtersFetchedAt) < time.Hour {
		c.filtersMu.RUnlock()
		return f, nil
	}
	c.filtersMu.RUnlock()

	body, err := c.gateway.Do(ctx, Call{
		Endpoint: "/fapi/v1/exchangeInfo",
		CacheKey: "exchangeInfo",
		Fn: func(ctx context.Context) ([]byte, error) {
			return c.publicGet(ctx, "/fapi/v1/exchangeInfo", nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching exchange info: %w", err)
	}

	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("error parsing exchange info: %w", err)
	}

	table := make(map[string]*SymbolFilters, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		f := &SymbolFilters{Symbol: s.Symbol, StepSize: "0.001", TickSize: "0.01"}
		for _, filter := range s.Filters {
			switch filter.FilterType {
			case "LOT_SIZE":
				f.StepSize = filter.StepSize
			case "PRICE_FILTER":
				f.TickSize = filter.TickSize
			case "MIN_NOTIONAL":
				f.MinNotional, _ = strconv.ParseFloat(filter.MinNotional, 64)
			}
		}
		table[s.Symbol] = f
	}

	c.filtersMu.Lock()
	c.filters = table
	c.filtersFetchedAt = time.Now()
	c.filtersMu.Unlock()

	f, ok := table[symbol]
	if !ok {
		return nil, fmt.Errorf("symbol %s not tradable", symbol)
	}
	return f, nil
}

// ==================== ACCOUNT ====================

// GetBalance returns the available USDT balance.
func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	body, err := c.gateway.Do(ctx, Call{
		Endpoint: "/fapi/v2/balance",
		CacheKey: "balance",
		Fn: func(ctx context.Context) ([]byte, error) {
			return c.signedRequest(ctx, http.MethodGet, "/fapi/v2/balance", nil)
		},
	})
	if err != nil {
		return 0, fmt.Errorf("error fetching balance: %w", err)
	}

	var balances []struct {
		Asset            string  `json:"asset"`
		AvailableBalance float64 `json:"availableBalance,string"`
	}
	if err := json.Unmarshal(body, &balances); err != nil {
		return 0, fmt.Errorf("error parsing balance: %w", err)
	}

	for _, b := range balances {
		if b.Asset == "USDT" {
			return b.AvailableBalance, nil
		}
	}
	return 0, nil
}

// SetLeverage sets the leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := c.gateway.Do(ctx, Call{
		Endpoint: "/fapi/v1/leverage",
		Fn: func(ctx context.Context) ([]byte, error) {
			return c.signedRequest(ctx, http.MethodPost, "/fapi/v1/leverage", map[string]string{
				"symbol":   symbol,
				"leverage": strconv.Itoa(leverage),
			})
		},
	})
	if err != nil {
		return fmt.Errorf("error setting leverage: %w", err)
	}
	return nil
}

// GetOpenPositions returns the venue's authoritative position list,
// filtered to non-zero position amounts.
func (c *Client) GetOpenPositions(ctx context.Context) ([]OpenPosition, error) {
	body, err := c.gateway.Do(ctx, Call{
		Endpoint: "/fapi/v2/positionRisk",
		Fn: func(ctx context.Context) ([]byte, error) {
			return c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching positions: %w", err)
	}

	var all []OpenPosition
	if err := json.Unmarshal(body, &all); err != nil {
		return nil, fmt.Errorf("error parsing positions: %w", err)
	}

	open := make([]OpenPosition, 0, len(all))
	for _, p := range all {
		if p.PositionAmt != 0 {
			open = append(open, p)
		}
	}
	return open, nil
}

// GetPositionBySymbol returns the venue-side position for one symbol,
// including a zero-amount row when the symbol is flat.
func (c *Client) GetPositionBySymbol(ctx context.Context, symbol string) (*OpenPosition, error) {
	body, err := c.gateway.Do(ctx, Call{
		Endpoint: "/fapi/v2/positionRisk",
		Fn: func(ctx context.Context) ([]byte, error) {
			return c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", map[string]string{
				"symbol": symbol,
			})
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching position: %w", err)
	}

	var positions []OpenPosition
	if err := json.Unmarshal(body, &positions); err != nil {
		return nil, fmt.Errorf("error parsing position: %w", err)
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("no position data for %s", symbol)
	}

	for i := range positions {
		if positions[i].PositionAmt != 0 {
			return &positions[i], nil
		}
	}
	return &positions[0], nil
}

// ==================== ORDERS ====================

// PlaceMarketOrder submits a market order. Quantity is the step-rounded
// string form so precision survives the wire.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol, side, quantity string, reduceOnly bool) (*OrderResponse, error) {
	params := map[string]string{
		"symbol":           symbol,
		"side":             side,
		"type":             "MARKET",
		"quantity":         quantity,
		"newClientOrderId": newClientOrderID(),
		"newOrderRespType": "RESULT",
	}
	if reduceOnly {
		params["reduceOnly"] = "true"
	}
	return c.placeOrder(ctx, params)
}

// PlaceStopOrder submits a close-position STOP_MARKET order at stopPrice.
func (c *Client) PlaceStopOrder(ctx context.Context, symbol, side, stopPrice string) (*OrderResponse, error) {
	return c.placeOrder(ctx, map[string]string{
		"symbol":           symbol,
		"side":             side,
		"type":             "STOP_MARKET",
		"stopPrice":        stopPrice,
		"closePosition":    "true",
		"workingType":      "MARK_PRICE",
		"newClientOrderId": newClientOrderID(),
	})
}

func (c *Client) placeOrder(ctx context.Context, params map[string]string) (*OrderResponse, error) {
	body, err := c.gateway.Do(ctx, Call{
		Endpoint: "/fapi/v1/order",
		Fn: func(ctx context.Context) ([]byte, error) {
			return c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}

	var resp OrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}
	return &resp, nil
}

// CancelOrder cancels an open order by id.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	_, err := c.gateway.Do(ctx, Call{
		Endpoint: "/fapi/v1/order",
		Fn: func(ctx context.Context) ([]byte, error) {
			return c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/order", map[string]string{
				"symbol":  symbol,
				"orderId": strconv.FormatInt(orderID, 10),
			})
		},
	})
	if err != nil {
		return fmt.Errorf("error cancelling order: %w", err)
	}
	return nil
}

// ==================== TRANSPORT ====================

func (c *Client) publicGet(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}

	reqURL := c.baseURL + endpoint
	if len(values) > 0 {
		reqURL += "?" + values.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	return c.send(req)
}

func (c *Client) signedRequest(ctx context.Context, method, endpoint string, params map[string]string) ([]byte, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	values.Set("recvWindow", recvWindow)

	query := values.Encode()
	query += "&signature=" + c.sign(query)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint+"?"+query, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	return c.send(req)
}

func (c *Client) send(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = string(body)
		}
		return nil, apiErr
	}

	return body, nil
}

func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseFloat(v interface{}) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
