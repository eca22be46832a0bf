package venue

import "fmt"

// Candle is one OHLCV bar, ascending by OpenTime within a series.
// Immutable once fetched.
type Candle struct {
	OpenTime  int64   `json:"open_time"` // ms epoch
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"close_time"`
}

// Closes extracts the close series from a candle slice.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// MarkPrice is the venue's mark price snapshot for a symbol.
type MarkPrice struct {
	Symbol    string  `json:"symbol"`
	MarkPrice float64 `json:"markPrice,string"`
	Time      int64   `json:"time"`
}

// OrderResponse is the venue's acknowledgement of a placed order.
type OrderResponse struct {
	OrderID       int64   `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId"`
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	AvgPrice      float64 `json:"avgPrice,string"`
	StopPrice     float64 `json:"stopPrice,string"`
}

// OpenPosition is one row of the venue's authoritative position list.
// PositionAmt is signed: positive for long, negative for short, zero flat.
type OpenPosition struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"positionAmt,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	MarkPrice        float64 `json:"markPrice,string"`
	UnrealizedProfit float64 `json:"unRealizedProfit,string"`
	Leverage         float64 `json:"leverage,string"`
}

// TradableSymbol is one entry of the symbol universe.
type TradableSymbol struct {
	Symbol string  `json:"symbol"`
	Volume float64 `json:"volume"` // 24h quote volume
	Price  float64 `json:"price"`
}

// SymbolFilters holds the order-precision filters for a symbol.
type SymbolFilters struct {
	Symbol      string
	StepSize    string // LOT_SIZE step, e.g. "0.001"
	TickSize    string // PRICE_FILTER tick, e.g. "0.01"
	MinNotional float64
}

// APIError is a non-success status returned by the venue. The engine
// treats it the same as a transport failure.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue error %d (http %d): %s", e.Code, e.StatusCode, e.Message)
}

// raw exchangeInfo payload fragments

type exchangeInfo struct {
	Symbols []exchangeSymbol `json:"symbols"`
}

type exchangeSymbol struct {
	Symbol     string           `json:"symbol"`
	Status     string           `json:"status"`
	QuoteAsset string           `json:"quoteAsset"`
	Filters    []exchangeFilter `json:"filters"`
}

type exchangeFilter struct {
	FilterType  string `json:"filterType"`
	StepSize    string `json:"stepSize"`
	TickSize    string `json:"tickSize"`
	MinNotional string `json:"notional"`
}

// ticker24h is one row of the 24h ticker list used for the universe scan.
type ticker24h struct {
	Symbol      string  `json:"symbol"`
	LastPrice   float64 `json:"lastPrice,string"`
	QuoteVolume float64 `json:"quoteVolume,string"`
}
