package signal

import (
	"context"
	"time"

	"futures-momentum-bot/internal/indicator"
	"futures-momentum-bot/internal/venue"
)

// Tier is one timeframe level of the progressive filter, coarse to fine.
type Tier struct {
	Name     string           // "4h", "1h", "15m"
	Interval string           // venue interval string
	Params   indicator.Params // fixed per tier, never mutated at runtime
	Cached   bool             // coarse tiers read through the timeframe cache
}

// DefaultTiers is the production filter: a slow 4h trend gate, a 1h
// confirmation, and a fresh 15m crossover trigger.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "4h", Interval: "4h", Params: indicator.Params{FastPeriod: 12, SlowPeriod: 26, SignalPeriod: 9, MinCandles: 100}, Cached: true},
		{Name: "1h", Interval: "1h", Params: indicator.Params{FastPeriod: 12, SlowPeriod: 26, SignalPeriod: 9, MinCandles: 100}, Cached: true},
		{Name: "15m", Interval: "15m", Params: indicator.Params{FastPeriod: 12, SlowPeriod: 26, SignalPeriod: 9, MinCandles: 100}},
	}
}

// FinalDecision is the pipeline's verdict for one symbol in one scan.
type FinalDecision string

const (
	DecisionBuy      FinalDecision = "BUY"
	DecisionWait     FinalDecision = "WAIT"
	DecisionFiltered FinalDecision = "FILTERED"
)

// Decision is the multi-timeframe result for one symbol. Built once per
// scan pass, never mutated after construction.
type Decision struct {
	Symbol      string                              `json:"symbol"`
	PerTier     map[string]indicator.Classification `json:"per_tier"`
	Final       FinalDecision                       `json:"final"`
	Reason      string                              `json:"reason"`
	FilteredBy  string                              `json:"filtered_by,omitempty"`
	EvaluatedAt time.Time                           `json:"evaluated_at"`
}

// TierStats counts per-tier outcomes within one scan. Finer tiers are
// only ever counted for symbols that passed every coarser tier, which
// keeps the aggregate numbers meaningful.
type TierStats struct {
	Evaluated int `json:"evaluated"`
	Passed    int `json:"passed"`
}

// ScanResult summarizes one full pipeline pass over the universe.
type ScanResult struct {
	ScanID         string                `json:"scan_id"`
	StartTime      time.Time             `json:"start_time"`
	Duration       time.Duration         `json:"duration"`
	SymbolsScanned int                   `json:"symbols_scanned"`
	Decisions      []Decision            `json:"decisions"`
	Buys           []Decision            `json:"buys"`
	Stats          map[string]*TierStats `json:"stats"`
}

// CandleSource fetches candles for classification. Satisfied by the
// venue client; stubbed in tests.
type CandleSource interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]venue.Candle, error)
}

// PositionChecker reports symbols that already hold an open position.
// Those are excluded from evaluation entirely.
type PositionChecker interface {
	HasOpenPosition(symbol string) bool
}
