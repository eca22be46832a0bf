package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-momentum-bot/internal/indicator"
	"futures-momentum-bot/internal/position"
	"futures-momentum-bot/internal/signal"
	"futures-momentum-bot/internal/venue"
)

// mockExchange serves scripted market data and records order traffic.
type mockExchange struct {
	mu sync.Mutex

	closes    []float64
	symbols   []venue.TradableSymbol
	positions []venue.OpenPosition

	marketOrders int

	stopCalls     int
	failFirstStop bool
	stopEntered   chan struct{} // signaled when a stop order call arrives
	stopGate      chan struct{} // when non-nil, stop order calls block until closed
	stopCancelled bool          // a blocked stop order saw its context cancelled
}

func (m *mockExchange) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]venue.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	candles := make([]venue.Candle, len(m.closes))
	for i, c := range m.closes {
		candles[i] = venue.Candle{OpenTime: int64(i), Close: c, CloseTime: int64(i)}
	}
	return candles, nil
}

func (m *mockExchange) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	return 100, nil
}

func (m *mockExchange) GetBalance(ctx context.Context) (float64, error) {
	return 1000, nil
}

func (m *mockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (m *mockExchange) PlaceMarketOrder(ctx context.Context, symbol, side, quantity string, reduceOnly bool) (*venue.OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marketOrders++
	return &venue.OrderResponse{OrderID: int64(m.marketOrders), Symbol: symbol, AvgPrice: 100}, nil
}

func (m *mockExchange) PlaceStopOrder(ctx context.Context, symbol, side, stopPrice string) (*venue.OrderResponse, error) {
	m.mu.Lock()
	m.stopCalls++
	call := m.stopCalls
	fail := m.failFirstStop
	entered, gate := m.stopEntered, m.stopGate
	m.mu.Unlock()

	if fail && call == 1 {
		return nil, errors.New("stop rejected")
	}
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.stopCancelled = true
			m.mu.Unlock()
			return nil, ctx.Err()
		case <-gate:
		}
	}
	return &venue.OrderResponse{OrderID: 99, Symbol: symbol}, nil
}

func (m *mockExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	return nil
}

func (m *mockExchange) GetOpenPositions(ctx context.Context) ([]venue.OpenPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]venue.OpenPosition(nil), m.positions...), nil
}

func (m *mockExchange) GetPositionBySymbol(ctx context.Context, symbol string) (*venue.OpenPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		if p.Symbol == symbol {
			cp := p
			return &cp, nil
		}
	}
	return &venue.OpenPosition{Symbol: symbol}, nil
}

func (m *mockExchange) ListTradableSymbols(ctx context.Context, minVolume float64) ([]venue.TradableSymbol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.symbols, nil
}

func (m *mockExchange) GetSymbolFilters(ctx context.Context, symbol string) (*venue.SymbolFilters, error) {
	return &venue.SymbolFilters{Symbol: symbol, StepSize: "0.001", TickSize: "0.01", MinNotional: 5}, nil
}

func (m *mockExchange) marketOrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marketOrders
}

func (m *mockExchange) wasStopCancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCancelled
}

func testManagerConfig() position.Config {
	return position.Config{
		MaxOpenPositions: 3,
		PositionNotional: 100,
		MinNotional:      10,
		Leverage:         1,
		InitialStopPct:   0.02,
		TrailPct:         0.015,
		Cooldown:         time.Hour,
	}
}

// triggerTier classifies to BUY on triggerCloses: a declining series
// whose last candle pushes the MACD through the signal line with an
// improving histogram, satisfying the strict crossover test.
var triggerTier = signal.Tier{
	Name:     "15m",
	Interval: "15m",
	Params:   indicator.Params{FastPeriod: 1, SlowPeriod: 2, SignalPeriod: 2, MinCandles: 6},
}

var triggerCloses = []float64{100, 98, 93.6, 88.8, 84.1, 89.4}

func newTestEngine(mock *mockExchange, cfg Config) (*Engine, *position.Manager) {
	manager := position.NewManager(mock, nil, nil, nil, testManagerConfig(), zerolog.Nop())
	pipeline := signal.NewPipeline([]signal.Tier{triggerTier}, map[string]*signal.TimeframeCache{},
		mock, manager, nil, signal.PipelineConfig{}, zerolog.Nop())
	eng := New(mock, pipeline, manager, venue.NewPriceCache(time.Minute), nil, nil, cfg, zerolog.Nop())
	return eng, manager
}

func TestStopWaitsForInFlightOrder(t *testing.T) {
	mock := &mockExchange{
		failFirstStop: true,
		stopEntered:   make(chan struct{}, 1),
		stopGate:      make(chan struct{}),
		positions:     []venue.OpenPosition{{Symbol: "BTCUSDT", PositionAmt: 1, MarkPrice: 100}},
	}
	eng, manager := newTestEngine(mock, Config{
		ScanInterval:  time.Hour,
		TrailInterval: 20 * time.Millisecond,
		PriceInterval: time.Hour,
		SweepInterval: time.Hour,
	})

	// The entry goes through but its protective stop is rejected, so
	// the next trail pass must re-place it.
	if _, err := manager.Open(context.Background(), "BTCUSDT", ""); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := eng.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// A trail pass is now parked inside the stop order submission.
	select {
	case <-mock.stopEntered:
	case <-time.After(2 * time.Second):
		t.Fatal("trail pass never re-placed the stop order")
	}

	done := make(chan struct{})
	go func() {
		eng.Stop()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Stop returned while an order submission was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(mock.stopGate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the order settled")
	}

	if mock.wasStopCancelled() {
		t.Error("shutdown cancelled an in-flight order submission")
	}
}

func TestRunScanHonorsDryRun(t *testing.T) {
	mock := &mockExchange{closes: triggerCloses}
	eng, _ := newTestEngine(mock, Config{DryRun: true})
	eng.universe = []string{"BTCUSDT"}

	eng.runScan()
	if got := mock.marketOrderCount(); got != 0 {
		t.Errorf("dry run submitted %d orders", got)
	}
	if last := eng.pipeline.LastScan(); last == nil || len(last.Buys) != 1 {
		t.Error("dry run must still evaluate and record BUY decisions")
	}

	mock = &mockExchange{closes: triggerCloses}
	eng, _ = newTestEngine(mock, Config{})
	eng.universe = []string{"BTCUSDT"}

	eng.runScan()
	if got := mock.marketOrderCount(); got != 1 {
		t.Errorf("expected 1 entry order, got %d", got)
	}
}
