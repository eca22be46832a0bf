package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-momentum-bot/internal/venue"
)

// mockVenue records order traffic and serves scripted responses.
type mockVenue struct {
	mu sync.Mutex

	markPrice   float64
	markErr     error
	markEntered chan struct{} // signaled when a caller reaches GetMarkPrice
	markGate    chan struct{} // when non-nil, GetMarkPrice blocks until closed

	filters    *venue.SymbolFilters
	filtersErr error

	leverageErr  error
	leverageSets int

	marketOrders []placedOrder
	marketErr    error

	stopOrders  []placedOrder
	stopErr     error
	nextOrderID int64

	cancels   []int64
	cancelErr error

	venuePositions []venue.OpenPosition
	venuePosErr    error

	positionBySymbol *venue.OpenPosition
}

type placedOrder struct {
	symbol     string
	side       string
	quantity   string
	stopPrice  string
	reduceOnly bool
}

func newMockVenue() *mockVenue {
	return &mockVenue{
		markPrice: 100,
		filters: &venue.SymbolFilters{
			Symbol:      "BTCUSDT",
			StepSize:    "0.001",
			TickSize:    "0.01",
			MinNotional: 5,
		},
		nextOrderID: 1000,
	}
}

func (m *mockVenue) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	price, err := m.markPrice, m.markErr
	entered, gate := m.markEntered, m.markGate
	m.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}
	return price, err
}

func (m *mockVenue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leverageSets++
	return m.leverageErr
}

func (m *mockVenue) PlaceMarketOrder(ctx context.Context, symbol, side, quantity string, reduceOnly bool) (*venue.OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.marketErr != nil {
		return nil, m.marketErr
	}
	m.marketOrders = append(m.marketOrders, placedOrder{symbol: symbol, side: side, quantity: quantity, reduceOnly: reduceOnly})
	m.nextOrderID++
	return &venue.OrderResponse{OrderID: m.nextOrderID, Symbol: symbol, AvgPrice: m.markPrice}, nil
}

func (m *mockVenue) PlaceStopOrder(ctx context.Context, symbol, side, stopPrice string) (*venue.OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopErr != nil {
		return nil, m.stopErr
	}
	m.stopOrders = append(m.stopOrders, placedOrder{symbol: symbol, side: side, stopPrice: stopPrice})
	m.nextOrderID++
	return &venue.OrderResponse{OrderID: m.nextOrderID, Symbol: symbol}, nil
}

func (m *mockVenue) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.cancels = append(m.cancels, orderID)
	return nil
}

func (m *mockVenue) GetOpenPositions(ctx context.Context) ([]venue.OpenPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.venuePositions, m.venuePosErr
}

func (m *mockVenue) GetPositionBySymbol(ctx context.Context, symbol string) (*venue.OpenPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.positionBySymbol != nil {
		return m.positionBySymbol, nil
	}
	return &venue.OpenPosition{Symbol: symbol}, nil
}

func (m *mockVenue) GetSymbolFilters(ctx context.Context, symbol string) (*venue.SymbolFilters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filters, m.filtersErr
}

func (m *mockVenue) stopOrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stopOrders)
}

// stubPrices is a fixed price table standing in for the stream cache.
type stubPrices struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (s *stubPrices) Get(symbol string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prices[symbol]
	return p, ok
}

func (s *stubPrices) set(symbol string, price float64) {
	s.mu.Lock()
	s.prices[symbol] = price
	s.mu.Unlock()
}

func testConfig() Config {
	return Config{
		MaxOpenPositions: 3,
		PositionNotional: 100,
		MinNotional:      10,
		Leverage:         1,
		InitialStopPct:   0.02,
		TrailPct:         0.015,
		Cooldown:         time.Hour,
	}
}

func newTestManager(mock *mockVenue, prices *stubPrices) *Manager {
	var src PriceSource
	if prices != nil {
		src = prices
	}
	return NewManager(mock, src, nil, nil, testConfig(), zerolog.Nop())
}

func TestOpenRejectsDuplicate(t *testing.T) {
	mock := newMockVenue()
	m := newTestManager(mock, nil)
	ctx := context.Background()

	if _, err := m.Open(ctx, "BTCUSDT", "crossover"); err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	if _, err := m.Open(ctx, "BTCUSDT", "crossover"); !errors.Is(err, ErrPositionExists) {
		t.Errorf("expected ErrPositionExists, got %v", err)
	}
	if len(mock.marketOrders) != 1 {
		t.Errorf("duplicate open placed an order, saw %d orders", len(mock.marketOrders))
	}
}

func TestOpenEnforcesSlotLimit(t *testing.T) {
	mock := newMockVenue()
	m := newTestManager(mock, nil)
	m.cfg.MaxOpenPositions = 1
	ctx := context.Background()

	if _, err := m.Open(ctx, "BTCUSDT", ""); err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	if _, err := m.Open(ctx, "ETHUSDT", ""); !errors.Is(err, ErrMaxPositions) {
		t.Errorf("expected ErrMaxPositions, got %v", err)
	}
}

func TestConcurrentOpensRespectSlotCap(t *testing.T) {
	mock := newMockVenue()
	mock.markEntered = make(chan struct{}, 1)
	mock.markGate = make(chan struct{})
	m := newTestManager(mock, nil)
	m.cfg.MaxOpenPositions = 1
	ctx := context.Background()

	firstErr := make(chan error, 1)
	go func() {
		_, err := m.Open(ctx, "BTCUSDT", "")
		firstErr <- err
	}()

	// The first open has reserved the only slot and is parked mid-entry.
	<-mock.markEntered

	secondErr := make(chan error, 1)
	go func() {
		_, err := m.Open(ctx, "ETHUSDT", "")
		secondErr <- err
	}()

	select {
	case err := <-secondErr:
		if !errors.Is(err, ErrMaxPositions) {
			t.Errorf("expected ErrMaxPositions against the in-flight reservation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second open did not fail fast against the in-flight reservation")
	}

	close(mock.markGate)
	if err := <-firstErr; err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	if got := len(m.GetOpenPositions()); got != 1 {
		t.Errorf("expected exactly 1 open position, got %d", got)
	}
}

func TestOpenFailedEntryRecordsNothing(t *testing.T) {
	mock := newMockVenue()
	m := newTestManager(mock, nil)
	ctx := context.Background()

	mock.marketErr = errors.New("insufficient margin")
	if _, err := m.Open(ctx, "BTCUSDT", ""); err == nil {
		t.Fatal("expected open to fail")
	}
	if m.HasOpenPosition("BTCUSDT") {
		t.Error("failed entry must not record a position")
	}

	// No cooldown either: the next attempt goes straight through.
	mock.marketErr = nil
	if _, err := m.Open(ctx, "BTCUSDT", ""); err != nil {
		t.Errorf("retry after failed entry should succeed, got %v", err)
	}
}

func TestOpenStopFailureKeepsPositionAndCooldown(t *testing.T) {
	mock := newMockVenue()
	m := newTestManager(mock, nil)
	ctx := context.Background()

	mock.stopErr = errors.New("stop rejected")
	pos, err := m.Open(ctx, "BTCUSDT", "")
	if err != nil {
		t.Fatalf("open must survive a stop failure: %v", err)
	}
	if pos.StopOrderID != 0 {
		t.Errorf("expected no stop order id, got %d", pos.StopOrderID)
	}
	if !m.HasOpenPosition("BTCUSDT") {
		t.Fatal("position must be recorded despite stop failure")
	}

	// Venue reports it closed; the cooldown from the open still holds.
	m.Reconcile(ctx)
	if _, err := m.Open(ctx, "BTCUSDT", ""); !errors.Is(err, ErrCoolingDown) {
		t.Errorf("expected ErrCoolingDown after close, got %v", err)
	}
}

func TestTrailReplacesMissingStop(t *testing.T) {
	mock := newMockVenue()
	prices := &stubPrices{prices: map[string]float64{"BTCUSDT": 100}}
	m := newTestManager(mock, prices)
	ctx := context.Background()

	mock.stopErr = errors.New("stop rejected")
	if _, err := m.Open(ctx, "BTCUSDT", ""); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	mock.stopErr = nil
	m.Trail(ctx)

	positions := m.GetOpenPositions()
	if len(positions) != 1 || positions[0].StopOrderID == 0 {
		t.Error("trail pass must re-place a missing stop order")
	}
	if mock.stopOrderCount() != 1 {
		t.Errorf("expected exactly 1 stop order, got %d", mock.stopOrderCount())
	}
}

func TestTrailRatchetNeverLowersStop(t *testing.T) {
	mock := newMockVenue()
	prices := &stubPrices{prices: map[string]float64{"BTCUSDT": 100}}
	m := newTestManager(mock, prices)
	ctx := context.Background()

	if _, err := m.Open(ctx, "BTCUSDT", ""); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	stopAfter := func() float64 {
		positions := m.GetOpenPositions()
		if len(positions) != 1 {
			t.Fatalf("expected 1 position, got %d", len(positions))
		}
		return positions[0].CurrentStopPrice
	}

	initial := stopAfter() // 2% under the 100 entry
	if initial >= 100 {
		t.Fatalf("initial stop %f not below entry", initial)
	}

	var lastStop float64 = initial
	for _, price := range []float64{110, 105, 104, 120, 111} {
		prices.set("BTCUSDT", price)
		m.Trail(ctx)
		cur := stopAfter()
		if cur < lastStop {
			t.Fatalf("stop fell from %f to %f at price %f", lastStop, cur, price)
		}
		lastStop = cur
	}

	// 120 was the high-water mark.
	want := 120 * (1 - m.cfg.TrailPct)
	if lastStop < want-0.01 || lastStop > want {
		t.Errorf("final stop %f, want ~%f (trail below highest price)", lastStop, want)
	}
}

func TestTrailKeepsStopOnModifyFailure(t *testing.T) {
	mock := newMockVenue()
	prices := &stubPrices{prices: map[string]float64{"BTCUSDT": 100}}
	m := newTestManager(mock, prices)
	ctx := context.Background()

	if _, err := m.Open(ctx, "BTCUSDT", ""); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	before := m.GetOpenPositions()[0]

	prices.set("BTCUSDT", 150)
	mock.stopErr = errors.New("venue down")
	m.Trail(ctx)

	after := m.GetOpenPositions()[0]
	if after.CurrentStopPrice != before.CurrentStopPrice {
		t.Errorf("stop moved from %f to %f despite modify failure", before.CurrentStopPrice, after.CurrentStopPrice)
	}
	if after.StopOrderID != before.StopOrderID {
		t.Error("stop order id must not change on modify failure")
	}
	if after.HighestPrice != 150 {
		t.Errorf("high-water mark should still advance, got %f", after.HighestPrice)
	}
}

func TestReconcileSettlesExactlyOnce(t *testing.T) {
	mock := newMockVenue()
	m := newTestManager(mock, nil)
	ctx := context.Background()

	if _, err := m.Open(ctx, "BTCUSDT", ""); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	stopID := m.GetOpenPositions()[0].StopOrderID

	// Venue reports no open positions: the stop filled out-of-band.
	if err := m.Reconcile(ctx); err != nil {
		t.Fatalf("first reconcile failed: %v", err)
	}
	if err := m.Reconcile(ctx); err != nil {
		t.Fatalf("second reconcile failed: %v", err)
	}

	if m.HasOpenPosition("BTCUSDT") {
		t.Error("reconciled position must be removed")
	}

	stats := m.Stats()
	if total := stats.Wins + stats.Losses + stats.Neutral; total != 1 {
		t.Errorf("expected exactly 1 settled outcome, got %d", total)
	}
	// Exit at the stop price, below entry: a loss.
	if stats.Losses != 1 {
		t.Errorf("expected 1 loss, got %+v", stats)
	}

	mock.mu.Lock()
	cancels := len(mock.cancels)
	mock.mu.Unlock()
	if cancels != 1 || mock.cancels[0] != stopID {
		t.Errorf("expected one defensive cancel of order %d, got %v", stopID, mock.cancels)
	}
}

func TestReconcileLeavesLivePositionsAlone(t *testing.T) {
	mock := newMockVenue()
	m := newTestManager(mock, nil)
	ctx := context.Background()

	if _, err := m.Open(ctx, "BTCUSDT", ""); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	mock.mu.Lock()
	mock.venuePositions = []venue.OpenPosition{{Symbol: "BTCUSDT", PositionAmt: 1, MarkPrice: 100}}
	mock.mu.Unlock()

	if err := m.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if !m.HasOpenPosition("BTCUSDT") {
		t.Error("position present on venue must survive reconciliation")
	}
}

func TestReconcileVenueErrorLeavesStateUntouched(t *testing.T) {
	mock := newMockVenue()
	m := newTestManager(mock, nil)
	ctx := context.Background()

	if _, err := m.Open(ctx, "BTCUSDT", ""); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	mock.mu.Lock()
	mock.venuePosErr = errors.New("timeout")
	mock.mu.Unlock()

	if err := m.Reconcile(ctx); err == nil {
		t.Fatal("expected reconcile to surface the venue error")
	}
	if !m.HasOpenPosition("BTCUSDT") {
		t.Error("a failed listing must not close anything locally")
	}
}

func TestCloseUsesVenueSizeAndClearsCooldown(t *testing.T) {
	mock := newMockVenue()
	m := newTestManager(mock, nil)
	ctx := context.Background()

	if _, err := m.Open(ctx, "BTCUSDT", ""); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	// The venue's size has drifted from the local quantity.
	mock.mu.Lock()
	mock.positionBySymbol = &venue.OpenPosition{Symbol: "BTCUSDT", PositionAmt: 0.5, MarkPrice: 110}
	mock.markPrice = 110
	mock.mu.Unlock()

	if err := m.Close(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	mock.mu.Lock()
	exit := mock.marketOrders[len(mock.marketOrders)-1]
	mock.mu.Unlock()
	if exit.side != "SELL" || !exit.reduceOnly {
		t.Errorf("exit order must be reduce-only SELL, got %+v", exit)
	}
	if exit.quantity != "0.5" {
		t.Errorf("exit quantity %q, want the venue-side 0.5", exit.quantity)
	}

	if stats := m.Stats(); stats.Wins != 1 {
		t.Errorf("exit above entry must tally a win, got %+v", stats)
	}

	// Cooldown is cleared on manual close: immediate reopen is allowed.
	mock.mu.Lock()
	mock.positionBySymbol = nil
	mock.mu.Unlock()
	if _, err := m.Open(ctx, "BTCUSDT", ""); err != nil {
		t.Errorf("reopen after manual close should succeed, got %v", err)
	}
}

func TestCloseWithoutPosition(t *testing.T) {
	m := newTestManager(newMockVenue(), nil)
	if err := m.Close(context.Background(), "BTCUSDT"); !errors.Is(err, ErrNoPosition) {
		t.Errorf("expected ErrNoPosition, got %v", err)
	}
}
