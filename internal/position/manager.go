package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-momentum-bot/internal/events"
	"futures-momentum-bot/internal/venue"
)

// Precondition failures. These are rejected before any network call is
// made; they are bookkeeping outcomes, not transport errors.
var (
	ErrPositionExists   = errors.New("position already open for symbol")
	ErrCoolingDown      = errors.New("symbol in cooldown")
	ErrMaxPositions     = errors.New("max concurrent positions reached")
	ErrBelowMinNotional = errors.New("position notional below minimum order size")
	ErrNoPosition       = errors.New("no open position for symbol")
)

// Status is the per-symbol lifecycle state: NONE -> OPEN -> CLOSING -> NONE.
type Status string

const (
	StatusOpen    Status = "OPEN"
	StatusClosing Status = "CLOSING"
	StatusClosed  Status = "CLOSED"
)

// Position is one long position owned exclusively by the Manager.
// HighestPrice and CurrentStopPrice never decrease while OPEN.
type Position struct {
	ID               int64     `json:"id"`
	Symbol           string    `json:"symbol"`
	Side             string    `json:"side"` // always LONG
	Quantity         float64   `json:"quantity"`
	EntryPrice       float64   `json:"entry_price"`
	PositionValue    float64   `json:"position_value"`
	Status           Status    `json:"status"`
	StopOrderID      int64     `json:"stop_order_id"`
	CurrentStopPrice float64   `json:"current_stop_price"`
	HighestPrice     float64   `json:"highest_price"`
	OpenedAt         time.Time `json:"opened_at"`
	UnrealizedPnL    float64   `json:"unrealized_pnl"`
}

// TradingVenue is the slice of the venue client the manager uses.
type TradingVenue interface {
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceMarketOrder(ctx context.Context, symbol, side, quantity string, reduceOnly bool) (*venue.OrderResponse, error)
	PlaceStopOrder(ctx context.Context, symbol, side, stopPrice string) (*venue.OrderResponse, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	GetOpenPositions(ctx context.Context) ([]venue.OpenPosition, error)
	GetPositionBySymbol(ctx context.Context, symbol string) (*venue.OpenPosition, error)
	GetSymbolFilters(ctx context.Context, symbol string) (*venue.SymbolFilters, error)
}

// PriceSource serves cached mark prices; the websocket stream feeds it.
type PriceSource interface {
	Get(symbol string) (float64, bool)
}

// Config holds the manager's risk parameters.
type Config struct {
	MaxOpenPositions int
	PositionNotional float64 // margin committed per position, in quote units
	MinNotional      float64
	Leverage         int
	InitialStopPct   float64 // e.g. 0.02 places the first stop 2% under entry
	TrailPct         float64 // distance kept below the high-water mark
	Cooldown         time.Duration
}

// Stats tallies closed-position outcomes. Each position lands in
// exactly one bucket exactly once, no matter which path saw the close.
type Stats struct {
	Wins    int `json:"wins"`
	Losses  int `json:"losses"`
	Neutral int `json:"neutral"`
}

// Manager owns the set of open positions: it opens them from pipeline
// output, ratchets their trailing stops, and reconciles local state
// against the venue's authoritative position list.
type Manager struct {
	mu        sync.RWMutex
	positions map[string]*Position
	pending   map[string]bool      // symbols with an open attempt in flight
	cooldowns map[string]time.Time // symbol -> cooldown expiry, lazily evicted
	closed    map[int64]bool       // position ids already accounted for
	nextID    int64
	stats     Stats

	client TradingVenue
	prices PriceSource // may be nil
	store  *StateStore // may be nil
	bus    *events.Bus
	cfg    Config
	log    zerolog.Logger
	nowFn  func() time.Time
}

// NewManager creates a position manager.
func NewManager(client TradingVenue, prices PriceSource, store *StateStore, bus *events.Bus, cfg Config, log zerolog.Logger) *Manager {
	return &Manager{
		positions: make(map[string]*Position),
		pending:   make(map[string]bool),
		cooldowns: make(map[string]time.Time),
		closed:    make(map[int64]bool),
		client:    client,
		prices:    prices,
		store:     store,
		bus:       bus,
		cfg:       cfg,
		log:       log.With().Str("component", "positions").Logger(),
		nowFn:     time.Now,
	}
}

// ==================== OPEN ====================

// Open attempts to open a long position for symbol. Preconditions are
// checked before any network call: no existing position, no active
// cooldown, notional at least the minimum, a free position slot.
//
// The cooldown is recorded immediately after a successful entry order,
// independent of stop placement, so a stop failure can never allow a
// duplicate open. A failed entry records nothing.
func (m *Manager) Open(ctx context.Context, symbol, reason string) (*Position, error) {
	if err := m.reserve(symbol); err != nil {
		return nil, err
	}
	defer m.release(symbol)

	price, err := m.markPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("mark price for %s: %w", symbol, err)
	}

	filters, err := m.client.GetSymbolFilters(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("filters for %s: %w", symbol, err)
	}

	qtyStr, qty, err := QuantityForNotional(m.cfg.PositionNotional, m.cfg.Leverage, price, filters.StepSize)
	if err != nil {
		return nil, fmt.Errorf("sizing %s: %w", symbol, err)
	}
	if qty*price < filters.MinNotional {
		return nil, fmt.Errorf("%w: %.2f < venue minimum %.2f", ErrBelowMinNotional, qty*price, filters.MinNotional)
	}

	if err := m.client.SetLeverage(ctx, symbol, m.cfg.Leverage); err != nil {
		return nil, fmt.Errorf("set leverage %s: %w", symbol, err)
	}

	order, err := m.client.PlaceMarketOrder(ctx, symbol, "BUY", qtyStr, false)
	if err != nil {
		// No position recorded, no cooldown applied.
		return nil, fmt.Errorf("entry order %s: %w", symbol, err)
	}

	entryPrice := order.AvgPrice
	if entryPrice <= 0 {
		entryPrice = price
	}
	filled := order.ExecutedQty
	if filled <= 0 {
		filled = qty
	}

	stopPrice := entryPrice * (1 - m.cfg.InitialStopPct)

	m.mu.Lock()
	m.nextID++
	pos := &Position{
		ID:               m.nextID,
		Symbol:           symbol,
		Side:             "LONG",
		Quantity:         filled,
		EntryPrice:       entryPrice,
		PositionValue:    filled * entryPrice,
		Status:           StatusOpen,
		CurrentStopPrice: stopPrice,
		HighestPrice:     entryPrice,
		OpenedAt:         m.nowFn(),
	}
	m.positions[symbol] = pos
	m.cooldowns[symbol] = m.nowFn().Add(m.cfg.Cooldown)
	m.mu.Unlock()

	// The stop order rides after the cooldown bookkeeping: its failure
	// leaves an unprotected position (retried by the trailing pass) but
	// never a duplicate-open window.
	if stopStr, err := RoundPriceToTick(stopPrice, filters.TickSize); err == nil {
		if stopOrder, err := m.client.PlaceStopOrder(ctx, symbol, "SELL", stopStr); err != nil {
			m.log.Error().Err(err).Str("symbol", symbol).Msg("initial stop placement failed")
		} else {
			m.mu.Lock()
			pos.StopOrderID = stopOrder.OrderID
			m.mu.Unlock()
		}
	}

	m.snapshot(ctx, pos)

	m.log.Info().
		Str("symbol", symbol).
		Float64("entry", entryPrice).
		Float64("qty", filled).
		Float64("stop", stopPrice).
		Str("reason", reason).
		Msg("position opened")

	if m.bus != nil {
		m.bus.PublishData(events.EventPositionOpened, map[string]interface{}{
			"position": m.copyOf(pos),
			"reason":   reason,
		})
	}

	return m.copyOf(pos), nil
}

// reserve checks every open precondition and claims the symbol so two
// concurrent attempts cannot both pass.
func (m *Manager) reserve(symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending[symbol] {
		return ErrPositionExists
	}
	if _, exists := m.positions[symbol]; exists {
		return ErrPositionExists
	}

	if expiry, ok := m.cooldowns[symbol]; ok {
		if m.nowFn().Before(expiry) {
			return fmt.Errorf("%w until %s", ErrCoolingDown, expiry.Format(time.RFC3339))
		}
		delete(m.cooldowns, symbol) // lazy eviction
	}

	if m.cfg.PositionNotional < m.cfg.MinNotional {
		return ErrBelowMinNotional
	}
	// In-flight reservations count against the slot cap, so concurrent
	// opens cannot both claim the last free slot.
	if len(m.positions)+len(m.pending) >= m.cfg.MaxOpenPositions {
		return ErrMaxPositions
	}

	m.pending[symbol] = true
	return nil
}

func (m *Manager) release(symbol string) {
	m.mu.Lock()
	delete(m.pending, symbol)
	m.mu.Unlock()
}

// ==================== TRAIL ====================

// Trail runs one trailing-stop pass over every open position: refresh
// the high-water mark and push the stop up when the market allows. The
// local stop price only moves on a confirmed venue modification, so it
// is a monotone ratchet even across modify failures.
func (m *Manager) Trail(ctx context.Context) {
	for _, pos := range m.GetOpenPositions() {
		if pos.Status != StatusOpen {
			continue
		}

		price, err := m.markPrice(ctx, pos.Symbol)
		if err != nil {
			m.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("trail: price fetch failed")
			continue // next tick retries
		}

		m.mu.Lock()
		live, ok := m.positions[pos.Symbol]
		if !ok || live.Status != StatusOpen {
			m.mu.Unlock()
			continue
		}
		live.UnrealizedPnL = (price - live.EntryPrice) * live.Quantity
		if price > live.HighestPrice {
			live.HighestPrice = price
		}
		highest := live.HighestPrice
		currentStop := live.CurrentStopPrice
		stopOrderID := live.StopOrderID
		m.mu.Unlock()

		newStop := highest * (1 - m.cfg.TrailPct)
		needsReplace := newStop > currentStop || stopOrderID == 0
		if !needsReplace {
			continue
		}
		if newStop < currentStop {
			newStop = currentStop // never lower the stop, even to re-place it
		}

		m.replaceStop(ctx, pos.Symbol, newStop, stopOrderID)
	}
}

// replaceStop places the new stop first and cancels the old one after,
// so the position is never left unprotected mid-modification. Local
// state updates only after the new order is confirmed.
func (m *Manager) replaceStop(ctx context.Context, symbol string, newStop float64, oldOrderID int64) {
	filters, err := m.client.GetSymbolFilters(ctx, symbol)
	if err != nil {
		m.log.Warn().Err(err).Str("symbol", symbol).Msg("trail: filters fetch failed")
		return
	}
	stopStr, err := RoundPriceToTick(newStop, filters.TickSize)
	if err != nil {
		m.log.Warn().Err(err).Str("symbol", symbol).Msg("trail: stop rounding failed")
		return
	}

	order, err := m.client.PlaceStopOrder(ctx, symbol, "SELL", stopStr)
	if err != nil {
		// Keep the last known-good stop. Next tick tries again.
		m.log.Warn().Err(err).Str("symbol", symbol).Float64("stop", newStop).Msg("trail: stop modify failed")
		return
	}

	m.mu.Lock()
	if live, ok := m.positions[symbol]; ok {
		if newStop > live.CurrentStopPrice {
			live.CurrentStopPrice = newStop
		}
		live.StopOrderID = order.OrderID
	}
	m.mu.Unlock()

	if oldOrderID != 0 {
		if err := m.client.CancelOrder(ctx, symbol, oldOrderID); err != nil {
			m.log.Warn().Err(err).Str("symbol", symbol).Int64("order_id", oldOrderID).
				Msg("trail: stale stop cancel failed")
		}
	}

	m.mu.RLock()
	live := m.positions[symbol]
	m.mu.RUnlock()
	if live != nil {
		m.snapshot(ctx, live)
	}

	m.log.Info().Str("symbol", symbol).Float64("stop", newStop).Msg("trailing stop raised")
}

// ==================== RECONCILE ====================

// Reconcile fetches the venue's authoritative open-position list and
// treats any locally-open symbol absent from it as closed out-of-band
// (stop fill or manual close). Each such position emits exactly one
// closed event, deduplicated by position id.
func (m *Manager) Reconcile(ctx context.Context) error {
	venuePositions, err := m.client.GetOpenPositions(ctx)
	if err != nil {
		// Leave local state untouched; next tick retries.
		return fmt.Errorf("reconcile: %w", err)
	}

	onVenue := make(map[string]bool, len(venuePositions))
	for _, vp := range venuePositions {
		if vp.PositionAmt != 0 {
			onVenue[vp.Symbol] = true
		}
	}

	for _, pos := range m.GetOpenPositions() {
		if onVenue[pos.Symbol] {
			continue
		}

		// Gone on the venue. Cancel any stop we still believe exists.
		if pos.StopOrderID != 0 {
			if err := m.client.CancelOrder(ctx, pos.Symbol, pos.StopOrderID); err != nil {
				m.log.Debug().Err(err).Str("symbol", pos.Symbol).Msg("reconcile: defensive cancel failed")
			}
		}

		exitPrice := pos.CurrentStopPrice
		if p, ok := m.cachedPrice(pos.Symbol); ok {
			exitPrice = p
		}

		m.finalizeClose(ctx, pos.Symbol, pos.ID, exitPrice, "closed on venue (stop fill or manual)")
	}

	return nil
}

// ==================== CLOSE ====================

// Close exits a position at market. The venue-side size is fetched
// fresh: partial fills and fees can drift the local quantity. The
// cooldown is removed immediately so the symbol is eligible for re-scan.
func (m *Manager) Close(ctx context.Context, symbol string) error {
	m.mu.Lock()
	pos, ok := m.positions[symbol]
	if !ok || pos.Status != StatusOpen {
		m.mu.Unlock()
		return ErrNoPosition
	}
	pos.Status = StatusClosing
	id := pos.ID
	stopOrderID := pos.StopOrderID
	m.mu.Unlock()

	vp, err := m.client.GetPositionBySymbol(ctx, symbol)
	if err != nil {
		m.reopen(symbol)
		return fmt.Errorf("close %s: venue size lookup: %w", symbol, err)
	}

	if vp.PositionAmt == 0 {
		// Already flat on the venue; just settle the books.
		if stopOrderID != 0 {
			_ = m.client.CancelOrder(ctx, symbol, stopOrderID)
		}
		exit := pos.CurrentStopPrice
		if p, ok := m.cachedPrice(symbol); ok {
			exit = p
		}
		m.clearCooldown(symbol)
		m.finalizeClose(ctx, symbol, id, exit, "manual close (already flat on venue)")
		return nil
	}

	filters, err := m.client.GetSymbolFilters(ctx, symbol)
	if err != nil {
		m.reopen(symbol)
		return fmt.Errorf("close %s: filters: %w", symbol, err)
	}
	qtyStr, _, err := QuantityForNotional(vp.PositionAmt*vp.MarkPrice, 1, vp.MarkPrice, filters.StepSize)
	if err != nil {
		m.reopen(symbol)
		return fmt.Errorf("close %s: sizing: %w", symbol, err)
	}

	order, err := m.client.PlaceMarketOrder(ctx, symbol, "SELL", qtyStr, true)
	if err != nil {
		m.reopen(symbol)
		return fmt.Errorf("close %s: exit order: %w", symbol, err)
	}

	if stopOrderID != 0 {
		if err := m.client.CancelOrder(ctx, symbol, stopOrderID); err != nil {
			m.log.Warn().Err(err).Str("symbol", symbol).Msg("close: stop cancel failed")
		}
	}

	exit := order.AvgPrice
	if exit <= 0 {
		exit = vp.MarkPrice
	}

	m.clearCooldown(symbol)
	m.finalizeClose(ctx, symbol, id, exit, "manual close")
	return nil
}

func (m *Manager) reopen(symbol string) {
	m.mu.Lock()
	if pos, ok := m.positions[symbol]; ok && pos.Status == StatusClosing {
		pos.Status = StatusOpen
	}
	m.mu.Unlock()
}

func (m *Manager) clearCooldown(symbol string) {
	m.mu.Lock()
	delete(m.cooldowns, symbol)
	m.mu.Unlock()
}

// finalizeClose settles the books for one position exactly once. The id
// guard makes overlapping observers (trailing pass, reconciliation,
// manual close) converge on a single accounting event.
func (m *Manager) finalizeClose(ctx context.Context, symbol string, id int64, exitPrice float64, reason string) {
	m.mu.Lock()
	if m.closed[id] {
		m.mu.Unlock()
		return
	}
	m.closed[id] = true

	pos, ok := m.positions[symbol]
	if !ok || pos.ID != id {
		m.mu.Unlock()
		return
	}
	delete(m.positions, symbol)

	pnl := (exitPrice - pos.EntryPrice) * pos.Quantity
	const epsilon = 1e-9
	switch {
	case pnl > epsilon:
		m.stats.Wins++
	case pnl < -epsilon:
		m.stats.Losses++
	default:
		m.stats.Neutral++
	}

	pos.Status = StatusClosed
	closedCopy := *pos
	m.mu.Unlock()

	if m.store != nil {
		m.store.Delete(ctx, symbol)
	}

	m.log.Info().
		Str("symbol", symbol).
		Int64("id", id).
		Float64("exit", exitPrice).
		Float64("pnl", pnl).
		Str("reason", reason).
		Msg("position closed")

	if m.bus != nil {
		m.bus.PublishData(events.EventPositionClosed, map[string]interface{}{
			"position": &closedCopy,
			"pnl":      pnl,
			"reason":   reason,
		})
	}
}

// ==================== QUERIES ====================

// GetOpenPositions returns a read-only snapshot of all owned positions.
func (m *Manager) GetOpenPositions() []*Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Position, 0, len(m.positions))
	for _, pos := range m.positions {
		copied := *pos
		out = append(out, &copied)
	}
	return out
}

// HasOpenPosition reports whether symbol currently holds a position in
// any non-terminal state.
func (m *Manager) HasOpenPosition(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.positions[symbol]
	return ok
}

// Stats returns the win/loss/neutral tallies.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// ==================== RECOVERY ====================

// Restore loads persisted snapshots into local state after a restart.
// The caller should run Reconcile immediately afterwards so anything
// that closed while we were down is settled against the venue.
func (m *Manager) Restore(ctx context.Context) int {
	if m.store == nil {
		return 0
	}

	snapshots, err := m.store.LoadAll(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("restore: snapshot load failed")
		return 0
	}

	restored := 0
	m.mu.Lock()
	for _, pos := range snapshots {
		if _, exists := m.positions[pos.Symbol]; exists {
			continue
		}
		pos.Status = StatusOpen
		m.positions[pos.Symbol] = pos
		if pos.ID > m.nextID {
			m.nextID = pos.ID
		}
		restored++
	}
	m.mu.Unlock()

	if restored > 0 {
		m.log.Warn().Int("count", restored).Msg("restored positions from snapshot, reconciling against venue")
	}
	return restored
}

// ==================== HELPERS ====================

func (m *Manager) markPrice(ctx context.Context, symbol string) (float64, error) {
	if p, ok := m.cachedPrice(symbol); ok {
		return p, nil
	}
	return m.client.GetMarkPrice(ctx, symbol)
}

func (m *Manager) cachedPrice(symbol string) (float64, bool) {
	if m.prices == nil {
		return 0, false
	}
	return m.prices.Get(symbol)
}

func (m *Manager) snapshot(ctx context.Context, pos *Position) {
	if m.store == nil {
		return
	}
	m.mu.RLock()
	copied := *pos
	m.mu.RUnlock()
	m.store.Save(ctx, &copied)
}

func (m *Manager) copyOf(pos *Position) *Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	copied := *pos
	return &copied
}
