package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-momentum-bot/internal/events"
	"futures-momentum-bot/internal/position"
	"futures-momentum-bot/internal/signal"
	"futures-momentum-bot/internal/venue"
)

// Config holds the scheduler cadences and universe selection knobs.
type Config struct {
	ScanInterval  time.Duration // signal pass over the whole universe
	TrailInterval time.Duration // trailing stop + reconciliation pass
	PriceInterval time.Duration // mark price / PnL refresh for open positions
	SweepInterval time.Duration // full higher-timeframe cache rebuild
	MinVolume     float64       // 24h quote volume floor for the universe
	MaxSymbols    int           // cap after sorting by volume, 0 = no cap
	DryRun        bool          // log BUY decisions instead of submitting orders
}

// DefaultConfig returns the production cadences.
func DefaultConfig() Config {
	return Config{
		ScanInterval:  60 * time.Second,
		TrailInterval: 30 * time.Second,
		PriceInterval: 10 * time.Second,
		SweepInterval: 20 * time.Minute,
		MinVolume:     10_000_000,
		MaxSymbols:    120,
	}
}

// Engine is the scheduler: it owns the background loops and the symbol
// universe, and wires scan output into the position manager. All
// trading decisions happen on its ticks; nothing trades event-driven.
type Engine struct {
	client   venue.Exchange
	pipeline *signal.Pipeline
	manager  *position.Manager
	prices   *venue.PriceCache
	stream   *venue.PriceStream
	bus      *events.Bus
	cfg      Config
	log      zerolog.Logger

	mu       sync.RWMutex
	universe []string
	running  bool

	// ctx covers trading calls and is cancelled only after the loops
	// drain; sweepCtx covers the read-only cache sweeps, which are
	// safe to abort mid-pass.
	ctx         context.Context
	cancel      context.CancelFunc
	sweepCtx    context.Context
	sweepCancel context.CancelFunc
	stopChan    chan struct{}
	wg          sync.WaitGroup
}

// New wires the engine. stream may be nil when the websocket feed is
// disabled; the price loop then falls back to cached REST prices.
func New(client venue.Exchange, pipeline *signal.Pipeline, manager *position.Manager, prices *venue.PriceCache, stream *venue.PriceStream, bus *events.Bus, cfg Config, log zerolog.Logger) *Engine {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 60 * time.Second
	}
	if cfg.TrailInterval <= 0 {
		cfg.TrailInterval = 30 * time.Second
	}
	if cfg.PriceInterval <= 0 {
		cfg.PriceInterval = 10 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 20 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	return &Engine{
		client:      client,
		pipeline:    pipeline,
		manager:     manager,
		prices:      prices,
		stream:      stream,
		bus:         bus,
		cfg:         cfg,
		log:         log.With().Str("component", "engine").Logger(),
		ctx:         ctx,
		cancel:      cancel,
		sweepCtx:    sweepCtx,
		sweepCancel: sweepCancel,
		stopChan:    make(chan struct{}),
	}
}

// Start restores persisted positions, reconciles them against the
// venue, launches the first cache sweep, and then runs the loops until
// Stop. The scan loop holds off until every cached tier has completed
// its first sweep.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine already running")
	}
	e.running = true
	e.mu.Unlock()

	if n := e.manager.Restore(e.ctx); n > 0 {
		if err := e.manager.Reconcile(e.ctx); err != nil {
			e.log.Warn().Err(err).Msg("startup reconcile failed, retrying on schedule")
		}
	}

	if e.stream != nil {
		e.stream.Start()
	}

	if err := e.refreshUniverse(e.sweepCtx); err != nil {
		e.log.Warn().Err(err).Msg("initial universe fetch failed, retrying on sweep schedule")
	}

	// Warm the coarse caches before the first scan can pass anything.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sweepCaches(e.sweepCtx)
	}()

	e.wg.Add(4)
	go e.scanLoop()
	go e.trailLoop()
	go e.priceLoop()
	go e.sweepLoop()

	if e.bus != nil {
		e.bus.PublishData(events.EventEngineStarted, map[string]interface{}{
			"universe": len(e.Universe()),
		})
	}
	e.log.Info().Int("universe", len(e.Universe())).Msg("engine started")
	return nil
}

// Stop halts all loops and waits for in-flight passes to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	close(e.stopChan)
	// Abort only the read-only sweeps. The trading context stays alive
	// until the loops drain so an in-flight order submission finishes
	// (bounded by the gateway's per-request timeout) instead of being
	// cancelled mid-request.
	e.sweepCancel()
	if e.stream != nil {
		e.stream.Stop()
	}
	e.wg.Wait()
	e.cancel()

	if e.bus != nil {
		e.bus.PublishData(events.EventEngineStopped, nil)
	}
	e.log.Info().Msg("engine stopped")
}

// Universe returns the current symbol universe snapshot.
func (e *Engine) Universe() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, len(e.universe))
	copy(out, e.universe)
	return out
}

// ==================== LOOPS ====================

func (e *Engine) scanLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.runScan()
		}
	}
}

func (e *Engine) runScan() {
	if !e.pipeline.Ready() {
		e.log.Debug().Msg("scan skipped, caches warming up")
		return
	}

	universe := e.Universe()
	if len(universe) == 0 {
		return
	}

	result, err := e.pipeline.Scan(e.ctx, universe)
	if err != nil {
		if !errors.Is(err, signal.ErrScanInProgress) {
			e.log.Error().Err(err).Msg("scan failed")
		}
		return
	}

	for _, buy := range result.Buys {
		if e.cfg.DryRun {
			e.log.Info().Str("symbol", buy.Symbol).Str("reason", buy.Reason).
				Msg("dry run, entry not submitted")
			continue
		}
		_, err := e.manager.Open(e.ctx, buy.Symbol, buy.Reason)
		switch {
		case err == nil:
		case errors.Is(err, position.ErrMaxPositions):
			e.log.Debug().Str("symbol", buy.Symbol).Msg("buy skipped, no free slot")
			return // no slot will free up mid-pass
		case errors.Is(err, position.ErrPositionExists), errors.Is(err, position.ErrCoolingDown):
			e.log.Debug().Err(err).Str("symbol", buy.Symbol).Msg("buy skipped")
		default:
			e.log.Error().Err(err).Str("symbol", buy.Symbol).Msg("open failed")
			if e.bus != nil {
				e.bus.PublishData(events.EventError, map[string]interface{}{
					"op": "open", "symbol": buy.Symbol, "error": err.Error(),
				})
			}
		}
	}
}

func (e *Engine) trailLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TrailInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.manager.Trail(e.ctx)
			if err := e.manager.Reconcile(e.ctx); err != nil {
				e.log.Warn().Err(err).Msg("reconcile pass failed")
			}
		}
	}
}

func (e *Engine) priceLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PriceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.publishPrices()
		}
	}
}

func (e *Engine) publishPrices() {
	if e.bus == nil {
		return
	}
	for _, pos := range e.manager.GetOpenPositions() {
		price, ok := e.prices.Get(pos.Symbol)
		if !ok {
			var err error
			price, err = e.client.GetMarkPrice(e.ctx, pos.Symbol)
			if err != nil {
				continue
			}
			e.prices.Update(pos.Symbol, price)
		}
		e.bus.PublishData(events.EventPriceUpdate, map[string]interface{}{
			"symbol": pos.Symbol,
			"price":  price,
			"pnl":    (price - pos.EntryPrice) * pos.Quantity,
		})
	}
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			if err := e.refreshUniverse(e.sweepCtx); err != nil {
				e.log.Warn().Err(err).Msg("universe refresh failed, sweeping stale universe")
			}
			e.sweepCaches(e.sweepCtx)
		}
	}
}

// sweepCaches rebuilds every cached tier over the full universe,
// coarsest first. A sweep that dies mid-pass leaves previous entries
// intact and is retried on the next tick.
func (e *Engine) sweepCaches(ctx context.Context) {
	universe := e.Universe()
	if len(universe) == 0 {
		return
	}

	start := time.Now()
	for _, tier := range e.pipeline.Tiers() {
		if !tier.Cached {
			continue
		}
		cache, ok := e.pipeline.Caches()[tier.Name]
		if !ok {
			continue
		}
		if err := cache.RefreshAll(ctx, universe); err != nil {
			e.log.Warn().Err(err).Str("tier", tier.Name).Msg("cache sweep aborted")
			return
		}
	}

	if e.bus != nil {
		e.bus.PublishData(events.EventCacheSweep, map[string]interface{}{
			"symbols":  len(universe),
			"duration": time.Since(start).String(),
		})
	}
}

// refreshUniverse pulls the tradable symbol list, already filtered and
// volume-sorted by the client, and applies the configured cap.
func (e *Engine) refreshUniverse(ctx context.Context) error {
	symbols, err := e.client.ListTradableSymbols(ctx, e.cfg.MinVolume)
	if err != nil {
		return err
	}

	if e.cfg.MaxSymbols > 0 && len(symbols) > e.cfg.MaxSymbols {
		symbols = symbols[:e.cfg.MaxSymbols]
	}

	universe := make([]string, 0, len(symbols))
	for _, s := range symbols {
		universe = append(universe, s.Symbol)
	}

	e.mu.Lock()
	e.universe = universe
	e.mu.Unlock()

	e.log.Info().Int("symbols", len(universe)).Msg("universe refreshed")
	return nil
}
