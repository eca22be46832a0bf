package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"futures-momentum-bot/internal/events"
	"futures-momentum-bot/internal/indicator"
	"futures-momentum-bot/internal/venue"
)

// ErrScanInProgress is returned when a scan tick fires while the
// previous pass is still running.
var ErrScanInProgress = errors.New("pipeline: scan already in progress")

// PipelineConfig tunes the scan pass.
type PipelineConfig struct {
	WorkerCount int // symbols evaluated concurrently per pass
}

// Pipeline runs the progressive multi-timeframe filter. Tiers are
// evaluated coarse to fine and the first non-bullish tier short-circuits
// the rest, so finer tiers only ever see symbols that passed every
// coarser one.
type Pipeline struct {
	tiers  []Tier
	caches map[string]*TimeframeCache
	source CandleSource
	open   PositionChecker
	bus    *events.Bus
	cfg    PipelineConfig
	log    zerolog.Logger

	scanning atomic.Bool

	mu       sync.RWMutex
	lastScan *ScanResult

	// classifyFn is swapped in tests to observe fine-tier invocations.
	classifyFn func([]float64, indicator.Params, indicator.CrossoverMode) indicator.Classification
	nowFn      func() time.Time
}

// NewPipeline wires the filter. caches must contain an entry for every
// tier with Cached set.
func NewPipeline(tiers []Tier, caches map[string]*TimeframeCache, source CandleSource, open PositionChecker, bus *events.Bus, cfg PipelineConfig, log zerolog.Logger) *Pipeline {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	return &Pipeline{
		tiers:      tiers,
		caches:     caches,
		source:     source,
		open:       open,
		bus:        bus,
		cfg:        cfg,
		log:        log.With().Str("component", "pipeline").Logger(),
		classifyFn: indicator.Classify,
		nowFn:      time.Now,
	}
}

// Ready reports whether every cached tier has completed its first full
// sweep. Scanning before that would spuriously filter everything.
func (p *Pipeline) Ready() bool {
	for _, tier := range p.tiers {
		if !tier.Cached {
			continue
		}
		if cache, ok := p.caches[tier.Name]; !ok || !cache.Ready() {
			return false
		}
	}
	return true
}

// Evaluate runs the progressive filter for one symbol and returns its
// decision. Coarse tiers read through their caches; the finest tier is
// always computed fresh because it needs the newest crossover.
func (p *Pipeline) Evaluate(ctx context.Context, symbol string) Decision {
	return p.evaluate(ctx, symbol, nil)
}

func (p *Pipeline) evaluate(ctx context.Context, symbol string, stats map[string]*TierStats) Decision {
	d := Decision{
		Symbol:      symbol,
		PerTier:     make(map[string]indicator.Classification, len(p.tiers)),
		EvaluatedAt: p.nowFn(),
	}

	if !p.Ready() {
		d.Final = DecisionWait
		d.Reason = "coarse timeframe cache warming up"
		return d
	}

	for i, tier := range p.tiers {
		if stats != nil {
			stats[tier.Name].Evaluated++
		}

		var cls indicator.Classification
		if tier.Cached {
			cls = p.caches[tier.Name].Get(ctx, symbol)
		} else {
			cls = p.classifyFresh(ctx, symbol, tier)
		}
		d.PerTier[tier.Name] = cls

		if !cls.Signal.Bullish() {
			d.Final = DecisionFiltered
			d.FilteredBy = tier.Name
			d.Reason = fmt.Sprintf("%s: %s (%s)", tier.Name, cls.Signal, cls.Reason)
			return d
		}

		if stats != nil {
			stats[tier.Name].Passed++
		}

		if i == len(p.tiers)-1 {
			if cls.Signal == indicator.SignalBuy && cls.Crossover {
				d.Final = DecisionBuy
				d.Reason = fmt.Sprintf("%s: fresh crossover confirmed by all coarser tiers", tier.Name)
			} else {
				d.Final = DecisionWait
				d.Reason = fmt.Sprintf("%s: trending bullish, no fresh crossover", tier.Name)
			}
		}
	}

	return d
}

func (p *Pipeline) classifyFresh(ctx context.Context, symbol string, tier Tier) indicator.Classification {
	candles, err := p.source.GetCandles(ctx, symbol, tier.Interval, tier.Params.MinCandles)
	if err != nil {
		return indicator.Failed(fmt.Sprintf("%s candle fetch failed: %v", tier.Name, err))
	}
	return p.classifyFn(venue.Closes(candles), tier.Params, indicator.CrossoverStrict)
}

// Scan evaluates the whole universe once. Symbols already holding an
// open position are excluded before any work happens. A scan refuses to
// start while a previous pass is still running.
func (p *Pipeline) Scan(ctx context.Context, symbols []string) (*ScanResult, error) {
	if !p.scanning.CompareAndSwap(false, true) {
		return nil, ErrScanInProgress
	}
	defer p.scanning.Store(false)

	start := p.nowFn()
	result := &ScanResult{
		ScanID:    fmt.Sprintf("scan-%d", start.Unix()),
		StartTime: start,
		Stats:     make(map[string]*TierStats, len(p.tiers)),
	}
	for _, tier := range p.tiers {
		result.Stats[tier.Name] = &TierStats{}
	}

	candidates := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		if p.open != nil && p.open.HasOpenPosition(symbol) {
			continue
		}
		candidates = append(candidates, symbol)
	}
	result.SymbolsScanned = len(candidates)

	symbolChan := make(chan string, len(candidates))
	decisionChan := make(chan Decision, len(candidates))
	statsMu := sync.Mutex{}

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for symbol := range symbolChan {
				select {
				case <-ctx.Done():
					return
				default:
				}

				local := make(map[string]*TierStats, len(p.tiers))
				for _, tier := range p.tiers {
					local[tier.Name] = &TierStats{}
				}

				d := p.evaluate(ctx, symbol, local)

				statsMu.Lock()
				for name, s := range local {
					result.Stats[name].Evaluated += s.Evaluated
					result.Stats[name].Passed += s.Passed
				}
				statsMu.Unlock()

				decisionChan <- d
			}
		}()
	}

	for _, symbol := range candidates {
		symbolChan <- symbol
	}
	close(symbolChan)

	go func() {
		wg.Wait()
		close(decisionChan)
	}()

	for d := range decisionChan {
		result.Decisions = append(result.Decisions, d)
		if d.Final == DecisionBuy {
			result.Buys = append(result.Buys, d)
		}
		if p.bus != nil {
			p.bus.PublishData(events.EventDecision, map[string]interface{}{"decision": d})
		}
	}

	result.Duration = p.nowFn().Sub(start)

	p.mu.Lock()
	p.lastScan = result
	p.mu.Unlock()

	if p.bus != nil {
		p.bus.PublishData(events.EventScanCompleted, map[string]interface{}{
			"scan_id":  result.ScanID,
			"scanned":  result.SymbolsScanned,
			"buys":     len(result.Buys),
			"duration": result.Duration.String(),
		})
	}

	p.log.Info().
		Str("scan_id", result.ScanID).
		Int("scanned", result.SymbolsScanned).
		Int("buys", len(result.Buys)).
		Dur("took", result.Duration).
		Msg("scan completed")

	return result, nil
}

// LastScan returns the most recent scan result, or nil before the first.
func (p *Pipeline) LastScan() *ScanResult {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastScan
}

// Caches exposes the per-tier caches for the engine's sweep loop.
func (p *Pipeline) Caches() map[string]*TimeframeCache {
	return p.caches
}

// Tiers returns the configured tier list, coarse to fine.
func (p *Pipeline) Tiers() []Tier {
	return p.tiers
}
