package signal

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"futures-momentum-bot/internal/indicator"
	"futures-momentum-bot/internal/venue"
)

const cacheShardCount = 16

// cacheEntry is one symbol's most recent classification for a tier.
// Entries expire logically: a read past maxAge recomputes before serving.
type cacheEntry struct {
	classification indicator.Classification
	fetchedAt      time.Time
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

// TimeframeCache holds the most recent higher-timeframe classification
// per symbol. The slow sweep refreshes everything on a long cadence;
// between sweeps, stale or missing reads trigger a single synchronous
// recompute through the gateway. Sharded locking keeps concurrent reads
// for different symbols from serializing behind the sweep.
type TimeframeCache struct {
	tier    Tier
	maxAge  time.Duration
	source  CandleSource
	limiter *rate.Limiter // paces the full sweep against venue rate limits
	log     zerolog.Logger

	shards [cacheShardCount]*cacheShard

	sweepMu   sync.RWMutex
	lastSweep time.Time

	nowFn func() time.Time
}

// NewTimeframeCache creates a cache for tier. sweepInterval is the gap
// between consecutive symbol fetches during RefreshAll.
func NewTimeframeCache(tier Tier, maxAge, sweepInterval time.Duration, source CandleSource, log zerolog.Logger) *TimeframeCache {
	if maxAge <= 0 {
		maxAge = 25 * time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = 500 * time.Millisecond
	}

	c := &TimeframeCache{
		tier:    tier,
		maxAge:  maxAge,
		source:  source,
		limiter: rate.NewLimiter(rate.Every(sweepInterval), 1),
		log:     log.With().Str("component", "timeframe_cache").Str("tier", tier.Name).Logger(),
		nowFn:   time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &cacheShard{entries: make(map[string]*cacheEntry)}
	}
	return c
}

func (c *TimeframeCache) shard(symbol string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return c.shards[h.Sum32()%cacheShardCount]
}

// Get returns the cached classification for symbol, recomputing first if
// the entry is missing or older than maxAge. A recompute failure yields
// a fail-closed classification (never BUY or BULLISH) without touching
// any previously cached value.
func (c *TimeframeCache) Get(ctx context.Context, symbol string) indicator.Classification {
	sh := c.shard(symbol)

	sh.mu.RLock()
	entry, ok := sh.entries[symbol]
	sh.mu.RUnlock()

	if ok && c.nowFn().Sub(entry.fetchedAt) <= c.maxAge {
		return entry.classification
	}

	cls, err := c.recompute(ctx, symbol)
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("on-demand recompute failed")
		return indicator.Failed(fmt.Sprintf("%s recompute failed: %v", c.tier.Name, err))
	}

	c.Put(symbol, cls)
	return cls
}

// Put stores a classification for symbol, stamped with the current time.
func (c *TimeframeCache) Put(symbol string, cls indicator.Classification) {
	sh := c.shard(symbol)
	sh.mu.Lock()
	sh.entries[symbol] = &cacheEntry{classification: cls, fetchedAt: c.nowFn()}
	sh.mu.Unlock()
}

// recompute fetches candles and classifies them. The network call is
// made without holding any shard lock.
func (c *TimeframeCache) recompute(ctx context.Context, symbol string) (indicator.Classification, error) {
	candles, err := c.source.GetCandles(ctx, symbol, c.tier.Interval, c.tier.Params.MinCandles)
	if err != nil {
		return indicator.Classification{}, err
	}
	return indicator.Classify(venue.Closes(candles), c.tier.Params, indicator.CrossoverStrict), nil
}

// RefreshAll sweeps the full symbol universe sequentially, paced by the
// rate limiter, overwriting each entry it can recompute. Symbols whose
// fetch fails keep their previous entry and are retried next sweep.
// The sweep timestamp is only recorded after a completed pass.
func (c *TimeframeCache) RefreshAll(ctx context.Context, symbols []string) error {
	start := c.nowFn()
	refreshed, failed := 0, 0

	for _, symbol := range symbols {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("sweep aborted: %w", err)
		}

		cls, err := c.recompute(ctx, symbol)
		if err != nil {
			failed++
			c.log.Debug().Err(err).Str("symbol", symbol).Msg("sweep recompute failed")
			continue
		}
		c.Put(symbol, cls)
		refreshed++
	}

	c.sweepMu.Lock()
	c.lastSweep = c.nowFn()
	c.sweepMu.Unlock()

	c.log.Info().
		Int("refreshed", refreshed).
		Int("failed", failed).
		Dur("took", c.nowFn().Sub(start)).
		Msg("full sweep completed")

	return nil
}

// Ready reports whether at least one full sweep has completed. Until
// then the pipeline defers scanning instead of hammering the venue with
// per-symbol on-demand fills.
func (c *TimeframeCache) Ready() bool {
	c.sweepMu.RLock()
	defer c.sweepMu.RUnlock()
	return !c.lastSweep.IsZero()
}

// LastSweep returns when the last full sweep completed.
func (c *TimeframeCache) LastSweep() time.Time {
	c.sweepMu.RLock()
	defer c.sweepMu.RUnlock()
	return c.lastSweep
}
