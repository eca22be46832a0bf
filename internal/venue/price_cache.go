package venue

import (
	"sync"
	"time"
)

// cachedPrice holds a mark price with its arrival time.
type cachedPrice struct {
	price     float64
	updatedAt time.Time
}

// PriceCache is a thread-safe mark-price cache fed by the websocket
// stream. Readers fall back to a REST fetch through the gateway when an
// entry is missing or stale.
type PriceCache struct {
	prices sync.Map // symbol -> *cachedPrice
	maxAge time.Duration

	statsMu sync.Mutex
	hits    int64
	misses  int64

	nowFn func() time.Time
}

// NewPriceCache creates a price cache serving entries younger than maxAge.
func NewPriceCache(maxAge time.Duration) *PriceCache {
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	return &PriceCache{maxAge: maxAge, nowFn: time.Now}
}

// Get returns the cached mark price for symbol if fresh.
func (c *PriceCache) Get(symbol string) (float64, bool) {
	if val, ok := c.prices.Load(symbol); ok {
		cached := val.(*cachedPrice)
		if c.nowFn().Sub(cached.updatedAt) < c.maxAge {
			c.record(true)
			return cached.price, true
		}
	}
	c.record(false)
	return 0, false
}

// Update stores a fresh mark price for symbol.
func (c *PriceCache) Update(symbol string, price float64) {
	c.prices.Store(symbol, &cachedPrice{price: price, updatedAt: c.nowFn()})
}

func (c *PriceCache) record(hit bool) {
	c.statsMu.Lock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.statsMu.Unlock()
}

// Stats returns cumulative hit/miss counters.
func (c *PriceCache) Stats() (hits, misses int64) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.hits, c.misses
}
