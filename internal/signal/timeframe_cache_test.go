package signal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-momentum-bot/internal/indicator"
	"futures-momentum-bot/internal/venue"
)

// stubCandleSource serves a fixed close series and counts fetches.
type stubCandleSource struct {
	mu     sync.Mutex
	calls  int
	closes []float64
	err    error
}

func (s *stubCandleSource) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]venue.Candle, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	candles := make([]venue.Candle, len(s.closes))
	for i, c := range s.closes {
		candles[i] = venue.Candle{Close: c}
	}
	return candles, nil
}

func (s *stubCandleSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func acceleratingCloses(n int) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 100 + float64(i*i)
	}
	return closes
}

func testTier() Tier {
	return Tier{
		Name:     "4h",
		Interval: "4h",
		Params:   indicator.Params{FastPeriod: 3, SlowPeriod: 5, SignalPeriod: 3, MinCandles: 30},
		Cached:   true,
	}
}

func TestCacheServesFreshEntryWithoutFetch(t *testing.T) {
	source := &stubCandleSource{closes: acceleratingCloses(30)}
	c := NewTimeframeCache(testTier(), 25*time.Minute, time.Millisecond, source, zerolog.Nop())

	c.Put("BTCUSDT", indicator.Classification{Signal: indicator.SignalBullish})

	cls := c.Get(context.Background(), "BTCUSDT")
	if cls.Signal != indicator.SignalBullish {
		t.Fatalf("expected cached BULLISH, got %s", cls.Signal)
	}
	if source.callCount() != 0 {
		t.Errorf("fresh entry must not touch the source, saw %d fetches", source.callCount())
	}
}

func TestCacheRecomputesStaleEntryOnce(t *testing.T) {
	source := &stubCandleSource{closes: acceleratingCloses(30)}
	c := NewTimeframeCache(testTier(), 25*time.Minute, time.Millisecond, source, zerolog.Nop())

	now := time.Now()
	c.nowFn = func() time.Time { return now }

	c.Put("BTCUSDT", indicator.Classification{Signal: indicator.SignalBearish})
	now = now.Add(26 * time.Minute)

	cls := c.Get(context.Background(), "BTCUSDT")
	if !cls.Signal.Bullish() {
		t.Fatalf("expected recomputed bullish classification, got %s (%s)", cls.Signal, cls.Reason)
	}
	if source.callCount() != 1 {
		t.Errorf("expected exactly one recompute, saw %d", source.callCount())
	}

	// The refreshed entry serves the next read without another fetch.
	c.Get(context.Background(), "BTCUSDT")
	if source.callCount() != 1 {
		t.Errorf("refreshed entry must be cached, saw %d fetches", source.callCount())
	}
}

func TestCacheFailsClosedWithoutClobberingEntry(t *testing.T) {
	source := &stubCandleSource{err: errors.New("rate limited")}
	c := NewTimeframeCache(testTier(), 25*time.Minute, time.Millisecond, source, zerolog.Nop())

	now := time.Now()
	c.nowFn = func() time.Time { return now }

	previous := indicator.Classification{Signal: indicator.SignalBullish, Reason: "last good sweep"}
	c.Put("ETHUSDT", previous)
	now = now.Add(26 * time.Minute)

	cls := c.Get(context.Background(), "ETHUSDT")
	if cls.Signal != indicator.SignalError {
		t.Fatalf("expected fail-closed ERROR, got %s", cls.Signal)
	}
	if cls.Signal.Bullish() {
		t.Error("a failed recompute must never pass the filter")
	}

	// The stale-but-valid entry survives for the next sweep to retry.
	sh := c.shard("ETHUSDT")
	sh.mu.RLock()
	entry := sh.entries["ETHUSDT"]
	sh.mu.RUnlock()
	if entry == nil || entry.classification.Reason != "last good sweep" {
		t.Error("failed recompute clobbered the previous entry")
	}
}

func TestCacheReadyOnlyAfterFirstSweep(t *testing.T) {
	source := &stubCandleSource{closes: acceleratingCloses(30)}
	c := NewTimeframeCache(testTier(), 25*time.Minute, time.Millisecond, source, zerolog.Nop())

	if c.Ready() {
		t.Fatal("cache must not be ready before any sweep")
	}

	if err := c.RefreshAll(context.Background(), []string{"BTCUSDT", "ETHUSDT"}); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	if !c.Ready() {
		t.Error("cache must be ready after a completed sweep")
	}
	if source.callCount() != 2 {
		t.Errorf("expected one fetch per symbol, saw %d", source.callCount())
	}

	cls := c.Get(context.Background(), "BTCUSDT")
	if !cls.Signal.Bullish() {
		t.Errorf("swept symbol should classify bullish, got %s", cls.Signal)
	}
}

func TestSweepKeepsEntriesForFailedSymbols(t *testing.T) {
	source := &stubCandleSource{err: errors.New("venue down")}
	c := NewTimeframeCache(testTier(), 25*time.Minute, time.Millisecond, source, zerolog.Nop())

	previous := indicator.Classification{Signal: indicator.SignalBullish, Reason: "pre-outage"}
	c.Put("BTCUSDT", previous)

	if err := c.RefreshAll(context.Background(), []string{"BTCUSDT"}); err != nil {
		t.Fatalf("sweep returned error for per-symbol failures: %v", err)
	}

	sh := c.shard("BTCUSDT")
	sh.mu.RLock()
	entry := sh.entries["BTCUSDT"]
	sh.mu.RUnlock()
	if entry == nil || entry.classification.Reason != "pre-outage" {
		t.Error("sweep failure replaced a previously valid entry")
	}
}
