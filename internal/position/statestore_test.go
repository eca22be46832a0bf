package position

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestStateStoreFallbackRoundTrip(t *testing.T) {
	s := NewStateStore(nil, zerolog.Nop())
	ctx := context.Background()

	pos := &Position{
		ID:         7,
		Symbol:     "BTCUSDT",
		Side:       "LONG",
		Quantity:   0.5,
		EntryPrice: 64000,
		Status:     StatusOpen,
		OpenedAt:   time.Now(),
	}
	s.Save(ctx, pos)

	// Mutating the original must not leak into the snapshot.
	pos.EntryPrice = 1

	loaded, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(loaded))
	}
	if loaded[0].EntryPrice != 64000 {
		t.Errorf("snapshot entry price %f, want 64000", loaded[0].EntryPrice)
	}

	s.Delete(ctx, "BTCUSDT")
	loaded, _ = s.LoadAll(ctx)
	if len(loaded) != 0 {
		t.Errorf("expected empty store after delete, got %d", len(loaded))
	}
}
