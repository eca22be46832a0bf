package position

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// positionKeyPrefix namespaces per-position keys: fmb:position:{symbol}
	positionKeyPrefix = "fmb:position"

	// stateTTL keeps snapshots around well past any realistic position
	// lifetime so a delayed restart can still reconcile.
	stateTTL = 7 * 24 * time.Hour
)

// StateStore persists open-position snapshots in Redis so a restart can
// restore local state and then reconcile it against the venue. When
// Redis is unavailable it degrades to an in-memory map: trading
// continues, only crash recovery is lost.
type StateStore struct {
	client    *redis.Client
	fallback  map[string]*Position
	mu        sync.RWMutex
	available atomic.Bool
	log       zerolog.Logger
}

// NewStateStore creates a store backed by client. A nil client means
// in-memory only.
func NewStateStore(client *redis.Client, log zerolog.Logger) *StateStore {
	s := &StateStore{
		client:   client,
		fallback: make(map[string]*Position),
		log:      log.With().Str("component", "state_store").Logger(),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			s.log.Warn().Err(err).Msg("redis unavailable, using in-memory fallback")
		} else {
			s.available.Store(true)
		}
	}

	return s
}

func positionKey(symbol string) string {
	return fmt.Sprintf("%s:%s", positionKeyPrefix, symbol)
}

// Save writes a snapshot of pos. Failures are logged, never fatal:
// snapshotting is best-effort and must not block trading.
func (s *StateStore) Save(ctx context.Context, pos *Position) {
	copied := *pos

	s.mu.Lock()
	s.fallback[pos.Symbol] = &copied
	s.mu.Unlock()

	if s.client == nil || !s.available.Load() {
		return
	}

	data, err := json.Marshal(&copied)
	if err != nil {
		s.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("snapshot marshal failed")
		return
	}

	if err := s.client.Set(ctx, positionKey(pos.Symbol), data, stateTTL).Err(); err != nil {
		s.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("snapshot write failed")
		s.available.Store(false)
	}
}

// Delete removes the snapshot for symbol.
func (s *StateStore) Delete(ctx context.Context, symbol string) {
	s.mu.Lock()
	delete(s.fallback, symbol)
	s.mu.Unlock()

	if s.client == nil || !s.available.Load() {
		return
	}

	if err := s.client.Del(ctx, positionKey(symbol)).Err(); err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("snapshot delete failed")
	}
}

// LoadAll returns every stored snapshot, preferring Redis when reachable.
func (s *StateStore) LoadAll(ctx context.Context) ([]*Position, error) {
	if s.client != nil && s.available.Load() {
		keys, err := s.client.Keys(ctx, positionKeyPrefix+":*").Result()
		if err != nil {
			return nil, fmt.Errorf("listing snapshots: %w", err)
		}

		positions := make([]*Position, 0, len(keys))
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var pos Position
			if err := json.Unmarshal(data, &pos); err != nil {
				s.log.Warn().Err(err).Str("key", key).Msg("corrupt snapshot skipped")
				continue
			}
			positions = append(positions, &pos)
		}
		return positions, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	positions := make([]*Position, 0, len(s.fallback))
	for _, pos := range s.fallback {
		copied := *pos
		positions = append(positions, &copied)
	}
	return positions, nil
}
