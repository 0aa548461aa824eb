// Package statestore persists each profile's managed positions so a restart
// can re-adopt them. Redis is the primary store; an in-memory fallback keeps
// trading alive through a Redis outage.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"autonomous-trading-engine/internal/position"
)

const (
	positionKeyPrefix = "engine:position"
	positionSetPrefix = "engine:positions"

	// stateTTL outlives any reasonable holding period; closed positions are
	// deleted explicitly.
	stateTTL = 7 * 24 * time.Hour
)

// SavedPosition is the recovery record for one managed position.
type SavedPosition struct {
	Profile  string                 `json:"profile"`
	Position position.TradePosition `json:"position"`
	TradeID  int64                  `json:"trade_id"`
	SavedAt  time.Time              `json:"saved_at"`
}

// Store writes through to Redis when it is reachable and always keeps the
// in-memory copy current. A nil client runs memory-only.
type Store struct {
	client *redis.Client
	logger zerolog.Logger

	mu       sync.RWMutex
	fallback map[string]SavedPosition

	available atomic.Bool
}

// New builds the store and probes Redis once. Startup never fails on an
// unreachable Redis; the store just begins in fallback mode.
func New(client *redis.Client, logger zerolog.Logger) *Store {
	s := &Store{
		client:   client,
		logger:   logger,
		fallback: make(map[string]SavedPosition),
	}
	if client == nil {
		logger.Info().Msg("state store running memory-only")
		return s
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable at startup, state store in fallback mode")
		return s
	}
	s.available.Store(true)
	logger.Info().Msg("state store connected to redis")
	return s
}

// Available reports whether Redis is currently reachable.
func (s *Store) Available() bool { return s.available.Load() }

func positionKey(profile, symbol string) string {
	return fmt.Sprintf("%s:%s:%s", positionKeyPrefix, profile, symbol)
}

func positionSetKey(profile string) string {
	return fmt.Sprintf("%s:%s:list", positionSetPrefix, profile)
}

// Save records a position after every mutation. Redis failures degrade to
// the fallback copy and are not surfaced to the trading path.
func (s *Store) Save(ctx context.Context, profile string, pos position.TradePosition, tradeID int64) error {
	saved := SavedPosition{
		Profile:  profile,
		Position: pos,
		TradeID:  tradeID,
		SavedAt:  time.Now(),
	}
	data, err := json.Marshal(saved)
	if err != nil {
		return fmt.Errorf("marshal position state: %w", err)
	}

	s.mu.Lock()
	s.fallback[profile+":"+pos.Symbol] = saved
	s.mu.Unlock()

	if s.client == nil || !s.available.Load() {
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, positionKey(profile, pos.Symbol), string(data), stateTTL)
	pipe.SAdd(ctx, positionSetKey(profile), pos.Symbol)
	pipe.Expire(ctx, positionSetKey(profile), stateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.available.Store(false)
		s.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("redis save failed, holding state in memory")
	}
	return nil
}

// LoadAll returns every saved position for a profile, keyed by symbol.
func (s *Store) LoadAll(ctx context.Context, profile string) (map[string]SavedPosition, error) {
	if s.client != nil && s.available.Load() {
		symbols, err := s.client.SMembers(ctx, positionSetKey(profile)).Result()
		if err != nil && err != redis.Nil {
			s.available.Store(false)
			s.logger.Warn().Err(err).Msg("redis read failed, loading from memory")
			return s.loadFallback(profile), nil
		}

		out := make(map[string]SavedPosition, len(symbols))
		for _, symbol := range symbols {
			data, err := s.client.Get(ctx, positionKey(profile, symbol)).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				s.available.Store(false)
				s.logger.Warn().Err(err).Msg("redis read failed, loading from memory")
				return s.loadFallback(profile), nil
			}
			var saved SavedPosition
			if err := json.Unmarshal([]byte(data), &saved); err != nil {
				s.logger.Error().Err(err).Str("symbol", symbol).Msg("corrupt position state skipped")
				continue
			}
			out[symbol] = saved
			s.mu.Lock()
			s.fallback[profile+":"+symbol] = saved
			s.mu.Unlock()
		}
		return out, nil
	}
	return s.loadFallback(profile), nil
}

// Delete removes a closed position's state everywhere.
func (s *Store) Delete(ctx context.Context, profile, symbol string) error {
	s.mu.Lock()
	delete(s.fallback, profile+":"+symbol)
	s.mu.Unlock()

	if s.client == nil || !s.available.Load() {
		return nil
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, positionKey(profile, symbol))
	pipe.SRem(ctx, positionSetKey(profile), symbol)
	if _, err := pipe.Exec(ctx); err != nil {
		s.available.Store(false)
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("redis delete failed")
	}
	return nil
}

// CheckConnection probes Redis; on recovery the fallback contents are
// written back so the stores converge.
func (s *Store) CheckConnection(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("no redis client configured")
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.available.Store(false)
		return fmt.Errorf("redis ping: %w", err)
	}
	if s.available.CompareAndSwap(false, true) {
		s.logger.Info().Msg("redis recovered, resyncing position state")
		s.resync(ctx)
	}
	return nil
}

func (s *Store) resync(ctx context.Context) {
	s.mu.RLock()
	pending := make([]SavedPosition, 0, len(s.fallback))
	for _, saved := range s.fallback {
		pending = append(pending, saved)
	}
	s.mu.RUnlock()

	for _, saved := range pending {
		data, err := json.Marshal(saved)
		if err != nil {
			continue
		}
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, positionKey(saved.Profile, saved.Position.Symbol), string(data), stateTTL)
		pipe.SAdd(ctx, positionSetKey(saved.Profile), saved.Position.Symbol)
		pipe.Expire(ctx, positionSetKey(saved.Profile), stateTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			s.available.Store(false)
			s.logger.Warn().Err(err).Msg("resync aborted")
			return
		}
	}
}

func (s *Store) loadFallback(profile string) map[string]SavedPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]SavedPosition)
	for _, saved := range s.fallback {
		if saved.Profile == profile {
			out[saved.Position.Symbol] = saved
		}
	}
	return out
}
