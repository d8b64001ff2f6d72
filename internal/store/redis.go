package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradesim/execution-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only the portfolio reads (holdings and trades per user) are cached.
// Wallets, orders and positions are read on the execution path and always
// come from the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveHolding(ctx context.Context, h *model.Holding) error {
	if err := s.Store.SaveHolding(ctx, h); err != nil {
		return err
	}
	s.rdb.Del(ctx, holdingsKey(h.UserID))
	return nil
}

func (s *CachedStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	if err := s.Store.InsertTrade(ctx, t); err != nil {
		return err
	}
	s.rdb.Del(ctx, tradesKey(t.UserID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListHoldings(ctx context.Context, userID string) ([]model.Holding, error) {
	data, err := s.rdb.Get(ctx, holdingsKey(userID)).Bytes()
	if err == nil {
		var holdings []model.Holding
		if json.Unmarshal(data, &holdings) == nil {
			return holdings, nil
		}
	}

	holdings, err := s.Store.ListHoldings(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(holdings); err == nil {
		s.rdb.Set(ctx, holdingsKey(userID), data, s.ttl)
	}
	return holdings, nil
}

// ListTrades serves user-only filters from the cache. Any narrower filter
// goes to the primary.
func (s *CachedStore) ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error) {
	if f.UserID == "" || f.Symbol != "" || f.Exchange != "" || f.BuyOrderID != "" {
		return s.Store.ListTrades(ctx, f)
	}

	data, err := s.rdb.Get(ctx, tradesKey(f.UserID)).Bytes()
	if err == nil {
		var trades []model.Trade
		if json.Unmarshal(data, &trades) == nil {
			return trades, nil
		}
	}

	trades, err := s.Store.ListTrades(ctx, f)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(trades); err == nil {
		s.rdb.Set(ctx, tradesKey(f.UserID), data, s.ttl)
	}
	return trades, nil
}

func holdingsKey(uid string) string { return fmt.Sprintf("holdings:%s", uid) }
func tradesKey(uid string) string   { return fmt.Sprintf("trades:%s", uid) }
