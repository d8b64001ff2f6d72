package pending

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/tradesim/execution-engine/internal/instrument"
)

// RedisIndex keeps the index in Redis so several engine processes can
// share it. Each instrument is a hash of order ID → JSON entry; a set tracks
// which instrument hashes exist.
type RedisIndex struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisIndex creates an index under the given key prefix
// (default "pending").
func NewRedisIndex(rdb *redis.Client, prefix string) *RedisIndex {
	if prefix == "" {
		prefix = "pending"
	}
	return &RedisIndex{rdb: rdb, prefix: prefix}
}

func (r *RedisIndex) Add(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode pending entry %s: %w", e.OrderID, err)
	}
	member := instrument.Key(e.Symbol, e.Exchange)
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.hashKey(member), e.OrderID, data)
		p.SAdd(ctx, r.keysKey(), member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add pending order %s: %w", e.OrderID, err)
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, symbol, exchange, orderID string) error {
	member := instrument.Key(symbol, exchange)
	if err := r.rdb.HDel(ctx, r.hashKey(member), orderID).Err(); err != nil {
		return fmt.Errorf("remove pending order %s: %w", orderID, err)
	}
	// The keys set is trimmed lazily by Keys; an empty hash no longer exists.
	return nil
}

func (r *RedisIndex) Candidates(ctx context.Context, symbol, exchange string) ([]Entry, error) {
	raw, err := r.rdb.HGetAll(ctx, r.hashKey(instrument.Key(symbol, exchange))).Result()
	if err != nil {
		return nil, fmt.Errorf("pending candidates %s:%s: %w", exchange, symbol, err)
	}

	out := make([]Entry, 0, len(raw))
	for id, data := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("decode pending entry %s: %w", id, err)
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (r *RedisIndex) Keys(ctx context.Context) ([]instrument.Instrument, error) {
	members, err := r.rdb.SMembers(ctx, r.keysKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("pending keys: %w", err)
	}

	var out []instrument.Instrument
	for _, m := range members {
		n, err := r.rdb.HLen(ctx, r.hashKey(m)).Result()
		if err != nil {
			return nil, fmt.Errorf("pending keys: %w", err)
		}
		if n == 0 {
			r.rdb.SRem(ctx, r.keysKey(), m)
			continue
		}
		exchange, symbol, ok := strings.Cut(m, ":")
		if !ok {
			continue
		}
		out = append(out, instrument.Instrument{Symbol: symbol, Exchange: exchange})
	}
	return out, nil
}

func (r *RedisIndex) Len(ctx context.Context) (int, error) {
	members, err := r.rdb.SMembers(ctx, r.keysKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("pending len: %w", err)
	}
	total := 0
	for _, m := range members {
		n, err := r.rdb.HLen(ctx, r.hashKey(m)).Result()
		if err != nil {
			return 0, fmt.Errorf("pending len: %w", err)
		}
		total += int(n)
	}
	return total, nil
}

func (r *RedisIndex) Replace(ctx context.Context, entries []Entry) error {
	old, err := r.rdb.SMembers(ctx, r.keysKey()).Result()
	if err != nil {
		return fmt.Errorf("pending replace: %w", err)
	}

	grouped := make(map[string]map[string]any)
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode pending entry %s: %w", e.OrderID, err)
		}
		member := instrument.Key(e.Symbol, e.Exchange)
		if grouped[member] == nil {
			grouped[member] = make(map[string]any)
		}
		grouped[member][e.OrderID] = data
	}

	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, m := range old {
			p.Del(ctx, r.hashKey(m))
		}
		p.Del(ctx, r.keysKey())
		for member, fields := range grouped {
			p.HSet(ctx, r.hashKey(member), fields)
			p.SAdd(ctx, r.keysKey(), member)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("pending replace: %w", err)
	}
	return nil
}

func (r *RedisIndex) hashKey(member string) string { return fmt.Sprintf("%s:%s", r.prefix, member) }
func (r *RedisIndex) keysKey() string              { return fmt.Sprintf("%s:keys", r.prefix) }
