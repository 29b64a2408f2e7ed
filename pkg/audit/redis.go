// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisEntryPrefix = "kiln:audit:entry:"
	redisTimeIndex   = "kiln:audit:by_time"
)

// RedisStore persists audit entries in redis so they survive restarts.
// Each entry lives under its own key; a sorted set scored by start time
// provides newest-first scans and range purges.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisEntryPrefix+e.ID, raw, 0)
	pipe.ZAdd(ctx, redisTimeIndex, redis.Z{
		Score:  float64(e.StartTime.UnixNano()),
		Member: e.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing audit entry: %w", err)
	}
	return nil
}

// Query implements Store. The time range is answered by the sorted set;
// the remaining filters are applied after fetch.
func (s *RedisStore) Query(ctx context.Context, q Query) ([]*Entry, error) {
	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if q.StartTime != nil {
		rng.Min = strconv.FormatInt(q.StartTime.UnixNano(), 10)
	}
	if q.EndTime != nil {
		rng.Max = strconv.FormatInt(q.EndTime.UnixNano(), 10)
	}

	ids, err := s.client.ZRevRangeByScore(ctx, redisTimeIndex, rng).Result()
	if err != nil {
		return nil, fmt.Errorf("scanning audit index: %w", err)
	}

	var out []*Entry
	skipped := 0
	for _, id := range ids {
		e, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if e == nil || !q.Matches(e) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (*Entry, error) {
	raw, err := s.client.Get(ctx, redisEntryPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching audit entry %s: %w", id, err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decoding audit entry %s: %w", id, err)
	}
	return &e, nil
}

// PurgeOlderThan implements Store.
func (s *RedisStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	max := strconv.FormatInt(cutoff.UnixNano()-1, 10)
	ids, err := s.client.ZRangeByScore(ctx, redisTimeIndex, &redis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scanning audit index: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisEntryPrefix + id
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRemRangeByScore(ctx, redisTimeIndex, "-inf", max)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("purging audit entries: %w", err)
	}
	return len(ids), nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
