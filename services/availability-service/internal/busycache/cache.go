// Package busycache caches upstream busy periods per connection and local
// calendar day. TTLs are short: the cache absorbs bursts of availability
// checks within one conversation, not long-lived state.
package busycache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/avdeluca/agentcal/services/availability-service/internal/model"
)

// DefaultTTL keeps entries fresh enough that external calendar edits surface
// within seconds.
const DefaultTTL = 90 * time.Second

// computeBudget bounds a detached busy fetch once it no longer has a caller
// waiting on it.
const computeBudget = 2 * time.Minute

// Key builds the cache key for one connection and zone-local date
// (YYYY-MM-DD).
func Key(connectionID, date string) string {
	return "busy:" + connectionID + ":" + date
}

// Cache stores busy-period lists keyed by connection and date. The bool
// result of GetOrCompute reports a cache hit.
type Cache interface {
	GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) ([]model.BusyPeriod, error)) ([]model.BusyPeriod, bool, error)
	Invalidate(ctx context.Context, connectionID string, dates ...string) error
}

// RedisCache is the production adapter. Values are JSON; a per-connection
// index set makes connection-wide invalidation a bounded DEL instead of a
// SCAN.
type RedisCache struct {
	rdb   *redis.Client
	group singleflight.Group
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func indexKey(connectionID string) string {
	return "busy:idx:" + connectionID
}

func connectionFromKey(key string) (string, bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] != "busy" {
		return "", false
	}
	return parts[1], true
}

// GetOrCompute returns the cached busy list for key, or runs compute once
// (singleflighted across concurrent callers) and caches the result. The
// compute runs on a detached context so one caller hanging up does not fail
// every request piled onto the flight. A failed cache write does not fail
// the request.
func (c *RedisCache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) ([]model.BusyPeriod, error)) ([]model.BusyPeriod, bool, error) {
	if raw, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var periods []model.BusyPeriod
		if json.Unmarshal(raw, &periods) == nil {
			return periods, true, nil
		}
	}

	ch := c.group.DoChan(key, func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), computeBudget)
		defer cancel()
		periods, err := compute(cctx)
		if err != nil {
			return nil, err
		}
		if raw, err := json.Marshal(periods); err == nil {
			pipe := c.rdb.Pipeline()
			pipe.Set(cctx, key, raw, ttl)
			if connID, ok := connectionFromKey(key); ok {
				pipe.SAdd(cctx, indexKey(connID), key)
				pipe.Expire(cctx, indexKey(connID), 24*time.Hour)
			}
			_, _ = pipe.Exec(cctx)
		}
		return periods, nil
	})
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.([]model.BusyPeriod), false, nil
	}
}

// Invalidate drops the given dates for a connection, or every cached day for
// it when no dates are passed.
func (c *RedisCache) Invalidate(ctx context.Context, connectionID string, dates ...string) error {
	if len(dates) > 0 {
		keys := make([]string, len(dates))
		for i, d := range dates {
			keys[i] = Key(connectionID, d)
		}
		pipe := c.rdb.Pipeline()
		pipe.Del(ctx, keys...)
		pipe.SRem(ctx, indexKey(connectionID), keys)
		_, err := pipe.Exec(ctx)
		return err
	}

	keys, err := c.rdb.SMembers(ctx, indexKey(connectionID)).Result()
	if err != nil {
		return err
	}
	keys = append(keys, indexKey(connectionID))
	return c.rdb.Del(ctx, keys...).Err()
}

type memoryEntry struct {
	periods []model.BusyPeriod
	expires time.Time
}

// MemoryCache is the in-process counterpart used in tests and single-node
// deployments.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	group   singleflight.Group
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) ([]model.BusyPeriod, error)) ([]model.BusyPeriod, bool, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return e.periods, true, nil
	}
	c.mu.Unlock()

	ch := c.group.DoChan(key, func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), computeBudget)
		defer cancel()
		periods, err := compute(cctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = memoryEntry{periods: periods, expires: c.now().Add(ttl)}
		c.mu.Unlock()
		return periods, nil
	})
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.([]model.BusyPeriod), false, nil
	}
}

func (c *MemoryCache) Invalidate(ctx context.Context, connectionID string, dates ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(dates) > 0 {
		for _, d := range dates {
			delete(c.entries, Key(connectionID, d))
		}
		return nil
	}
	prefix := "busy:" + connectionID + ":"
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	return nil
}
