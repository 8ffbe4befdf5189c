package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CacheKeyPrefix prefixes every cached job result.
const CacheKeyPrefix = "job-result:"

// ResultCache stores JobRetrievalResult values under "job-result:<key>".
// It is a derived view: entries can vanish at any time and readers must be
// able to rebuild them from the authoritative record.
//
// Writes return their errors. Reads degrade to a miss, false or TTLAbsent so a
// cache outage never becomes a caller outage.
type ResultCache struct {
	store     *Store
	scanCount int64
	log       zerolog.Logger
}

// NewResultCache connects the store. A failed probe is returned as a
// *ConnectionError instead of producing a cache that silently drops writes.
func NewResultCache(ctx context.Context, store *Store, opt ...Opt) (*ResultCache, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: result cache needs a backing store", ErrConfig)
	}
	o, err := applyOpts("result-cache", opt)
	if err != nil {
		return nil, err
	}
	if err := store.Connect(ctx); err != nil {
		return nil, err
	}
	return &ResultCache{store: store, scanCount: o.scanCount, log: o.logger}, nil
}

func cacheKey(key string) string {
	return CacheKeyPrefix + key
}

// Set stores result under key. A zero ttl stores it without expiry.
func (c *ResultCache) Set(ctx context.Context, key string, result *JobRetrievalResult, ttl time.Duration) error {
	if result == nil {
		return fmt.Errorf("%w: nil result for cache key %q", ErrConfig, key)
	}
	if ttl < 0 {
		return fmt.Errorf("%w: negative ttl for cache key %q", ErrConfig, key)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode cache entry %q: %w", key, err)
	}
	if err := c.store.Client().Set(ctx, cacheKey(key), data, ttl).Err(); err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("cache write failed")
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

// Get returns the cached result, or nil on a miss or any read or decode error.
func (c *ResultCache) Get(ctx context.Context, key string) *JobRetrievalResult {
	data, err := c.store.Client().Get(ctx, cacheKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
		return nil
	}
	var result JobRetrievalResult
	if err := json.Unmarshal(data, &result); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache entry undecodable")
		return nil
	}
	return &result
}

// Delete removes key. It reports whether an entry existed.
func (c *ResultCache) Delete(ctx context.Context, key string) (bool, error) {
	n, err := c.store.Client().Del(ctx, cacheKey(key)).Result()
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("cache delete failed")
		return false, fmt.Errorf("cache delete %q: %w", key, err)
	}
	return n > 0, nil
}

// Exists reports whether key is cached. Store errors read as false.
func (c *ResultCache) Exists(ctx context.Context, key string) bool {
	n, err := c.store.Client().Exists(ctx, cacheKey(key)).Result()
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache exists check failed")
		return false
	}
	return n == 1
}

// GetTTL returns the entry's remaining lifetime in milliseconds, TTLAbsent when
// missing or on error, and TTLNoExpiry when it never expires.
func (c *ResultCache) GetTTL(ctx context.Context, key string) int64 {
	ttl, err := pttl(ctx, c.store.Client(), cacheKey(key))
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache ttl read failed")
		return TTLAbsent
	}
	return ttl
}

// SetTTL sets a new expiry on key. It reports false when the key does not exist.
func (c *ResultCache) SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("%w: ttl must be positive for cache key %q", ErrConfig, key)
	}
	ok, err := c.store.Client().PExpire(ctx, cacheKey(key), ttl).Result()
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("cache expire failed")
		return false, fmt.Errorf("cache set ttl %q: %w", key, err)
	}
	return ok, nil
}

// Clear removes every cached result. Matching keys are collected with SCAN
// and deleted in batches; keys outside the cache namespace are never touched.
// It returns the number of entries removed.
func (c *ResultCache) Clear(ctx context.Context) (int, error) {
	client := c.store.Client()
	keys, err := collectKeys(ctx, client, CacheKeyPrefix+"*", c.scanCount)
	if err != nil {
		c.log.Error().Err(err).Msg("cache clear scan failed")
		return 0, fmt.Errorf("cache clear: %w", err)
	}

	removed := 0
	for _, batch := range batches(keys, c.scanCount) {
		n, err := client.Del(ctx, batch...).Result()
		if err != nil {
			c.log.Error().Err(err).Int("removed", removed).Msg("cache clear failed")
			return removed, fmt.Errorf("cache clear: %w", err)
		}
		removed += int(n)
	}
	c.log.Info().Int("removed", removed).Msg("cache cleared")
	return removed, nil
}

// FlushAll is Clear. It never flushes the database, since other components keep
// their keys in the same store.
func (c *ResultCache) FlushAll(ctx context.Context) (int, error) {
	return c.Clear(ctx)
}

// Close closes the cache's store.
func (c *ResultCache) Close() error {
	return c.store.Close()
}
