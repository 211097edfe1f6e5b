package answer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Cache stores finished answers keyed by tenant and query fingerprint.
// Misses and backend failures look identical to callers; the cache is an
// optimization, never a dependency.
type Cache interface {
	Get(ctx context.Context, tenantID, fingerprint string) (*Answer, bool)
	Set(ctx context.Context, tenantID, fingerprint string, ans *Answer)
	Invalidate(ctx context.Context, tenantID string)
}

func cacheKey(tenantID, fingerprint string) string {
	return fmt.Sprintf("answers:%s:%s", tenantID, fingerprint)
}

// RedisCache shares answers across API replicas.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

// Get returns a cached answer, or false on miss or backend failure.
func (c *RedisCache) Get(ctx context.Context, tenantID, fingerprint string) (*Answer, bool) {
	data, err := c.client.Get(ctx, cacheKey(tenantID, fingerprint)).Bytes()
	if err != nil {
		return nil, false
	}
	var ans Answer
	if err := json.Unmarshal(data, &ans); err != nil {
		c.logger.Warn().Err(err).Msg("corrupt cached answer, ignoring")
		return nil, false
	}
	return &ans, true
}

// Set stores an answer with the cache TTL. Best effort.
func (c *RedisCache) Set(ctx context.Context, tenantID, fingerprint string, ans *Answer) {
	data, err := json.Marshal(ans)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(tenantID, fingerprint), data, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("cache answer failed")
	}
}

// Invalidate drops every cached answer for a tenant. Called when the
// tenant's corpus changes.
func (c *RedisCache) Invalidate(ctx context.Context, tenantID string) {
	pattern := cacheKey(tenantID, "*")
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) > 0 {
		c.client.Del(ctx, keys...)
	}
}

type memoryEntry struct {
	ans     Answer
	expires time.Time
}

// MemoryCache backs tests and single-node development.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryCache{entries: make(map[string]memoryEntry), ttl: ttl}
}

// Get returns a cached answer if present and unexpired.
func (c *MemoryCache) Get(ctx context.Context, tenantID, fingerprint string) (*Answer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cacheKey(tenantID, fingerprint)]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	ans := e.ans
	return &ans, true
}

// Set stores a copy of the answer.
func (c *MemoryCache) Set(ctx context.Context, tenantID, fingerprint string, ans *Answer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(tenantID, fingerprint)] = memoryEntry{ans: *ans, expires: time.Now().Add(c.ttl)}
}

// Invalidate drops the tenant's cached answers.
func (c *MemoryCache) Invalidate(ctx context.Context, tenantID string) {
	prefix := cacheKey(tenantID, "")
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.entries, k)
		}
	}
}
