package external

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/diagnostic-triage-engine/internal/domain"
)

const embeddingKeyPrefix = "triage:embedding:"

// EmbeddingCache is a two-tier vector cache: an in-process LRU in front of an
// optional Redis instance shared between engine replicas.
type EmbeddingCache struct {
	memory *lru.Cache[string, []float64]
	redis  *redis.Client
	ttl    time.Duration

	memoryHits atomic.Int64
	redisHits  atomic.Int64
	misses     atomic.Int64
}

// CacheStats reports cache effectiveness counters
type CacheStats struct {
	MemoryHits int64 `json:"memory_hits"`
	RedisHits  int64 `json:"redis_hits"`
	Misses     int64 `json:"misses"`
	MemorySize int   `json:"memory_size"`
}

// cachedEmbedding is the JSON envelope stored in Redis
type cachedEmbedding struct {
	Vector    []float64 `json:"vector"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewEmbeddingCache creates the cache. When config.RedisURL is set the Redis
// tier is connected and pinged; a failed ping is returned as an error.
func NewEmbeddingCache(config domain.CacheConfig) (*EmbeddingCache, error) {
	var client *redis.Client
	if config.RedisURL != "" {
		opts, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		client = redis.NewClient(opts)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
	}
	return NewEmbeddingCacheWithClient(config.Size, config.TTL, client)
}

// NewEmbeddingCacheWithClient builds a cache around an existing Redis client,
// which may be nil for a memory-only cache.
func NewEmbeddingCacheWithClient(size int, ttl time.Duration, client *redis.Client) (*EmbeddingCache, error) {
	if size <= 0 {
		size = 2048
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	memory, err := lru.New[string, []float64](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}
	return &EmbeddingCache{memory: memory, redis: client, ttl: ttl}, nil
}

// Key derives the cache key of text embedded by model.
func Key(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return embeddingKeyPrefix + hex.EncodeToString(sum[:])
}

// Get returns a cached vector. Redis errors are treated as misses.
func (c *EmbeddingCache) Get(ctx context.Context, key string) ([]float64, bool) {
	if vec, ok := c.memory.Get(key); ok {
		c.memoryHits.Add(1)
		return copyVector(vec), true
	}
	if c.redis != nil {
		if vec, ok := c.getRedis(ctx, key); ok {
			c.redisHits.Add(1)
			c.memory.Add(key, vec)
			return copyVector(vec), true
		}
	}
	c.misses.Add(1)
	return nil, false
}

// Set stores a vector in every configured tier.
func (c *EmbeddingCache) Set(ctx context.Context, key string, vec []float64) error {
	c.memory.Add(key, copyVector(vec))
	if c.redis == nil {
		return nil
	}

	now := time.Now()
	data, err := json.Marshal(cachedEmbedding{Vector: vec, CachedAt: now, ExpiresAt: now.Add(c.ttl)})
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache embedding: %w", err)
	}
	return nil
}

func (c *EmbeddingCache) getRedis(ctx context.Context, key string) ([]float64, bool) {
	data, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		return nil, false
	}

	var entry cachedEmbedding
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		// Delete corrupted cache entry
		c.redis.Del(ctx, key)
		return nil, false
	}
	if time.Now().After(entry.ExpiresAt) || len(entry.Vector) == 0 {
		c.redis.Del(ctx, key)
		return nil, false
	}
	return entry.Vector, true
}

// Stats returns the hit and miss counters
func (c *EmbeddingCache) Stats() CacheStats {
	return CacheStats{
		MemoryHits: c.memoryHits.Load(),
		RedisHits:  c.redisHits.Load(),
		Misses:     c.misses.Load(),
		MemorySize: c.memory.Len(),
	}
}

// Purge empties the memory tier. Redis entries expire on their own.
func (c *EmbeddingCache) Purge() {
	c.memory.Purge()
}

// Ping checks the Redis tier. A memory-only cache is always reachable.
func (c *EmbeddingCache) Ping(ctx context.Context) error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Ping(ctx).Err()
}

// Close releases the Redis connection
func (c *EmbeddingCache) Close() error {
	if c.redis == nil {
		return nil
	}
	if err := c.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

func copyVector(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}
