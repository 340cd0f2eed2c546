// Package cache fronts the embedding generator with a query-vector cache.
// Only query text is cached; record vectors are already content-addressed
// in the store.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"tasksearch/internal/vector"
)

// EmbeddingCache is the capability the search path needs. Implementations
// must be soft-failing: a broken cache degrades to a miss, never an error.
type EmbeddingCache interface {
	Get(ctx context.Context, text string) ([]float32, bool)
	Set(ctx context.Context, text string, vec []float32)
	Close() error
}

// Noop disables caching. Used when no Redis address is configured.
type Noop struct{}

func (Noop) Get(ctx context.Context, text string) ([]float32, bool) { return nil, false }
func (Noop) Set(ctx context.Context, text string, vec []float32)    {}
func (Noop) Close() error                                           { return nil }

// RedisCache stores query embeddings in Redis, keyed by embedding model and
// a content hash of the query text, so a model change never serves stale
// vectors.
type RedisCache struct {
	client *redis.Client
	model  string
	ttl    time.Duration
}

// NewRedis opens a Redis-backed cache for the given embedding model.
func NewRedis(addr, password, model string, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		model: model,
		ttl:   ttl,
	}
}

// Ping tests connectivity so startup can log a clear warning.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("qemb:%s:%s", c.model, hex.EncodeToString(sum[:]))
}

// Get returns the cached vector for text, or a miss. Transport errors and
// corrupt frames count as misses.
func (c *RedisCache) Get(ctx context.Context, text string) ([]float32, bool) {
	data, err := c.client.Get(ctx, c.key(text)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		log.Printf("⚠️  Query cache read failed: %v", err)
		return nil, false
	}

	vec, err := vector.Decode(data)
	if err != nil {
		log.Printf("⚠️  Query cache entry corrupt, discarding: %v", err)
		c.client.Del(ctx, c.key(text))
		return nil, false
	}

	return vec, true
}

// Set stores the vector for text with the configured TTL.
func (c *RedisCache) Set(ctx context.Context, text string, vec []float32) {
	data, err := vector.Encode(vec)
	if err != nil {
		log.Printf("⚠️  Query cache encode failed: %v", err)
		return
	}

	if err := c.client.Set(ctx, c.key(text), data, c.ttl).Err(); err != nil {
		log.Printf("⚠️  Query cache write failed: %v", err)
	}
}

// Close releases the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
