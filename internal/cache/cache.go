// Package cache is the Redis-backed verdict cache keyed by request
// fingerprint. It is optional: every error here is non-fatal to request
// evaluation and the judge falls through to the LLM path.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vigil-waf/vigil/internal/model"
)

// keyPrefix is the verdict key namespace. Compatibility-critical: external
// tooling seeds and inspects verdict:<fingerprint> keys.
const keyPrefix = "verdict:"

// Cache stores JSON-serialized decisions with a fixed TTL.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a cache from a redis:// URL. The connection is not probed
// here; call Ping at bootstrap.
func New(redisURL string, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL %q: %w", redisURL, err)
	}
	return &Cache{client: redis.NewClient(opts), ttl: ttl}, nil
}

// GetVerdict returns the cached decision for a fingerprint, or nil on miss.
func (c *Cache) GetVerdict(ctx context.Context, fingerprint string) (*model.Decision, error) {
	val, err := c.client.Get(ctx, verdictKey(fingerprint)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", verdictKey(fingerprint), err)
	}

	var d model.Decision
	if err := json.Unmarshal([]byte(val), &d); err != nil {
		return nil, fmt.Errorf("deserialize cached verdict: %w", err)
	}
	return &d, nil
}

// SetVerdict writes a decision with the configured TTL.
func (c *Cache) SetVerdict(ctx context.Context, fingerprint string, d model.Decision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("serialize verdict: %w", err)
	}
	if err := c.client.Set(ctx, verdictKey(fingerprint), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", verdictKey(fingerprint), err)
	}
	return nil
}

// Invalidate deletes a cached verdict.
func (c *Cache) Invalidate(ctx context.Context, fingerprint string) error {
	if err := c.client.Del(ctx, verdictKey(fingerprint)).Err(); err != nil {
		return fmt.Errorf("redis DEL %s: %w", verdictKey(fingerprint), err)
	}
	return nil
}

// Ping probes the connection. Used at bootstrap only.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the client's connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

func verdictKey(fingerprint string) string {
	return keyPrefix + fingerprint
}
