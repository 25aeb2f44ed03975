// Package cache is the Redis layer shared by the API and the workers: caller
// identities, rate limit buckets, candidate subscriptions and asset groups.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a go-redis client with the domain-specific accessors.
type Cache struct {
	client *redis.Client
}

// New dials redisURL (redis:// or rediss://) and pings it once.
func New(ctx context.Context, redisURL string) (*Cache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	// The ingest consumer holds a blocking XREADGROUP connection, so keep
	// headroom above the HTTP path.
	opt.PoolSize = 16
	opt.MinIdleConns = 2
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute

	c := NewFromClient(redis.NewClient(opt))
	if err := c.Ping(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Ping lets the readiness check reach Redis.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}

// Client exposes the raw client for the ingest stream, which needs the
// stream commands directly.
func (c *Cache) Client() *redis.Client {
	return c.client
}
