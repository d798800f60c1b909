// Package rediscache shares blacklist hits across instances through Redis.
package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"beneficios.org/internal/auth"
)

const defaultPrefix = "authz:blacklist"

// Config describes the Redis connection.
type Config struct {
	URL      string
	Password string
	DB       int
	PoolSize int
	Prefix   string
}

// BlacklistCache stores revoked jtis with a TTL equal to the token's remaining life.
// Only positive entries are cached, so a miss always falls through to the store.
type BlacklistCache struct {
	client *redis.Client
	prefix string
}

var _ auth.BlacklistCache = (*BlacklistCache)(nil)

// Dial parses cfg.URL, connects and pings.
func Dial(ctx context.Context, cfg Config) (*BlacklistCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB > 0 {
		opts.DB = cfg.DB
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return New(client, cfg.Prefix), nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string) *BlacklistCache {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &BlacklistCache{client: client, prefix: prefix}
}

func (c *BlacklistCache) key(jti string) string {
	return fmt.Sprintf("%s:%s", c.prefix, jti)
}

// Mark records jti as revoked for ttl.
func (c *BlacklistCache) Mark(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.client.Set(ctx, c.key(jti), "1", ttl).Err()
}

// Contains reports a cached revocation.
func (c *BlacklistCache) Contains(ctx context.Context, jti string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	return n > 0, nil
}

// Forget drops jti from the cache.
func (c *BlacklistCache) Forget(ctx context.Context, jti string) error {
	return c.client.Del(ctx, c.key(jti)).Err()
}

// Ping reports Redis reachability for readiness probes.
func (c *BlacklistCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *BlacklistCache) Close() error {
	return c.client.Close()
}
