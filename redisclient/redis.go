// Package redisclient wraps github.com/redis/go-redis/v9 as the
// out-of-process implementation of the gateway's key/value cache. The
// credential cache uses it for "auth:credentials:<sha256>" lookups; when
// Redis is unreachable the cache degrades to the in-memory fallback.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/govgate/gateway/cache"
	"github.com/govgate/gateway/config"
)

// Client wraps a *redis.Client for the gateway's cache usages.
type Client struct {
	c *redis.Client
}

// New creates a Redis client from the provided config. Returns an error if
// the Redis URL cannot be parsed; it does not attempt to connect.
func New(cfg *config.Config) (*Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	r := redis.NewClient(opt)
	return &Client{c: r}, nil
}

// Ping verifies connectivity with a short deadline; used as the startup
// probe and by the circuit breaker's health check.
func (r *Client) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.c.Ping(ctx).Err()
}

// Get returns the raw string value for key, or redis.Nil if absent.
func (r *Client) Get(ctx context.Context, key string) (string, error) {
	return r.c.Get(ctx, key).Result()
}

// Set stores value under key with the given TTL (0 = no expiry).
func (r *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.c.Set(ctx, key, value, ttl).Err()
}

// Del removes key, used on credential mutation to invalidate the cache.
func (r *Client) Del(ctx context.Context, key string) error {
	return r.c.Del(ctx, key).Err()
}

// IsNil reports whether err is redis.Nil (key not found).
func IsNil(err error) bool {
	return err == redis.Nil
}

// store adapts Client to the cache.Store port.
type store struct {
	c *Client
}

// CacheStore returns the client as a cache.Store.
func (r *Client) CacheStore() cache.Store {
	return &store{c: r}
}

func (s *store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.c.Get(ctx, key)
	if IsNil(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.c.Set(ctx, key, value, ttl)
}

func (s *store) Del(ctx context.Context, key string) error {
	return s.c.Del(ctx, key)
}
