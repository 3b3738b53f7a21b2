// Package cache implements the quarantine/exposure cache on Redis
package cache

import (
	"context"
	"fmt"

	"execution_gateway/internal/config"
	"execution_gateway/internal/core"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements core.ICache
type RedisCache struct {
	client *redis.Client
	logger core.ILogger
}

// NewRedisCache connects to Redis and verifies the connection
func NewRedisCache(ctx context.Context, cfg config.RedisConfig, logger core.ILogger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password.Value(),
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return &RedisCache{
		client: client,
		logger: logger.WithField("component", "redis_cache"),
	}, nil
}

// Set writes a key. Quarantine and exposure keys have no TTL: a quarantine
// stays until operations clears it.
func (c *RedisCache) Set(ctx context.Context, key, value string) error {
	if err := c.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s failed: %w", key, err)
	}
	return nil
}

// Close releases the client
func (c *RedisCache) Close() error {
	return c.client.Close()
}
