package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/telemetry-relay/pkg/config"
	"github.com/NikhilSetiya/telemetry-relay/pkg/errors"
)

// redisKeyPrefix namespaces warm-tier keys in a shared Redis
const redisKeyPrefix = "relay:item:"

// RedisClient wraps the Redis client for the warm tier
type RedisClient struct {
	client *redis.Client
	config *config.RedisConfig
}

// NewRedisClient creates a new Redis client and verifies connectivity
func NewRedisClient(cfg *config.RedisConfig) (*RedisClient, error) {
	if cfg == nil || cfg.Host == "" {
		return nil, errors.NewValidationError("Redis configuration is required")
	}

	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.NewInternalError("failed to connect to Redis").WithCause(err)
	}

	return &RedisClient{client: client, config: cfg}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Health checks the Redis connection health
func (r *RedisClient) Health(ctx context.Context) error {
	if r.client == nil {
		return errors.NewInternalError("Redis client is nil")
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.NewInternalError("Redis health check failed").WithCause(err)
	}
	return nil
}

// Stats returns Redis connection statistics
func (r *RedisClient) Stats() *redis.PoolStats {
	return r.client.PoolStats()
}

// redisBackend persists warm-tier payloads in Redis with per-item TTLs
type redisBackend struct {
	redis *RedisClient
}

// NewRedisBackend creates a Redis-backed storage backend
func NewRedisBackend(client *RedisClient) Backend {
	return &redisBackend{redis: client}
}

func (b *redisBackend) key(id string) string {
	return redisKeyPrefix + id
}

func (b *redisBackend) Put(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	if err := b.redis.client.Set(ctx, b.key(id), data, ttl).Err(); err != nil {
		return errors.NewInternalError("failed to store item in Redis").WithCause(err)
	}
	return nil
}

func (b *redisBackend) Get(ctx context.Context, id string) ([]byte, bool, error) {
	data, err := b.redis.client.Get(ctx, b.key(id)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.NewInternalError("failed to read item from Redis").WithCause(err)
	}
	return data, true, nil
}

func (b *redisBackend) Delete(ctx context.Context, id string) error {
	if err := b.redis.client.Del(ctx, b.key(id)).Err(); err != nil {
		return errors.NewInternalError("failed to delete item from Redis").WithCause(err)
	}
	return nil
}

func (b *redisBackend) Clear(ctx context.Context) error {
	iter := b.redis.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := b.redis.client.Del(ctx, iter.Val()).Err(); err != nil {
			return errors.NewInternalError("failed to clear Redis items").WithCause(err)
		}
	}
	if err := iter.Err(); err != nil {
		return errors.NewInternalError("failed to scan Redis items").WithCause(err)
	}
	return nil
}

func (b *redisBackend) Name() string {
	return "redis"
}
