package correlator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend on top of go-redis, giving the processed
// event set and outbound correlation table native EXPIRE semantics instead
// of an in-process sweep — grounded on the teacher's cache_redis.go, which
// exercises the same client/pool-config/Ping-on-construction pattern used
// here for every one of its TTL-bounded stores.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend parses redisURL (redis://host:port/db) and verifies
// connectivity before returning, matching RedisCache's constructor.
func NewRedisBackend(ctx context.Context, redisURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("correlator: parse redis url: %w", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("correlator: redis ping: %w", err)
	}
	return &RedisBackend{client: client}, nil
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
