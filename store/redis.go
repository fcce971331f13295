package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every key written to a shared Redis.
const keyPrefix = "matchsync:"

// Redis stores values as plain Redis strings without expiry; staleness is
// decided by the caller from the payload's own timestamp.
type Redis struct {
	client *redis.Client
}

// OpenRedis connects using a redis:// URL, falling back to treating dsn as a
// bare host:port address.
func OpenRedis(ctx context.Context, dsn string) (*Redis, error) {
	opt, err := redis.ParseURL(dsn)
	if err != nil {
		opt = &redis.Options{Addr: dsn}
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: connecting to redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get %q: %w", key, err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, keyPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("store: set %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("store: remove %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }
