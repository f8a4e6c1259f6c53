// Package lock provides a redis-backed mutex used to serialise processor runs
// across instances.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockHeld     = errors.New("lock held by another process")
	ErrLockNotOwned = errors.New("lock not owned by this token")
)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// NewRedisClient parses a redis:// URL and checks the server is reachable.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("NewRedisClient: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("NewRedisClient: ping: %w", err)
	}
	return client, nil
}

type RedisLocker struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, name string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, key: "lock:" + name, ttl: ttl}
}

// Acquire takes the lock or fails fast with ErrLockHeld. The lock expires on
// its own after the TTL if release is never called.
func (l *RedisLocker) Acquire(ctx context.Context) (func(context.Context) error, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("Acquire: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("Acquire: %s: %w", l.key, ErrLockHeld)
	}

	release := func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int()
		if err != nil {
			return fmt.Errorf("Release: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("Release: %s: %w", l.key, ErrLockNotOwned)
		}
		return nil
	}
	return release, nil
}

func (l *RedisLocker) PingContext(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
