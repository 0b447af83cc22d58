// Package redisx wraps the go-redis client with the key layout and the
// Redis-backed stores used by the API and the stock watcher.
package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func Ping(ctx context.Context, rdb *redis.Client) error {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func Exists(ctx context.Context, rdb *redis.Client, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Seen reports whether service already finished processing event id.
func Seen(ctx context.Context, rdb *redis.Client, service, id string) (bool, error) {
	n, err := rdb.Exists(ctx, fmt.Sprintf(KeyDedup, service, id)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup %s: %w", id, err)
	}
	return n > 0, nil
}

// MarkSeen records that service finished processing event id. Call it only
// after the event's effects are durable.
func MarkSeen(ctx context.Context, rdb *redis.Client, service, id string) error {
	if err := rdb.Set(ctx, fmt.Sprintf(KeyDedup, service, id), "1", TTLDedup).Err(); err != nil {
		return fmt.Errorf("mark %s seen: %w", id, err)
	}
	return nil
}
