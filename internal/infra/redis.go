// README: Redis client initialization for GEO index, surge multipliers and feed pub/sub.
package infra

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// NewRedis returns nil when addr is empty so callers can skip Redis-backed components.
func NewRedis(ctx context.Context, addr string) (*redis.Client, error) {
	if addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
