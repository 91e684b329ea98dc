package db

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisDB is the KV-flavored backend connection, shared by the message store,
// the stats counters, the audit log, and the durable queue.
type RedisDB struct {
	*redis.Client
}

func NewRedis(ctx context.Context, url string) (*RedisDB, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return &RedisDB{Client: client}, nil
}
