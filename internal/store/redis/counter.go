package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Counter is a domain.VersionCounter stored as a plain integer key.
type Counter struct {
	client *redis.Client
	key    string
}

func (c *Client) Counter(key string) *Counter {
	return &Counter{client: c.client, key: key}
}

func (c *Counter) Get(ctx context.Context) (int64, bool, error) {
	v, err := c.client.Get(ctx, c.key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis.Counter.Get: %w", err)
	}
	return v, true, nil
}

func (c *Counter) Set(ctx context.Context, value int64) error {
	if err := c.client.Set(ctx, c.key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis.Counter.Set: %w", err)
	}
	return nil
}
