package ledger

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const dedupPrefix = "arena:txn:"

type redisDedup struct {
	client  *redis.Client
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisDedup constructs a Redis-backed replay filter keyed by processor
// transaction id.
func NewRedisDedup(addr, password string, db int, ttl time.Duration) (Dedup, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	if ttl <= 0 {
		ttl = 14 * 24 * time.Hour
	}
	return &redisDedup{client: client, ttl: ttl, timeout: 250 * time.Millisecond}, nil
}

// Reserve returns false when the processor id was already seen.
func (d *redisDedup) Reserve(ctx context.Context, processorID string) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.client.SetNX(opCtx, dedupPrefix+processorID, 1, d.ttl).Result()
}
