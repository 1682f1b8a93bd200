package orders

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vcs-repack/backend/pkg/redis"
)

// Kind names one per-order tally.
type Kind string

const (
	KindProcessed Kind = "processed"
	KindFailed    Kind = "failed"
	KindCancelled Kind = "cancelled"
)

// Counters tracks job outcomes per order while the order is in flight. The
// order row is only written once, at settlement, so these live in Redis where
// increments from many workers are atomic.
type Counters interface {
	Incr(ctx context.Context, orderID int64, kind Kind) error
	Get(ctx context.Context, orderID int64, kind Kind) (int, error)
	Delete(ctx context.Context, orderID int64) error
}

// RedisCounters implements Counters on the shared Redis client.
type RedisCounters struct {
	rdb *redis.Client
}

// NewRedisCounters creates the counter store.
func NewRedisCounters(rdb *redis.Client) *RedisCounters {
	return &RedisCounters{rdb: rdb}
}

func counterKey(orderID int64, kind Kind) string {
	return fmt.Sprintf("order:%d:%s", orderID, kind)
}

// Incr adds one to a tally.
func (c *RedisCounters) Incr(ctx context.Context, orderID int64, kind Kind) error {
	if err := c.rdb.Incr(ctx, counterKey(orderID, kind)).Err(); err != nil {
		return fmt.Errorf("incr %s counter: %w", kind, err)
	}
	return nil
}

// Get reads a tally; a key that was never incremented reads as zero.
func (c *RedisCounters) Get(ctx context.Context, orderID int64, kind Kind) (int, error) {
	n, err := c.rdb.Get(ctx, counterKey(orderID, kind)).Int()
	if err != nil {
		if err == goredis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("get %s counter: %w", kind, err)
	}
	return n, nil
}

// Delete removes all tallies for an order.
func (c *RedisCounters) Delete(ctx context.Context, orderID int64) error {
	keys := []string{
		counterKey(orderID, KindProcessed),
		counterKey(orderID, KindFailed),
		counterKey(orderID, KindCancelled),
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete order counters: %w", err)
	}
	return nil
}
