package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Coordinator lets a named throttle be evaluated against state shared by
// every kumod instance in a cluster, instead of process-local state.
// Rate and Concurrency use it when one is configured; otherwise they
// stay process-local.
type Coordinator interface {
	// TryAcquireRate reports whether one more event may proceed under
	// name's N-per-window limit, atomically recording the attempt if so.
	TryAcquireRate(ctx context.Context, name string, limit int, window time.Duration) (bool, error)
	// TryAcquireSlot reports whether one more concurrent holder may
	// proceed under name's capacity limit, atomically recording the
	// reservation if so. ReleaseSlot must be called exactly once for
	// every successful TryAcquireSlot.
	TryAcquireSlot(ctx context.Context, name string, capacity int) (bool, error)
	ReleaseSlot(ctx context.Context, name string) error
}

// RedisCoordinator implements Coordinator on top of go-redis/v9, using a
// sorted set per named rate throttle (score = event timestamp, trimmed
// to the current window) and a counter key per named concurrency
// throttle. The pipelined read-check-write pattern is adapted from the
// Enqueue/Dequeue methods of fenilsonani-email-server's RedisQueue,
// which uses the same TxPipeline + ZAdd(timestamp score) shape for
// atomic state transitions.
type RedisCoordinator struct {
	client *redis.Client
	prefix string
}

// NewRedisCoordinator wraps an existing *redis.Client. prefix namespaces
// every key this coordinator touches.
func NewRedisCoordinator(client *redis.Client, prefix string) *RedisCoordinator {
	return &RedisCoordinator{client: client, prefix: prefix}
}

func (c *RedisCoordinator) rateKey(name string) string {
	return fmt.Sprintf("%s:throttle:rate:%s", c.prefix, name)
}

func (c *RedisCoordinator) slotKey(name string) string {
	return fmt.Sprintf("%s:throttle:slots:%s", c.prefix, name)
}

// TryAcquireRate records one event for name in a sorted set keyed by
// timestamp, trims anything older than window, and allows the event iff
// the trimmed cardinality is still within limit.
func (c *RedisCoordinator) TryAcquireRate(ctx context.Context, name string, limit int, window time.Duration) (bool, error) {
	key := c.rateKey(name)
	now := time.Now()
	member := fmt.Sprintf("%d-%d", now.UnixNano(), now.Nanosecond())

	pipe := c.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", now.Add(-window).UnixNano()))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	if int(card.Val()) > limit {
		c.client.ZRem(ctx, key, member)
		return false, nil
	}
	return true, nil
}

// TryAcquireSlot atomically increments the named counter and allows the
// reservation iff the result is within capacity, decrementing back out
// on rejection so the counter never overshoots.
func (c *RedisCoordinator) TryAcquireSlot(ctx context.Context, name string, capacity int) (bool, error) {
	key := c.slotKey(name)
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if int(n) > capacity {
		c.client.Decr(ctx, key)
		return false, nil
	}
	return true, nil
}

// ReleaseSlot decrements the named counter, returning a slot acquired by
// TryAcquireSlot.
func (c *RedisCoordinator) ReleaseSlot(ctx context.Context, name string) error {
	return c.client.Decr(ctx, c.slotKey(name)).Err()
}
