// Package dedup counts repeated intake content by checksum. Identical
// inbound messages are legitimate and are never rejected; the counter exists
// so operators can see retry storms and double-submissions without trawling
// the event log.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter observes one content checksum and returns how many times it has
// been seen within the retention window, this observation included.
type Counter interface {
	Observe(ctx context.Context, checksum string) (int64, error)
}

// RedisCounter implements Counter over a Redis INCR per checksum with a
// rolling expiry.
type RedisCounter struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisCounter creates a counter using keys "<prefix><checksum>" expiring
// ttl after first sight. A zero ttl keeps counters forever.
func NewRedisCounter(rdb redis.Cmdable, prefix string, ttl time.Duration) *RedisCounter {
	if prefix == "" {
		prefix = "caseledger:intake:"
	}
	return &RedisCounter{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Observe increments the checksum's counter and returns the new count.
func (c *RedisCounter) Observe(ctx context.Context, checksum string) (int64, error) {
	key := c.prefix + checksum

	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	if c.ttl > 0 {
		pipe.ExpireNX(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("dedup: observe %s: %w", checksum, err)
	}
	return incr.Val(), nil
}

var _ Counter = (*RedisCounter)(nil)
