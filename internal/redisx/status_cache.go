package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-fulfillment-saga/internal/orders"
)

// putIfNewer keeps the cached entry with the highest order version.
var putIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'body', ARGV[1], 'version', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// StatusCache is a read-through cache of order status for the status
// endpoint. It implements orders.Notifier so committed changes are written
// through.
type StatusCache struct {
	rdb redis.Cmdable
	ttl time.Duration
	log *slog.Logger
}

func NewStatusCache(rdb redis.Cmdable, ttl time.Duration, logger *slog.Logger) *StatusCache {
	if ttl <= 0 {
		ttl = TTLStatusCache
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusCache{rdb: rdb, ttl: ttl, log: logger}
}

func (c *StatusCache) Get(ctx context.Context, orderID string) (orders.StatusChange, bool, error) {
	body, err := c.rdb.HGet(ctx, fmt.Sprintf(KeyOrderStatus, orderID), "body").Result()
	if errors.Is(err, redis.Nil) {
		return orders.StatusChange{}, false, nil
	}
	if err != nil {
		return orders.StatusChange{}, false, err
	}
	var s orders.StatusChange
	if err := json.Unmarshal([]byte(body), &s); err != nil {
		return orders.StatusChange{}, false, fmt.Errorf("decode cached status %s: %w", orderID, err)
	}
	return s, true, nil
}

// Put stores s unless a newer version is already cached. It reports whether
// s was stored.
func (c *StatusCache) Put(ctx context.Context, s orders.StatusChange) (bool, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return false, err
	}
	n, err := putIfNewer.Run(ctx, c.rdb,
		[]string{fmt.Sprintf(KeyOrderStatus, s.OrderID)},
		string(b), s.Version, c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *StatusCache) OrderChanged(ctx context.Context, s orders.StatusChange) {
	if _, err := c.Put(ctx, s); err != nil {
		c.log.WarnContext(ctx, "status cache write failed", "order_id", s.OrderID, "error", err)
	}
}
