package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
)

// KEYS[1] order, KEYS[2] version; ARGV[1] body, ARGV[2] version, ARGV[3] ttl ms
var setIfNotOlder = redis.NewScript(`
local cur = redis.call('GET', KEYS[2])
if cur and tonumber(cur) > tonumber(ARGV[2]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

// KEYS[1] order, KEYS[2] version; ARGV[1] version, ARGV[2] ttl ms
var invalidateAt = redis.NewScript(`
local cur = redis.call('GET', KEYS[2])
if (not cur) or tonumber(cur) < tonumber(ARGV[1]) then
  redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
end
redis.call('DEL', KEYS[1])
return 1
`)

// OrderCache keeps recently read orders for the track endpoint. Every method
// is best effort: failures are logged and read as a miss.
//
// Entries carry the order's updated_at as a version. A write older than the
// recorded version is ignored, and Invalidate keeps the version, so a read
// that loaded the row before a cancel cannot put it back afterwards.
type OrderCache struct {
	Redis redis.Cmdable
	TTL   time.Duration
}

func (c *OrderCache) ttl() time.Duration {
	if c.TTL <= 0 {
		return TTLStatusCache
	}
	return c.TTL
}

func orderKeys(orderID string) []string {
	return []string{fmt.Sprintf(KeyOrder, orderID), fmt.Sprintf(KeyOrderVersion, orderID)}
}

func (c *OrderCache) GetOrder(ctx context.Context, orderID string) (*orders.Order, bool) {
	b, err := c.Redis.Get(ctx, fmt.Sprintf(KeyOrder, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Msg("order cache read")
		return nil, false
	}
	var o orders.Order
	if err := json.Unmarshal(b, &o); err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Msg("order cache decode")
		return nil, false
	}
	return &o, true
}

func (c *OrderCache) SetOrder(ctx context.Context, o *orders.Order) {
	b, err := json.Marshal(o)
	if err != nil {
		return
	}
	err = setIfNotOlder.Run(ctx, c.Redis, orderKeys(o.ID),
		b, o.UpdatedAt.UnixMicro(), c.ttl().Milliseconds()).Err()
	if err != nil {
		log.Warn().Err(err).Str("order_id", o.ID).Msg("order cache write")
	}
}

func (c *OrderCache) Invalidate(ctx context.Context, o *orders.Order) {
	err := invalidateAt.Run(ctx, c.Redis, orderKeys(o.ID), o.UpdatedAt.UnixMicro(), c.ttl().Milliseconds()).Err()
	if err != nil {
		log.Warn().Err(err).Str("order_id", o.ID).Msg("order cache invalidate")
	}
}
