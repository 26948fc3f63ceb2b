package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// IdempotencyKeys remembers which order a (user, key) pair produced. Postgres
// keeps the authoritative unique key; this only skips the insert attempt.
type IdempotencyKeys struct {
	Redis redis.Cmdable
	TTL   time.Duration
}

func (k *IdempotencyKeys) Lookup(ctx context.Context, userID, key string) (string, bool) {
	id, err := k.Redis.Get(ctx, fmt.Sprintf(KeyIdemOrderCreate, userID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("idempotency lookup")
		return "", false
	}
	return id, id != ""
}

func (k *IdempotencyKeys) Remember(ctx context.Context, userID, key, orderID string) {
	ttl := k.TTL
	if ttl <= 0 {
		ttl = TTLIdempotency
	}
	if err := k.Redis.Set(ctx, fmt.Sprintf(KeyIdemOrderCreate, userID, key), orderID, ttl).Err(); err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Msg("idempotency remember")
	}
}
