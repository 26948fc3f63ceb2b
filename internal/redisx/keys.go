package redisx

import "time"

const (
	// Cached order: order:{order_id} -> order JSON with items
	KeyOrder = "order:%s"

	// Version floor of the cached order: order:{order_id}:ver -> updated_at unix micros
	KeyOrderVersion = "order:%s:ver"

	// Idempotent order placement: idem:order:create:{user_id}:{key} -> order_id
	KeyIdemOrderCreate = "idem:order:create:%s:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Fixed-window counter: ratelimit:{scope}:{client}:{window_start_unix}
	KeyRateLimit = "ratelimit:%s:%s:%d"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLIdempotency = 24 * time.Hour
	TTLDedup       = 48 * time.Hour
)
