package redisx

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RateLimiter is a fixed-window counter per scope and client.
type RateLimiter struct {
	Redis  redis.Cmdable
	Scope  string
	Limit  int64
	Window time.Duration
	Now    func() time.Time
}

type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

func (l *RateLimiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Allow counts one hit for client. Redis failures allow the request.
func (l *RateLimiter) Allow(ctx context.Context, client string) (Decision, error) {
	now := l.now()
	start := now.Truncate(l.Window)
	key := fmt.Sprintf(KeyRateLimit, l.Scope, client, start.Unix())

	pipe := l.Redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{Allowed: true}, err
	}

	n := incr.Val()
	if n > l.Limit {
		return Decision{Allowed: false, RetryAfter: start.Add(l.Window).Sub(now)}, nil
	}
	return Decision{Allowed: true, Remaining: l.Limit - n}, nil
}

// Middleware rejects clients over the limit with 429. The client is the
// remote IP, which chi's RealIP middleware has already resolved.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := r.RemoteAddr
		if host, _, err := net.SplitHostPort(client); err == nil {
			client = host
		}

		d, err := l.Allow(r.Context(), client)
		if err != nil {
			log.Warn().Err(err).Str("scope", l.Scope).Msg("rate limiter unavailable, allowing request")
		}
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(l.Limit, 10))
		if !d.Allowed {
			secs := int(d.RetryAfter.Round(time.Second).Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"Too many requests, please try again later"}`))
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
		next.ServeHTTP(w, r)
	})
}
