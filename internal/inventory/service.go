package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
)

type Restocker interface {
	Restock(ctx context.Context, orderID string) (bool, error)
}

// Service applies the restock policy to order.cancelled events.
type Service struct {
	Stock       Restocker
	Redis       redis.Cmdable
	Policy      orders.RestockPolicy
	ServiceName string
}

// HandleOrderCancelled is the consumer handler. Redis dedup skips events
// already handled; the order_restocks guard makes a replay harmless anyway.
func (s *Service) HandleOrderCancelled(ctx context.Context, m kafkago.Message) error {
	if t := kafkax.Header(m, "x-event-type"); t != "" && t != orders.EventOrderCancelled {
		return nil
	}
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		// a malformed record will never decode; committing it is the only way past
		log.Error().Err(err).Int64("offset", m.Offset).Msg("undecodable event skipped")
		return nil
	}
	if env.EventType != orders.EventOrderCancelled {
		return nil
	}

	dkey := fmt.Sprintf(redisx.KeyDedup, s.ServiceName, env.EventID)
	if seen, err := redisx.Exists(ctx, s.Redis, dkey); err == nil && seen {
		return nil
	}

	p, err := kafkax.UnwrapPayload[orders.OrderCancelledPayload](env.Payload)
	if err != nil {
		log.Error().Err(err).Str("event_id", env.EventID).Msg("cancel payload skipped")
		return nil
	}

	if s.Policy.RestoresOnCancel() {
		restocked, err := s.Stock.Restock(ctx, p.OrderID)
		switch {
		case errors.Is(err, orders.ErrNotFound):
			log.Warn().Str("order_id", p.OrderID).Msg("cancelled order not found, nothing to restock")
		case err != nil:
			return fmt.Errorf("restock %s: %w", p.OrderID, err)
		case restocked:
			log.Info().Str("order_id", p.OrderID).Str("trace_id", env.TraceID).Msg("stock restored for cancelled order")
		default:
			log.Debug().Str("order_id", p.OrderID).Msg("order already restocked")
		}
	} else {
		log.Info().Str("order_id", p.OrderID).Str("policy", string(s.Policy)).Msg("cancellation recorded, stock left as is")
	}

	if _, err := redisx.MarkOnce(ctx, s.Redis, dkey, redisx.TTLDedup); err != nil {
		log.Warn().Err(err).Str("event_id", env.EventID).Msg("dedup mark failed")
	}
	return nil
}
