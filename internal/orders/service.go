package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/payments"
)

const (
	MaxItems          = 100
	DefaultLimit      = 20
	MaxLimit          = 100
	MaxIdempotencyKey = 255
)

type Store interface {
	Get(ctx context.Context, orderID string) (*Order, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Order, error)
	// PlaceOrder reports existed=true, with the stored order and no stock
	// results, when the user already placed an order under the same
	// idempotency key.
	PlaceOrder(ctx context.Context, in PlaceOrderInput) (order *Order, results []StockUpdateResult, existed bool, err error)
	CancelIfAllowed(ctx context.Context, orderID string) (*Order, bool, error)
	SetStatus(ctx context.Context, orderID string, status Status) (Status, *Order, error)
}

type StockLedger interface {
	Apply(ctx context.Context, items []ItemQty) []StockUpdateResult
}

type PaymentOrders interface {
	CreateOrder(ctx context.Context, in payments.CreateOrderInput) (*payments.CheckoutOrder, error)
}

// Publisher is satisfied by *kafka.Producer. Publish must not block.
type Publisher interface {
	Publish(topic string, key, value []byte, headers ...kafkago.Header) bool
}

// Cache entries are versioned by Order.UpdatedAt. SetOrder must not replace
// a newer version, and Invalidate leaves its version behind so a read that
// raced the write cannot repopulate the old row.
type Cache interface {
	GetOrder(ctx context.Context, orderID string) (*Order, bool)
	SetOrder(ctx context.Context, o *Order)
	Invalidate(ctx context.Context, o *Order)
}

// Idempotency is a fast path in front of the store's unique key.
type Idempotency interface {
	Lookup(ctx context.Context, userID, key string) (orderID string, ok bool)
	Remember(ctx context.Context, userID, key, orderID string)
}

// Service drives the order lifecycle. Events, Cache and Idempotency are
// optional.
type Service struct {
	Store       Store
	Stock       StockLedger
	Payments    PaymentOrders
	Events      Publisher
	Cache       Cache
	Idempotency Idempotency
	Producer    string
}

type traceKey struct{}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

// ValidateItems checks a stock batch before anything is written and
// enumerates every offending field.
func ValidateItems(items []ItemQty) error {
	if len(items) == 0 {
		return apperr.Validation("items", "items must be a non-empty array")
	}
	if len(items) > MaxItems {
		return apperr.Validation("items", fmt.Sprintf("items must contain at most %d entries", MaxItems))
	}
	var problems []string
	for i, it := range items {
		if _, err := uuid.Parse(it.ProductID); err != nil {
			problems = append(problems, fmt.Sprintf("items[%d].product_id: must be a valid UUID", i))
		}
		if it.Quantity <= 0 {
			problems = append(problems, fmt.Sprintf("items[%d].quantity: must be a positive integer", i))
		}
	}
	if len(problems) > 0 {
		return apperr.Validation("items", strings.Join(problems, "; "))
	}
	return nil
}

// canonicalItems rewrites product ids to the lowercase hyphenated form.
// uuid.Parse also accepts braces and the urn:uuid: prefix, which postgres
// does not, and ids must match what uuid columns return.
func canonicalItems(items []ItemQty) []ItemQty {
	out := make([]ItemQty, len(items))
	for i, it := range items {
		out[i] = ItemQty{ProductID: uuid.MustParse(it.ProductID).String(), Quantity: it.Quantity}
	}
	return out
}

func validOrderID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (s *Service) CreatePaymentOrder(ctx context.Context, in payments.CreateOrderInput) (*payments.CheckoutOrder, error) {
	return s.Payments.CreateOrder(ctx, in)
}

// ApplyStockForOrder decrements stock for every item. When any item fails the
// results are still returned alongside a PartialFailure error.
func (s *Service) ApplyStockForOrder(ctx context.Context, items []ItemQty) ([]StockUpdateResult, error) {
	if err := ValidateItems(items); err != nil {
		return nil, err
	}

	results := s.Stock.Apply(ctx, canonicalItems(items))

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
			log.Warn().Str("product_id", r.ProductID).Str("error", r.Error).Msg("stock update failed")
		}
	}
	s.publish(ctx, TopicStockApplied, EventStockApplied, "", StockAppliedPayload{Results: results})

	if failed > 0 {
		return results, &apperr.Error{
			Kind:    apperr.KindPartialFailure,
			Message: fmt.Sprintf("%d of %d stock updates failed", failed, len(results)),
		}
	}
	return results, nil
}

// Cancel moves an order to cancelled. Concurrent calls for the same order
// resolve to exactly one success; the rest see "already cancelled".
func (s *Service) Cancel(ctx context.Context, orderID string) (*Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, apperr.Validation("order_id", "order_id is required")
	}
	if !validOrderID(orderID) {
		return nil, apperr.NotFound("Order not found")
	}

	order, cancelled, err := s.Store.CancelIfAllowed(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("Order not found")
	}
	if err != nil {
		return nil, apperr.Persistence(err, "Failed to cancel order")
	}
	if !cancelled {
		switch order.Status {
		case StatusCancelled:
			return nil, apperr.Conflict("Order is already cancelled")
		case StatusDelivered:
			return nil, apperr.Conflict("Cannot cancel a delivered order")
		default:
			// the guard only rejects the two states above
			return nil, apperr.Conflict(fmt.Sprintf("Order cannot be cancelled in status %s", order.Status))
		}
	}

	log.Info().Str("order_id", order.ID).Msg("order cancelled")
	if s.Cache != nil {
		s.Cache.Invalidate(ctx, order)
	}
	cancelledAt := order.UpdatedAt
	if order.CancelledAt != nil {
		cancelledAt = *order.CancelledAt
	}
	s.publish(ctx, TopicOrderCancelled, EventOrderCancelled, order.ID, OrderCancelledPayload{
		OrderID: order.ID, UserID: order.UserID, CancelledAt: cancelledAt,
	})
	return order, nil
}

// CancelOwned cancels on behalf of a customer. Orders of other users are
// reported as not found.
func (s *Service) CancelOwned(ctx context.Context, orderID, userID string) (*Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, apperr.Validation("order_id", "order_id is required")
	}
	if _, err := s.owned(ctx, orderID, userID); err != nil {
		return nil, err
	}
	return s.Cancel(ctx, orderID)
}

// UpdateStatus is the admin status write. Cancellation goes through the
// cancel guard; every other status is written as given.
func (s *Service) UpdateStatus(ctx context.Context, orderID, status string) (*Order, error) {
	next := Status(strings.ToLower(strings.TrimSpace(status)))
	if !next.Valid() {
		return nil, apperr.Validation("status",
			"Invalid status. Must be one of: pending, processing, paid, shipped, delivered, cancelled")
	}
	if next == StatusCancelled {
		return s.Cancel(ctx, orderID)
	}
	if !validOrderID(orderID) {
		return nil, apperr.NotFound("Order not found")
	}

	prev, order, err := s.Store.SetStatus(ctx, orderID, next)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("Order not found")
	}
	if err != nil {
		return nil, apperr.Persistence(err, "Failed to update order status")
	}

	ev := log.Info()
	if prev != next && !CanTransition(prev, next) {
		ev = log.Warn()
	}
	ev.Str("order_id", order.ID).Str("from", string(prev)).Str("to", string(next)).Msg("order status updated")

	if s.Cache != nil {
		s.Cache.Invalidate(ctx, order)
	}
	s.publish(ctx, TopicOrderStatusChanged, EventOrderStatusChanged, order.ID, OrderStatusChangedPayload{
		OrderID: order.ID, From: prev, To: next,
	})
	return order, nil
}

// PlaceOrder records an order, its line items and the stock decrements as
// one unit. A repeated request under the same idempotency key returns the
// first order with replayed=true and changes nothing. Online orders without
// an explicit key are keyed by their gateway order id.
func (s *Service) PlaceOrder(ctx context.Context, in PlaceOrderInput) (*Order, bool, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, false, apperr.New(apperr.KindUnauthorized, "Authentication required")
	}
	if err := ValidateItems(in.Items); err != nil {
		return nil, false, err
	}
	in.Items = canonicalItems(in.Items)
	if in.PaymentMethod == "" {
		in.PaymentMethod = PaymentOnline
	}
	switch in.PaymentMethod {
	case PaymentOnline:
		if strings.TrimSpace(in.GatewayOrderID) == "" {
			return nil, false, apperr.Validation("gateway_order_id", "gateway_order_id is required for online payment")
		}
	case PaymentCOD:
		in.GatewayOrderID = ""
	default:
		return nil, false, apperr.Validation("payment_method", "payment_method must be one of: online, cod")
	}
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if in.Currency == "" {
		in.Currency = payments.DefaultCurrency
	}
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	if in.IdempotencyKey == "" && in.PaymentMethod == PaymentOnline {
		in.IdempotencyKey = "gateway:" + in.GatewayOrderID
	}
	if len(in.IdempotencyKey) > MaxIdempotencyKey {
		return nil, false, apperr.Validation("idempotency_key",
			fmt.Sprintf("idempotency key must be at most %d characters", MaxIdempotencyKey))
	}

	if prev, ok := s.lookupReplay(ctx, in); ok {
		return prev, true, nil
	}

	order, results, existed, err := s.Store.PlaceOrder(ctx, in)
	switch {
	case errors.Is(err, ErrProductNotFound):
		return nil, false, apperr.Wrap(apperr.KindNotFound, err, "Product not found")
	case errors.Is(err, ErrProductInactive):
		return nil, false, &apperr.Error{Kind: apperr.KindValidation, Field: "items", Message: "Product is not available", Err: err}
	case err != nil:
		return nil, false, apperr.Persistence(err, "Failed to place order")
	}
	if s.Idempotency != nil && in.IdempotencyKey != "" {
		s.Idempotency.Remember(ctx, in.UserID, in.IdempotencyKey, order.ID)
	}
	if existed {
		log.Info().Str("order_id", order.ID).Str("user_id", order.UserID).Msg("order placement replayed")
		return order, true, nil
	}

	log.Info().Str("order_id", order.ID).Str("user_id", order.UserID).
		Str("total", order.TotalAmount.StringFixed(2)).Msg("order placed")

	if s.Cache != nil {
		s.Cache.SetOrder(ctx, order)
	}
	s.publish(ctx, TopicOrderPlaced, EventOrderPlaced, order.ID, OrderPlacedPayload{
		OrderID:       order.ID,
		UserID:        order.UserID,
		Items:         in.Items,
		TotalAmount:   order.TotalAmount.StringFixed(2),
		PaymentMethod: order.PaymentMethod,
	})
	s.publish(ctx, TopicStockApplied, EventStockApplied, order.ID, StockAppliedPayload{Results: results})
	return order, false, nil
}

// lookupReplay consults the idempotency fast path. Any miss or error falls
// through to the store, which holds the authoritative key.
func (s *Service) lookupReplay(ctx context.Context, in PlaceOrderInput) (*Order, bool) {
	if s.Idempotency == nil || in.IdempotencyKey == "" {
		return nil, false
	}
	id, ok := s.Idempotency.Lookup(ctx, in.UserID, in.IdempotencyKey)
	if !ok {
		return nil, false
	}
	order, err := s.GetOwned(ctx, id, in.UserID)
	if err != nil {
		log.Warn().Err(err).Str("order_id", id).Msg("idempotency entry points at unreadable order")
		return nil, false
	}
	log.Info().Str("order_id", order.ID).Str("user_id", order.UserID).Msg("order placement replayed")
	return order, true
}

func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	if !validOrderID(orderID) {
		return nil, apperr.NotFound("Order not found")
	}
	if s.Cache != nil {
		if o, ok := s.Cache.GetOrder(ctx, orderID); ok {
			return o, nil
		}
	}
	order, err := s.Store.Get(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("Order not found")
	}
	if err != nil {
		return nil, apperr.Persistence(err, "Failed to load order")
	}
	if s.Cache != nil {
		s.Cache.SetOrder(ctx, order)
	}
	return order, nil
}

// GetOwned is Get restricted to the order's owner.
func (s *Service) GetOwned(ctx context.Context, orderID, userID string) (*Order, error) {
	return s.owned(ctx, orderID, userID)
}

func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	out, err := s.Store.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, apperr.Persistence(err, "Failed to list orders")
	}
	return out, nil
}

func (s *Service) owned(ctx context.Context, orderID, userID string) (*Order, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, apperr.NotFound("Order not found")
	}
	return order, nil
}

// publish is best effort: a dropped or unencodable event is logged and the
// request carries on.
func (s *Service) publish(ctx context.Context, topic, eventType, orderID string, payload any) {
	if s.Events == nil {
		return
	}
	ev := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.Producer,
		TraceID:       TraceID(ctx),
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(payload),
	}
	key := PartitionKey(orderID)
	if orderID == "" {
		key = []byte(ev.EventID)
	}
	if !s.Events.Publish(topic, key, kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	) {
		log.Warn().Str("topic", topic).Str("event_type", eventType).Str("order_id", orderID).Msg("event dropped")
	}
}
