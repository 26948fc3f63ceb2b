package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
)

type fakeRestocker struct {
	calls []string
	done  map[string]bool
	err   error
}

func (f *fakeRestocker) Restock(_ context.Context, orderID string) (bool, error) {
	f.calls = append(f.calls, orderID)
	if f.err != nil {
		return false, f.err
	}
	if f.done[orderID] {
		return false, nil
	}
	f.done[orderID] = true
	return true, nil
}

func newService(t *testing.T, policy orders.RestockPolicy) (*Service, *fakeRestocker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := &fakeRestocker{done: map[string]bool{}}
	return &Service{Stock: st, Redis: rdb, Policy: policy, ServiceName: "inventory-test"}, st
}

func cancelledMessage(eventID, orderID string) kafkago.Message {
	env := orders.Envelope{
		EventID:      eventID,
		EventType:    orders.EventOrderCancelled,
		EventVersion: 1,
		OccurredAt:   time.Now().UTC(),
		Payload:      kafkax.MustMarshal(orders.OrderCancelledPayload{OrderID: orderID, UserID: "u1", CancelledAt: time.Now().UTC()}),
	}
	return kafkago.Message{
		Topic:   orders.TopicOrderCancelled,
		Value:   kafkax.MustMarshal(env),
		Headers: []kafkago.Header{{Key: "x-event-type", Value: []byte(orders.EventOrderCancelled)}},
	}
}

func TestRestockOnCancel(t *testing.T) {
	svc, st := newService(t, orders.RestockOnCancel)
	orderID := uuid.NewString()

	require.NoError(t, svc.HandleOrderCancelled(context.Background(), cancelledMessage("e1", orderID)))
	assert.Equal(t, []string{orderID}, st.calls)

	// same event again is deduplicated before touching the store
	require.NoError(t, svc.HandleOrderCancelled(context.Background(), cancelledMessage("e1", orderID)))
	assert.Len(t, st.calls, 1)

	// a different event for the same order reaches the store, which refuses a second restock
	require.NoError(t, svc.HandleOrderCancelled(context.Background(), cancelledMessage("e2", orderID)))
	assert.Len(t, st.calls, 2)
}

func TestPolicyNoneLeavesStock(t *testing.T) {
	svc, st := newService(t, orders.RestockNone)

	require.NoError(t, svc.HandleOrderCancelled(context.Background(), cancelledMessage("e1", uuid.NewString())))
	assert.Empty(t, st.calls)
}

func TestRestockErrorIsRetried(t *testing.T) {
	svc, st := newService(t, orders.RestockOnCancel)
	st.err = errors.New("connection refused")
	msg := cancelledMessage("e1", uuid.NewString())

	require.Error(t, svc.HandleOrderCancelled(context.Background(), msg))

	// not marked as handled, so a retry reaches the store again
	st.err = nil
	require.NoError(t, svc.HandleOrderCancelled(context.Background(), msg))
	assert.Len(t, st.calls, 2)
}

func TestIgnoresOtherEventsAndGarbage(t *testing.T) {
	svc, st := newService(t, orders.RestockOnCancel)
	ctx := context.Background()

	other := kafkago.Message{Value: []byte(`{}`), Headers: []kafkago.Header{{Key: "x-event-type", Value: []byte(orders.EventOrderPlaced)}}}
	assert.NoError(t, svc.HandleOrderCancelled(ctx, other))
	assert.NoError(t, svc.HandleOrderCancelled(ctx, kafkago.Message{Value: []byte("not json")}))
	assert.Empty(t, st.calls)
}

func TestMissingOrderIsNotAnError(t *testing.T) {
	svc, st := newService(t, orders.RestockOnCancel)
	st.err = orders.ErrNotFound

	assert.NoError(t, svc.HandleOrderCancelled(context.Background(), cancelledMessage("e1", uuid.NewString())))
}
