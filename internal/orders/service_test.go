package orders

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
	"github.com/ariefcatur/go-storefront-orders/internal/payments"
)

type memStore struct {
	mu       sync.Mutex
	orders   map[string]*Order
	keys     map[string]string
	placed   int
	failNext error
}

func newMemStore() *memStore {
	return &memStore{orders: map[string]*Order{}, keys: map[string]string{}}
}

func (m *memStore) add(userID string, status Status) *Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	o := &Order{ID: uuid.NewString(), UserID: userID, Status: status, TotalAmount: decimal.NewFromInt(10),
		Currency: "INR", PaymentMethod: PaymentCOD, CreatedAt: now, UpdatedAt: now}
	m.orders[o.ID] = o
	return o
}

func (m *memStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) ListByUser(_ context.Context, userID string, limit int) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Order{}
	for _, o := range m.orders {
		if o.UserID == userID && len(out) < limit {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *memStore) PlaceOrder(ctx context.Context, in PlaceOrderInput) (*Order, []StockUpdateResult, bool, error) {
	if m.failNext != nil {
		return nil, nil, false, m.failNext
	}
	m.mu.Lock()
	id, dup := m.keys[in.UserID+"|"+in.IdempotencyKey]
	m.mu.Unlock()
	if in.IdempotencyKey != "" && dup {
		o, err := m.Get(ctx, id)
		return o, nil, true, err
	}

	o := m.add(in.UserID, StatusPending)
	m.mu.Lock()
	o.PaymentMethod = in.PaymentMethod
	o.Currency = in.Currency
	m.placed++
	if in.IdempotencyKey != "" {
		m.keys[in.UserID+"|"+in.IdempotencyKey] = o.ID
	}
	m.mu.Unlock()
	res := make([]StockUpdateResult, 0, len(in.Items))
	for _, it := range in.Items {
		res = append(res, StockUpdateResult{ProductID: it.ProductID, QuantityOrdered: it.Quantity, Success: true})
	}
	return o, res, false, nil
}

func (m *memStore) CancelIfAllowed(_ context.Context, id string) (*Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		return nil, false, m.failNext
	}
	o, ok := m.orders[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if !Cancellable(o.Status) {
		cp := *o
		return &cp, false, nil
	}
	now := time.Now().UTC()
	o.Status = StatusCancelled
	o.CancelledAt = &now
	o.UpdatedAt = o.UpdatedAt.Add(time.Second)
	cp := *o
	return &cp, true, nil
}

func (m *memStore) SetStatus(_ context.Context, id string, s Status) (Status, *Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return "", nil, ErrNotFound
	}
	prev := o.Status
	o.Status = s
	o.UpdatedAt = o.UpdatedAt.Add(time.Second)
	cp := *o
	return prev, &cp, nil
}

type fakeLedger struct {
	fail map[string]bool
}

func (f *fakeLedger) Apply(_ context.Context, items []ItemQty) []StockUpdateResult {
	out := make([]StockUpdateResult, 0, len(items))
	for _, it := range items {
		r := StockUpdateResult{ProductID: it.ProductID, QuantityOrdered: it.Quantity, PreviousStock: 10,
			NewStock: NewStock(10, it.Quantity), Success: true}
		if f.fail[it.ProductID] {
			r = StockUpdateResult{ProductID: it.ProductID, QuantityOrdered: it.Quantity, Error: "product not found"}
		}
		out = append(out, r)
	}
	return out
}

type sentEvent struct {
	topic string
	key   string
	env   Envelope
}

type fakePublisher struct {
	mu     sync.Mutex
	events []sentEvent
	drop   bool
}

func (p *fakePublisher) Publish(topic string, key, value []byte, _ ...kafkago.Header) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.drop {
		return false
	}
	var env Envelope
	_ = json.Unmarshal(value, &env)
	p.events = append(p.events, sentEvent{topic: topic, key: string(key), env: env})
	return true
}

func (p *fakePublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.topic)
	}
	return out
}

// fakeCache mirrors the versioning of the redis cache.
type fakeCache struct {
	mu          sync.Mutex
	orders      map[string]*Order
	versions    map[string]time.Time
	invalidated []string
}

func (c *fakeCache) GetOrder(_ context.Context, id string) (*Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[id]
	return o, ok
}

func (c *fakeCache) SetOrder(_ context.Context, o *Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.orders == nil {
		c.orders, c.versions = map[string]*Order{}, map[string]time.Time{}
	}
	if v, ok := c.versions[o.ID]; ok && v.After(o.UpdatedAt) {
		return
	}
	c.orders[o.ID] = o
	c.versions[o.ID] = o.UpdatedAt
}

func (c *fakeCache) Invalidate(_ context.Context, o *Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.orders == nil {
		c.orders, c.versions = map[string]*Order{}, map[string]time.Time{}
	}
	delete(c.orders, o.ID)
	if v, ok := c.versions[o.ID]; !ok || v.Before(o.UpdatedAt) {
		c.versions[o.ID] = o.UpdatedAt
	}
	c.invalidated = append(c.invalidated, o.ID)
}

type fakeIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func (f *fakeIdempotency) Lookup(_ context.Context, userID, key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.keys[userID+"|"+key]
	return id, ok
}

func (f *fakeIdempotency) Remember(_ context.Context, userID, key, orderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[userID+"|"+key] = orderID
}

// staleReadStore hands out the row it loaded only after running hook, the
// way a slow reader overlaps a concurrent write.
type staleReadStore struct {
	*memStore
	hook func()
}

func (s *staleReadStore) Get(ctx context.Context, id string) (*Order, error) {
	o, err := s.memStore.Get(ctx, id)
	if h := s.hook; h != nil {
		s.hook = nil
		h()
	}
	return o, err
}

type fakePayments struct{ called int }

func (f *fakePayments) CreateOrder(_ context.Context, in payments.CreateOrderInput) (*payments.CheckoutOrder, error) {
	f.called++
	return &payments.CheckoutOrder{ID: "order_x", Amount: payments.MinorUnits(in.Amount), Currency: "INR", Key: "k"}, nil
}

type ServiceSuite struct {
	suite.Suite
	store  *memStore
	ledger *fakeLedger
	events *fakePublisher
	cache  *fakeCache
	idem   *fakeIdempotency
	svc    *Service
	ctx    context.Context
}

func (s *ServiceSuite) SetupTest() {
	s.store = newMemStore()
	s.ledger = &fakeLedger{fail: map[string]bool{}}
	s.events = &fakePublisher{}
	s.cache = &fakeCache{}
	s.idem = &fakeIdempotency{keys: map[string]string{}}
	s.svc = &Service{Store: s.store, Stock: s.ledger, Payments: &fakePayments{}, Events: s.events, Cache: s.cache,
		Idempotency: s.idem, Producer: "orders-test"}
	s.ctx = WithTraceID(context.Background(), "req-1")
}

func TestServiceSuite(t *testing.T) { suite.Run(t, new(ServiceSuite)) }

func (s *ServiceSuite) TestCancelPending() {
	o := s.store.add("u1", StatusPending)

	got, err := s.svc.Cancel(s.ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(StatusCancelled, got.Status)
	s.NotNil(got.CancelledAt)

	s.Equal([]string{TopicOrderCancelled}, s.events.topics())
	s.Equal(o.ID, s.events.events[0].key)
	s.Equal("req-1", s.events.events[0].env.TraceID)
	s.Equal(EventOrderCancelled, s.events.events[0].env.EventType)
	s.Contains(s.cache.invalidated, o.ID)
}

func (s *ServiceSuite) TestCancelRejections() {
	cancelled := s.store.add("u1", StatusCancelled)
	delivered := s.store.add("u1", StatusDelivered)

	cases := []struct {
		name   string
		id     string
		status int
		msg    string
	}{
		{"already cancelled", cancelled.ID, http.StatusBadRequest, "Order is already cancelled"},
		{"delivered", delivered.ID, http.StatusBadRequest, "Cannot cancel a delivered order"},
		{"missing", uuid.NewString(), http.StatusNotFound, "Order not found"},
		{"malformed id", "not-a-uuid", http.StatusNotFound, "Order not found"},
		{"empty id", "", http.StatusBadRequest, "order_id is required"},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			_, err := s.svc.Cancel(s.ctx, tc.id)
			s.Require().Error(err)
			s.Equal(tc.status, apperr.HTTPStatus(err))
			s.Equal(tc.msg, apperr.PublicMessage(err))
		})
	}
	s.Empty(s.events.topics(), "rejected cancels publish nothing")

	got, _ := s.store.Get(s.ctx, delivered.ID)
	s.Equal(StatusDelivered, got.Status)
}

func (s *ServiceSuite) TestCancelStoreFailure() {
	o := s.store.add("u1", StatusPending)
	s.store.failNext = errors.New("connection reset")

	_, err := s.svc.Cancel(s.ctx, o.ID)
	s.Equal(apperr.KindPersistence, apperr.KindOf(err))
	s.Equal(http.StatusInternalServerError, apperr.HTTPStatus(err))
}

func (s *ServiceSuite) TestConcurrentCancelExactlyOnce() {
	o := s.store.add("u1", StatusProcessing)

	const n = 16
	var wg sync.WaitGroup
	var ok, already atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.svc.Cancel(s.ctx, o.ID)
			switch {
			case err == nil:
				ok.Add(1)
			case apperr.PublicMessage(err) == "Order is already cancelled":
				already.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), ok.Load())
	s.Equal(int32(n-1), already.Load())
	s.Len(s.events.topics(), 1)
}

func (s *ServiceSuite) TestCancelOwned() {
	o := s.store.add("owner", StatusPending)

	_, err := s.svc.CancelOwned(s.ctx, o.ID, "intruder")
	s.Equal(apperr.KindNotFound, apperr.KindOf(err))

	got, err := s.svc.CancelOwned(s.ctx, o.ID, "owner")
	s.Require().NoError(err)
	s.Equal(StatusCancelled, got.Status)
}

func (s *ServiceSuite) TestUpdateStatus() {
	o := s.store.add("u1", StatusPending)

	got, err := s.svc.UpdateStatus(s.ctx, o.ID, "shipped")
	s.Require().NoError(err)
	s.Equal(StatusShipped, got.Status)
	s.Equal([]string{TopicOrderStatusChanged}, s.events.topics())

	// no transition guard outside cancellation
	got, err = s.svc.UpdateStatus(s.ctx, o.ID, "pending")
	s.Require().NoError(err)
	s.Equal(StatusPending, got.Status)
}

func (s *ServiceSuite) TestUpdateStatusValidation() {
	o := s.store.add("u1", StatusPending)

	_, err := s.svc.UpdateStatus(s.ctx, o.ID, "refunded")
	s.Equal(apperr.KindValidation, apperr.KindOf(err))

	_, err = s.svc.UpdateStatus(s.ctx, uuid.NewString(), "paid")
	s.Equal(apperr.KindNotFound, apperr.KindOf(err))
}

func (s *ServiceSuite) TestUpdateStatusCancelledUsesGuard() {
	delivered := s.store.add("u1", StatusDelivered)

	_, err := s.svc.UpdateStatus(s.ctx, delivered.ID, "cancelled")
	s.Equal("Cannot cancel a delivered order", apperr.PublicMessage(err))

	pending := s.store.add("u1", StatusPending)
	got, err := s.svc.UpdateStatus(s.ctx, pending.ID, "Cancelled")
	s.Require().NoError(err)
	s.Equal(StatusCancelled, got.Status)
	s.NotNil(got.CancelledAt)
}

func (s *ServiceSuite) TestApplyStockAllSucceed() {
	items := []ItemQty{{ProductID: uuid.NewString(), Quantity: 2}, {ProductID: uuid.NewString(), Quantity: 3}}

	res, err := s.svc.ApplyStockForOrder(s.ctx, items)
	s.Require().NoError(err)
	s.Len(res, 2)
	s.Equal(8, res[0].NewStock)
	s.Equal([]string{TopicStockApplied}, s.events.topics())
}

func (s *ServiceSuite) TestApplyStockPartialFailure() {
	bad := uuid.NewString()
	s.ledger.fail[bad] = true
	items := []ItemQty{{ProductID: uuid.NewString(), Quantity: 1}, {ProductID: bad, Quantity: 1}}

	res, err := s.svc.ApplyStockForOrder(s.ctx, items)
	s.Require().Error(err)
	s.Equal(apperr.KindPartialFailure, apperr.KindOf(err))
	s.Equal(http.StatusMultiStatus, apperr.HTTPStatus(err))
	s.Require().Len(res, 2)
	s.True(res[0].Success)
	s.False(res[1].Success)
	s.NotEmpty(res[1].Error)
}

func (s *ServiceSuite) TestApplyStockCanonicalisesProductIDs() {
	id := uuid.New()
	items := []ItemQty{
		{ProductID: "urn:uuid:" + id.String(), Quantity: 1},
		{ProductID: "{" + strings.ToUpper(id.String()) + "}", Quantity: 1},
	}

	res, err := s.svc.ApplyStockForOrder(s.ctx, items)
	s.Require().NoError(err)
	s.Require().Len(res, 2)
	s.Equal(id.String(), res[0].ProductID)
	s.Equal(id.String(), res[1].ProductID)
}

func (s *ServiceSuite) TestApplyStockValidationHasNoSideEffects() {
	_, err := s.svc.ApplyStockForOrder(s.ctx, []ItemQty{
		{ProductID: uuid.NewString(), Quantity: 1},
		{ProductID: "abc", Quantity: 0},
	})
	s.Require().Error(err)
	s.Equal(apperr.KindValidation, apperr.KindOf(err))
	s.Contains(err.Error(), "items[1].product_id: must be a valid UUID")
	s.Contains(err.Error(), "items[1].quantity: must be a positive integer")
	s.Empty(s.events.topics())
}

func (s *ServiceSuite) TestPlaceOrder() {
	items := []ItemQty{{ProductID: uuid.NewString(), Quantity: 1}}

	o, replayed, err := s.svc.PlaceOrder(s.ctx, PlaceOrderInput{UserID: "u1", Items: items, PaymentMethod: PaymentCOD, GatewayOrderID: "ignored"})
	s.Require().NoError(err)
	s.False(replayed)
	s.Equal("INR", o.Currency)
	s.Equal([]string{TopicOrderPlaced, TopicStockApplied}, s.events.topics())

	cached, ok := s.cache.GetOrder(s.ctx, o.ID)
	s.True(ok)
	s.Equal(o.ID, cached.ID)
}

func (s *ServiceSuite) TestPlaceOrderValidation() {
	items := []ItemQty{{ProductID: uuid.NewString(), Quantity: 1}}

	_, _, err := s.svc.PlaceOrder(s.ctx, PlaceOrderInput{UserID: "u1", Items: items})
	s.Equal("gateway_order_id is required for online payment", apperr.PublicMessage(err))

	_, _, err = s.svc.PlaceOrder(s.ctx, PlaceOrderInput{UserID: "u1", Items: items, PaymentMethod: "barter"})
	s.Equal(apperr.KindValidation, apperr.KindOf(err))

	_, _, err = s.svc.PlaceOrder(s.ctx, PlaceOrderInput{Items: items, PaymentMethod: PaymentCOD})
	s.Equal(apperr.KindUnauthorized, apperr.KindOf(err))
}

func (s *ServiceSuite) TestPlaceOrderStoreErrors() {
	items := []ItemQty{{ProductID: uuid.NewString(), Quantity: 1}}
	in := PlaceOrderInput{UserID: "u1", Items: items, PaymentMethod: PaymentCOD}

	s.store.failNext = ErrProductNotFound
	_, _, err := s.svc.PlaceOrder(s.ctx, in)
	s.Equal(apperr.KindNotFound, apperr.KindOf(err))

	s.store.failNext = ErrProductInactive
	_, _, err = s.svc.PlaceOrder(s.ctx, in)
	s.Equal(apperr.KindValidation, apperr.KindOf(err))

	s.store.failNext = errors.New("deadlock detected")
	_, _, err = s.svc.PlaceOrder(s.ctx, in)
	s.Equal(apperr.KindPersistence, apperr.KindOf(err))
	s.Empty(s.events.topics())
}

func (s *ServiceSuite) TestPlaceOrderReplaysSameGatewayOrder() {
	items := []ItemQty{{ProductID: uuid.NewString(), Quantity: 1}}
	in := PlaceOrderInput{UserID: "u1", Items: items, GatewayOrderID: "order_abc"}

	first, replayed, err := s.svc.PlaceOrder(s.ctx, in)
	s.Require().NoError(err)
	s.False(replayed)

	second, replayed, err := s.svc.PlaceOrder(s.ctx, in)
	s.Require().NoError(err)
	s.True(replayed)
	s.Equal(first.ID, second.ID)
	s.Equal(1, s.store.placed)
	s.Equal([]string{TopicOrderPlaced, TopicStockApplied}, s.events.topics(), "a replay publishes nothing")
}

func (s *ServiceSuite) TestPlaceOrderReplayFallsBackToStore() {
	items := []ItemQty{{ProductID: uuid.NewString(), Quantity: 1}}
	in := PlaceOrderInput{UserID: "u1", Items: items, PaymentMethod: PaymentCOD, IdempotencyKey: "checkout-7"}

	first, _, err := s.svc.PlaceOrder(s.ctx, in)
	s.Require().NoError(err)
	s.idem.keys = map[string]string{} // fast path lost its entry

	second, replayed, err := s.svc.PlaceOrder(s.ctx, in)
	s.Require().NoError(err)
	s.True(replayed)
	s.Equal(first.ID, second.ID)
	s.Equal(1, s.store.placed)
	s.Equal(first.ID, s.idem.keys["u1|checkout-7"], "store replay refreshes the fast path")
}

func (s *ServiceSuite) TestPlaceOrderKeysAreScopedPerUser() {
	items := []ItemQty{{ProductID: uuid.NewString(), Quantity: 1}}

	a, _, err := s.svc.PlaceOrder(s.ctx, PlaceOrderInput{UserID: "u1", Items: items, GatewayOrderID: "order_abc"})
	s.Require().NoError(err)
	b, replayed, err := s.svc.PlaceOrder(s.ctx, PlaceOrderInput{UserID: "u2", Items: items, GatewayOrderID: "order_abc"})
	s.Require().NoError(err)
	s.False(replayed)
	s.NotEqual(a.ID, b.ID)
}

func (s *ServiceSuite) TestPlaceOrderCODWithoutKeyIsNotDeduplicated() {
	items := []ItemQty{{ProductID: uuid.NewString(), Quantity: 1}}
	in := PlaceOrderInput{UserID: "u1", Items: items, PaymentMethod: PaymentCOD}

	_, _, err := s.svc.PlaceOrder(s.ctx, in)
	s.Require().NoError(err)
	_, replayed, err := s.svc.PlaceOrder(s.ctx, in)
	s.Require().NoError(err)
	s.False(replayed)
	s.Equal(2, s.store.placed)
}

func (s *ServiceSuite) TestPlaceOrderRejectsLongIdempotencyKey() {
	items := []ItemQty{{ProductID: uuid.NewString(), Quantity: 1}}
	_, _, err := s.svc.PlaceOrder(s.ctx, PlaceOrderInput{UserID: "u1", Items: items, PaymentMethod: PaymentCOD,
		IdempotencyKey: strings.Repeat("k", MaxIdempotencyKey+1)})
	s.Equal(apperr.KindValidation, apperr.KindOf(err))
	s.Zero(s.store.placed)
}

func (s *ServiceSuite) TestStaleReadDoesNotOutliveCancel() {
	o := s.store.add("u1", StatusPending)
	racing := &staleReadStore{memStore: s.store}
	s.svc.Store = racing
	racing.hook = func() {
		_, err := s.svc.Cancel(s.ctx, o.ID)
		s.Require().NoError(err)
	}

	stale, err := s.svc.Get(s.ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(StatusPending, stale.Status)

	got, err := s.svc.Get(s.ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(StatusCancelled, got.Status)
}

func (s *ServiceSuite) TestGetUsesCache() {
	o := s.store.add("u1", StatusPaid)

	_, err := s.svc.Get(s.ctx, o.ID)
	s.Require().NoError(err)
	_, cached := s.cache.GetOrder(s.ctx, o.ID)
	s.True(cached)

	_, err = s.svc.GetOwned(s.ctx, o.ID, "u2")
	s.Equal(apperr.KindNotFound, apperr.KindOf(err))
}

func (s *ServiceSuite) TestListForUserClampsLimit() {
	for i := 0; i < 3; i++ {
		s.store.add("u1", StatusPending)
	}
	out, err := s.svc.ListForUser(s.ctx, "u1", 2)
	s.Require().NoError(err)
	s.Len(out, 2)

	out, err = s.svc.ListForUser(s.ctx, "u1", 0)
	s.Require().NoError(err)
	s.Len(out, 3)
}

func (s *ServiceSuite) TestCreatePaymentOrderDelegates() {
	out, err := s.svc.CreatePaymentOrder(s.ctx, payments.CreateOrderInput{Amount: 49.5, UserID: "u1"})
	s.Require().NoError(err)
	s.Equal(int64(4950), out.Amount)
}

func TestServiceWithoutOptionalCollaborators(t *testing.T) {
	store := newMemStore()
	o := store.add("u1", StatusPending)
	svc := &Service{Store: store, Stock: &fakeLedger{}}

	got, err := svc.Cancel(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestDroppedEventDoesNotFailRequest(t *testing.T) {
	store := newMemStore()
	o := store.add("u1", StatusPending)
	svc := &Service{Store: store, Events: &fakePublisher{drop: true}}

	_, err := svc.Cancel(context.Background(), o.ID)
	assert.NoError(t, err)
}
