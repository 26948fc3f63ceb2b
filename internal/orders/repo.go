package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound        = errors.New("order not found")
	ErrProductNotFound = errors.New("product not found")
	ErrProductInactive = errors.New("product is not available")
)

type Repo struct{ DB *pgxpool.Pool }

const orderColumns = `id, user_id, status, total_amount, currency, payment_method,
	gateway_order_id, cancelled_at, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.UserID, &o.Status, &o.TotalAmount, &o.Currency, &o.PaymentMethod,
		&o.GatewayOrderID, &o.CancelledAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

const (
	// SQLSTATE unique_violation
	uniqueViolation = "23505"
	// unique index on (user_id, idempotency_key)
	idempotencyIndex = "orders_user_idem_uidx"
)

// PlaceOrder writes the order, its line items and the stock decrements in one
// transaction: either all of them commit or none do. An order already stored
// under the same (user, idempotency key) is returned with existed=true and
// nothing is written.
func (r *Repo) PlaceOrder(ctx context.Context, in PlaceOrderInput) (*Order, []StockUpdateResult, bool, error) {
	if in.IdempotencyKey != "" {
		o, err := r.findByIdempotencyKey(ctx, in.UserID, in.IdempotencyKey)
		if err == nil {
			return o, nil, true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, nil, false, err
		}
	}

	order, results, err := r.placeOrderTx(ctx, in)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == idempotencyIndex {
		// a concurrent request with the same key committed first
		o, ferr := r.findByIdempotencyKey(ctx, in.UserID, in.IdempotencyKey)
		if ferr != nil {
			return nil, nil, false, ferr
		}
		return o, nil, true, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	return order, results, false, nil
}

func (r *Repo) findByIdempotencyKey(ctx context.Context, userID, key string) (*Order, error) {
	var id string
	err := r.DB.QueryRow(ctx, `SELECT id FROM orders WHERE user_id=$1 AND idempotency_key=$2`, userID, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

func (r *Repo) placeOrderTx(ctx context.Context, in PlaceOrderInput) (*Order, []StockUpdateResult, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ids := make([]string, 0, len(in.Items))
	for _, it := range in.Items {
		ids = append(ids, it.ProductID)
	}

	// price from products, never from the client
	type priced struct {
		price  decimal.Decimal
		active bool
	}
	rows, err := tx.Query(ctx, `SELECT id, price, is_active FROM products WHERE id = ANY($1::uuid[])`, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("load products: %w", err)
	}
	prices := map[string]priced{}
	for rows.Next() {
		var id string
		var p priced
		if err := rows.Scan(&id, &p.price, &p.active); err != nil {
			rows.Close()
			return nil, nil, err
		}
		prices[id] = p
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	total := decimal.Zero
	for _, it := range in.Items {
		p, ok := prices[it.ProductID]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrProductNotFound, it.ProductID)
		}
		if !p.active {
			return nil, nil, fmt.Errorf("%w: %s", ErrProductInactive, it.ProductID)
		}
		total = total.Add(p.price.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}

	order, err := scanOrder(tx.QueryRow(ctx, `
		INSERT INTO orders (id, user_id, status, total_amount, currency, payment_method, gateway_order_id, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''))
		RETURNING `+orderColumns,
		uuid.NewString(), in.UserID, StatusPending, total, in.Currency, in.PaymentMethod, in.GatewayOrderID, in.IdempotencyKey))
	if err != nil {
		return nil, nil, fmt.Errorf("insert order: %w", err)
	}

	for _, it := range in.Items {
		item := OrderItem{OrderID: order.ID, ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: prices[it.ProductID].price}
		err := tx.QueryRow(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4)
			RETURNING id::text`,
			item.OrderID, item.ProductID, item.Quantity, item.UnitPrice).Scan(&item.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("insert order item: %w", err)
		}
		order.Items = append(order.Items, item)
	}

	results := make([]StockUpdateResult, 0, len(in.Items))
	for _, it := range in.Items {
		res, err := decrementStock(ctx, tx, it)
		if err != nil {
			return nil, nil, fmt.Errorf("decrement stock for %s: %w", it.ProductID, err)
		}
		results = append(results, res)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return order, results, nil
}

func (r *Repo) Get(ctx context.Context, orderID string) (*Order, error) {
	order, err := scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.DB.Query(ctx, `
		SELECT id::text, order_id, product_id, quantity, unit_price
		FROM order_items WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &it.UnitPrice); err != nil {
			return nil, err
		}
		order.Items = append(order.Items, it)
	}
	return order, rows.Err()
}

func (r *Repo) ListByUser(ctx context.Context, userID string, limit int) ([]Order, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// CancelIfAllowed moves the order to cancelled in a single guarded statement,
// so of N concurrent callers exactly one observes cancelled=true. When the
// guard rejects, the current row is returned for the caller to explain why.
func (r *Repo) CancelIfAllowed(ctx context.Context, orderID string) (order *Order, cancelled bool, err error) {
	order, err = scanOrder(r.DB.QueryRow(ctx, `
		UPDATE orders
		SET status=$2, cancelled_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status <> ALL($3::text[])
		RETURNING `+orderColumns,
		orderID, StatusCancelled, terminalForCancel()))
	if err == nil {
		return order, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	order, err = scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}
	return order, false, nil
}

// SetStatus writes status unconditionally and reports the status it replaced.
func (r *Repo) SetStatus(ctx context.Context, orderID string, status Status) (Status, *Order, error) {
	var prev Status
	var o Order
	err := r.DB.QueryRow(ctx, `
		WITH prev AS (SELECT id, status FROM orders WHERE id=$1 FOR UPDATE)
		UPDATE orders o
		SET status=$2, updated_at=NOW()
		FROM prev
		WHERE o.id = prev.id
		RETURNING prev.status, `+prefixColumns("o.", orderColumns),
		orderID, status).Scan(&prev, &o.ID, &o.UserID, &o.Status, &o.TotalAmount, &o.Currency, &o.PaymentMethod,
		&o.GatewayOrderID, &o.CancelledAt, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	return prev, &o, nil
}

func prefixColumns(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
