package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewStock is the clamping rule of the ledger: stock never goes below zero,
// ordering past zero floors at zero instead of failing.
func NewStock(current, quantity int) int {
	if n := current - quantity; n > 0 {
		return n
	}
	return 0
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// decrementStock applies NewStock in one statement. The row lock taken by the
// CTE serialises concurrent decrements of the same product, so none is lost.
func decrementStock(ctx context.Context, q rowQuerier, it ItemQty) (StockUpdateResult, error) {
	res := StockUpdateResult{ProductID: it.ProductID, QuantityOrdered: it.Quantity}
	err := q.QueryRow(ctx, `
		WITH prev AS (SELECT id, stock_quantity FROM products WHERE id=$1 FOR UPDATE)
		UPDATE products p
		SET stock_quantity = GREATEST(prev.stock_quantity - $2, 0), updated_at = NOW()
		FROM prev
		WHERE p.id = prev.id
		RETURNING prev.stock_quantity, p.stock_quantity`,
		it.ProductID, it.Quantity).Scan(&res.PreviousStock, &res.NewStock)
	if errors.Is(err, pgx.ErrNoRows) {
		return res, fmt.Errorf("%w: %s", ErrProductNotFound, it.ProductID)
	}
	if err != nil {
		return res, err
	}
	res.Success = true
	return res, nil
}

type StockRepo struct{ DB *pgxpool.Pool }

// Apply decrements every item independently. A failing item is reported in
// its result and does not stop the others.
func (r *StockRepo) Apply(ctx context.Context, items []ItemQty) []StockUpdateResult {
	out := make([]StockUpdateResult, 0, len(items))
	for _, it := range items {
		res, err := decrementStock(ctx, r.DB, it)
		if err != nil {
			res.Success = false
			res.Error = err.Error()
		}
		out = append(out, res)
	}
	return out
}

// Restock returns the line-item quantities of a cancelled order to stock.
// It runs at most once per order; restocked=false means an earlier call
// already did it.
func (r *StockRepo) Restock(ctx context.Context, orderID string) (restocked bool, err error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status Status
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if status != StatusCancelled {
		return false, fmt.Errorf("restock order %s: status is %s", orderID, status)
	}

	ct, err := tx.Exec(ctx, `INSERT INTO order_restocks(order_id) VALUES ($1) ON CONFLICT (order_id) DO NOTHING`, orderID)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE products p
		SET stock_quantity = p.stock_quantity + oi.qty, updated_at = NOW()
		FROM (SELECT product_id, SUM(quantity) AS qty FROM order_items WHERE order_id=$1 GROUP BY product_id) oi
		WHERE p.id = oi.product_id`, orderID); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}
