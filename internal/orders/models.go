package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentOnline PaymentMethod = "online"
	PaymentCOD    PaymentMethod = "cod"
)

type Order struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Status         Status          `json:"status"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Currency       string          `json:"currency"`
	PaymentMethod  PaymentMethod   `json:"payment_method"`
	GatewayOrderID *string         `json:"gateway_order_id,omitempty"`
	CancelledAt    *time.Time      `json:"cancelled_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Items          []OrderItem     `json:"items,omitempty"`
}

type OrderItem struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// ItemQty is one line of a stock update request.
type ItemQty struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// StockUpdateResult reports what happened to one item of a stock batch.
type StockUpdateResult struct {
	ProductID       string `json:"product_id"`
	PreviousStock   int    `json:"previous_stock"`
	QuantityOrdered int    `json:"quantity_ordered"`
	NewStock        int    `json:"new_stock"`
	Success         bool   `json:"success"`
	Error           string `json:"error,omitempty"`
}

type PlaceOrderInput struct {
	UserID         string
	Items          []ItemQty
	PaymentMethod  PaymentMethod
	GatewayOrderID string
	Currency       string
	// IdempotencyKey is scoped to UserID; empty disables replay detection.
	IdempotencyKey string
}
