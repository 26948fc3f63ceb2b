// Package payments mints gateway-side orders for checkout. It validates the
// amount, converts it to minor units and translates gateway failures into
// apperr kinds. Nothing here touches local orders or stock.
package payments

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
)

const (
	DefaultCurrency = "INR"
	// MinMinorUnits is the smallest chargeable amount, ₹1.00.
	MinMinorUnits = 100
	// ReceiptMaxLen is the gateway's limit on the receipt field.
	ReceiptMaxLen = 40

	maxAmount = 1e12
)

type CreateOrderInput struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`
	UserID   string  `json:"userId"`
}

// CheckoutOrder is what the client needs to open the hosted payment widget.
type CheckoutOrder struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Key      string `json:"key"`
}

type Service struct {
	Gateway Gateway
	// PublicKey is handed to the client widget; empty means not configured.
	PublicKey  string
	Configured bool
	Timeout    time.Duration
	NewReceipt func() string
}

// MinorUnits converts a major-unit amount to the smallest currency unit as
// round(amount*100), half away from zero. The product is taken in float64
// first, so 1.005 (stored as 1.00499...) becomes 100.
func MinorUnits(amount float64) int64 {
	return decimal.NewFromFloat(amount * 100).Round(0).IntPart()
}

// NewReceipt returns a 36-char alphanumeric id, inside the gateway's 40-char limit.
func NewReceipt() string {
	r := "rcpt" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(r) > ReceiptMaxLen {
		r = r[:ReceiptMaxLen]
	}
	return r
}

func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*CheckoutOrder, error) {
	if !s.Configured || s.Gateway == nil {
		log.Error().Msg("payment gateway credentials are not configured")
		return nil, apperr.New(apperr.KindUpstream, "Payment service is not configured. Please contact support.")
	}
	if strings.TrimSpace(in.UserID) == "" {
		return nil, apperr.Validation("userId", "userId is required")
	}
	if math.IsNaN(in.Amount) || math.IsInf(in.Amount, 0) || in.Amount <= 0 || in.Amount > maxAmount {
		return nil, apperr.Validation("amount", "Invalid amount")
	}

	minor := MinorUnits(in.Amount)
	if minor < MinMinorUnits {
		return nil, apperr.Validation("amount", "Minimum order amount is ₹1.00")
	}

	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}

	newReceipt := s.NewReceipt
	if newReceipt == nil {
		newReceipt = NewReceipt
	}

	callCtx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	gord, err := s.Gateway.CreateOrder(callCtx, GatewayOrderRequest{
		Amount:   minor,
		Currency: currency,
		Receipt:  newReceipt(),
		Notes:    map[string]string{"user_id": in.UserID},
	})
	if err != nil {
		return nil, translateGatewayError(err)
	}

	log.Info().Str("gateway_order_id", gord.ID).Int64("amount", gord.Amount).Str("user_id", in.UserID).
		Msg("payment order created")
	return &CheckoutOrder{ID: gord.ID, Amount: gord.Amount, Currency: gord.Currency, Key: s.PublicKey}, nil
}

func translateGatewayError(err error) error {
	var gerr *GatewayError
	switch {
	case errors.As(err, &gerr) && gerr.ClientError():
		msg := gerr.Description
		if msg == "" {
			msg = "Invalid request to payment gateway"
		}
		log.Warn().Int("status", gerr.StatusCode).Str("code", gerr.Code).Msg("payment gateway rejected order")
		return &apperr.Error{Kind: apperr.KindUpstream, Message: msg, Status: http.StatusBadRequest, Err: err}
	case errors.As(err, &gerr):
		msg := gerr.Description
		if msg == "" {
			msg = "Payment gateway error"
		}
		log.Error().Int("status", gerr.StatusCode).Str("code", gerr.Code).Msg("payment gateway failed")
		return &apperr.Error{Kind: apperr.KindUpstream, Message: msg, Retryable: gerr.StatusCode >= 500, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		log.Error().Err(err).Msg("payment gateway timed out")
		return &apperr.Error{Kind: apperr.KindUpstream, Message: "Payment gateway timed out, please retry",
			Status: http.StatusGatewayTimeout, Retryable: true, Err: err}
	case errors.Is(err, context.Canceled):
		return apperr.Wrap(apperr.KindUpstream, err, "Payment request was cancelled")
	default:
		log.Error().Err(err).Msg("payment gateway unreachable")
		return &apperr.Error{Kind: apperr.KindUpstream, Message: "Failed to create payment order",
			Status: http.StatusBadGateway, Retryable: true, Err: err}
	}
}
