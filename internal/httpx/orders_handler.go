package httpx

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
	"github.com/ariefcatur/go-storefront-orders/internal/audit"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/payments"
)

const headerIdempotencyKey = "Idempotency-Key"

type Auditor interface {
	Log(ctx context.Context, a audit.Action)
}

type OrdersHandler struct {
	Orders *orders.Service
	Audit  Auditor
	Auth   *Authenticator
	// AdminLimit guards the admin routes; nil means unlimited.
	AdminLimit func(http.Handler) http.Handler
	// Debug adds error details to responses; off in production.
	Debug bool
}

type cancelReq struct {
	OrderID string `json:"order_id"`
}

type placeOrderReq struct {
	Items          []orders.ItemQty     `json:"items"`
	PaymentMethod  orders.PaymentMethod `json:"payment_method"`
	GatewayOrderID string               `json:"gateway_order_id"`
	Currency       string               `json:"currency"`
}

type statusReq struct {
	Status string `json:"status"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(h.Auth.Middleware(h.Debug))

		r.Post("/payments/orders", h.createPaymentOrder)

		r.Post("/orders", h.placeOrder)
		r.Get("/orders", h.listOrders)
		r.Post("/orders/stock", h.applyStock)
		r.Post("/orders/cancel", h.cancelOrder)
		r.Get("/orders/{id}", h.getOrder)

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin(h.Debug))
			if h.AdminLimit != nil {
				r.Use(h.AdminLimit)
			}
			r.Patch("/orders/{id}/status", h.updateStatus)
		})
	})
}

func (h *OrdersHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, err, h.Debug)
}

func (h *OrdersHandler) createPaymentOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	var req payments.CreateOrderInput
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.UserID != "" && req.UserID != p.UserID {
		h.fail(w, r, apperr.New(apperr.KindForbidden, "userId does not match the authenticated user"))
		return
	}

	out, err := h.Orders.CreatePaymentOrder(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) applyStock(w http.ResponseWriter, r *http.Request) {
	var items []orders.ItemQty
	if err := decodeJSON(w, r, &items); err != nil {
		h.fail(w, r, apperr.Wrap(apperr.KindValidation, err, "Request body must be an array of {product_id, quantity} items"))
		return
	}

	results, err := h.Orders.ApplyStockForOrder(r.Context(), items)
	if apperr.Is(err, apperr.KindPartialFailure) {
		failed := []orders.StockUpdateResult{}
		succeeded := []orders.StockUpdateResult{}
		for _, res := range results {
			if res.Success {
				succeeded = append(succeeded, res)
			} else {
				failed = append(failed, res)
			}
		}
		writeJSON(w, http.StatusMultiStatus, map[string]any{
			"success":           false,
			"error":             apperr.PublicMessage(err),
			"failedUpdates":     failed,
			"successfulUpdates": succeeded,
		})
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "updates": results})
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	var req cancelReq
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	var (
		order *orders.Order
		err   error
	)
	if p.Admin() {
		order, err = h.Orders.Cancel(r.Context(), req.OrderID)
	} else {
		order, err = h.Orders.CancelOwned(r.Context(), req.OrderID, p.UserID)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if p.Admin() && order.UserID != p.UserID {
		h.audit(r, p, "order.cancel", order.ID, map[string]any{"user_id": order.UserID})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Order cancelled successfully", "order": order})
}

func (h *OrdersHandler) placeOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	var req placeOrderReq
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	order, replayed, err := h.Orders.PlaceOrder(r.Context(), orders.PlaceOrderInput{
		UserID:         p.UserID,
		Items:          req.Items,
		PaymentMethod:  req.PaymentMethod,
		GatewayOrderID: req.GatewayOrderID,
		Currency:       req.Currency,
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"success": true, "idempotent": replayed, "order": order})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	id := chi.URLParam(r, "id")

	var (
		order *orders.Order
		err   error
	)
	if p.Admin() {
		order, err = h.Orders.Get(r.Context(), id)
	} else {
		order, err = h.Orders.GetOwned(r.Context(), id, p.UserID)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "order": order})
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.fail(w, r, apperr.Validation("limit", "limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	list, err := h.Orders.ListForUser(r.Context(), p.UserID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "orders": list})
}

func (h *OrdersHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	id := chi.URLParam(r, "id")
	var req statusReq
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	order, err := h.Orders.UpdateStatus(r.Context(), id, req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.audit(r, p, "order.status.update", order.ID, map[string]any{"status": order.Status, "user_id": order.UserID})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "order": order})
}

func (h *OrdersHandler) audit(r *http.Request, p Principal, action, orderID string, details map[string]any) {
	if h.Audit == nil {
		return
	}
	h.Audit.Log(r.Context(), audit.Action{
		ActorID:      p.UserID,
		Action:       action,
		ResourceType: "order",
		ResourceID:   orderID,
		Details:      details,
		IPAddress:    r.RemoteAddr,
		UserAgent:    r.UserAgent(),
	})
}
