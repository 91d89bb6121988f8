package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/api/middleware"
	"github.com/medtrack/go-medtrack/internal/order"
)

// Orders builds carts and invoices. *order.Service satisfies it
type Orders interface {
	Cart(ctx context.Context, userID string) (*order.Cart, error)
	Checkout(ctx context.Context, userID string, selections []order.Selection) (*order.Invoice, error)
}

// OrderHandler serves the medicine cart
type OrderHandler struct {
	orders Orders
	logger *zap.Logger
}

// NewOrderHandler creates a new handler
func NewOrderHandler(orders Orders, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, logger: logger}
}

// Routes returns the handler routes
func (h *OrderHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/cart", h.Cart)
	r.Post("/checkout", h.Checkout)
	return r
}

// CartResponse is the cart with its total
type CartResponse struct {
	Items []order.Item `json:"items"`
	Total float64      `json:"total"`
}

// Cart handles GET /orders/cart
func (h *OrderHandler) Cart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cart, err := h.orders.Cart(ctx, middleware.GetUserID(ctx))
	if err != nil {
		h.logger.Error("cart failed", zap.Error(err))
		jsonError(w, "failed to build cart", http.StatusInternalServerError)
		return
	}
	items := cart.Items
	if items == nil {
		items = []order.Item{}
	}
	writeJSON(w, http.StatusOK, CartResponse{Items: items, Total: cart.Total()})
}

// CheckoutRequest lists the items to buy. An empty list buys the whole cart
type CheckoutRequest struct {
	Items []order.Selection `json:"items"`
}

// Checkout handles POST /orders/checkout. ?format=html returns the printable
// invoice instead of JSON
func (h *OrderHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := decode(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	inv, err := h.orders.Checkout(ctx, middleware.GetUserID(ctx), req.Items)
	switch {
	case errors.Is(err, order.ErrEmptyCart):
		jsonError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	case errors.Is(err, order.ErrItemNotFound):
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		h.logger.Error("checkout failed", zap.Error(err))
		jsonError(w, "checkout failed", http.StatusInternalServerError)
		return
	}

	if r.URL.Query().Get("format") == "html" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := inv.RenderHTML(w); err != nil {
			h.logger.Error("invoice render failed", zap.Error(err))
		}
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}
