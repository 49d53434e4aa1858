package httpx

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ariefcatur/go-fulfillment-saga/internal/orders"
)

type StatusCache interface {
	Get(ctx context.Context, orderID string) (orders.StatusChange, bool, error)
	Put(ctx context.Context, s orders.StatusChange) (bool, error)
}

type Subscriber interface {
	ServeWS(w http.ResponseWriter, r *http.Request, orderID string)
}

type OrdersHandler struct {
	Orders *orders.Service
	Cache  StatusCache // optional
	Feed   Subscriber  // optional
	Log    *slog.Logger
}

type CancelOrderReq struct {
	Reason string `json:"reason"`
}

type PlaceOrderResp struct {
	Order      orders.Order `json:"order"`
	Idempotent bool         `json:"idempotent"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		r.Post("/orders", h.placeOrder)
		r.Get("/orders/{id}", h.getOrder)
		r.Get("/orders/{id}/status", h.getStatus)
		r.Post("/orders/{id}/cancel", h.cancelOrder)
		r.Post("/orders/{id}/complete", h.completeOrder)
	})
	if h.Feed != nil {
		r.Get("/orders/ws", func(w http.ResponseWriter, r *http.Request) { h.Feed.ServeWS(w, r, "") })
		r.Get("/orders/{id}/ws", func(w http.ResponseWriter, r *http.Request) {
			h.Feed.ServeWS(w, r, chi.URLParam(r, "id"))
		})
	}
}

func (h *OrdersHandler) logger() *slog.Logger {
	if h.Log == nil {
		return slog.Default()
	}
	return h.Log
}

func (h *OrdersHandler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.PlaceOrderInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, created, err := h.Orders.PlaceOrder(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	if !created {
		writeJSON(w, http.StatusOK, PlaceOrderResp{Order: o, Idempotent: true})
		return
	}
	writeJSON(w, http.StatusAccepted, PlaceOrderResp{Order: o})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Orders.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// getStatus serves from the cache and falls back to the store.
func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.Cache != nil {
		s, ok, err := h.Cache.Get(ctx, orderID)
		if err != nil {
			h.logger().WarnContext(ctx, "status cache read failed", "order_id", orderID, "error", err)
		}
		if ok {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}

	o, err := h.Orders.Get(ctx, orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	s := o.Change()
	if h.Cache != nil {
		if _, err := h.Cache.Put(ctx, s); err != nil {
			h.logger().WarnContext(ctx, "status cache fill failed", "order_id", orderID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.Cancel(ctx, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) completeOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.Complete(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
