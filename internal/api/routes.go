package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes attaches all application routes to mux.
// Keeping this separate from handlers.go means the full route surface
// is visible at a glance without scrolling through handler logic.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Orders (read-only)
	mux.HandleFunc("GET /api/orders/{orderId}", h.GetOrder)
	mux.HandleFunc("GET /api/orders", h.ListOrders)

	// Search
	mux.HandleFunc("GET /api/search", h.SearchOrders)

	// Retry queue operations
	mux.HandleFunc("GET /api/retries/stats", h.RetryStats)
	mux.HandleFunc("GET /api/dlq", h.ListDeadLetters)
	mux.HandleFunc("POST /api/dlq/{orderId}/requeue", h.RequeueDeadLetter)

	// Observability
	mux.HandleFunc("GET /healthz", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())
}
