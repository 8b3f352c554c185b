// Package api is the read-only query surface over processed orders, plus
// the operator endpoints for the retry queue. Ingestion is not here — new
// orders arrive only through the broker.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go-order-enrichment/internal/models"
	"go-order-enrichment/internal/retryqueue"
)

// ---------------------------------------------------------------------------
// Dependency interfaces
//
// Each interface captures exactly the methods this package needs.
// Callers (main, tests) inject the real implementations or fakes.
// ---------------------------------------------------------------------------

// OrderReader is the document-store read contract.
type OrderReader interface {
	FindByOrderID(ctx context.Context, orderID string) (*models.EnrichedOrder, error)
	FindByCustomerID(ctx context.Context, customerID string, page, pageSize int) ([]models.EnrichedOrder, error)
	FindByCustomerAndStatus(ctx context.Context, customerID, status string, page, pageSize int) ([]models.EnrichedOrder, error)
	FindByStatus(ctx context.Context, status string, page, pageSize int) ([]models.EnrichedOrder, error)
	List(ctx context.Context, page, pageSize int) ([]models.EnrichedOrder, error)
}

// OrderSearch is the full-text search contract.
type OrderSearch interface {
	SearchOrders(ctx context.Context, term string) (json.RawMessage, error)
}

// RetryAdmin is the operator slice of the retry queue.
type RetryAdmin interface {
	Stats(ctx context.Context) (retryqueue.Stats, error)
	DeadLetters(ctx context.Context) ([]models.FailedEntry, error)
	Requeue(ctx context.Context, orderID string) error
}

// Handler holds every dependency the HTTP layer needs.
type Handler struct {
	Orders  OrderReader
	Search  OrderSearch
	Retries RetryAdmin
}

// GetOrder — GET /api/orders/{orderId}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("orderId")
	if orderID == "" {
		http.Error(w, "missing order ID", http.StatusBadRequest)
		return
	}

	order, err := h.Orders.FindByOrderID(r.Context(), orderID)
	if err != nil {
		slog.Error("order lookup failed", "component", "api", "order_id", orderID, "error", err)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if order == nil {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ListOrders — GET /api/orders?customerId=&status=&page=&pageSize=
//
// Each filter combination maps onto one store query and its index, so
// pages always come back full and offsets stay consistent.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := atoiDefault(q.Get("page"), 0)
	pageSize := atoiDefault(q.Get("pageSize"), 0)
	customerID := q.Get("customerId")
	status := q.Get("status")

	var (
		orders []models.EnrichedOrder
		err    error
	)
	switch {
	case customerID != "" && status != "":
		orders, err = h.Orders.FindByCustomerAndStatus(r.Context(), customerID, status, page, pageSize)
	case customerID != "":
		orders, err = h.Orders.FindByCustomerID(r.Context(), customerID, page, pageSize)
	case status != "":
		orders, err = h.Orders.FindByStatus(r.Context(), status, page, pageSize)
	default:
		orders, err = h.Orders.List(r.Context(), page, pageSize)
	}
	if err != nil {
		slog.Error("order list failed", "component", "api", "error", err)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []models.EnrichedOrder{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// SearchOrders — GET /api/search?q=term
// Proxies the raw Elasticsearch response.
func (h *Handler) SearchOrders(w http.ResponseWriter, r *http.Request) {
	term := r.URL.Query().Get("q")
	if term == "" {
		http.Error(w, "missing query parameter q", http.StatusBadRequest)
		return
	}

	result, err := h.Search.SearchOrders(r.Context(), term)
	if err != nil {
		slog.Error("search failed", "component", "api", "term", term, "error", err)
		http.Error(w, "search failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(result) //nolint:errcheck
}

// RetryStats — GET /api/retries/stats
func (h *Handler) RetryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Retries.Stats(r.Context())
	if err != nil {
		slog.Error("retry stats failed", "component", "api", "error", err)
		http.Error(w, "stats failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListDeadLetters — GET /api/dlq
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Retries.DeadLetters(r.Context())
	if err != nil {
		slog.Error("dlq list failed", "component", "api", "error", err)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []models.FailedEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// RequeueDeadLetter — POST /api/dlq/{orderId}/requeue
//
// Moves a dead letter back into the live retry queue with a fresh budget;
// the next scheduler tick picks it up.
func (h *Handler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("orderId")
	if orderID == "" {
		http.Error(w, "missing order ID", http.StatusBadRequest)
		return
	}

	err := h.Retries.Requeue(r.Context(), orderID)
	if errors.Is(err, retryqueue.ErrNoDeadLetter) {
		http.Error(w, "no dead letter for order", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("requeue failed", "component", "api", "order_id", orderID, "error", err)
		http.Error(w, "requeue failed", http.StatusInternalServerError)
		return
	}

	slog.Info("dead letter requeued", "component", "api", "order_id", orderID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "requeued",
		"orderId": orderID,
	})
}

// Health — GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func atoiDefault(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
