// Package models holds the wire and storage shapes of the pipeline.
//
// OrderMessage is the inbound broker event, EnrichedOrder the persisted
// document, Customer/Product the catalog API responses. OrderMessage is
// immutable once parsed; the enricher builds a fresh EnrichedOrder and
// mutates nothing it did not construct.
package models

import (
	"encoding/json"
	"errors"
	"time"
)

// Order status values as persisted.
const (
	StatusProcessed = "PROCESSED"
	StatusFailed    = "FAILED"
	StatusRetry     = "RETRY"
)

// CustomerStatusActive is the only customer status that passes validation.
const CustomerStatusActive = "ACTIVE"

// OrderProduct is one line item of the inbound event.
type OrderProduct struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// OrderMessage is the JSON body published to the orders topic.
type OrderMessage struct {
	OrderID    string         `json:"orderId"`
	CustomerID string         `json:"customerId"`
	Products   []OrderProduct `json:"products"`
}

// ParseOrderMessage decodes and validates an inbound event body.
// Structural rules live here, at parse time, so a message that can never
// be valid is rejected before any lock or catalog call is made.
func ParseOrderMessage(body []byte) (*OrderMessage, error) {
	var msg OrderMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate checks the structural invariants of the event.
func (m *OrderMessage) Validate() error {
	if m.OrderID == "" {
		return errors.New("orderId is blank")
	}
	if m.CustomerID == "" {
		return errors.New("customerId is blank")
	}
	if len(m.Products) == 0 {
		return errors.New("products is empty")
	}
	for _, p := range m.Products {
		if p.ProductID == "" {
			return errors.New("productId is blank")
		}
		if p.Quantity <= 0 {
			return errors.New("quantity must be positive")
		}
	}
	return nil
}

// Customer is the catalog API's customer representation.
type Customer struct {
	CustomerID string `json:"customerId"`
	Name       string `json:"name"`
	Status     string `json:"status"`
}

// Product is the catalog API's product representation.
type Product struct {
	ProductID   string  `json:"productId"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	Category    string  `json:"category"`
	InStock     bool    `json:"inStock"`
}

// Valid reports whether a catalog product may be sold: it must have a
// name, a positive price and be in stock.
func (p Product) Valid() bool {
	return p.Name != "" && p.Price > 0 && p.InStock
}

// EnrichedProduct is a line item joined with its catalog record.
type EnrichedProduct struct {
	ProductID   string  `json:"productId"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	Quantity    int     `json:"quantity"`
	Subtotal    float64 `json:"subtotal"`
}

// EnrichedOrder is the persisted document, keyed by OrderID (unique).
// ProcessedAt is set once at persistence time and never mutated.
type EnrichedOrder struct {
	OrderID        string            `json:"orderId"`
	CustomerID     string            `json:"customerId"`
	CustomerName   string            `json:"customerName"`
	CustomerStatus string            `json:"customerStatus"`
	Products       []EnrichedProduct `json:"products"`
	TotalAmount    float64           `json:"totalAmount"`
	ProcessedAt    time.Time         `json:"processedAt"`
	Status         string            `json:"status"`
}

// FailedEntry is one message in the retry queue. Message holds the
// original event body verbatim so a retry replays exactly what the broker
// delivered.
type FailedEntry struct {
	OrderID       string          `json:"orderId"`
	Message       json.RawMessage `json:"message"`
	LastError     string          `json:"lastError"`
	ErrorKind     string          `json:"errorKind"`
	AttemptCount  int             `json:"attemptCount"`
	FirstFailedAt time.Time       `json:"firstFailedAt"`
	NextRetryAt   time.Time       `json:"nextRetryAt"`
}
