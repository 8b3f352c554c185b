// Package search maintains the Elasticsearch projection of stored orders.
//
// Postgres remains the source of truth; ES is a read-optimised projection
// serving the query API's free-text search. The worker indexes each order
// after a successful save — a projection failure is logged and never fails
// the processing attempt, because a replayed index with the same document
// ID is idempotent and the scheduler's next pass will heal the gap.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go-order-enrichment/internal/models"

	"github.com/elastic/go-elasticsearch/v8"
)

const ordersIndex = "orders"

// Client wraps the Elasticsearch client with domain-level operations.
type Client struct {
	es *elasticsearch.Client
}

// New creates an Elasticsearch client pointed at the given URL.
func New(url string) (*Client, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{url},
	}
	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("search: create client: %w", err)
	}
	return &Client{es: es}, nil
}

// IndexOrder upserts an enriched order into the "orders" index.
// Using the orderId as the document ID makes this idempotent —
// re-indexing the same order on a retry will not create duplicates.
func (c *Client) IndexOrder(ctx context.Context, order *models.EnrichedOrder) error {
	body, err := json.Marshal(order)
	if err != nil {
		return err
	}

	res, err := c.es.Index(
		ordersIndex,
		bytes.NewReader(body),
		c.es.Index.WithDocumentID(order.OrderID),
		c.es.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("search: index request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("search: index error [%s]: %s", res.Status(), body)
	}
	return nil
}

// SearchOrders runs a full-text match across the customer name and product
// names. It returns the raw Elasticsearch response body for the API to
// proxy directly.
func (c *Client) SearchOrders(ctx context.Context, term string) (json.RawMessage, error) {
	query := map[string]any{
		"query": map[string]any{
			"multi_match": map[string]any{
				"query":  term,
				"fields": []string{"customerName", "products.name", "products.description"},
			},
		},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return nil, err
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(ordersIndex),
		c.es.Search.WithBody(&buf),
		c.es.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return nil, fmt.Errorf("search: query request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("search: query error [%s]: %s", res.Status(), body)
	}

	return io.ReadAll(res.Body)
}
