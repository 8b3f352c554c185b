// Package enrich turns inbound order events into persisted enriched
// orders: resolve the customer and every product against the catalog,
// validate, total, save.
package enrich

import (
	"context"
	"fmt"
	"time"

	"go-order-enrichment/internal/errs"
	"go-order-enrichment/internal/metrics"
	"go-order-enrichment/internal/models"

	"golang.org/x/sync/errgroup"
)

// Catalog is the slice of the catalog client the enricher needs.
type Catalog interface {
	GetCustomer(ctx context.Context, id string) (*models.Customer, error)
	GetProduct(ctx context.Context, id string) (*models.Product, error)
}

// Store is the slice of the order store the enricher needs.
type Store interface {
	FindByOrderID(ctx context.Context, orderID string) (*models.EnrichedOrder, error)
	Save(ctx context.Context, order *models.EnrichedOrder) (*models.EnrichedOrder, error)
}

type Enricher struct {
	catalog Catalog
	store   Store
}

// New constructs an Enricher. All dependencies are injected — no globals.
func New(catalog Catalog, store Store) *Enricher {
	return &Enricher{catalog: catalog, store: store}
}

// Enrich processes one message to completion: replayed messages
// short-circuit to the stored record; otherwise the customer and every
// unique product are fetched concurrently, validated, totalled and saved.
// A Duplicate from the store means another worker won the race — that is
// success, and the stored record is returned.
//
// Apart from ProcessedAt nothing here reads the clock and nothing is
// random: the same message against the same catalog state yields the same
// record.
func (e *Enricher) Enrich(ctx context.Context, msg *models.OrderMessage) (*models.EnrichedOrder, error) {
	timer := time.Now()
	defer func() { metrics.EnrichDuration.Observe(time.Since(timer).Seconds()) }()

	if existing, err := e.store.FindByOrderID(ctx, msg.OrderID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	customer, catalogProducts, err := e.fetchAll(ctx, msg)
	if err != nil {
		return nil, err
	}

	if err := validate(customer, catalogProducts); err != nil {
		return nil, err
	}

	order, err := build(msg, customer, catalogProducts)
	if err != nil {
		return nil, err
	}

	saved, err := e.store.Save(ctx, order)
	if errs.KindOf(err) == errs.KindDuplicate {
		// The conflicting row must exist for the insert to have lost; a
		// miss here means it was deleted out of band, and a nil record
		// with a nil error would blow up downstream.
		winner, lookupErr := e.store.FindByOrderID(ctx, msg.OrderID)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if winner == nil {
			return nil, errs.Storage(fmt.Errorf("order %s: duplicate reported but no stored record", msg.OrderID))
		}
		return winner, nil
	}
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// fetchAll issues the customer lookup concurrently with one lookup per
// unique product id and joins before returning. The first failure cancels
// the rest of the group and is the one propagated.
func (e *Enricher) fetchAll(ctx context.Context, msg *models.OrderMessage) (*models.Customer, map[string]*models.Product, error) {
	uniq := make([]string, 0, len(msg.Products))
	seen := make(map[string]bool, len(msg.Products))
	for _, p := range msg.Products {
		if !seen[p.ProductID] {
			seen[p.ProductID] = true
			uniq = append(uniq, p.ProductID)
		}
	}

	var customer *models.Customer
	results := make([]*models.Product, len(uniq))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := e.catalog.GetCustomer(ctx, msg.CustomerID)
		if err != nil {
			return err
		}
		customer = c
		return nil
	})
	for i, id := range uniq {
		g.Go(func() error {
			p, err := e.catalog.GetProduct(ctx, id)
			if err != nil {
				return err
			}
			results[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	products := make(map[string]*models.Product, len(results))
	for _, p := range results {
		products[p.ProductID] = p
	}
	return customer, products, nil
}

func validate(customer *models.Customer, products map[string]*models.Product) error {
	if customer.Status != models.CustomerStatusActive {
		return errs.InvalidOrder("customer " + customer.CustomerID + " is not active")
	}
	for _, p := range products {
		if !p.Valid() {
			return errs.InvalidOrder("invalid product " + p.ProductID)
		}
	}
	return nil
}

func build(msg *models.OrderMessage, customer *models.Customer, products map[string]*models.Product) (*models.EnrichedOrder, error) {
	lines := make([]models.EnrichedProduct, 0, len(msg.Products))
	var total float64
	for _, item := range msg.Products {
		p, ok := products[item.ProductID]
		if !ok {
			return nil, errs.InvalidOrder("product " + item.ProductID + " missing from catalog response")
		}
		subtotal := p.Price * float64(item.Quantity)
		lines = append(lines, models.EnrichedProduct{
			ProductID:   p.ProductID,
			Name:        p.Name,
			Description: p.Description,
			Price:       p.Price,
			Quantity:    item.Quantity,
			Subtotal:    subtotal,
		})
		total += subtotal
	}

	return &models.EnrichedOrder{
		OrderID:        msg.OrderID,
		CustomerID:     msg.CustomerID,
		CustomerName:   customer.Name,
		CustomerStatus: customer.Status,
		Products:       lines,
		TotalAmount:    total,
		ProcessedAt:    time.Now().UTC(),
		Status:         models.StatusProcessed,
	}, nil
}
