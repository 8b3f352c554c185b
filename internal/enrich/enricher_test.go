package enrich

import (
	"context"
	"sync"
	"testing"

	"go-order-enrichment/internal/errs"
	"go-order-enrichment/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	customers map[string]models.Customer
	products  map[string]models.Product

	mu           sync.Mutex
	customerGets int
	productGets  int
	customerErr  error
}

func (f *fakeCatalog) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	f.mu.Lock()
	f.customerGets++
	f.mu.Unlock()
	if f.customerErr != nil {
		return nil, f.customerErr
	}
	c, ok := f.customers[id]
	if !ok {
		return nil, errs.NotFound("customer", id)
	}
	return &c, nil
}

func (f *fakeCatalog) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	f.mu.Lock()
	f.productGets++
	f.mu.Unlock()
	p, ok := f.products[id]
	if !ok {
		return nil, errs.NotFound("product", id)
	}
	return &p, nil
}

type fakeStore struct {
	mu     sync.Mutex
	orders map[string]*models.EnrichedOrder
	saves  int
	finds  int

	saveErr error

	// missFirstFind simulates losing the race: the short-circuit lookup
	// misses, then another worker's row lands before our save.
	missFirstFind bool

	// findNil makes every lookup miss, even ones following a collision.
	findNil bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{orders: map[string]*models.EnrichedOrder{}}
}

func (f *fakeStore) FindByOrderID(ctx context.Context, orderID string) (*models.EnrichedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds++
	if f.findNil || (f.missFirstFind && f.finds == 1) {
		return nil, nil
	}
	return f.orders[orderID], nil
}

func (f *fakeStore) Save(ctx context.Context, order *models.EnrichedOrder) (*models.EnrichedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	if _, exists := f.orders[order.OrderID]; exists {
		return nil, errs.Duplicate(order.OrderID)
	}
	f.orders[order.OrderID] = order
	return order, nil
}

func activeCatalog() *fakeCatalog {
	return &fakeCatalog{
		customers: map[string]models.Customer{
			"customer-1": {CustomerID: "customer-1", Name: "John Doe", Status: "ACTIVE"},
		},
		products: map[string]models.Product{
			"p-1": {ProductID: "p-1", Name: "Laptop", Price: 999.0, InStock: true},
			"p-2": {ProductID: "p-2", Name: "Mouse", Price: 25.5, InStock: true},
		},
	}
}

func orderMsg(products ...models.OrderProduct) *models.OrderMessage {
	return &models.OrderMessage{OrderID: "order-1", CustomerID: "customer-1", Products: products}
}

func TestEnrichHappyPath(t *testing.T) {
	catalog := activeCatalog()
	store := newFakeStore()
	e := New(catalog, store)

	order, err := e.Enrich(context.Background(), orderMsg(models.OrderProduct{ProductID: "p-1", Quantity: 2}))
	require.NoError(t, err)

	assert.Equal(t, "order-1", order.OrderID)
	assert.Equal(t, "John Doe", order.CustomerName)
	assert.Equal(t, models.StatusProcessed, order.Status)
	require.Len(t, order.Products, 1)
	assert.Equal(t, 1998.0, order.Products[0].Subtotal)
	assert.Equal(t, 1998.0, order.TotalAmount)
	assert.False(t, order.ProcessedAt.IsZero())
	assert.Len(t, store.orders, 1)
}

func TestEnrichTotalIsSumOfSubtotals(t *testing.T) {
	e := New(activeCatalog(), newFakeStore())

	order, err := e.Enrich(context.Background(), orderMsg(
		models.OrderProduct{ProductID: "p-1", Quantity: 1},
		models.OrderProduct{ProductID: "p-2", Quantity: 4},
	))
	require.NoError(t, err)

	var sum float64
	for _, p := range order.Products {
		assert.Equal(t, p.Price*float64(p.Quantity), p.Subtotal)
		sum += p.Subtotal
	}
	assert.Equal(t, sum, order.TotalAmount)
	assert.Equal(t, 999.0+4*25.5, order.TotalAmount)
}

func TestEnrichShortCircuitsOnReplay(t *testing.T) {
	catalog := activeCatalog()
	store := newFakeStore()
	e := New(catalog, store)

	first, err := e.Enrich(context.Background(), orderMsg(models.OrderProduct{ProductID: "p-1", Quantity: 2}))
	require.NoError(t, err)

	again, err := e.Enrich(context.Background(), orderMsg(models.OrderProduct{ProductID: "p-1", Quantity: 2}))
	require.NoError(t, err)

	assert.Same(t, first, again, "replay must return the stored record")
	assert.Equal(t, 1, store.saves, "replay must not write")
	assert.Equal(t, 1, catalog.customerGets, "replay must not call the catalog")
}

func TestEnrichInactiveCustomer(t *testing.T) {
	catalog := activeCatalog()
	catalog.customers["customer-1"] = models.Customer{CustomerID: "customer-1", Name: "John Doe", Status: "INACTIVE"}
	store := newFakeStore()
	e := New(catalog, store)

	_, err := e.Enrich(context.Background(), orderMsg(models.OrderProduct{ProductID: "p-1", Quantity: 2}))
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidOrder, errs.KindOf(err))
	assert.Contains(t, err.Error(), "not active")
	assert.Empty(t, store.orders, "no document may be written")
}

func TestEnrichOutOfStockProduct(t *testing.T) {
	catalog := activeCatalog()
	catalog.products["p-1"] = models.Product{ProductID: "p-1", Name: "Laptop", Price: 999.0, InStock: false}
	store := newFakeStore()
	e := New(catalog, store)

	_, err := e.Enrich(context.Background(), orderMsg(models.OrderProduct{ProductID: "p-1", Quantity: 1}))
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidOrder, errs.KindOf(err))
	assert.Empty(t, store.orders)
}

func TestEnrichMissingProductPropagatesNotFound(t *testing.T) {
	store := newFakeStore()
	e := New(activeCatalog(), store)

	_, err := e.Enrich(context.Background(), orderMsg(models.OrderProduct{ProductID: "p-missing", Quantity: 1}))
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
	assert.Empty(t, store.orders)
}

func TestEnrichCustomerErrorWinsOverNothing(t *testing.T) {
	catalog := activeCatalog()
	catalog.customerErr = errs.Upstream(assert.AnError)
	e := New(catalog, newFakeStore())

	_, err := e.Enrich(context.Background(), orderMsg(models.OrderProduct{ProductID: "p-1", Quantity: 1}))
	require.Error(t, err)
	assert.Equal(t, errs.KindUpstream, errs.KindOf(err))
}

func TestEnrichDuplicateRaceReturnsStoredRecord(t *testing.T) {
	catalog := activeCatalog()
	store := newFakeStore()
	// Another worker persists this order between our short-circuit
	// lookup and our save: the first find misses, the save collides,
	// the recovery lookup returns the winner's row.
	winner := &models.EnrichedOrder{OrderID: "order-1", Status: models.StatusProcessed}
	store.orders["order-1"] = winner
	store.missFirstFind = true
	e := New(catalog, store)

	got, err := e.Enrich(context.Background(), orderMsg(models.OrderProduct{ProductID: "p-1", Quantity: 1}))
	require.NoError(t, err, "duplicate is a benign race, not a failure")
	assert.Same(t, winner, got)
	assert.Equal(t, 1, store.saves, "the losing save happened exactly once")
}

func TestEnrichDuplicateWithVanishedRowIsAnError(t *testing.T) {
	store := newFakeStore()
	// The save collides but the winning row is gone by the time we read
	// it back (an out-of-band delete). That must surface as an error,
	// never as a nil record with a nil error.
	store.saveErr = errs.Duplicate("order-1")
	store.findNil = true
	e := New(activeCatalog(), store)

	got, err := e.Enrich(context.Background(), orderMsg(models.OrderProduct{ProductID: "p-1", Quantity: 1}))
	require.Error(t, err)
	assert.Nil(t, got)
	assert.Equal(t, errs.KindStorage, errs.KindOf(err))
}

func TestEnrichDeduplicatesProductLookups(t *testing.T) {
	catalog := activeCatalog()
	e := New(catalog, newFakeStore())

	_, err := e.Enrich(context.Background(), orderMsg(
		models.OrderProduct{ProductID: "p-1", Quantity: 1},
		models.OrderProduct{ProductID: "p-1", Quantity: 2},
	))
	require.NoError(t, err)
	assert.Equal(t, 1, catalog.productGets, "duplicate line items share one lookup")
}
