// Package catalog is the client for the remote customer/product catalog.
//
// Call layering, outermost first:
//
//	cache → circuit breaker → retry with backoff → HTTP
//
// The cache is process-local with per-kind TTLs and never stores negative
// results. Each endpoint (customers, products) has its own breaker so a
// melting product service does not take customer lookups down with it.
// Retries apply to transient upstream failures only; a 404 is an answer,
// not an outage, and is returned immediately.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go-order-enrichment/internal/errs"
	"go-order-enrichment/internal/metrics"
	"go-order-enrichment/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker"
)

const (
	customerTTL = 15 * time.Minute
	productTTL  = 30 * time.Minute
	cacheSize   = 4096
)

// Config tunes the resilience wrappers. Zero values fall back to the
// production defaults; tests shrink the windows to keep runtimes sane.
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	BreakerWindow   int           // calls the rolling failure rate is judged over
	BreakerRatio    float64       // failure rate that opens the breaker
	BreakerCooldown time.Duration // open → half-open delay
	RetryAttempts   int           // total attempts per call, including the first
	RetryWait       time.Duration // initial backoff interval
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Timeout <= 0 {
		out.Timeout = 5 * time.Second
	}
	if out.BreakerWindow <= 0 {
		out.BreakerWindow = 20
	}
	if out.BreakerRatio <= 0 {
		out.BreakerRatio = 0.5
	}
	if out.BreakerCooldown <= 0 {
		out.BreakerCooldown = 10 * time.Second
	}
	if out.RetryAttempts <= 0 {
		out.RetryAttempts = 3
	}
	if out.RetryWait <= 0 {
		out.RetryWait = time.Second
	}
	return out
}

// Client is safe for concurrent use; the caches are internally synchronized.
type Client struct {
	base  string
	httpc *http.Client

	customers *expirable.LRU[string, models.Customer]
	products  *expirable.LRU[string, models.Product]

	customerCB *gobreaker.CircuitBreaker
	productCB  *gobreaker.CircuitBreaker

	retryAttempts int
	retryWait     time.Duration
}

// New builds a catalog client for the given base URL.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		base:          cfg.BaseURL,
		httpc:         &http.Client{Timeout: cfg.Timeout},
		customers:     expirable.NewLRU[string, models.Customer](cacheSize, nil, customerTTL),
		products:      expirable.NewLRU[string, models.Product](cacheSize, nil, productTTL),
		customerCB:    newBreaker("catalog-customers", cfg),
		productCB:     newBreaker("catalog-products", cfg),
		retryAttempts: cfg.RetryAttempts,
		retryWait:     cfg.RetryWait,
	}
}

// newBreaker opens when the failure rate over the rolling window exceeds
// the configured ratio, cools down, then admits a single half-open probe.
// A 404 counts as a successful call: the upstream answered.
func newBreaker(name string, cfg Config) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(cfg.BreakerWindow) {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.BreakerRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errs.KindOf(err) == errs.KindNotFound
		},
	})
}

// GetCustomer fetches a customer by id, read-through cached.
func (c *Client) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	if cached, ok := c.customers.Get(id); ok {
		metrics.CatalogCacheHits.WithLabelValues("customers").Inc()
		return &cached, nil
	}

	var customer models.Customer
	url := fmt.Sprintf("%s/v1/customers/%s", c.base, id)
	if err := c.fetch(ctx, c.customerCB, "customers", "customer", id, url, &customer); err != nil {
		return nil, err
	}
	c.customers.Add(id, customer)
	return &customer, nil
}

// GetProduct fetches a product by id, read-through cached.
func (c *Client) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	if cached, ok := c.products.Get(id); ok {
		metrics.CatalogCacheHits.WithLabelValues("products").Inc()
		return &cached, nil
	}

	var product models.Product
	url := fmt.Sprintf("%s/v1/products/%s", c.base, id)
	if err := c.fetch(ctx, c.productCB, "products", "product", id, url, &product); err != nil {
		return nil, err
	}
	c.products.Add(id, product)
	return &product, nil
}

// fetch runs one logical lookup through the breaker; the retry loop runs
// inside it, so a call that exhausts its retries counts as one failure
// sample in the rolling window.
func (c *Client) fetch(ctx context.Context, cb *gobreaker.CircuitBreaker, endpoint, entity, id, url string, out any) error {
	_, err := cb.Execute(func() (any, error) {
		return nil, c.fetchWithRetry(ctx, endpoint, entity, id, url, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.CatalogRequests.WithLabelValues(endpoint, "short_circuited").Inc()
		return errs.Unavailable(err)
	}
	return err
}

func (c *Client) fetchWithRetry(ctx context.Context, endpoint, entity, id, url string, out any) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryWait
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0 // bounded by attempt count and ctx, not wall clock

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.retryAttempts-1)), ctx)

	return backoff.Retry(func() error {
		err := c.doGet(ctx, endpoint, entity, id, url, out)
		if err != nil && errs.KindOf(err) == errs.KindNotFound {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// doGet performs a single HTTP attempt and classifies the outcome.
func (c *Client) doGet(ctx context.Context, endpoint, entity, id, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(errs.Upstream(err))
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		metrics.CatalogRequests.WithLabelValues(endpoint, "error").Inc()
		return errs.Upstream(fmt.Errorf("catalog: %s: %w", endpoint, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			metrics.CatalogRequests.WithLabelValues(endpoint, "error").Inc()
			return errs.Upstream(fmt.Errorf("catalog: decode %s: %w", endpoint, err))
		}
		metrics.CatalogRequests.WithLabelValues(endpoint, "ok").Inc()
		return nil
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		metrics.CatalogRequests.WithLabelValues(endpoint, "not_found").Inc()
		return errs.NotFound(entity, id)
	default:
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		metrics.CatalogRequests.WithLabelValues(endpoint, "error").Inc()
		return errs.Upstream(fmt.Errorf("catalog: %s returned %s", endpoint, resp.Status))
	}
}
