// Package store persists enriched orders to Postgres.
//
// The orders table is the source of truth. One row per orderId, enforced
// by a unique index; Save never half-writes because it is a single
// INSERT. The product lines are stored as a JSONB document so the row
// round-trips the external document shape without a join.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go-order-enrichment/internal/errs"
	"go-order-enrichment/internal/metrics"
	"go-order-enrichment/internal/models"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
)

// Operation timeouts. These cap how long a single DB call can hold a
// connection / wait on a lock, and keep the whole enrichment attempt
// comfortably inside the 30s lock lease.
const (
	readTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second
)

// DefaultPageSize bounds paged listings when the caller does not say.
const DefaultPageSize = 20

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id              BIGSERIAL PRIMARY KEY,
		order_id        TEXT NOT NULL,
		customer_id     TEXT NOT NULL,
		customer_name   TEXT NOT NULL,
		customer_status TEXT NOT NULL,
		products        JSONB NOT NULL,
		total_amount    DOUBLE PRECISION NOT NULL,
		processed_at    TIMESTAMPTZ NOT NULL,
		status          TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS orders_order_id_key ON orders (order_id)`,
	`CREATE INDEX IF NOT EXISTS orders_customer_id_idx ON orders (customer_id)`,
	`CREATE INDEX IF NOT EXISTS orders_status_idx ON orders (status)`,
	`CREATE INDEX IF NOT EXISTS orders_processed_at_idx ON orders (processed_at DESC)`,
	`CREATE INDEX IF NOT EXISTS orders_customer_status_idx ON orders (customer_id, status)`,
	`CREATE INDEX IF NOT EXISTS orders_status_processed_at_idx ON orders (status, processed_at DESC)`,
	`CREATE INDEX IF NOT EXISTS orders_customer_processed_at_idx ON orders (customer_id, processed_at DESC)`,
}

type Store struct {
	conn *sql.DB
}

// Connect opens and verifies a Postgres connection.
func Connect(connStr string) (*Store, error) {
	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		return nil, err
	}
	slog.Info("postgres connected", "component", "store")
	return &Store{conn: conn}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.conn.Close() }

// EnsureSchema creates the table and every index, then verifies the unique
// order_id index actually exists. Callers must not accept writes before
// this returns nil — the unique index is the backstop against lock loss.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: schema: %w", err)
		}
	}

	var unique bool
	err := s.conn.QueryRowContext(ctx,
		`SELECT indexdef LIKE 'CREATE UNIQUE INDEX%'
		 FROM pg_indexes
		 WHERE tablename = 'orders' AND indexname = 'orders_order_id_key'`,
	).Scan(&unique)
	if err != nil {
		return fmt.Errorf("store: verify unique index: %w", err)
	}
	if !unique {
		return errors.New("store: orders_order_id_key exists but is not unique")
	}

	slog.Info("orders schema ready", "component", "store")
	return nil
}

// Exists reports whether an order with the given orderId is stored.
func (s *Store) Exists(ctx context.Context, orderID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var exists bool
	err := s.conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM orders WHERE order_id = $1)", orderID,
	).Scan(&exists)
	if err != nil {
		return false, errs.Storage(err)
	}
	return exists, nil
}

// FindByOrderID returns the stored order, or nil when absent.
func (s *Store) FindByOrderID(ctx context.Context, orderID string) (*models.EnrichedOrder, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	row := s.conn.QueryRowContext(ctx,
		selectColumns+" FROM orders WHERE order_id = $1", orderID)

	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage(err)
	}
	return order, nil
}

// Save inserts the order. Exactly one of two things happens: the row is
// inserted, or an identical orderId already exists and Duplicate is
// returned. There is no partial write and no update path — stored orders
// are immutable.
func (s *Store) Save(ctx context.Context, order *models.EnrichedOrder) (*models.EnrichedOrder, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.StoreQueryDuration.WithLabelValues("save"))
	defer timer.ObserveDuration()

	products, err := json.Marshal(order.Products)
	if err != nil {
		return nil, errs.Storage(err)
	}

	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO orders
		   (order_id, customer_id, customer_name, customer_status,
		    products, total_amount, processed_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (order_id) DO NOTHING`,
		order.OrderID, order.CustomerID, order.CustomerName, order.CustomerStatus,
		products, order.TotalAmount, order.ProcessedAt, order.Status,
	)
	if err != nil {
		return nil, errs.Storage(err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, errs.Storage(err)
	}
	if rows == 0 {
		return nil, errs.Duplicate(order.OrderID)
	}
	return order, nil
}

// FindByCustomerID returns the customer's orders, newest first.
func (s *Store) FindByCustomerID(ctx context.Context, customerID string, page, pageSize int) ([]models.EnrichedOrder, error) {
	return s.query(ctx, "find_by_customer",
		selectColumns+` FROM orders WHERE customer_id = $1
		 ORDER BY processed_at DESC LIMIT $2 OFFSET $3`,
		customerID, limit(pageSize), offset(page, pageSize))
}

// FindByCustomerAndStatus returns the customer's orders in the given
// status, newest first, paged in the database so offsets stay stable.
func (s *Store) FindByCustomerAndStatus(ctx context.Context, customerID, status string, page, pageSize int) ([]models.EnrichedOrder, error) {
	return s.query(ctx, "find_by_customer_status",
		selectColumns+` FROM orders WHERE customer_id = $1 AND status = $2
		 ORDER BY processed_at DESC LIMIT $3 OFFSET $4`,
		customerID, status, limit(pageSize), offset(page, pageSize))
}

// FindByStatus returns orders in the given status, newest first.
func (s *Store) FindByStatus(ctx context.Context, status string, page, pageSize int) ([]models.EnrichedOrder, error) {
	return s.query(ctx, "find_by_status",
		selectColumns+` FROM orders WHERE status = $1
		 ORDER BY processed_at DESC LIMIT $2 OFFSET $3`,
		status, limit(pageSize), offset(page, pageSize))
}

// List returns a page of all orders, newest first.
func (s *Store) List(ctx context.Context, page, pageSize int) ([]models.EnrichedOrder, error) {
	return s.query(ctx, "list",
		selectColumns+` FROM orders
		 ORDER BY processed_at DESC LIMIT $1 OFFSET $2`,
		limit(pageSize), offset(page, pageSize))
}

const selectColumns = `SELECT order_id, customer_id, customer_name, customer_status,
	products, total_amount, processed_at, status`

func (s *Store) query(ctx context.Context, op, q string, args ...any) ([]models.EnrichedOrder, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.StoreQueryDuration.WithLabelValues(op))
	defer timer.ObserveDuration()

	rows, err := s.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errs.Storage(err)
	}
	defer rows.Close()

	var orders []models.EnrichedOrder
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			slog.Error("scan failed", "component", "store", "op", op, "error", err)
			continue
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage(err)
	}
	return orders, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*models.EnrichedOrder, error) {
	var (
		o        models.EnrichedOrder
		products []byte
	)
	err := row.Scan(&o.OrderID, &o.CustomerID, &o.CustomerName, &o.CustomerStatus,
		&products, &o.TotalAmount, &o.ProcessedAt, &o.Status)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(products, &o.Products); err != nil {
		return nil, err
	}
	return &o, nil
}

func limit(pageSize int) int {
	if pageSize <= 0 {
		return DefaultPageSize
	}
	return pageSize
}

func offset(page, pageSize int) int {
	if page <= 0 {
		return 0
	}
	return page * limit(pageSize)
}
