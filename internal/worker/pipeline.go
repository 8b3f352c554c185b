// Package worker runs the order-processing engine: the broker consumer,
// the per-message processing discipline, and the retry scheduler.
package worker

import (
	"context"
	"log/slog"
	"time"

	"go-order-enrichment/internal/errs"
	"go-order-enrichment/internal/metrics"
	"go-order-enrichment/internal/models"

	"github.com/google/uuid"
)

// Each interface captures exactly the methods the pipeline needs.
// Callers (main, tests) inject the real implementations or fakes.

// Enricher is the enrichment contract.
type Enricher interface {
	Enrich(ctx context.Context, msg *models.OrderMessage) (*models.EnrichedOrder, error)
}

// Locker serializes work per order across workers.
type Locker interface {
	WithLock(ctx context.Context, orderID string, body func(ctx context.Context) error) error
}

// RetryQueue is the durable failure store contract.
type RetryQueue interface {
	Record(ctx context.Context, orderID string, message []byte, cause error) (promoted bool, err error)
	Clear(ctx context.Context, orderID string) error
}

// Projection receives successfully stored orders (the search index).
type Projection interface {
	IndexOrder(ctx context.Context, order *models.EnrichedOrder) error
}

// DeadLetterPublisher receives a copy of messages whose retry budget is
// exhausted.
type DeadLetterPublisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Pipeline is the per-message processing discipline shared by the
// consumer and the retry scheduler:
//
//	parse → lock → enrich → clear-on-success / record-on-failure
//
// A failure here never propagates to the broker: the caller always acks,
// and retries are orchestrated entirely through the retry queue.
type Pipeline struct {
	enricher   Enricher
	locks      Locker
	retries    RetryQueue
	projection Projection          // optional
	dlq        DeadLetterPublisher // optional
}

// NewPipeline constructs the pipeline. projection and dlq may be nil.
func NewPipeline(enricher Enricher, locks Locker, retries RetryQueue, projection Projection, dlq DeadLetterPublisher) *Pipeline {
	return &Pipeline{
		enricher:   enricher,
		locks:      locks,
		retries:    retries,
		projection: projection,
		dlq:        dlq,
	}
}

// Handle processes one raw delivery body to a terminal outcome for this
// attempt. It never returns an error: whatever happens is either a stored
// order or a recorded failure.
func (p *Pipeline) Handle(ctx context.Context, body []byte) {
	msg, err := models.ParseOrderMessage(body)
	if err != nil {
		// No usable orderId, so the entry gets a synthetic key. It will
		// never parse on a retry either and ages into the DLQ through
		// the uniform flow.
		key := "malformed:" + uuid.NewString()
		slog.Warn("malformed message", "component", "pipeline", "key", key, "error", err)
		p.recordFailure(ctx, key, body, errs.Malformed(err))
		return
	}
	p.process(ctx, msg, body)
}

// Retry re-feeds a due retry entry through the same path the consumer
// uses. It never returns an error; a failing candidate must not abort the
// scheduler's tick.
func (p *Pipeline) Retry(ctx context.Context, entry models.FailedEntry) {
	msg, err := models.ParseOrderMessage(entry.Message)
	if err != nil {
		p.recordFailure(ctx, entry.OrderID, entry.Message, errs.Malformed(err))
		return
	}
	p.process(ctx, msg, entry.Message)
}

func (p *Pipeline) process(ctx context.Context, msg *models.OrderMessage, body []byte) {
	started := time.Now()

	var order *models.EnrichedOrder
	err := p.locks.WithLock(ctx, msg.OrderID, func(ctx context.Context) error {
		o, err := p.enricher.Enrich(ctx, msg)
		if err != nil {
			return err
		}
		order = o

		// Success clears any retry entry left by earlier attempts. If
		// the clear itself fails the entry survives, and its next run
		// hits the idempotent short-circuit and clears again.
		if err := p.retries.Clear(ctx, msg.OrderID); err != nil {
			slog.Warn("retry clear failed",
				"component", "pipeline", "order_id", msg.OrderID, "error", err)
		}
		return nil
	})
	if err != nil {
		metrics.OrdersProcessed.WithLabelValues("failed").Inc()
		slog.Error("order attempt failed",
			"component", "pipeline",
			"order_id", msg.OrderID,
			"kind", errs.KindOf(err).String(),
			"error", err,
		)
		p.recordFailure(ctx, msg.OrderID, body, err)
		return
	}

	metrics.OrdersProcessed.WithLabelValues("processed").Inc()
	slog.Info("order processed",
		"component", "pipeline",
		"order_id", msg.OrderID,
		"total", order.TotalAmount,
		"took", time.Since(started),
	)

	if p.projection != nil {
		if err := p.projection.IndexOrder(ctx, order); err != nil {
			// The document store is the source of truth; the projection
			// heals on the next replay of this order.
			slog.Error("projection index failed",
				"component", "pipeline", "order_id", msg.OrderID, "error", err)
		}
	}
}

func (p *Pipeline) recordFailure(ctx context.Context, orderID string, body []byte, cause error) {
	promoted, err := p.retries.Record(ctx, orderID, body, cause)
	if err != nil {
		// The broker message is acked regardless; losing the record means
		// losing this order's retry, which is why it is an error, not a warn.
		slog.Error("retry record failed",
			"component", "pipeline", "order_id", orderID, "error", err)
		return
	}
	if !promoted {
		return
	}

	slog.Warn("order dead-lettered", "component", "pipeline", "order_id", orderID)
	if p.dlq != nil {
		if err := p.dlq.Publish(ctx, body); err != nil {
			slog.Error("dlq publish failed",
				"component", "pipeline", "order_id", orderID, "error", err)
		}
	}
}
