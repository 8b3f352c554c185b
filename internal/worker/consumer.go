package worker

import (
	"context"
	"log/slog"
	"sync"

	"go-order-enrichment/internal/queue"
)

// Source yields raw broker deliveries.
type Source interface {
	Consume() (<-chan queue.Delivery, error)
}

// Worker fans deliveries out to a fixed number of goroutines. Per-order
// serialization is the lock service's job, not the worker's: two
// goroutines may hold distinct orders at once, never the same one.
type Worker struct {
	source      Source
	pipeline    *Pipeline
	concurrency int
}

// NewWorker constructs a Worker. All dependencies are injected — no globals.
func NewWorker(source Source, pipeline *Pipeline, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 3
	}
	return &Worker{source: source, pipeline: pipeline, concurrency: concurrency}
}

// Run starts consuming and blocks until ctx is cancelled or the delivery
// channel closes. On cancellation the in-flight messages finish before Run
// returns, so the caller's deferred Close() calls happen after the loop is
// clean.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.source.Consume()
	if err != nil {
		return err
	}

	slog.Info("worker started", "component", "worker", "concurrency", w.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case delivery, ok := <-deliveries:
					if !ok {
						return
					}
					w.handle(ctx, delivery)
				}
			}
		}()
	}
	wg.Wait()

	slog.Info("worker stopped", "component", "worker")
	return nil
}

// handle runs one delivery through the pipeline and always acks.
// Redelivery from the broker is not used for retry — the pipeline has
// already recorded any failure durably by the time Handle returns.
func (w *Worker) handle(ctx context.Context, d queue.Delivery) {
	w.pipeline.Handle(ctx, d.Body)

	if err := d.Ack(); err != nil {
		slog.Error("ack failed", "component", "worker", "error", err)
	}
}
