package worker

import (
	"context"
	"testing"
	"time"

	"go-order-enrichment/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	deliveries chan queue.Delivery
}

func (f *fakeSource) Consume() (<-chan queue.Delivery, error) {
	return f.deliveries, nil
}

func TestRunDrainsUntilChannelCloses(t *testing.T) {
	source := &fakeSource{deliveries: make(chan queue.Delivery, 2)}
	source.deliveries <- queue.Delivery{Body: happyBody}
	source.deliveries <- queue.Delivery{Body: happyBody}
	close(source.deliveries)

	enricher := &fakeEnricher{}
	retries := &fakeRetryQueue{}
	pipeline := NewPipeline(enricher, &fakeLocker{}, retries, nil, nil)
	w := NewWorker(source, pipeline, 1)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after the delivery channel closed")
	}

	assert.Equal(t, 2, enricher.calls)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	source := &fakeSource{deliveries: make(chan queue.Delivery)}
	pipeline := NewPipeline(&fakeEnricher{}, &fakeLocker{}, &fakeRetryQueue{}, nil, nil)
	w := NewWorker(source, pipeline, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on cancellation")
	}
}
