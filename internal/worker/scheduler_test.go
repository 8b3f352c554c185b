package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go-order-enrichment/internal/errs"
	"go-order-enrichment/internal/models"
	"go-order-enrichment/internal/retryqueue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRetrySource struct {
	due    []models.FailedEntry
	dueErr error
}

func (f *fakeRetrySource) Due(ctx context.Context, now time.Time) ([]models.FailedEntry, error) {
	return f.due, f.dueErr
}

func (f *fakeRetrySource) Stats(ctx context.Context) (retryqueue.Stats, error) {
	return retryqueue.Stats{Failed: int64(len(f.due))}, nil
}

func entryFor(orderID string) models.FailedEntry {
	body := `{"orderId":"` + orderID + `","customerId":"customer-1","products":[{"productId":"p-1","quantity":1}]}`
	return models.FailedEntry{OrderID: orderID, Message: json.RawMessage(body), AttemptCount: 1}
}

func TestDrainProcessesEveryDueEntry(t *testing.T) {
	enricher := &fakeEnricher{}
	retries := &fakeRetryQueue{}
	pipeline := NewPipeline(enricher, &fakeLocker{}, retries, nil, nil)
	source := &fakeRetrySource{due: []models.FailedEntry{entryFor("order-1"), entryFor("order-2")}}

	NewScheduler(source, pipeline, time.Second).Drain(context.Background())

	assert.Equal(t, 2, enricher.calls)
	assert.ElementsMatch(t, []string{"order-1", "order-2"}, retries.cleared)
}

func TestDrainContinuesPastFailingCandidate(t *testing.T) {
	// Every enrichment fails; each candidate must still be attempted and
	// re-recorded, and the tick must reach the end of the list.
	enricher := &fakeEnricher{err: errs.Upstream(assert.AnError)}
	retries := &fakeRetryQueue{}
	pipeline := NewPipeline(enricher, &fakeLocker{}, retries, nil, nil)
	source := &fakeRetrySource{due: []models.FailedEntry{
		entryFor("order-1"), entryFor("order-2"), entryFor("order-3"),
	}}

	NewScheduler(source, pipeline, time.Second).Drain(context.Background())

	assert.Equal(t, 3, enricher.calls)
	require.Len(t, retries.records, 3)
	for _, r := range retries.records {
		assert.Equal(t, errs.KindUpstream, r.kind)
	}
}

func TestDrainWithNothingDueDoesNothing(t *testing.T) {
	enricher := &fakeEnricher{}
	pipeline := NewPipeline(enricher, &fakeLocker{}, &fakeRetryQueue{}, nil, nil)

	NewScheduler(&fakeRetrySource{}, pipeline, time.Second).Drain(context.Background())

	assert.Zero(t, enricher.calls)
}

func TestDrainSurvivesDueScanError(t *testing.T) {
	enricher := &fakeEnricher{}
	pipeline := NewPipeline(enricher, &fakeLocker{}, &fakeRetryQueue{}, nil, nil)
	source := &fakeRetrySource{dueErr: errs.RetryStore(assert.AnError)}

	// Must not panic; the next tick will try again.
	NewScheduler(source, pipeline, time.Second).Drain(context.Background())

	assert.Zero(t, enricher.calls)
}
