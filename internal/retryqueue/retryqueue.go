// Package retryqueue is the durable store of failed order messages.
//
// Key layout (all in the shared Redis):
//
//	failed_messages:{orderId}    JSON blob: original message, last error, firstFailedAt
//	failed_attempts:{orderId}    integer attempt counter
//	failed_next_retry:{orderId}  epoch millis of the next eligible retry
//	failed_messages_set          membership set driving Due enumeration
//	dead_letter:{orderId}        final FailedEntry of an exhausted message
//	dead_letter_queue            membership set of dead letters
//
// Record runs under WATCH on the per-order attempt counter, so the
// counter increment and the entry rewrite commit together: Due can never
// observe a fresh counter with a stale schedule or vice versa.
package retryqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go-order-enrichment/internal/errs"
	"go-order-enrichment/internal/metrics"
	"go-order-enrichment/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	msgKeyPrefix     = "failed_messages:"
	attemptKeyPrefix = "failed_attempts:"
	nextKeyPrefix    = "failed_next_retry:"
	failedSet        = "failed_messages_set"

	deadKeyPrefix = "dead_letter:"
	deadLetterSet = "dead_letter_queue"

	opTimeout = 5 * time.Second

	// txRetries bounds optimistic-lock retries when two workers Record
	// the same order at once. The lock service makes this rare.
	txRetries = 3
)

// ErrNoDeadLetter is returned by Requeue when the order is not dead-lettered.
var ErrNoDeadLetter = errors.New("retryqueue: no dead letter for order")

// Stats is a point-in-time snapshot of queue depths.
type Stats struct {
	Failed     int64 `json:"failed"`
	DeadLetter int64 `json:"deadLetter"`
}

type Queue struct {
	rdb    *redis.Client
	policy Policy
}

// New creates a retry queue on an existing Redis client.
func New(rdb *redis.Client, policy Policy) *Queue {
	return &Queue{rdb: rdb, policy: policy}
}

// Record registers one failed attempt for the message. It increments the
// attempt counter and either schedules the next retry or, when the budget
// for this failure kind is exhausted, promotes the message to the
// dead-letter queue and removes the live entry. Returns true when the
// message was dead-lettered.
func (q *Queue) Record(ctx context.Context, orderID string, message []byte, cause error) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	kind := errs.KindOf(cause)
	now := time.Now().UTC()

	attemptKey := attemptKeyPrefix + orderID
	msgKey := msgKeyPrefix + orderID
	nextKey := nextKeyPrefix + orderID
	deadKey := deadKeyPrefix + orderID

	// A malformed body is not valid JSON and cannot be embedded raw in
	// the entry blob; store it as a JSON string instead. Replays of such
	// an entry fail to parse again, which is exactly right.
	if !json.Valid(message) {
		message, _ = json.Marshal(string(message))
	}

	var promoted bool

	txn := func(tx *redis.Tx) error {
		attempt, err := tx.Get(ctx, attemptKey).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		attempt++

		entry := models.FailedEntry{
			OrderID:       orderID,
			Message:       json.RawMessage(message),
			LastError:     cause.Error(),
			ErrorKind:     kind.String(),
			AttemptCount:  attempt,
			FirstFailedAt: now,
		}
		// First failure wins the firstFailedAt; later failures carry it over.
		if prev, err := tx.Get(ctx, msgKey).Bytes(); err == nil {
			var old models.FailedEntry
			if json.Unmarshal(prev, &old) == nil && !old.FirstFailedAt.IsZero() {
				entry.FirstFailedAt = old.FirstFailedAt
			}
		} else if !errors.Is(err, redis.Nil) {
			return err
		}

		if q.policy.Exhausted(attempt, kind) {
			promoted = true
			entry.NextRetryAt = time.Time{} // no retry scheduled, ever
			blob, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, deadKey, blob, 0)
				p.SAdd(ctx, deadLetterSet, orderID)
				p.Del(ctx, msgKey, attemptKey, nextKey)
				p.SRem(ctx, failedSet, orderID)
				return nil
			})
			return err
		}

		entry.NextRetryAt = now.Add(q.policy.Delay(attempt))
		blob, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, attemptKey, attempt, 0)
			p.Set(ctx, msgKey, blob, 0)
			p.Set(ctx, nextKey, entry.NextRetryAt.UnixMilli(), 0)
			p.SAdd(ctx, failedSet, orderID)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < txRetries; i++ {
		err = q.rdb.Watch(ctx, txn, attemptKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return false, errs.RetryStore(err)
	}

	if promoted {
		metrics.RetriesRecorded.WithLabelValues("dead_lettered").Inc()
	} else {
		metrics.RetriesRecorded.WithLabelValues("scheduled").Inc()
	}
	return promoted, nil
}

// Due enumerates the failed set and returns every entry whose nextRetryAt
// is at or before now. Entries racing a concurrent Clear are skipped.
func (q *Queue) Due(ctx context.Context, now time.Time) ([]models.FailedEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ids, err := q.rdb.SMembers(ctx, failedSet).Result()
	if err != nil {
		return nil, errs.RetryStore(err)
	}

	var due []models.FailedEntry
	for _, id := range ids {
		nextMilli, err := q.rdb.Get(ctx, nextKeyPrefix+id).Int64()
		if errors.Is(err, redis.Nil) {
			continue // cleared between SMembers and here
		}
		if err != nil {
			return nil, errs.RetryStore(err)
		}
		if time.UnixMilli(nextMilli).After(now) {
			continue
		}

		blob, err := q.rdb.Get(ctx, msgKeyPrefix+id).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, errs.RetryStore(err)
		}

		var entry models.FailedEntry
		if err := json.Unmarshal(blob, &entry); err != nil {
			return nil, errs.RetryStore(fmt.Errorf("decode entry %s: %w", id, err))
		}
		entry.NextRetryAt = time.UnixMilli(nextMilli)
		if n, err := q.rdb.Get(ctx, attemptKeyPrefix+id).Int(); err == nil {
			entry.AttemptCount = n
		}
		due = append(due, entry)
	}
	return due, nil
}

// Clear removes the live retry entry for the order. Idempotent: clearing
// an absent entry is a no-op.
func (q *Queue) Clear(ctx context.Context, orderID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, msgKeyPrefix+orderID, attemptKeyPrefix+orderID, nextKeyPrefix+orderID)
		p.SRem(ctx, failedSet, orderID)
		return nil
	})
	if err != nil {
		return errs.RetryStore(err)
	}
	return nil
}

// AttemptCount returns the current attempt counter, zero when absent.
func (q *Queue) AttemptCount(ctx context.Context, orderID string) (int, error) {
	n, err := q.rdb.Get(ctx, attemptKeyPrefix+orderID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.RetryStore(err)
	}
	return n, nil
}

// DeadLetters returns the current contents of the dead-letter queue.
func (q *Queue) DeadLetters(ctx context.Context) ([]models.FailedEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ids, err := q.rdb.SMembers(ctx, deadLetterSet).Result()
	if err != nil {
		return nil, errs.RetryStore(err)
	}

	var entries []models.FailedEntry
	for _, id := range ids {
		blob, err := q.rdb.Get(ctx, deadKeyPrefix+id).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, errs.RetryStore(err)
		}
		var entry models.FailedEntry
		if err := json.Unmarshal(blob, &entry); err != nil {
			return nil, errs.RetryStore(err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Requeue moves a dead letter back into the live retry queue with a fresh
// attempt budget and an immediate nextRetryAt, so the next scheduler tick
// picks it up. This is the operator escape hatch for messages that died
// during a prolonged outage.
func (q *Queue) Requeue(ctx context.Context, orderID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	blob, err := q.rdb.Get(ctx, deadKeyPrefix+orderID).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNoDeadLetter
	}
	if err != nil {
		return errs.RetryStore(err)
	}

	var entry models.FailedEntry
	if err := json.Unmarshal(blob, &entry); err != nil {
		return errs.RetryStore(err)
	}
	entry.AttemptCount = 0
	entry.NextRetryAt = time.Now().UTC()

	fresh, err := json.Marshal(entry)
	if err != nil {
		return errs.RetryStore(err)
	}

	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, msgKeyPrefix+orderID, fresh, 0)
		p.Set(ctx, attemptKeyPrefix+orderID, 0, 0)
		p.Set(ctx, nextKeyPrefix+orderID, entry.NextRetryAt.UnixMilli(), 0)
		p.SAdd(ctx, failedSet, orderID)
		p.Del(ctx, deadKeyPrefix+orderID)
		p.SRem(ctx, deadLetterSet, orderID)
		return nil
	})
	if err != nil {
		return errs.RetryStore(err)
	}
	return nil
}

// Stats reports the live and dead-letter queue depths.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	failed, err := q.rdb.SCard(ctx, failedSet).Result()
	if err != nil {
		return Stats{}, errs.RetryStore(err)
	}
	dead, err := q.rdb.SCard(ctx, deadLetterSet).Result()
	if err != nil {
		return Stats{}, errs.RetryStore(err)
	}
	return Stats{Failed: failed, DeadLetter: dead}, nil
}
