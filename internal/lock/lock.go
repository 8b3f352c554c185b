// Package lock serializes order processing across workers with a Redis
// lease lock.
//
// One key per order (`order-lock:{orderId}`), held by a random token, with
// a TTL lease so a crashed worker cannot wedge an order forever. Release
// is a compare-and-delete: only the holder's token deletes the key, and a
// lock that already expired releases as a no-op.
//
// The service never extends the lease. The body's context is bounded by
// the lease instead, so work that would outlive the lock fails inside the
// window rather than running unfenced; the store's unique index on orderId
// is the backstop for the race that remains.
package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go-order-enrichment/internal/errs"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "order-lock:"

// acquirePoll is the delay between SET NX attempts while waiting.
const acquirePoll = 100 * time.Millisecond

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Service struct {
	rdb   *redis.Client
	wait  time.Duration
	lease time.Duration
}

// New creates a lock service on an existing Redis client.
func New(rdb *redis.Client, wait, lease time.Duration) *Service {
	return &Service{rdb: rdb, wait: wait, lease: lease}
}

// WithLock acquires the order's lock, runs body, and releases on every
// exit path — normal return, error, or panic. If the lock cannot be
// acquired within the wait window, body never runs and LockUnavailable is
// returned.
//
// body receives a context that expires with the lease; it is expected to
// finish well inside it.
func (s *Service) WithLock(ctx context.Context, orderID string, body func(ctx context.Context) error) error {
	key := keyPrefix + orderID
	token := uuid.NewString()

	if err := s.acquire(ctx, key, token, orderID); err != nil {
		return err
	}
	defer s.release(key, token, orderID)

	leaseCtx, cancel := context.WithTimeout(ctx, s.lease)
	defer cancel()

	return body(leaseCtx)
}

// IsLocked reports whether the order's lock key currently exists.
// Advisory only — by the time the caller acts the answer may be stale.
// Never use it for mutual exclusion.
func (s *Service) IsLocked(ctx context.Context, orderID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, keyPrefix+orderID).Result()
	if err != nil {
		return false, errs.RetryStore(err)
	}
	return n > 0, nil
}

func (s *Service) acquire(ctx context.Context, key, token, orderID string) error {
	deadline := time.Now().Add(s.wait)
	for {
		ok, err := s.rdb.SetNX(ctx, key, token, s.lease).Result()
		if err != nil {
			return errs.LockUnavailable(orderID, err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return errs.LockUnavailable(orderID, nil)
		}

		select {
		case <-ctx.Done():
			return errs.LockUnavailable(orderID, ctx.Err())
		case <-time.After(acquirePoll):
		}
	}
}

// release uses a fresh context: the body's context may already be done,
// and an unreleased lock would stall this order until the lease expires.
func (s *Service) release(key, token, orderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := releaseScript.Run(ctx, s.rdb, []string{key}, token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		// The lease will clean up after us; log and move on.
		slog.Error("lock release failed", "component", "lock", "order_id", orderID, "error", err)
	}
}
