// Package errs defines the error vocabulary shared across the pipeline.
//
// Every failure that can reach the consumer or the retry scheduler carries
// a Kind, because the two react differently to different failures:
//   - Duplicate is recovered on the spot (same-record race, not a failure).
//   - NotFound gets a shorter retry budget than transient upstream errors.
//   - Everything else is recorded to the retry queue with backoff.
//
// Callers classify with KindOf and errors.Is/As; plain %w wrapping keeps
// the Kind visible through intermediate layers.
package errs

import (
	"errors"
	"fmt"
)

// Kind labels a failure for routing decisions. The zero value KindUnknown
// means "not one of ours" — e.g. a raw context.DeadlineExceeded.
type Kind int

const (
	KindUnknown Kind = iota
	KindMalformed
	KindNotFound
	KindUpstream
	KindUnavailable
	KindInvalidOrder
	KindLockUnavailable
	KindDuplicate
	KindStorage
	KindRetryStore
)

// String returns the wire/log name of the kind.
func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindNotFound:
		return "not_found"
	case KindUpstream:
		return "upstream"
	case KindUnavailable:
		return "unavailable"
	case KindInvalidOrder:
		return "invalid_order"
	case KindLockUnavailable:
		return "lock_unavailable"
	case KindDuplicate:
		return "duplicate"
	case KindStorage:
		return "storage"
	case KindRetryStore:
		return "retry_store"
	default:
		return "unknown"
	}
}

// Error is the single error type carrying a Kind plus whatever context the
// kind needs (entity/id for NotFound, reason for InvalidOrder, cause for
// the wrapping kinds).
type Error struct {
	Kind   Kind
	Entity string
	ID     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNotFound:
		return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
	case KindInvalidOrder:
		return "invalid order: " + e.Reason
	case KindLockUnavailable:
		return "lock unavailable for order " + e.ID
	case KindDuplicate:
		return "duplicate order " + e.ID
	case KindMalformed:
		if e.Err != nil {
			return "malformed message: " + e.Err.Error()
		}
		return "malformed message"
	default:
		if e.Err != nil {
			return e.Kind.String() + ": " + e.Err.Error()
		}
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err, unwrapping as needed.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func Malformed(cause error) error { return &Error{Kind: KindMalformed, Err: cause} }

func NotFound(entity, id string) error { return &Error{Kind: KindNotFound, Entity: entity, ID: id} }

func Upstream(cause error) error { return &Error{Kind: KindUpstream, Err: cause} }

func Unavailable(cause error) error { return &Error{Kind: KindUnavailable, Err: cause} }

func InvalidOrder(reason string) error { return &Error{Kind: KindInvalidOrder, Reason: reason} }

func LockUnavailable(orderID string, cause error) error {
	return &Error{Kind: KindLockUnavailable, ID: orderID, Err: cause}
}

func Duplicate(orderID string) error { return &Error{Kind: KindDuplicate, ID: orderID} }

func Storage(cause error) error { return &Error{Kind: KindStorage, Err: cause} }

func RetryStore(cause error) error { return &Error{Kind: KindRetryStore, Err: cause} }
