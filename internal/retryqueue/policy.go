package retryqueue

import (
	"math"
	"time"

	"go-order-enrichment/internal/errs"
)

// Policy computes retry schedules. Delays grow exponentially per attempt
// and are capped; the attempt budget depends on the failure kind.
type Policy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration

	// MaxAttempts is the total failure budget before dead-lettering.
	MaxAttempts int

	// NotFoundMaxAttempts is the shorter budget for catalog 404s: a
	// missing entry that survives a scheduled retry is almost never
	// replica lag, so it is promoted early for operator visibility.
	NotFoundMaxAttempts int
}

// DefaultPolicy mirrors the documented defaults: 1s initial, doubling,
// capped at 5 minutes, five attempts (two for not-found).
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay:        time.Second,
		Multiplier:          2,
		MaxDelay:            5 * time.Minute,
		MaxAttempts:         5,
		NotFoundMaxAttempts: 2,
	}
}

// Delay returns the wait before the next retry after the given failure
// attempt (1-based): min(initial · multiplier^(attempt-1), max).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Exhausted reports whether a message that has now failed attempt times
// has used up the budget for its failure kind and must be dead-lettered.
// The boundary is inclusive: with a budget of five, the fifth recorded
// failure promotes.
func (p Policy) Exhausted(attempt int, kind errs.Kind) bool {
	return attempt >= p.budgetFor(kind)
}

// budgetFor returns the attempt budget for a failure kind.
func (p Policy) budgetFor(kind errs.Kind) int {
	if kind == errs.KindNotFound && p.NotFoundMaxAttempts > 0 {
		return p.NotFoundMaxAttempts
	}
	return p.MaxAttempts
}
