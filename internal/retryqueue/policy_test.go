package retryqueue

import (
	"testing"
	"time"

	"go-order-enrichment/internal/errs"

	"github.com/stretchr/testify/assert"
)

func TestDelaySequence(t *testing.T) {
	p := DefaultPolicy()

	// 1s, 2s, 4s, 8s, ... doubling per failed attempt.
	assert.Equal(t, 1*time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 16*time.Second, p.Delay(5))
}

func TestDelayCappedAtMax(t *testing.T) {
	p := DefaultPolicy()

	// 2^9 = 512s > 300s cap.
	assert.Equal(t, p.MaxDelay, p.Delay(10))
	assert.Equal(t, p.MaxDelay, p.Delay(50))
}

func TestDelayMonotonicallyNonDecreasing(t *testing.T) {
	p := DefaultPolicy()

	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		prev = d
	}
}

func TestDelayNeverBelowInitial(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, p.InitialDelay, p.Delay(0))
	assert.Equal(t, p.InitialDelay, p.Delay(-3))
}

func TestBudgetPerKind(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, 5, p.budgetFor(errs.KindUpstream))
	assert.Equal(t, 5, p.budgetFor(errs.KindInvalidOrder))
	assert.Equal(t, 5, p.budgetFor(errs.KindMalformed))
	assert.Equal(t, 5, p.budgetFor(errs.KindUnknown))

	// Catalog 404s fast-path to the dead letter queue.
	assert.Equal(t, 2, p.budgetFor(errs.KindNotFound))
}

func TestBudgetWithoutNotFoundFastPath(t *testing.T) {
	p := DefaultPolicy()
	p.NotFoundMaxAttempts = 0

	assert.Equal(t, 5, p.budgetFor(errs.KindNotFound))
}

// With a budget of five, failures one through four get a retry scheduled
// and the fifth recorded failure moves the message to the dead letter
// queue.
func TestExhaustedAtDeadLetterBoundary(t *testing.T) {
	p := DefaultPolicy()

	for attempt := 1; attempt <= 4; attempt++ {
		assert.False(t, p.Exhausted(attempt, errs.KindUpstream), "attempt %d must still retry", attempt)
	}
	assert.True(t, p.Exhausted(5, errs.KindUpstream), "the fifth failure promotes")
	assert.True(t, p.Exhausted(6, errs.KindUpstream), "beyond the budget stays exhausted")
}

func TestExhaustedNotFoundFastPath(t *testing.T) {
	p := DefaultPolicy()

	assert.False(t, p.Exhausted(1, errs.KindNotFound))
	assert.True(t, p.Exhausted(2, errs.KindNotFound), "a 404 that survives one retry dead-letters")
}

func TestExhaustedNotFoundWithoutFastPathUsesFullBudget(t *testing.T) {
	p := DefaultPolicy()
	p.NotFoundMaxAttempts = 0

	assert.False(t, p.Exhausted(4, errs.KindNotFound))
	assert.True(t, p.Exhausted(5, errs.KindNotFound))
}
