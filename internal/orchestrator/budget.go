package orchestrator

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// InferenceBudget is the call budget shared by every job in the process: a token bucket on
// call rate and a cap on calls in flight. A nil budget admits everything.
type InferenceBudget struct {
	limiter  *rate.Limiter
	inFlight *semaphore.Weighted
}

// NewInferenceBudget allows perSecond calls per second with the given burst and at most
// maxInFlight concurrent calls.
func NewInferenceBudget(perSecond float64, burst, maxInFlight int) *InferenceBudget {
	if burst < 1 {
		burst = 1
	}

	if maxInFlight < 1 {
		maxInFlight = 1
	}

	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}

	return &InferenceBudget{
		limiter:  rate.NewLimiter(limit, burst),
		inFlight: semaphore.NewWeighted(int64(maxInFlight)),
	}
}

// Acquire blocks until one call may start. The returned release must be called when the
// call returns. The wait is abandoned when ctx is done.
func (b *InferenceBudget) Acquire(ctx context.Context) (release func(), err error) {
	if b == nil {
		return func() {}, nil
	}

	if err := b.inFlight.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for inference slot: %w", err)
	}

	if err := b.limiter.Wait(ctx); err != nil {
		b.inFlight.Release(1)

		return nil, fmt.Errorf("wait for inference rate: %w", err)
	}

	return func() { b.inFlight.Release(1) }, nil
}
