package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrContextCancelled is returned when the context is cancelled while
// waiting for budget.
var ErrContextCancelled = errors.New("context cancelled while waiting for budget")

// Gate combines the credit tracker and the cost registry into a single
// acquire call the RPC client runs before each request. Acquire blocks
// until the method's credits fit in the window or the context ends.
type Gate struct {
	tracker  *CreditTracker
	registry *CostRegistry
}

// NewGate creates a gate over the given tracker. A nil registry uses
// the default provider costs.
func NewGate(tracker *CreditTracker, registry *CostRegistry) (*Gate, error) {
	if tracker == nil {
		return nil, errors.New("tracker is required")
	}
	if registry == nil {
		registry = NewCostRegistry(nil)
	}

	return &Gate{tracker: tracker, registry: registry}, nil
}

// Acquire blocks until the method's credit cost fits in the current
// window, then consumes it. Usage is recorded per method for
// monitoring.
func (g *Gate) Acquire(ctx context.Context, method string, priority Priority) error {
	credits := g.registry.GetCost(method)

	for {
		select {
		case <-ctx.Done():
			return ErrContextCancelled
		default:
		}

		allowed, waitTime := g.tracker.TryConsume(ctx, credits, priority)
		if allowed {
			// Monitoring only; budget accounting already happened.
			_ = g.tracker.RecordMethodUsage(ctx, method, credits)
			return nil
		}

		if waitTime <= 0 {
			waitTime = 10 * time.Millisecond
		}

		timer := time.NewTimer(waitTime)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ErrContextCancelled
		case <-timer.C:
		}
	}
}
