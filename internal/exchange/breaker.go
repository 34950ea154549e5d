package exchange

import (
	"context"
	"errors"

	"github.com/copy-trader/internal/circuitbreaker"
	apperrors "github.com/copy-trader/internal/errors"
	"github.com/copy-trader/internal/logging"
	"github.com/copy-trader/internal/types"
)

// BreakerBackend wraps a Backend so sustained transient failures open a
// circuit and fail fast instead of queueing retries against a downed
// execution service. Only transient errors count against the circuit; a
// permanent refusal of one trade says nothing about service health.
//
// Status queries bypass the breaker: they are how in-flight trades
// recover once the service comes back, so they must keep working while
// the circuit is open.
type BreakerBackend struct {
	inner   Backend
	breaker *circuitbreaker.CircuitBreaker
}

// NewBreakerBackend wraps backend with a circuit breaker. A nil cfg uses
// the default thresholds.
func NewBreakerBackend(backend Backend, cfg *circuitbreaker.Config, logger *logging.Logger) *BreakerBackend {
	if cfg == nil {
		cfg = circuitbreaker.DefaultConfig("execution-backend")
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = apperrors.IsRetryable
	}

	return &BreakerBackend{
		inner:   backend,
		breaker: circuitbreaker.New(cfg, logger),
	}
}

// SubmitTrade submits through the circuit breaker. An open circuit is
// reported as a transient execution error so the coordinator's backoff
// takes over instead of dropping the intent.
func (b *BreakerBackend) SubmitTrade(ctx context.Context, intent *types.TradeIntent) (*Fill, error) {
	var fill *Fill

	err := b.breaker.Execute(ctx, func() error {
		var submitErr error
		fill, submitErr = b.inner.SubmitTrade(ctx, intent)
		return submitErr
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return nil, apperrors.NewTransientExecutionError("trade submission", err)
	}
	if err != nil {
		return nil, err
	}

	return fill, nil
}

// TradeStatus delegates to the wrapped backend unguarded.
func (b *BreakerBackend) TradeStatus(ctx context.Context, sourceSignature string) (TxStatus, *Fill, error) {
	return b.inner.TradeStatus(ctx, sourceSignature)
}

// BreakerState exposes the current circuit state for health reporting.
func (b *BreakerBackend) BreakerState() circuitbreaker.State {
	return b.breaker.GetState()
}
