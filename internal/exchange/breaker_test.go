package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/copy-trader/internal/circuitbreaker"
	apperrors "github.com/copy-trader/internal/errors"
	"github.com/copy-trader/internal/logging"
	"github.com/copy-trader/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedBackend struct {
	submits  int
	statuses int
	submitFn func() (*Fill, error)
	statusFn func() (TxStatus, *Fill, error)
}

func (s *scriptedBackend) SubmitTrade(ctx context.Context, intent *types.TradeIntent) (*Fill, error) {
	s.submits++
	return s.submitFn()
}

func (s *scriptedBackend) TradeStatus(ctx context.Context, sourceSignature string) (TxStatus, *Fill, error) {
	s.statuses++
	return s.statusFn()
}

func breakerConfig(maxFailures int) *circuitbreaker.Config {
	return &circuitbreaker.Config{
		Name:             "test",
		MaxFailures:      maxFailures,
		FailureThreshold: 0.5,
		Timeout:          time.Minute,
		HalfOpenMaxCalls: 1,
	}
}

func TestBreakerBackendPassesThroughFills(t *testing.T) {
	inner := &scriptedBackend{
		submitFn: func() (*Fill, error) {
			return &Fill{Signature: "exec-1", AmountToken: 10, AmountSol: 1_000_000}, nil
		},
	}
	b := NewBreakerBackend(inner, breakerConfig(3), logging.NewLogger("error", "console"))

	fill, err := b.SubmitTrade(context.Background(), testIntent())
	require.NoError(t, err)
	assert.Equal(t, "exec-1", fill.Signature)
	assert.Equal(t, 1, inner.submits)
}

func TestBreakerOpensOnTransientFailures(t *testing.T) {
	inner := &scriptedBackend{
		submitFn: func() (*Fill, error) {
			return nil, apperrors.NewTransientExecutionError("trade submission", assert.AnError)
		},
	}
	b := NewBreakerBackend(inner, breakerConfig(3), logging.NewLogger("error", "console"))

	for i := 0; i < 3; i++ {
		_, err := b.SubmitTrade(context.Background(), testIntent())
		require.Error(t, err)
	}
	require.Equal(t, circuitbreaker.StateOpen, b.BreakerState())

	// Open circuit fails fast as a transient error without reaching the
	// service, so the coordinator keeps backing off instead of giving up.
	_, err := b.SubmitTrade(context.Background(), testIntent())
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	assert.Equal(t, 3, inner.submits)
}

func TestBreakerIgnoresPermanentRefusals(t *testing.T) {
	inner := &scriptedBackend{
		submitFn: func() (*Fill, error) {
			return nil, apperrors.NewPermanentExecutionError("refused", nil)
		},
	}
	b := NewBreakerBackend(inner, breakerConfig(2), logging.NewLogger("error", "console"))

	for i := 0; i < 10; i++ {
		_, err := b.SubmitTrade(context.Background(), testIntent())
		require.Error(t, err)
		assert.False(t, apperrors.IsRetryable(err))
	}
	assert.Equal(t, circuitbreaker.StateClosed, b.BreakerState())
	assert.Equal(t, 10, inner.submits)
}

func TestBreakerLeavesStatusQueriesUnguarded(t *testing.T) {
	inner := &scriptedBackend{
		submitFn: func() (*Fill, error) {
			return nil, apperrors.NewTransientExecutionError("trade submission", assert.AnError)
		},
		statusFn: func() (TxStatus, *Fill, error) {
			return StatusConfirmed, &Fill{Signature: "exec-1"}, nil
		},
	}
	b := NewBreakerBackend(inner, breakerConfig(2), logging.NewLogger("error", "console"))

	for i := 0; i < 2; i++ {
		_, _ = b.SubmitTrade(context.Background(), testIntent())
	}
	require.Equal(t, circuitbreaker.StateOpen, b.BreakerState())

	status, fill, err := b.TradeStatus(context.Background(), "src-sig")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, status)
	assert.Equal(t, "exec-1", fill.Signature)
}
