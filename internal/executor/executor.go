// Package executor implements the execution coordinator: it carries an
// accepted trade intent through the execution backend and commits the
// realized fill into the wallet ledger exactly once.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/copy-trader/internal/bus"
	apperrors "github.com/copy-trader/internal/errors"
	"github.com/copy-trader/internal/exchange"
	"github.com/copy-trader/internal/ledger"
	"github.com/copy-trader/internal/logging"
	"github.com/copy-trader/internal/retry"
	"github.com/copy-trader/internal/types"
)

// Ledger is the commit side of the wallet ledger.
type Ledger interface {
	ApplyTrade(ctx context.Context, res *ledger.ExecutionResult) (*ledger.ApplyResult, error)
}

// Settler releases the in-flight reservation taken when an intent was
// accepted. Implemented by the decision engine.
type Settler interface {
	Settle(intent *types.TradeIntent)
}

// Notifier publishes executed-trade notifications. Implemented by the
// notification bus; nil disables notifications.
type Notifier interface {
	PublishTradeNotification(ctx context.Context, notificationType string, data interface{}) error
}

// Config configures the coordinator.
type Config struct {
	// SubmitTimeout bounds each individual backend attempt.
	SubmitTimeout time.Duration
	// Retry controls backoff between transient failures.
	Retry *retry.Config
}

// Coordinator drives intents to completion. Each intent keeps its source
// signature across every retry, so the backend and the ledger both see
// one logical trade no matter how many attempts it takes.
type Coordinator struct {
	backend  exchange.Backend
	ledger   Ledger
	settler  Settler
	notifier Notifier
	logger   *logging.Logger

	submitTimeout time.Duration
	retryConfig   *retry.Config

	// submitted tracks source signatures that may have reached the
	// backend. Once a signature is in here, the next attempt asks for
	// status instead of blindly re-submitting.
	mu        sync.Mutex
	submitted map[string]struct{}
}

// New creates an execution coordinator.
func New(backend exchange.Backend, ldg Ledger, settler Settler, notifier Notifier, cfg *Config, logger *logging.Logger) (*Coordinator, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if ldg == nil {
		return nil, fmt.Errorf("ledger cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	submitTimeout := 30 * time.Second
	retryConfig := retry.DefaultConfig()
	if cfg != nil {
		if cfg.SubmitTimeout > 0 {
			submitTimeout = cfg.SubmitTimeout
		}
		if cfg.Retry != nil {
			retryConfig = cfg.Retry
		}
	}

	return &Coordinator{
		backend:       backend,
		ledger:        ldg,
		settler:       settler,
		notifier:      notifier,
		logger:        logger,
		submitTimeout: submitTimeout,
		retryConfig:   retryConfig,
		submitted:     make(map[string]struct{}),
	}, nil
}

// Execute carries one intent to a terminal outcome: a committed ledger
// mutation, a permanent failure, or retry exhaustion. The engine's
// in-flight reservation is settled on every path.
func (c *Coordinator) Execute(ctx context.Context, intent *types.TradeIntent) (*ledger.ApplyResult, error) {
	if c.settler != nil {
		defer c.settler.Settle(intent)
	}

	// Every return below is terminal for this signature: the engine never
	// re-dispatches an evaluated event and the history's signature key
	// backstops any replay, so the entry must not outlive the call.
	defer c.forget(intent.SourceSignature)

	log := c.logger.WithFields(map[string]interface{}{
		"source_signature": intent.SourceSignature,
		"token":            intent.TokenAddress,
		"direction":        intent.Direction,
	})
	ctx = logging.WithLogger(ctx, log)

	var fill *exchange.Fill
	result := retry.WithExponentialBackoff(ctx, c.retryConfig, func(ctx context.Context, attempt int) error {
		var err error
		fill, err = c.attempt(ctx, intent, attempt)
		return err
	})
	if !result.Success {
		log.WithError(result.LastError).WithField("attempts", result.Attempts).Error("Trade execution failed")
		return nil, result.LastError
	}

	applied, err := c.ledger.ApplyTrade(ctx, executionResult(intent, fill))
	if err != nil {
		// The fill is real even if the ledger refuses it; this must be
		// surfaced loudly, never retried into a second fill.
		log.WithError(err).Error("Confirmed fill could not be applied to ledger")
		return nil, err
	}

	log.WithFields(map[string]interface{}{
		"signature": fill.Signature,
		"outcome":   applied.Outcome,
		"attempts":  result.Attempts,
	}).Info("Trade executed")

	if c.notifier != nil && applied.Outcome == ledger.OutcomeApplied {
		if err := c.notifier.PublishTradeNotification(ctx, bus.TypeCopyTradeExecuted, applied.Snapshot); err != nil {
			log.WithError(err).Warn("Failed to publish execution notification")
		}
	}

	return applied, nil
}

// attempt performs one bounded try. If an earlier attempt may have
// reached the backend, it asks for the trade's status first and only
// re-submits when the backend definitively never saw it.
func (c *Coordinator) attempt(ctx context.Context, intent *types.TradeIntent, attempt int) (*exchange.Fill, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	if c.wasSubmitted(intent.SourceSignature) {
		status, fill, err := c.backend.TradeStatus(attemptCtx, intent.SourceSignature)
		if err != nil {
			return nil, err
		}

		switch status {
		case exchange.StatusConfirmed:
			if fill == nil || fill.Signature == "" {
				return nil, apperrors.NewPermanentExecutionError("confirmed trade has no fill", nil)
			}
			return fill, nil
		case exchange.StatusPending:
			return nil, apperrors.NewTransientExecutionError("status query",
				fmt.Errorf("trade still pending after attempt %d", attempt-1))
		case exchange.StatusFailed:
			return nil, apperrors.NewPermanentExecutionError("trade failed on chain", nil)
		}
		// StatusUnknown: the backend never saw it, submitting is safe.
	}

	c.markSubmitted(intent.SourceSignature)

	fill, err := c.backend.SubmitTrade(attemptCtx, intent)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, apperrors.NewTransientExecutionError("trade submission timed out", err)
		}
		return nil, err
	}

	return fill, nil
}

func (c *Coordinator) wasSubmitted(sourceSignature string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.submitted[sourceSignature]
	return ok
}

func (c *Coordinator) markSubmitted(sourceSignature string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted[sourceSignature] = struct{}{}
}

func (c *Coordinator) forget(sourceSignature string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.submitted, sourceSignature)
}

// executionResult maps the realized fill onto a ledger mutation. The
// realized amounts win over the requested ones.
func executionResult(intent *types.TradeIntent, fill *exchange.Fill) *ledger.ExecutionResult {
	trackedWalletID := intent.TrackedWalletID

	return &ledger.ExecutionResult{
		Signature:       fill.Signature,
		TrackedWalletID: &trackedWalletID,
		TokenAddress:    intent.TokenAddress,
		TokenName:       intent.TokenName,
		TokenSymbol:     intent.TokenSymbol,
		TokenImageURI:   intent.TokenImageURI,
		Decimals:        intent.Decimals,
		Direction:       intent.Direction,
		AmountToken:     fill.AmountToken,
		AmountSol:       fill.AmountSol,
		PricePerToken:   fill.PricePerToken,
	}
}
