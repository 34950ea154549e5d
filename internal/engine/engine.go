// Package engine implements the copy-trade decision engine: pure policy
// evaluation that turns one observed trade event into zero or one trade
// intent. The engine never touches balances; it only reads ledger
// snapshots and emits intents for the executor.
package engine

import (
	"fmt"
	"sync"

	apperrors "github.com/copy-trader/internal/errors"
	"github.com/copy-trader/internal/ledger"
	"github.com/copy-trader/internal/logging"
	"github.com/copy-trader/internal/types"
	"github.com/shopspring/decimal"
)

// PolicySource resolves the tracked wallet and its settings for an
// observed event. Implemented by the monitor's cache.
type PolicySource interface {
	WalletByAddress(address string) (*types.TrackedWallet, bool)
	SettingsFor(trackedWalletID string) (*types.CopyTradeSettings, bool)
}

// LedgerView is the read side of the wallet ledger.
type LedgerView interface {
	Info() *ledger.Snapshot
}

// seenLimit caps the dedup window. Redeliveries arrive within seconds of
// the original; a signature older than the last few thousand acceptances
// is covered by the ledger's signature key instead.
const seenLimit = 4096

// Engine evaluates trade events against per-wallet policy. Evaluation is
// strictly ordered and short-circuits on the first failing rule, so a
// rejection reason always names the earliest violated policy.
type Engine struct {
	policies PolicySource
	ledger   LedgerView
	logger   *logging.Logger

	mu        sync.Mutex
	seen      map[string]struct{} // event signatures already evaluated
	seenOrder []string            // acceptance order, oldest first
	inflight  map[string]int      // tracked wallet ID -> dispatched, unsettled intents
}

// New creates a decision engine.
func New(policies PolicySource, view LedgerView, logger *logging.Logger) (*Engine, error) {
	if policies == nil {
		return nil, fmt.Errorf("policy source cannot be nil")
	}
	if view == nil {
		return nil, fmt.Errorf("ledger view cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &Engine{
		policies: policies,
		ledger:   view,
		logger:   logger,
		seen:     make(map[string]struct{}),
		inflight: make(map[string]int),
	}, nil
}

// Evaluate runs the policy chain over one event. It returns an intent
// when every rule passes, or a policy-rejection error naming the first
// rule that failed. A rejection is a terminal decision, not a failure:
// callers drop the event and move on.
//
// Accepting an event reserves an in-flight slot for its tracked wallet;
// the caller must Settle the intent once execution concludes.
func (e *Engine) Evaluate(event *types.TradeEvent) (*types.TradeIntent, error) {
	if event.Signature == "" {
		return nil, apperrors.NewValidationError("signature", "cannot be empty")
	}

	log := e.logger.WithFields(map[string]interface{}{
		"signature": event.Signature,
		"wallet":    event.WalletAddress,
		"token":     event.TokenAddress,
		"direction": event.Direction,
	})

	wallet, ok := e.policies.WalletByAddress(event.WalletAddress)
	if !ok {
		return nil, e.reject(log, "wallet_not_tracked", "wallet is not tracked", nil)
	}
	if !wallet.IsActive {
		return nil, e.reject(log, "wallet_inactive", "tracked wallet is archived", nil)
	}

	settings, ok := e.policies.SettingsFor(wallet.ID)
	if !ok {
		return nil, e.reject(log, "no_settings", "no copy-trade settings configured", nil)
	}
	if !settings.IsEnabled {
		return nil, e.reject(log, "copy_trading_disabled", "copy trading is disabled", nil)
	}

	if !settings.TokenAllowed(event.TokenAddress) {
		return nil, e.reject(log, "token_not_allowed", "token is not on the allow list", nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Delivery is at-least-once upstream, so the same event can arrive
	// twice before the ledger ever sees a fill. Dedup here keeps a
	// single event from dispatching two intents.
	if _, dup := e.seen[event.Signature]; dup {
		return nil, e.reject(log, "duplicate_event", "event signature already evaluated", nil)
	}

	snapshot := e.ledger.Info()

	var intent *types.TradeIntent
	var err error
	switch event.Direction {
	case types.DirectionBuy:
		intent, err = e.evaluateBuy(log, event, wallet, settings, snapshot)
	case types.DirectionSell:
		intent, err = e.evaluateSell(log, event, wallet, settings, snapshot)
	default:
		return nil, apperrors.NewValidationError("direction", fmt.Sprintf("unknown direction %q", event.Direction))
	}
	if err != nil {
		return nil, err
	}

	if e.inflight[wallet.ID] >= settings.MaxOpenPositions {
		return nil, e.reject(log, "inflight_limit", "in-flight intent limit reached", map[string]interface{}{
			"in_flight": e.inflight[wallet.ID],
			"limit":     settings.MaxOpenPositions,
		})
	}

	e.markSeenLocked(event.Signature)
	e.inflight[wallet.ID]++

	log.WithFields(map[string]interface{}{
		"amount_sol":   intent.AmountSol,
		"amount_token": intent.AmountToken,
	}).Info("Intent accepted")

	return intent, nil
}

// markSeenLocked records an accepted signature, evicting the oldest one
// once the window is full. Caller holds e.mu.
func (e *Engine) markSeenLocked(signature string) {
	e.seen[signature] = struct{}{}
	e.seenOrder = append(e.seenOrder, signature)

	if len(e.seenOrder) > seenLimit {
		delete(e.seen, e.seenOrder[0])
		e.seenOrder[0] = ""
		e.seenOrder = e.seenOrder[1:]
	}
}

// evaluateBuy applies the buy-side rules. Caller holds e.mu.
func (e *Engine) evaluateBuy(log *logging.Logger, event *types.TradeEvent, wallet *types.TrackedWallet, settings *types.CopyTradeSettings, snapshot *ledger.Snapshot) (*types.TradeIntent, error) {
	held := snapshot.Position(event.TokenAddress) != nil

	if held && !settings.AllowAdditionalBuys {
		return nil, e.reject(log, "additional_buy_blocked", "already holding token and additional buys are disabled", nil)
	}
	if !held && snapshot.OpenPositions() >= settings.MaxOpenPositions {
		return nil, e.reject(log, "max_positions", "maximum open positions reached", map[string]interface{}{
			"open":  snapshot.OpenPositions(),
			"limit": settings.MaxOpenPositions,
		})
	}
	if snapshot.SolBalance-settings.TradeAmountSol < settings.MinSolBalance {
		return nil, e.reject(log, "min_balance", "buy would breach the minimum SOL balance", map[string]interface{}{
			"balance_lamports": snapshot.SolBalance,
			"trade_lamports":   settings.TradeAmountSol,
			"floor_lamports":   settings.MinSolBalance,
		})
	}

	return e.intentFrom(event, wallet, settings, settings.TradeAmountSol, 0), nil
}

// evaluateSell applies the sell-side rules. Caller holds e.mu.
func (e *Engine) evaluateSell(log *logging.Logger, event *types.TradeEvent, wallet *types.TrackedWallet, settings *types.CopyTradeSettings, snapshot *ledger.Snapshot) (*types.TradeIntent, error) {
	position := snapshot.Position(event.TokenAddress)
	if position == nil {
		return nil, e.reject(log, "no_position", "no holding to sell", nil)
	}

	amount := position.Balance
	if settings.MatchSellPercentage {
		if fraction := event.SellFraction(); fraction.GreaterThan(decimal.Zero) {
			// Mirror the source wallet's sell fraction, floored to the
			// smallest token unit so we never round up past the holding.
			amount = decimal.NewFromInt(position.Balance).Mul(fraction).Floor().IntPart()
		}
	}
	if amount <= 0 {
		return nil, e.reject(log, "dust_sell", "mirrored sell amount rounds to zero", map[string]interface{}{
			"holding": position.Balance,
		})
	}

	return e.intentFrom(event, wallet, settings, 0, amount), nil
}

// intentFrom builds the intent. The slippage bound always comes from the
// user's settings, never from the source event.
func (e *Engine) intentFrom(event *types.TradeEvent, wallet *types.TrackedWallet, settings *types.CopyTradeSettings, amountSol, amountToken int64) *types.TradeIntent {
	return &types.TradeIntent{
		SourceSignature: event.Signature,
		TrackedWalletID: wallet.ID,
		TokenAddress:    event.TokenAddress,
		TokenName:       event.TokenName,
		TokenSymbol:     event.TokenSymbol,
		TokenImageURI:   event.TokenImageURI,
		Decimals:        event.Decimals,
		Direction:       event.Direction,
		AmountSol:       amountSol,
		AmountToken:     amountToken,
		MaxSlippage:     settings.MaxSlippage,
		Dex:             event.Dex,
	}
}

// Settle releases the in-flight slot reserved for an intent. Call it
// exactly once per accepted intent, whatever the execution outcome.
func (e *Engine) Settle(intent *types.TradeIntent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inflight[intent.TrackedWalletID] > 0 {
		e.inflight[intent.TrackedWalletID]--
		if e.inflight[intent.TrackedWalletID] == 0 {
			delete(e.inflight, intent.TrackedWalletID)
		}
	}
}

// InFlight returns the number of dispatched, unsettled intents for a
// tracked wallet.
func (e *Engine) InFlight(trackedWalletID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight[trackedWalletID]
}

func (e *Engine) reject(log *logging.Logger, code, reason string, details map[string]interface{}) error {
	log.WithField("reason", code).Info("Event rejected by policy")
	if details == nil {
		details = map[string]interface{}{}
	}
	details["reason_code"] = code
	return apperrors.NewPolicyRejection(reason, details)
}
