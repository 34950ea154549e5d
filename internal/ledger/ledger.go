// Package ledger implements the wallet ledger service: the authoritative
// balance and holdings state for one managed wallet. All mutations funnel
// through a single writer per wallet; reads are served from immutable
// snapshots; every committed change is broadcast to subscribers.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/copy-trader/internal/errors"
	"github.com/copy-trader/internal/logging"
	"github.com/copy-trader/internal/storage"
	"github.com/copy-trader/internal/types"
	"github.com/shopspring/decimal"
)

// TokenPosition is one token holding. Positions exist only while the
// balance is non-zero.
type TokenPosition struct {
	TokenAddress string          `json:"address"`
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name"`
	Balance      int64           `json:"balance"` // raw token units
	Decimals     int32           `json:"decimals"`
	MetadataURI  string          `json:"metadata_uri,omitempty"`
	MarketCap    decimal.Decimal `json:"market_cap"` // advisory only
}

// Snapshot is an immutable point-in-time view of the wallet. Sequence
// increases with every committed change, so subscribers can order what
// they receive.
type Snapshot struct {
	Address    string          `json:"address"`
	SolBalance int64           `json:"balance"` // lamports
	Tokens     []TokenPosition `json:"tokens"`
	Sequence   uint64          `json:"sequence"`
	Timestamp  time.Time       `json:"timestamp"`
}

// OpenPositions returns the number of non-zero holdings.
func (s *Snapshot) OpenPositions() int {
	return len(s.Tokens)
}

// Position returns the holding for a token, or nil.
func (s *Snapshot) Position(tokenAddress string) *TokenPosition {
	for i := range s.Tokens {
		if s.Tokens[i].TokenAddress == tokenAddress {
			return &s.Tokens[i]
		}
	}
	return nil
}

// ApplyOutcome classifies the result of an ApplyTrade call.
type ApplyOutcome string

const (
	// OutcomeApplied means the mutation was committed.
	OutcomeApplied ApplyOutcome = "applied"
	// OutcomeDuplicate means a mutation with the same signature was
	// already committed; state is unchanged.
	OutcomeDuplicate ApplyOutcome = "duplicate"
	// OutcomeRejected means the mutation would violate a balance
	// invariant; state is unchanged.
	OutcomeRejected ApplyOutcome = "rejected"
)

// ApplyResult is the outcome of one ApplyTrade call.
type ApplyResult struct {
	Outcome  ApplyOutcome
	Reason   string
	Snapshot *Snapshot
}

// ExecutionResult carries the realized fill of one executed trade, as
// confirmed by the execution backend. Amounts are the realized values,
// not the requested ones.
type ExecutionResult struct {
	Signature       string
	TrackedWalletID *string
	TokenAddress    string
	TokenName       string
	TokenSymbol     string
	TokenImageURI   string
	Decimals        int32
	Direction       types.TradeDirection
	AmountToken     int64 // raw token units
	AmountSol       int64 // lamports
	PricePerToken   decimal.Decimal
}

func (r *ExecutionResult) digest() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|%d|%s",
		r.Signature, r.TokenAddress, r.Direction, r.AmountToken, r.AmountSol, r.PricePerToken.String())
	return hex.EncodeToString(h.Sum(nil))
}

// History records committed execution outcomes. Implemented by
// storage.TransactionRepository.
type History interface {
	Append(ctx context.Context, tx *types.Transaction) error
}

// BalanceSource reads on-chain balances for wholesale reconciliation.
// Implemented by exchange.RPCClient.
type BalanceSource interface {
	WalletBalances(ctx context.Context, address string) (int64, []TokenPosition, error)
}

// WalletLedger is the single source of truth for one managed wallet.
type WalletLedger struct {
	address string
	userID  string
	history History
	source  BalanceSource
	fanout  *Fanout
	logger  *logging.Logger

	// driftTolerance is the allowed divergence, in lamports, between the
	// delta-accumulated balance and a wholesale refresh before drift is
	// logged.
	driftTolerance int64

	// mu guards all mutation. Reads never take it: they load the last
	// committed snapshot.
	mu         sync.Mutex
	solBalance int64
	holdings   map[string]*TokenPosition
	applied    map[string]string // signature -> payload digest
	sequence   uint64

	snapshot atomic.Pointer[Snapshot]
}

// Config configures a WalletLedger.
type Config struct {
	Address        string
	UserID         string
	History        History
	Source         BalanceSource
	DriftTolerance int64
	Logger         *logging.Logger
}

// New creates a wallet ledger with empty state. Call RefreshBalances to
// seed it from the chain before serving traffic.
func New(cfg *Config) (*WalletLedger, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("wallet address cannot be empty")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("history cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	l := &WalletLedger{
		address:        cfg.Address,
		userID:         cfg.UserID,
		history:        cfg.History,
		source:         cfg.Source,
		fanout:         NewFanout(cfg.Logger),
		logger:         cfg.Logger.WithField("wallet", cfg.Address),
		driftTolerance: cfg.DriftTolerance,
		holdings:       make(map[string]*TokenPosition),
		applied:        make(map[string]string),
	}
	l.snapshot.Store(l.buildSnapshotLocked())

	return l, nil
}

// Fanout returns the subscription manager for this wallet.
func (l *WalletLedger) Fanout() *Fanout {
	return l.fanout
}

// Info returns the last committed snapshot. It never blocks writers.
func (l *WalletLedger) Info() *Snapshot {
	return l.snapshot.Load()
}

// ApplyTrade applies one confirmed execution result. Calls for the same
// wallet commit in the order they acquire the write section. The
// signature is the idempotency key: re-applying a committed signature
// with an identical payload returns OutcomeDuplicate and leaves state
// untouched; a different payload under a committed signature is a
// ledger consistency violation.
func (l *WalletLedger) ApplyTrade(ctx context.Context, res *ExecutionResult) (*ApplyResult, error) {
	if res.Signature == "" {
		return nil, apperrors.NewValidationError("signature", "cannot be empty")
	}
	if res.AmountToken < 0 || res.AmountSol < 0 {
		return nil, apperrors.NewValidationError("amount", "cannot be negative")
	}
	if res.Direction != types.DirectionBuy && res.Direction != types.DirectionSell {
		return nil, apperrors.NewValidationError("direction", fmt.Sprintf("unknown direction %q", res.Direction))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	digest := res.digest()
	if prev, ok := l.applied[res.Signature]; ok {
		if prev != digest {
			return nil, apperrors.NewLedgerViolation(
				"duplicate signature with mismatched payload",
				map[string]interface{}{"signature": res.Signature},
			)
		}
		return &ApplyResult{Outcome: OutcomeDuplicate, Snapshot: l.snapshot.Load()}, nil
	}

	// Validate the resulting balances before committing anything.
	switch res.Direction {
	case types.DirectionBuy:
		if l.solBalance-res.AmountSol < 0 {
			return l.rejectLocked(res, "insufficient SOL balance"), nil
		}
	case types.DirectionSell:
		pos := l.holdings[res.TokenAddress]
		if pos == nil || pos.Balance-res.AmountToken < 0 {
			return l.rejectLocked(res, "insufficient token balance"), nil
		}
	}

	// History first: a committed mutation without a history row would
	// violate the one-to-one invariant, so the append gates the commit.
	tx := &types.Transaction{
		UserID:          l.userID,
		TrackedWalletID: res.TrackedWalletID,
		Signature:       res.Signature,
		TransactionType: res.Direction,
		TokenAddress:    res.TokenAddress,
		Amount:          res.AmountToken,
		PriceSol:        res.PricePerToken,
		Timestamp:       time.Now(),
	}
	if err := l.history.Append(ctx, tx); err != nil {
		if errors.Is(err, storage.ErrDuplicateSignature) {
			// The store already has this signature (e.g. a previous run
			// committed it before a restart). Trust the store and treat
			// the call as a replay.
			l.applied[res.Signature] = digest
			return &ApplyResult{Outcome: OutcomeDuplicate, Snapshot: l.snapshot.Load()}, nil
		}
		return nil, apperrors.NewDatabaseError("transaction append", err)
	}

	switch res.Direction {
	case types.DirectionBuy:
		l.solBalance -= res.AmountSol
		pos := l.holdings[res.TokenAddress]
		if pos == nil {
			pos = &TokenPosition{
				TokenAddress: res.TokenAddress,
				Symbol:       res.TokenSymbol,
				Name:         res.TokenName,
				Decimals:     res.Decimals,
				MetadataURI:  res.TokenImageURI,
			}
			l.holdings[res.TokenAddress] = pos
		}
		pos.Balance += res.AmountToken
	case types.DirectionSell:
		l.solBalance += res.AmountSol
		pos := l.holdings[res.TokenAddress]
		pos.Balance -= res.AmountToken
		if pos.Balance == 0 {
			delete(l.holdings, res.TokenAddress)
		}
	}

	l.applied[res.Signature] = digest
	snap := l.commitLocked()

	l.logger.WithFields(map[string]interface{}{
		"signature": res.Signature,
		"direction": res.Direction,
		"token":     res.TokenAddress,
		"sequence":  snap.Sequence,
	}).Info("Trade applied to ledger")

	return &ApplyResult{Outcome: OutcomeApplied, Snapshot: snap}, nil
}

func (l *WalletLedger) rejectLocked(res *ExecutionResult, reason string) *ApplyResult {
	l.logger.WithFields(map[string]interface{}{
		"signature": res.Signature,
		"direction": res.Direction,
		"token":     res.TokenAddress,
		"reason":    reason,
	}).Warn("Trade rejected by ledger")

	return &ApplyResult{Outcome: OutcomeRejected, Reason: reason, Snapshot: l.snapshot.Load()}
}

// RefreshBalances reconciles cached state against the on-chain balance
// source. This is the only operation allowed to overwrite balances
// wholesale instead of by delta; the refreshed values win, and any
// divergence beyond the tolerance is logged as drift.
func (l *WalletLedger) RefreshBalances(ctx context.Context) (*Snapshot, error) {
	if l.source == nil {
		return nil, fmt.Errorf("no balance source configured")
	}

	solBalance, positions, err := l.source.WalletBalances(ctx, l.address)
	if err != nil {
		return nil, fmt.Errorf("failed to read on-chain balances: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	drift := solBalance - l.solBalance
	if drift < 0 {
		drift = -drift
	}
	if l.sequence > 0 && drift > l.driftTolerance {
		l.logger.WithFields(map[string]interface{}{
			"cached_lamports":  l.solBalance,
			"chain_lamports":   solBalance,
			"drift_lamports":   drift,
			"tolerance":        l.driftTolerance,
		}).Warn("Balance drift detected, trusting on-chain state")
	}

	l.solBalance = solBalance
	l.holdings = make(map[string]*TokenPosition, len(positions))
	for i := range positions {
		if positions[i].Balance == 0 {
			continue
		}
		p := positions[i]
		l.holdings[p.TokenAddress] = &p
	}

	snap := l.commitLocked()
	return snap, nil
}

// EmitUpdate broadcasts the current snapshot without mutating state.
func (l *WalletLedger) EmitUpdate() {
	l.fanout.Publish(l.snapshot.Load())
}

// commitLocked bumps the sequence, rebuilds the snapshot and broadcasts
// it. Callers must hold mu.
func (l *WalletLedger) commitLocked() *Snapshot {
	l.sequence++
	snap := l.buildSnapshotLocked()
	l.snapshot.Store(snap)
	l.fanout.Publish(snap)
	return snap
}

func (l *WalletLedger) buildSnapshotLocked() *Snapshot {
	tokens := make([]TokenPosition, 0, len(l.holdings))
	for _, pos := range l.holdings {
		tokens = append(tokens, *pos)
	}
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].TokenAddress < tokens[j].TokenAddress
	})

	return &Snapshot{
		Address:    l.address,
		SolBalance: l.solBalance,
		Tokens:     tokens,
		Sequence:   l.sequence,
		Timestamp:  time.Now(),
	}
}
