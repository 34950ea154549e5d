// Package types provides common type definitions for the copy-trader system.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL int64 = 1_000_000_000

// TradeDirection represents the side of an observed or executed trade
type TradeDirection string

const (
	// DirectionBuy represents a token purchase paid in SOL
	DirectionBuy TradeDirection = "buy"
	// DirectionSell represents a token sale received in SOL
	DirectionSell TradeDirection = "sell"
)

// DexType identifies the exchange integration an event originated from.
// The core carries it as metadata only; routing is handled by the
// execution backend.
type DexType string

const (
	// DexPumpFun represents the pump.fun bonding curve
	DexPumpFun DexType = "pump_fun"
	// DexRaydium represents Raydium AMM pools
	DexRaydium DexType = "raydium"
	// DexJupiter represents Jupiter aggregator routing
	DexJupiter DexType = "jupiter"
)

// TradeEvent is one detected trade on a tracked wallet, as delivered by
// the event source. Delivery is at-least-once: the Signature is the
// idempotency key for everything derived from the event.
type TradeEvent struct {
	Signature     string          `json:"signature"`
	WalletAddress string          `json:"wallet_address"`
	TokenAddress  string          `json:"token_address"`
	TokenName     string          `json:"token_name"`
	TokenSymbol   string          `json:"token_symbol"`
	TokenImageURI string          `json:"token_image_uri,omitempty"`
	Direction     TradeDirection  `json:"direction"`
	AmountToken   int64           `json:"amount_token"` // raw token units
	AmountSol     int64           `json:"amount_sol"`   // lamports
	PricePerToken decimal.Decimal `json:"price_per_token"`
	Decimals      int32           `json:"decimals"`
	MarketCap     decimal.Decimal `json:"market_cap"`
	// SellerPreBalance is the source wallet's token balance before a sell,
	// in raw units. Zero on buys. Used to mirror the sell fraction.
	SellerPreBalance int64     `json:"seller_pre_balance,omitempty"`
	Dex              DexType   `json:"dex_type"`
	Timestamp        time.Time `json:"timestamp"`
}

// SellFraction returns the fraction of its own holding the source wallet
// sold, as a decimal in (0, 1]. Returns zero when the event carries no
// usable pre-trade balance.
func (e *TradeEvent) SellFraction() decimal.Decimal {
	if e.Direction != DirectionSell || e.SellerPreBalance <= 0 || e.AmountToken <= 0 {
		return decimal.Zero
	}
	f := decimal.NewFromInt(e.AmountToken).Div(decimal.NewFromInt(e.SellerPreBalance))
	one := decimal.NewFromInt(1)
	if f.GreaterThan(one) {
		return one
	}
	return f
}

// TradeIntent is an internal, not-yet-executed instruction derived from
// policy evaluation of a TradeEvent. It is never persisted; retried
// execution attempts reuse the same intent and the same signature.
type TradeIntent struct {
	SourceSignature string
	TrackedWalletID string
	TokenAddress    string
	TokenName       string
	TokenSymbol     string
	TokenImageURI   string
	Decimals        int32
	Direction       TradeDirection
	// AmountSol is the SOL to spend on a buy, in lamports.
	AmountSol int64
	// AmountToken is the token quantity to sell, in raw units.
	AmountToken int64
	MaxSlippage decimal.Decimal
	Dex         DexType
}

// TrackedWallet is an external wallet whose trades are observed for
// mirroring. Only active wallets with enabled settings feed the engine.
type TrackedWallet struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	WalletAddress string    `json:"wallet_address"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CopyTradeSettings is the per-user, per-tracked-wallet risk policy.
// At most one record exists per (user, tracked wallet) pair; the store
// enforces the constraint, the core only reads it.
type CopyTradeSettings struct {
	ID                   string          `json:"id"`
	UserID               string          `json:"user_id"`
	TrackedWalletID      string          `json:"tracked_wallet_id"`
	IsEnabled            bool            `json:"is_enabled"`
	TradeAmountSol       int64           `json:"trade_amount_sol"` // lamports
	MaxSlippage          decimal.Decimal `json:"max_slippage"`
	MaxOpenPositions     int             `json:"max_open_positions"`
	AllowAdditionalBuys  bool            `json:"allow_additional_buys"`
	MatchSellPercentage  bool            `json:"match_sell_percentage"`
	AllowedTokens        []string        `json:"allowed_tokens,omitempty"`
	UseAllowedTokensList bool            `json:"use_allowed_tokens_list"`
	MinSolBalance        int64           `json:"min_sol_balance"` // lamports
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// TokenAllowed reports whether the token passes the allow-list policy.
func (s *CopyTradeSettings) TokenAllowed(tokenAddress string) bool {
	if !s.UseAllowedTokensList {
		return true
	}
	for _, t := range s.AllowedTokens {
		if t == tokenAddress {
			return true
		}
	}
	return false
}

// DefaultCopyTradeSettings returns the conservative defaults applied when
// a user enables copy trading without tuning anything: 0.01 SOL per trade,
// 10% slippage, a single open position, no additional buys.
func DefaultCopyTradeSettings(userID, trackedWalletID string) *CopyTradeSettings {
	return &CopyTradeSettings{
		UserID:              userID,
		TrackedWalletID:     trackedWalletID,
		IsEnabled:           false,
		TradeAmountSol:      LamportsPerSOL / 100,
		MaxSlippage:         decimal.NewFromFloat(0.1),
		MaxOpenPositions:    1,
		AllowAdditionalBuys: false,
		MatchSellPercentage: false,
		MinSolBalance:       LamportsPerSOL / 100,
	}
}

// Transaction is one committed execution outcome. Rows are append-only:
// written once per applied ledger mutation, never updated or deleted.
type Transaction struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	TrackedWalletID *string         `json:"tracked_wallet_id,omitempty"`
	Signature       string          `json:"signature"`
	TransactionType TradeDirection  `json:"transaction_type"`
	TokenAddress    string          `json:"token_address"`
	Amount          int64           `json:"amount"` // raw token units
	PriceSol        decimal.Decimal `json:"price_sol"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Watchlist is a named set of tokens a user follows.
type Watchlist struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WatchlistToken is one token entry in a watchlist.
type WatchlistToken struct {
	ID           string    `json:"id"`
	WatchlistID  string    `json:"watchlist_id"`
	TokenAddress string    `json:"token_address"`
	AddedAt      time.Time `json:"added_at"`
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
