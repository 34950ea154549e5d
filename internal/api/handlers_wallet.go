package api

import (
	"net/http"
	"time"

	"github.com/copy-trader/internal/ledger"
	"github.com/copy-trader/internal/types"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// handleWalletInfo handles GET /api/v1/wallet - current ledger snapshot.
func (s *Server) handleWalletInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.wallet.Info())
}

// tradeRequest is the wire shape of a confirmed execution result.
type tradeRequest struct {
	Signature       string          `json:"signature"`
	TrackedWalletID *string         `json:"tracked_wallet_id,omitempty"`
	TokenAddress    string          `json:"token_address"`
	TokenName       string          `json:"token_name,omitempty"`
	TokenSymbol     string          `json:"token_symbol,omitempty"`
	TokenImageURI   string          `json:"token_image_uri,omitempty"`
	Decimals        int32           `json:"decimals"`
	Direction       string          `json:"direction"`
	AmountToken     int64           `json:"amount_token"`
	AmountSol       int64           `json:"amount_sol"`
	PricePerToken   decimal.Decimal `json:"price_per_token"`
}

// handleTradeExecution handles POST /api/v1/wallet/trade - apply one
// confirmed execution result to the ledger.
func (s *Server) handleTradeExecution(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	result, err := s.wallet.ApplyTrade(r.Context(), &ledger.ExecutionResult{
		Signature:       req.Signature,
		TrackedWalletID: req.TrackedWalletID,
		TokenAddress:    req.TokenAddress,
		TokenName:       req.TokenName,
		TokenSymbol:     req.TokenSymbol,
		TokenImageURI:   req.TokenImageURI,
		Decimals:        req.Decimals,
		Direction:       types.TradeDirection(req.Direction),
		AmountToken:     req.AmountToken,
		AmountSol:       req.AmountSol,
		PricePerToken:   req.PricePerToken,
	})
	if err != nil {
		respondCategorized(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"outcome": result.Outcome,
		"reason":  result.Reason,
		"wallet":  result.Snapshot,
	})
}

// handleRefreshBalances handles POST /api/v1/wallet/refresh - reconcile
// against on-chain state.
func (s *Server) handleRefreshBalances(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.wallet.RefreshBalances(r.Context())
	if err != nil {
		respondCategorized(w, err)
		return
	}

	respondJSON(w, http.StatusOK, snapshot)
}

// handleEmitUpdate handles POST /api/v1/wallet/emit - broadcast the
// current snapshot to subscribers without mutating anything.
func (s *Server) handleEmitUpdate(w http.ResponseWriter, r *http.Request) {
	s.wallet.EmitUpdate()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "emitted"})
}

var walletUpdatesUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWalletUpdates handles GET /api/v1/wallet/updates - websocket
// stream of ledger snapshots. Each client gets the current snapshot on
// connect and then every committed change, coalesced when it reads
// slowly.
func (s *Server) handleWalletUpdates(w http.ResponseWriter, r *http.Request) {
	conn, err := walletUpdatesUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.wallet.Fanout().Subscribe()
	defer sub.Close()

	if err := conn.WriteJSON(s.wallet.Info()); err != nil {
		return
	}

	// Reader goroutine: the client never sends anything meaningful, but
	// reading is how we notice it went away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case snapshot, ok := <-sub.Updates():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(snapshot); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
