package api

import (
	"net/http"

	"github.com/copy-trader/internal/logging"
	"github.com/copy-trader/internal/types"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

// settingsRequest is the wire shape of a settings upsert. Omitted
// numeric fields fall back to the conservative defaults.
type settingsRequest struct {
	TrackedWalletID      string           `json:"tracked_wallet_id"`
	IsEnabled            bool             `json:"is_enabled"`
	TradeAmountSol       *int64           `json:"trade_amount_sol,omitempty"`
	MaxSlippage          *decimal.Decimal `json:"max_slippage,omitempty"`
	MaxOpenPositions     *int             `json:"max_open_positions,omitempty"`
	AllowAdditionalBuys  bool             `json:"allow_additional_buys"`
	MatchSellPercentage  bool             `json:"match_sell_percentage"`
	AllowedTokens        []string         `json:"allowed_tokens,omitempty"`
	UseAllowedTokensList bool             `json:"use_allowed_tokens_list"`
	MinSolBalance        *int64           `json:"min_sol_balance,omitempty"`
}

// handleUpsertSettings handles PUT /api/v1/settings - create or replace
// the policy record for a tracked wallet.
func (s *Server) handleUpsertSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.TrackedWalletID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "tracked_wallet_id is required", nil)
		return
	}

	settings := types.DefaultCopyTradeSettings(s.userID(r), req.TrackedWalletID)
	settings.IsEnabled = req.IsEnabled
	settings.AllowAdditionalBuys = req.AllowAdditionalBuys
	settings.MatchSellPercentage = req.MatchSellPercentage
	settings.AllowedTokens = req.AllowedTokens
	settings.UseAllowedTokensList = req.UseAllowedTokensList

	if req.TradeAmountSol != nil {
		settings.TradeAmountSol = *req.TradeAmountSol
	}
	if req.MaxSlippage != nil {
		settings.MaxSlippage = *req.MaxSlippage
	}
	if req.MaxOpenPositions != nil {
		settings.MaxOpenPositions = *req.MaxOpenPositions
	}
	if req.MinSolBalance != nil {
		settings.MinSolBalance = *req.MinSolBalance
	}

	if settings.TradeAmountSol <= 0 {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "trade_amount_sol must be positive", nil)
		return
	}
	if settings.MaxOpenPositions < 1 {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "max_open_positions must be at least 1", nil)
		return
	}
	if settings.MaxSlippage.IsNegative() || settings.MaxSlippage.GreaterThan(decimal.NewFromInt(1)) {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "max_slippage must be within [0, 1]", nil)
		return
	}
	if settings.MinSolBalance < 0 {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "min_sol_balance cannot be negative", nil)
		return
	}

	if err := s.settings.Upsert(r.Context(), settings); err != nil {
		respondCategorized(w, err)
		return
	}

	if s.publisher != nil {
		if err := s.publisher.PublishSettingsUpdate(r.Context(), settings); err != nil {
			logging.FromContext(r.Context()).WithError(err).Warn("Failed to publish settings update")
		}
	}

	respondJSON(w, http.StatusOK, settings)
}

// handleListSettings handles GET /api/v1/settings.
func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.settings.ListByUser(r.Context(), s.userID(r))
	if err != nil {
		respondCategorized(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"settings": settings,
		"count":    len(settings),
	})
}

// handleGetSettings handles GET /api/v1/settings/{trackedWalletID}.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	trackedWalletID := mux.Vars(r)["trackedWalletID"]

	settings, err := s.settings.GetByTrackedWallet(r.Context(), s.userID(r), trackedWalletID)
	if err != nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "Settings not found", nil)
		return
	}

	respondJSON(w, http.StatusOK, settings)
}

// handleDeleteSettings handles DELETE /api/v1/settings/{trackedWalletID}.
func (s *Server) handleDeleteSettings(w http.ResponseWriter, r *http.Request) {
	trackedWalletID := mux.Vars(r)["trackedWalletID"]

	if err := s.settings.Delete(r.Context(), s.userID(r), trackedWalletID); err != nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "Settings not found", nil)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
