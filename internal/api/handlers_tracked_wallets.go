package api

import (
	"net/http"
	"strings"

	"github.com/copy-trader/internal/bus"
	"github.com/copy-trader/internal/logging"
	"github.com/copy-trader/internal/types"
	"github.com/gorilla/mux"
)

// handleAddTrackedWallet handles POST /api/v1/tracked-wallets.
func (s *Server) handleAddTrackedWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WalletAddress string `json:"wallet_address"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	req.WalletAddress = strings.TrimSpace(req.WalletAddress)
	if req.WalletAddress == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "wallet_address is required", nil)
		return
	}

	wallet := &types.TrackedWallet{
		UserID:        s.userID(r),
		WalletAddress: req.WalletAddress,
		IsActive:      true,
	}
	if err := s.wallets.Create(r.Context(), wallet); err != nil {
		respondCategorized(w, err)
		return
	}

	s.publishWalletChange(r, &bus.WalletChange{
		ID:            wallet.ID,
		WalletAddress: wallet.WalletAddress,
		Action:        "add",
		IsActive:      true,
	})

	respondJSON(w, http.StatusCreated, wallet)
}

// handleListTrackedWallets handles GET /api/v1/tracked-wallets.
func (s *Server) handleListTrackedWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := s.wallets.List(r.Context(), s.userID(r))
	if err != nil {
		respondCategorized(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tracked_wallets": wallets,
		"count":           len(wallets),
	})
}

// handleGetTrackedWallet handles GET /api/v1/tracked-wallets/{id}.
func (s *Server) handleGetTrackedWallet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	wallet, err := s.wallets.GetByID(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "Tracked wallet not found", nil)
		return
	}

	respondJSON(w, http.StatusOK, wallet)
}

// handleSetTrackedWalletActive handles PUT /api/v1/tracked-wallets/{id}/active.
// Archiving keeps the wallet and its history but stops copying.
func (s *Server) handleSetTrackedWalletActive(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		IsActive bool `json:"is_active"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	if err := s.wallets.SetActive(r.Context(), id, req.IsActive); err != nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "Tracked wallet not found", nil)
		return
	}

	wallet, err := s.wallets.GetByID(r.Context(), id)
	if err != nil {
		respondCategorized(w, err)
		return
	}

	action := "archive"
	if req.IsActive {
		action = "unarchive"
	}
	s.publishWalletChange(r, &bus.WalletChange{
		ID:            wallet.ID,
		WalletAddress: wallet.WalletAddress,
		Action:        action,
		IsActive:      req.IsActive,
	})

	respondJSON(w, http.StatusOK, wallet)
}

// handleDeleteTrackedWallet handles DELETE /api/v1/tracked-wallets/{id}.
// Settings cascade away; history rows keep a null wallet reference.
func (s *Server) handleDeleteTrackedWallet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	wallet, err := s.wallets.GetByID(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "Tracked wallet not found", nil)
		return
	}

	if err := s.wallets.Delete(r.Context(), id); err != nil {
		respondCategorized(w, err)
		return
	}

	s.publishWalletChange(r, &bus.WalletChange{
		ID:            wallet.ID,
		WalletAddress: wallet.WalletAddress,
		Action:        "delete",
	})

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

func (s *Server) publishWalletChange(r *http.Request, change *bus.WalletChange) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishTrackedWalletChange(r.Context(), change); err != nil {
		logging.FromContext(r.Context()).WithError(err).Warn("Failed to publish tracked-wallet change")
	}
}
