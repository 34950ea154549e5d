package api

import (
	"net/http"
	"strings"

	"github.com/copy-trader/internal/types"
	"github.com/gorilla/mux"
)

// handleCreateWatchlist handles POST /api/v1/watchlists.
func (s *Server) handleCreateWatchlist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "name is required", nil)
		return
	}

	wl := &types.Watchlist{
		UserID:      s.userID(r),
		Name:        req.Name,
		Description: req.Description,
	}
	if err := s.watchlists.Create(r.Context(), wl); err != nil {
		respondCategorized(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, wl)
}

// handleListWatchlists handles GET /api/v1/watchlists.
func (s *Server) handleListWatchlists(w http.ResponseWriter, r *http.Request) {
	lists, err := s.watchlists.ListByUser(r.Context(), s.userID(r))
	if err != nil {
		respondCategorized(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"watchlists": lists,
		"count":      len(lists),
	})
}

// handleGetWatchlist handles GET /api/v1/watchlists/{id}.
func (s *Server) handleGetWatchlist(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	wl, err := s.watchlists.GetByID(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "Watchlist not found", nil)
		return
	}

	respondJSON(w, http.StatusOK, wl)
}

// handleDeleteWatchlist handles DELETE /api/v1/watchlists/{id}.
func (s *Server) handleDeleteWatchlist(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.watchlists.Delete(r.Context(), id); err != nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "Watchlist not found", nil)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// handleAddWatchlistToken handles POST /api/v1/watchlists/{id}/tokens.
// Adding a token that is already present is a no-op.
func (s *Server) handleAddWatchlistToken(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		TokenAddress string `json:"token_address"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	req.TokenAddress = strings.TrimSpace(req.TokenAddress)
	if req.TokenAddress == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "token_address is required", nil)
		return
	}

	token, err := s.watchlists.AddToken(r.Context(), id, req.TokenAddress)
	if err != nil {
		respondCategorized(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, token)
}

// handleListWatchlistTokens handles GET /api/v1/watchlists/{id}/tokens.
func (s *Server) handleListWatchlistTokens(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	tokens, err := s.watchlists.ListTokens(r.Context(), id)
	if err != nil {
		respondCategorized(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tokens": tokens,
		"count":  len(tokens),
	})
}

// handleRemoveWatchlistToken handles DELETE /api/v1/watchlists/{id}/tokens/{tokenAddress}.
func (s *Server) handleRemoveWatchlistToken(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if err := s.watchlists.RemoveToken(r.Context(), vars["id"], vars["tokenAddress"]); err != nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "Token not in watchlist", nil)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}
