package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// handleListTransactions handles GET /api/v1/transactions - execution
// history, newest first, with limit/offset pagination.
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit := defaultHistoryLimit
	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "limit must be a positive integer", nil)
			return
		}
		if n > maxHistoryLimit {
			n = maxHistoryLimit
		}
		limit = n
	}

	offset := 0
	if v := query.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "offset must be a non-negative integer", nil)
			return
		}
		offset = n
	}

	userID := s.userID(r)

	transactions, err := s.transactions.ListByUser(r.Context(), userID, limit, offset)
	if err != nil {
		respondCategorized(w, err)
		return
	}

	total, err := s.transactions.Count(r.Context(), userID)
	if err != nil {
		respondCategorized(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": transactions,
		"total":        total,
		"limit":        limit,
		"offset":       offset,
	})
}

// handleGetTransaction handles GET /api/v1/transactions/{signature}.
func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	signature := mux.Vars(r)["signature"]

	tx, err := s.transactions.GetBySignature(r.Context(), signature)
	if err != nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "Transaction not found", nil)
		return
	}

	respondJSON(w, http.StatusOK, tx)
}
