package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/copy-trader/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// WatchlistRepository handles watchlist persistence
type WatchlistRepository struct {
	db *PostgresDB
}

// NewWatchlistRepository creates a new watchlist repository
func NewWatchlistRepository(db *PostgresDB) *WatchlistRepository {
	return &WatchlistRepository{db: db}
}

// Create creates a new watchlist
func (r *WatchlistRepository) Create(ctx context.Context, wl *types.Watchlist) error {
	if wl.ID == "" {
		wl.ID = uuid.New().String()
	}

	now := time.Now()
	wl.CreatedAt = now
	wl.UpdatedAt = now

	query := `
		INSERT INTO watchlists (id, user_id, name, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		wl.ID, wl.UserID, wl.Name, wl.Description, wl.CreatedAt, wl.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create watchlist: %w", err)
	}

	return nil
}

// GetByID retrieves a watchlist by ID
func (r *WatchlistRepository) GetByID(ctx context.Context, id string) (*types.Watchlist, error) {
	query := `
		SELECT id, user_id, name, description, created_at, updated_at
		FROM watchlists
		WHERE id = $1
	`

	var wl types.Watchlist
	var description *string

	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&wl.ID, &wl.UserID, &wl.Name, &description, &wl.CreatedAt, &wl.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("watchlist not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get watchlist: %w", err)
	}

	if description != nil {
		wl.Description = *description
	}

	return &wl, nil
}

// ListByUser retrieves all watchlists for a user
func (r *WatchlistRepository) ListByUser(ctx context.Context, userID string) ([]*types.Watchlist, error) {
	query := `
		SELECT id, user_id, name, description, created_at, updated_at
		FROM watchlists
		WHERE user_id = $1
		ORDER BY created_at
	`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list watchlists: %w", err)
	}
	defer rows.Close()

	var lists []*types.Watchlist
	for rows.Next() {
		var wl types.Watchlist
		var description *string

		if err := rows.Scan(&wl.ID, &wl.UserID, &wl.Name, &description, &wl.CreatedAt, &wl.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan watchlist: %w", err)
		}
		if description != nil {
			wl.Description = *description
		}

		lists = append(lists, &wl)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating watchlists: %w", err)
	}

	return lists, nil
}

// Delete deletes a watchlist and, via cascade, its token entries.
func (r *WatchlistRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM watchlists WHERE id = $1`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete watchlist: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("watchlist not found: %s", id)
	}

	return nil
}

// AddToken adds a token to a watchlist. Adding the same token twice is a
// no-op.
func (r *WatchlistRepository) AddToken(ctx context.Context, watchlistID, tokenAddress string) (*types.WatchlistToken, error) {
	token := &types.WatchlistToken{
		ID:           uuid.New().String(),
		WatchlistID:  watchlistID,
		TokenAddress: tokenAddress,
		AddedAt:      time.Now(),
	}

	query := `
		INSERT INTO watchlist_tokens (id, watchlist_id, token_address, added_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (watchlist_id, token_address) DO NOTHING
	`

	_, err := r.db.Pool().Exec(ctx, query,
		token.ID, token.WatchlistID, token.TokenAddress, token.AddedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to add watchlist token: %w", err)
	}

	return token, nil
}

// RemoveToken removes a token from a watchlist
func (r *WatchlistRepository) RemoveToken(ctx context.Context, watchlistID, tokenAddress string) error {
	query := `DELETE FROM watchlist_tokens WHERE watchlist_id = $1 AND token_address = $2`

	result, err := r.db.Pool().Exec(ctx, query, watchlistID, tokenAddress)
	if err != nil {
		return fmt.Errorf("failed to remove watchlist token: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("token not in watchlist: %s", tokenAddress)
	}

	return nil
}

// ListTokens retrieves the tokens in a watchlist
func (r *WatchlistRepository) ListTokens(ctx context.Context, watchlistID string) ([]*types.WatchlistToken, error) {
	query := `
		SELECT id, watchlist_id, token_address, added_at
		FROM watchlist_tokens
		WHERE watchlist_id = $1
		ORDER BY added_at
	`

	rows, err := r.db.Pool().Query(ctx, query, watchlistID)
	if err != nil {
		return nil, fmt.Errorf("failed to list watchlist tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*types.WatchlistToken
	for rows.Next() {
		var token types.WatchlistToken

		if err := rows.Scan(&token.ID, &token.WatchlistID, &token.TokenAddress, &token.AddedAt); err != nil {
			return nil, fmt.Errorf("failed to scan watchlist token: %w", err)
		}

		tokens = append(tokens, &token)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating watchlist tokens: %w", err)
	}

	return tokens, nil
}
