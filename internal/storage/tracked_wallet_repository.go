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

// TrackedWalletRepository handles tracked wallet persistence
type TrackedWalletRepository struct {
	db *PostgresDB
}

// NewTrackedWalletRepository creates a new tracked wallet repository
func NewTrackedWalletRepository(db *PostgresDB) *TrackedWalletRepository {
	return &TrackedWalletRepository{db: db}
}

// Create creates a new tracked wallet
func (r *TrackedWalletRepository) Create(ctx context.Context, wallet *types.TrackedWallet) error {
	if wallet.ID == "" {
		wallet.ID = uuid.New().String()
	}

	now := time.Now()
	wallet.CreatedAt = now
	wallet.UpdatedAt = now

	query := `
		INSERT INTO tracked_wallets (id, user_id, wallet_address, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		wallet.ID,
		wallet.UserID,
		wallet.WalletAddress,
		wallet.IsActive,
		wallet.CreatedAt,
		wallet.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create tracked wallet: %w", err)
	}

	return nil
}

// GetByID retrieves a tracked wallet by ID
func (r *TrackedWalletRepository) GetByID(ctx context.Context, id string) (*types.TrackedWallet, error) {
	query := `
		SELECT id, user_id, wallet_address, is_active, created_at, updated_at
		FROM tracked_wallets
		WHERE id = $1
	`

	var wallet types.TrackedWallet

	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&wallet.ID,
		&wallet.UserID,
		&wallet.WalletAddress,
		&wallet.IsActive,
		&wallet.CreatedAt,
		&wallet.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("tracked wallet not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get tracked wallet: %w", err)
	}

	return &wallet, nil
}

// ListActive retrieves all active tracked wallets for a user
func (r *TrackedWalletRepository) ListActive(ctx context.Context, userID string) ([]*types.TrackedWallet, error) {
	query := `
		SELECT id, user_id, wallet_address, is_active, created_at, updated_at
		FROM tracked_wallets
		WHERE user_id = $1 AND is_active
		ORDER BY created_at
	`

	return r.list(ctx, query, userID)
}

// List retrieves all tracked wallets for a user
func (r *TrackedWalletRepository) List(ctx context.Context, userID string) ([]*types.TrackedWallet, error) {
	query := `
		SELECT id, user_id, wallet_address, is_active, created_at, updated_at
		FROM tracked_wallets
		WHERE user_id = $1
		ORDER BY created_at
	`

	return r.list(ctx, query, userID)
}

func (r *TrackedWalletRepository) list(ctx context.Context, query string, args ...interface{}) ([]*types.TrackedWallet, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked wallets: %w", err)
	}
	defer rows.Close()

	var wallets []*types.TrackedWallet
	for rows.Next() {
		var wallet types.TrackedWallet

		err := rows.Scan(
			&wallet.ID,
			&wallet.UserID,
			&wallet.WalletAddress,
			&wallet.IsActive,
			&wallet.CreatedAt,
			&wallet.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tracked wallet: %w", err)
		}

		wallets = append(wallets, &wallet)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tracked wallets: %w", err)
	}

	return wallets, nil
}

// SetActive archives or unarchives a tracked wallet
func (r *TrackedWalletRepository) SetActive(ctx context.Context, id string, active bool) error {
	query := `
		UPDATE tracked_wallets
		SET is_active = $2, updated_at = $3
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, active, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update tracked wallet: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("tracked wallet not found: %s", id)
	}

	return nil
}

// Delete deletes a tracked wallet. History rows keep a NULL
// tracked_wallet_id via the schema's ON DELETE SET NULL.
func (r *TrackedWalletRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM tracked_wallets WHERE id = $1`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete tracked wallet: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("tracked wallet not found: %s", id)
	}

	return nil
}
