package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/copy-trader/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SettingsRepository handles copy-trade settings persistence. The
// UNIQUE(user_id, tracked_wallet_id) constraint guarantees at most one
// policy record per pair.
type SettingsRepository struct {
	db *PostgresDB
}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository(db *PostgresDB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

const settingsColumns = `id, user_id, tracked_wallet_id, is_enabled, trade_amount_sol,
		max_slippage, max_open_positions, allow_additional_buys, match_sell_percentage,
		allowed_tokens, use_allowed_tokens_list, min_sol_balance, created_at, updated_at`

// Upsert creates or replaces the settings record for the
// (user, tracked wallet) pair.
func (r *SettingsRepository) Upsert(ctx context.Context, settings *types.CopyTradeSettings) error {
	if settings.ID == "" {
		settings.ID = uuid.New().String()
	}

	now := time.Now()
	if settings.CreatedAt.IsZero() {
		settings.CreatedAt = now
	}
	settings.UpdatedAt = now

	var allowedJSON []byte
	var err error
	if settings.AllowedTokens != nil {
		allowedJSON, err = json.Marshal(settings.AllowedTokens)
		if err != nil {
			return fmt.Errorf("failed to marshal allowed tokens: %w", err)
		}
	}

	query := `
		INSERT INTO copy_trade_settings (` + settingsColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (user_id, tracked_wallet_id) DO UPDATE SET
			is_enabled = EXCLUDED.is_enabled,
			trade_amount_sol = EXCLUDED.trade_amount_sol,
			max_slippage = EXCLUDED.max_slippage,
			max_open_positions = EXCLUDED.max_open_positions,
			allow_additional_buys = EXCLUDED.allow_additional_buys,
			match_sell_percentage = EXCLUDED.match_sell_percentage,
			allowed_tokens = EXCLUDED.allowed_tokens,
			use_allowed_tokens_list = EXCLUDED.use_allowed_tokens_list,
			min_sol_balance = EXCLUDED.min_sol_balance,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.Pool().Exec(ctx, query,
		settings.ID,
		settings.UserID,
		settings.TrackedWalletID,
		settings.IsEnabled,
		settings.TradeAmountSol,
		settings.MaxSlippage,
		settings.MaxOpenPositions,
		settings.AllowAdditionalBuys,
		settings.MatchSellPercentage,
		allowedJSON,
		settings.UseAllowedTokensList,
		settings.MinSolBalance,
		settings.CreatedAt,
		settings.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert settings: %w", err)
	}

	return nil
}

// GetByTrackedWallet retrieves the settings record for a tracked wallet.
func (r *SettingsRepository) GetByTrackedWallet(ctx context.Context, userID, trackedWalletID string) (*types.CopyTradeSettings, error) {
	query := `
		SELECT ` + settingsColumns + `
		FROM copy_trade_settings
		WHERE user_id = $1 AND tracked_wallet_id = $2
	`

	settings, err := r.scanRow(r.db.Pool().QueryRow(ctx, query, userID, trackedWalletID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("settings not found for tracked wallet: %s", trackedWalletID)
		}
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}

	return settings, nil
}

// ListByUser retrieves all settings records for a user.
func (r *SettingsRepository) ListByUser(ctx context.Context, userID string) ([]*types.CopyTradeSettings, error) {
	query := `
		SELECT ` + settingsColumns + `
		FROM copy_trade_settings
		WHERE user_id = $1
		ORDER BY created_at
	`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	var result []*types.CopyTradeSettings
	for rows.Next() {
		settings, err := r.scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settings: %w", err)
		}
		result = append(result, settings)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating settings: %w", err)
	}

	return result, nil
}

// Delete removes the settings record for a tracked wallet.
func (r *SettingsRepository) Delete(ctx context.Context, userID, trackedWalletID string) error {
	query := `DELETE FROM copy_trade_settings WHERE user_id = $1 AND tracked_wallet_id = $2`

	result, err := r.db.Pool().Exec(ctx, query, userID, trackedWalletID)
	if err != nil {
		return fmt.Errorf("failed to delete settings: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("settings not found for tracked wallet: %s", trackedWalletID)
	}

	return nil
}

func (r *SettingsRepository) scanRow(row pgx.Row) (*types.CopyTradeSettings, error) {
	var settings types.CopyTradeSettings
	var allowedJSON []byte

	err := row.Scan(
		&settings.ID,
		&settings.UserID,
		&settings.TrackedWalletID,
		&settings.IsEnabled,
		&settings.TradeAmountSol,
		&settings.MaxSlippage,
		&settings.MaxOpenPositions,
		&settings.AllowAdditionalBuys,
		&settings.MatchSellPercentage,
		&allowedJSON,
		&settings.UseAllowedTokensList,
		&settings.MinSolBalance,
		&settings.CreatedAt,
		&settings.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(allowedJSON) > 0 {
		if err := json.Unmarshal(allowedJSON, &settings.AllowedTokens); err != nil {
			return nil, fmt.Errorf("failed to unmarshal allowed tokens: %w", err)
		}
	}

	return &settings, nil
}
