package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/copy-trader/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateSignature is returned when a history row with the same
// signature already exists. The ledger's in-memory dedup is the
// authoritative guard; the DB constraint is the backstop.
var ErrDuplicateSignature = errors.New("transaction signature already recorded")

// TransactionRepository handles the append-only execution history.
// Rows are written once per committed ledger mutation and never updated
// or deleted.
type TransactionRepository struct {
	db *PostgresDB
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *PostgresDB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Append records one committed execution outcome.
func (r *TransactionRepository) Append(ctx context.Context, tx *types.Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now()
	}

	query := `
		INSERT INTO transactions (id, user_id, tracked_wallet_id, signature,
			transaction_type, token_address, amount, price_sol, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		tx.ID,
		tx.UserID,
		tx.TrackedWalletID,
		tx.Signature,
		tx.TransactionType,
		tx.TokenAddress,
		tx.Amount,
		tx.PriceSol,
		tx.Timestamp,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateSignature
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}

	return nil
}

// GetBySignature retrieves a history row by its signature.
func (r *TransactionRepository) GetBySignature(ctx context.Context, signature string) (*types.Transaction, error) {
	query := `
		SELECT id, user_id, tracked_wallet_id, signature, transaction_type,
			token_address, amount, price_sol, timestamp
		FROM transactions
		WHERE signature = $1
	`

	var tx types.Transaction

	err := r.db.Pool().QueryRow(ctx, query, signature).Scan(
		&tx.ID,
		&tx.UserID,
		&tx.TrackedWalletID,
		&tx.Signature,
		&tx.TransactionType,
		&tx.TokenAddress,
		&tx.Amount,
		&tx.PriceSol,
		&tx.Timestamp,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("transaction not found: %s", signature)
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	return &tx, nil
}

// ListByUser retrieves history rows for a user, newest first.
func (r *TransactionRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*types.Transaction, error) {
	query := `
		SELECT id, user_id, tracked_wallet_id, signature, transaction_type,
			token_address, amount, price_sol, timestamp
		FROM transactions
		WHERE user_id = $1
		ORDER BY timestamp DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []*types.Transaction
	for rows.Next() {
		var tx types.Transaction

		err := rows.Scan(
			&tx.ID,
			&tx.UserID,
			&tx.TrackedWalletID,
			&tx.Signature,
			&tx.TransactionType,
			&tx.TokenAddress,
			&tx.Amount,
			&tx.PriceSol,
			&tx.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}

		txs = append(txs, &tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return txs, nil
}

// Count returns the number of history rows for a user.
func (r *TransactionRepository) Count(ctx context.Context, userID string) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM transactions WHERE user_id = $1`

	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	return count, nil
}
