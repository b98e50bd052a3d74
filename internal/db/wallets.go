package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/arxet/exchange/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Wallet ledger. Every balance mutation locks the wallet row with
// SELECT ... FOR UPDATE inside the caller's transaction, so concurrent
// trades touching the same wallet serialize instead of losing updates.

// CreditWallet adds amount to the (user, currency) balance, creating the
// wallet row lazily on first use. Runs inside the caller's transaction.
func CreditWallet(ctx context.Context, tx pgx.Tx, userID, currencyID int, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("credit amount must not be negative")
	}

	// Ensure the row exists before locking it.
	_, err := tx.Exec(ctx, `
		INSERT INTO wallets (user_id, currency_id, balance) VALUES ($1, $2, 0)
		ON CONFLICT (user_id, currency_id) DO NOTHING`,
		userID, currencyID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to ensure wallet: %w", err)
	}

	var balance decimal.Decimal
	err = tx.QueryRow(ctx,
		"SELECT balance FROM wallets WHERE user_id = $1 AND currency_id = $2 FOR UPDATE",
		userID, currencyID).Scan(&balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to lock wallet: %w", err)
	}

	newBalance := balance.Add(amount)
	_, err = tx.Exec(ctx,
		"UPDATE wallets SET balance = $1 WHERE user_id = $2 AND currency_id = $3",
		newBalance, userID, currencyID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to credit wallet: %w", err)
	}
	return newBalance, nil
}

// DebitWallet removes amount from the (user, currency) balance. Returns
// ErrInsufficientFunds when the wallet is missing or the balance would go
// negative; no partial debit ever occurs.
func DebitWallet(ctx context.Context, tx pgx.Tx, userID, currencyID int, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("debit amount must not be negative")
	}

	var balance decimal.Decimal
	err := tx.QueryRow(ctx,
		"SELECT balance FROM wallets WHERE user_id = $1 AND currency_id = $2 FOR UPDATE",
		userID, currencyID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrInsufficientFunds
		}
		return decimal.Zero, fmt.Errorf("failed to lock wallet: %w", err)
	}

	if amount.GreaterThan(balance) {
		return decimal.Zero, ErrInsufficientFunds
	}

	newBalance := balance.Sub(amount)
	_, err = tx.Exec(ctx,
		"UPDATE wallets SET balance = $1 WHERE user_id = $2 AND currency_id = $3",
		newBalance, userID, currencyID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to debit wallet: %w", err)
	}
	return newBalance, nil
}

// Deposit credits a wallet outside any order flow (external mint, used by
// seeding and tests).
func (db *DB) Deposit(ctx context.Context, userID, currencyID int, amount decimal.Decimal) (decimal.Decimal, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, err := CreditWallet(ctx, tx, userID, currencyID, amount)
	if err != nil {
		return decimal.Zero, err
	}
	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return balance, nil
}

// GetWallet retrieves a single wallet balance.
func (db *DB) GetWallet(ctx context.Context, userID, currencyID int) (*models.Wallet, error) {
	w := &models.Wallet{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, user_id, currency_id, balance FROM wallets WHERE user_id = $1 AND currency_id = $2",
		userID, currencyID).Scan(&w.ID, &w.UserID, &w.CurrencyID, &w.Balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return w, nil
}

// GetUserWallets retrieves all wallets for a user.
func (db *DB) GetUserWallets(ctx context.Context, userID int) ([]models.Wallet, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, user_id, currency_id, balance FROM wallets WHERE user_id = $1 ORDER BY currency_id",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user wallets: %w", err)
	}
	defer rows.Close()

	var wallets []models.Wallet
	for rows.Next() {
		var w models.Wallet
		if err := rows.Scan(&w.ID, &w.UserID, &w.CurrencyID, &w.Balance); err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}
