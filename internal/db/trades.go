package db

import (
	"context"
	"fmt"

	"github.com/arxet/exchange/internal/models"

	"github.com/jackc/pgx/v5"
)

const tradeColumns = "id, buy_order_id, sell_order_id, filled_quantity, price, overpayment_amount, created_at, modified_at"

func collectTrades(rows pgx.Rows) ([]models.Trade, error) {
	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		if err := rows.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.FilledQuantity,
			&t.Price, &t.OverpaymentAmount, &t.CreatedAt, &t.ModifiedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// GetUserTrades retrieves all trades where the user was on either side.
func (db *DB) GetUserTrades(ctx context.Context, userID int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT t.id, t.buy_order_id, t.sell_order_id, t.filled_quantity, t.price, t.overpayment_amount, t.created_at, t.modified_at "+
			"FROM trades t JOIN orders o ON t.buy_order_id = o.id OR t.sell_order_id = o.id "+
			"WHERE o.user_id = $1 ORDER BY t.created_at DESC, t.id DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// GetAllTrades retrieves every trade, oldest first.
func (db *DB) GetAllTrades(ctx context.Context) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx, "SELECT "+tradeColumns+" FROM trades ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("failed to get trades: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// GetPairTrades retrieves recent trades for one pair, newest first.
func (db *DB) GetPairTrades(ctx context.Context, pairID, limit int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT t.id, t.buy_order_id, t.sell_order_id, t.filled_quantity, t.price, t.overpayment_amount, t.created_at, t.modified_at "+
			"FROM trades t JOIN orders o ON o.id = t.sell_order_id "+
			"WHERE o.asset_pair_id = $1 ORDER BY t.created_at DESC, t.id DESC LIMIT $2",
		pairID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pair trades: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}
