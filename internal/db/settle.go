package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arxet/exchange/internal/models"

	"github.com/shopspring/decimal"
)

// ErrStaleMatch reports that a matched pair was no longer tradeable when
// re-read under row locks (e.g. one side was cancelled between the
// candidate fetch and settlement). The pass drops the stale side and moves
// on; nothing was committed.
var ErrStaleMatch = errors.New("matched orders no longer tradeable")

// SettleResult is the committed outcome of one match.
type SettleResult struct {
	Trade     models.Trade
	SellOrder models.Order
	BuyOrder  models.Order
}

// SettleTrade executes one matched (sell, buy) pair as a single
// transaction: re-reads both orders under row locks, fills
// min(unfilled) on each, records the trade at the batch's trade clock, and
// credits the three settlement legs (bought quantity to the buyer,
// overpayment refund to the buyer, proceeds to the seller). Any failure
// aborts the whole trade.
func (db *DB) SettleTrade(ctx context.Context, sellOrderID, buyOrderID int, tradeAt time.Time) (*SettleResult, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Row locks are taken in id order on exactly the two orders being
	// traded, for the duration of this one transaction only.
	rows, err := tx.Query(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = ANY($1::int[]) ORDER BY id FOR UPDATE",
		[]int{sellOrderID, buyOrderID})
	if err != nil {
		return nil, fmt.Errorf("failed to lock orders: %w", err)
	}
	locked, err := collectOrders(rows)
	if err != nil {
		return nil, err
	}
	if len(locked) != 2 {
		return nil, ErrStaleMatch
	}

	var sell, buy models.Order
	for _, o := range locked {
		switch o.ID {
		case sellOrderID:
			sell = o
		case buyOrderID:
			buy = o
		}
	}
	if sell.Side != models.Sell || buy.Side != models.Buy || sell.AssetPairID != buy.AssetPairID {
		return nil, fmt.Errorf("orders %d/%d do not form a sell/buy pair", sellOrderID, buyOrderID)
	}
	if sell.Status.Terminal() || buy.Status.Terminal() {
		return nil, ErrStaleMatch
	}
	if buy.Price.LessThan(sell.Price) {
		return nil, fmt.Errorf("buy price %s below sell price %s", buy.Price, sell.Price)
	}

	fill := decimal.Min(sell.UnfilledQuantity(), buy.UnfilledQuantity())
	if !fill.IsPositive() {
		return nil, ErrStaleMatch
	}

	pair, err := db.GetAssetPair(ctx, sell.AssetPairID)
	if err != nil {
		return nil, err
	}

	// The resting sell sets the execution price; the buyer's limit excess
	// is refunded.
	tradePrice := sell.Price
	overpayment := buy.Price.Sub(tradePrice).Mul(fill)

	trade := models.Trade{}
	err = tx.QueryRow(ctx,
		"INSERT INTO trades (buy_order_id, sell_order_id, filled_quantity, price, overpayment_amount, created_at, modified_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING "+tradeColumns,
		buy.ID, sell.ID, fill, tradePrice, overpayment, tradeAt).Scan(
		&trade.ID, &trade.BuyOrderID, &trade.SellOrderID, &trade.FilledQuantity,
		&trade.Price, &trade.OverpaymentAmount, &trade.CreatedAt, &trade.ModifiedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}

	for _, o := range []*models.Order{&sell, &buy} {
		o.FilledQuantity = o.FilledQuantity.Add(fill)
		if o.UnfilledQuantity().IsZero() {
			o.Status = models.StatusFilled
		} else {
			o.Status = models.StatusPartiallyFilled
		}
		o.ModifiedAt = tradeAt
		_, err = tx.Exec(ctx,
			"UPDATE orders SET filled_quantity = $1, status = $2, modified_at = $3 WHERE id = $4",
			o.FilledQuantity, o.Status, tradeAt, o.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to update order %d: %w", o.ID, err)
		}
	}

	if _, err := CreditWallet(ctx, tx, buy.UserID, pair.PrimaryCurrencyID, fill); err != nil {
		return nil, err
	}
	if overpayment.IsPositive() {
		if _, err := CreditWallet(ctx, tx, buy.UserID, pair.SecondaryCurrencyID, overpayment); err != nil {
			return nil, err
		}
	}
	if _, err := CreditWallet(ctx, tx, sell.UserID, pair.SecondaryCurrencyID, tradePrice.Mul(fill)); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return &SettleResult{Trade: trade, SellOrder: sell, BuyOrder: buy}, nil
}

// NotifyTrade publishes an executed trade on the feed channel for connected
// clients. Fire and forget; delivery is not required for correctness.
func (db *DB) NotifyTrade(ctx context.Context, channel string, trade models.Trade) error {
	payload, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("failed to marshal trade: %w", err)
	}
	if _, err := db.Pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(payload)); err != nil {
		return fmt.Errorf("failed to notify trade: %w", err)
	}
	return nil
}
