package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arxet/exchange/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const orderColumns = "id, user_id, asset_pair_id, side, quantity, price, filled_quantity, status, created_at, modified_at"

func scanOrder(row pgx.Row, o *models.Order) error {
	return row.Scan(&o.ID, &o.UserID, &o.AssetPairID, &o.Side, &o.Quantity, &o.Price,
		&o.FilledQuantity, &o.Status, &o.CreatedAt, &o.ModifiedAt)
}

// AdjustedCreationTime forward-adjusts an order's creation timestamp past
// the trade clock of any in-flight matching batch. An order persisted while
// a batch is evaluating the book must not sort "before" that batch's
// trades, so timestamps at or before tradeAt move to tradeAt plus one
// microsecond (the store's resolution). Timestamps only ever move forward.
func AdjustedCreationTime(now time.Time, tradeAt *time.Time) time.Time {
	if tradeAt == nil {
		return now
	}
	if !now.After(*tradeAt) {
		return tradeAt.Add(time.Microsecond)
	}
	return now
}

// CreateOrder validates the order, debits the owner's reservation and
// inserts the order row as one atomic unit. The reservation is the full
// unfilled value: quantity*price of secondary currency for a buy, quantity
// of primary currency for a sell.
func (db *DB) CreateOrder(ctx context.Context, userID int, pair *models.AssetPair, side models.Side, quantity, price decimal.Decimal) (*models.Order, error) {
	if side != models.Buy && side != models.Sell {
		return nil, fmt.Errorf("side must be 'buy' or 'sell'")
	}
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("quantity must be positive")
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("price must be positive")
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Read the engine's trade clock inside the same transaction so the
	// forward adjustment and the insert can't straddle a batch boundary.
	var tradeAt *time.Time
	err = tx.QueryRow(ctx, "SELECT trade_at FROM engine_lock WHERE id = 1").Scan(&tradeAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to read trade clock: %w", err)
	}
	createdAt := AdjustedCreationTime(time.Now(), tradeAt)

	order := &models.Order{
		UserID:      userID,
		AssetPairID: pair.ID,
		Side:        side,
		Quantity:    quantity,
		Price:       price,
		Status:      models.StatusOpen,
	}

	if _, err := DebitWallet(ctx, tx, userID, order.ReservationCurrencyID(*pair), order.ReservationAmount()); err != nil {
		return nil, err
	}

	created := &models.Order{}
	err = scanOrder(tx.QueryRow(ctx,
		"INSERT INTO orders (user_id, asset_pair_id, side, quantity, price, status, created_at, modified_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $7) RETURNING "+orderColumns,
		userID, pair.ID, side, quantity, price, models.StatusOpen, createdAt), created)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return created, nil
}

// CancelOrder cancels an open or partially filled order owned by the user
// and refunds the still-unfilled reservation in the same transaction.
func (db *DB) CancelOrder(ctx context.Context, orderID, userID int) (*models.Order, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order := &models.Order{}
	err = scanOrder(tx.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", orderID), order)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if order.UserID != userID {
		return nil, ErrNotOwner
	}
	if order.Status.Terminal() {
		return nil, ErrInvalidTransition
	}

	pair, err := db.GetAssetPair(ctx, order.AssetPairID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	err = scanOrder(tx.QueryRow(ctx,
		"UPDATE orders SET status = $1, modified_at = $2 WHERE id = $3 RETURNING "+orderColumns,
		models.StatusCancelled, now, orderID), order)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel order: %w", err)
	}

	refund := order.RefundAmount()
	if refund.IsPositive() {
		if _, err := CreditWallet(ctx, tx, order.UserID, order.ReservationCurrencyID(*pair), refund); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return order, nil
}

// GetOrder retrieves a single order.
func (db *DB) GetOrder(ctx context.Context, orderID int) (*models.Order, error) {
	order := &models.Order{}
	err := scanOrder(db.Pool.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", orderID), order)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// GetUserOrders retrieves all orders for a user, newest first.
func (db *DB) GetUserOrders(ctx context.Context, userID int) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// GetOrderBook returns the resting orders for one pair as a display
// snapshot: sells ascending by price, buys descending, time priority within
// a price level. Takes no locks.
func (db *DB) GetOrderBook(ctx context.Context, pairID int) (sells, buys []models.Order, err error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+orderColumns+` FROM orders
		WHERE asset_pair_id = $1 AND status IN ('open', 'partially_filled')
		ORDER BY side, price * side, created_at, id`,
		pairID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get order book: %w", err)
	}
	defer rows.Close()

	orders, err := collectOrders(rows)
	if err != nil {
		return nil, nil, err
	}
	for _, o := range orders {
		if o.Side == models.Sell {
			sells = append(sells, o)
		} else {
			buys = append(buys, o)
		}
	}
	// Buys come back ascending on negated price; reverse for best-first.
	for i, j := 0, len(buys)-1; i < j; i, j = i+1, j-1 {
		buys[i], buys[j] = buys[j], buys[i]
	}
	return sells, buys, nil
}

func collectOrders(rows pgx.Rows) ([]models.Order, error) {
	var orders []models.Order
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.AssetPairID, &o.Side, &o.Quantity, &o.Price,
			&o.FilledQuantity, &o.Status, &o.CreatedAt, &o.ModifiedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// Querier is the subset of pgx used by the candidate fetch. It is satisfied
// by *pgx.Conn so the query can run on the advisory-lock session.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// FetchCandidates selects, in one query, every order that could participate
// in a match as of the cutoff: non-terminal, created at or before the
// cutoff, and inside a pair whose best sell price crosses its best buy
// price. Each returned order is advisory-locked (lockClass, order id) on
// the session q belongs to as the query scans it; rows whose lock is held
// elsewhere are skipped. The OFFSET 0 fence keeps the planner from taking
// locks on rows the inner filters would discard.
func FetchCandidates(ctx context.Context, q Querier, lockClass int32, cutoff time.Time) ([]models.CandidateOrder, error) {
	rows, err := q.Query(ctx, `
		SELECT c.id, c.user_id, c.asset_pair_id, c.side, c.quantity, c.price,
		       c.filled_quantity, c.status, c.created_at, c.modified_at,
		       c.primary_currency_id, c.secondary_currency_id
		FROM (
			SELECT o.id, o.user_id, o.asset_pair_id, o.side, o.quantity, o.price,
			       o.filled_quantity, o.status, o.created_at, o.modified_at,
			       p.primary_currency_id, p.secondary_currency_id
			FROM orders o
			JOIN asset_pairs p ON p.id = o.asset_pair_id
			JOIN (
				SELECT asset_pair_id,
				       MAX(price) FILTER (WHERE side = 1)  AS best_buy,
				       MIN(price) FILTER (WHERE side = -1) AS best_sell
				FROM orders
				WHERE status IN ('open', 'partially_filled') AND created_at <= $2
				GROUP BY asset_pair_id
			) x ON x.asset_pair_id = o.asset_pair_id
			WHERE o.status IN ('open', 'partially_filled')
			  AND o.created_at <= $2
			  AND x.best_buy IS NOT NULL
			  AND x.best_sell IS NOT NULL
			  AND x.best_sell <= x.best_buy
			  AND ((o.side = -1 AND o.price <= x.best_buy) OR (o.side = 1 AND o.price >= x.best_sell))
			OFFSET 0
		) c
		WHERE pg_try_advisory_lock($1::int, c.id::int)`,
		lockClass, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch candidates: %w", err)
	}
	defer rows.Close()

	var cands []models.CandidateOrder
	for rows.Next() {
		var c models.CandidateOrder
		if err := rows.Scan(&c.ID, &c.UserID, &c.AssetPairID, &c.Side, &c.Quantity, &c.Price,
			&c.FilledQuantity, &c.Status, &c.CreatedAt, &c.ModifiedAt,
			&c.PrimaryCurrencyID, &c.SecondaryCurrencyID); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		cands = append(cands, c)
	}
	return cands, rows.Err()
}
