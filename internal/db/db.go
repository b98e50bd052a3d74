package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/arxet/exchange/internal/models"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Domain errors surfaced to callers. The API layer maps these to
// machine-readable HTTP rejections.
var (
	ErrNotFound          = errors.New("not found")
	ErrNotOwner          = errors.New("order not owned by user")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidTransition = errors.New("invalid order status transition")
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool. Every connection
// registers the shopspring decimal codec so NUMERIC columns scan into
// decimal.Decimal directly.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// CreateCurrency inserts a currency, returning the existing row if the code
// is already registered.
func (db *DB) CreateCurrency(ctx context.Context, code, name string) (*models.Currency, error) {
	c := &models.Currency{}
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO currencies (code, name) VALUES ($1, $2)
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, code, name`,
		code, name).Scan(&c.ID, &c.Code, &c.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create currency: %w", err)
	}
	return c, nil
}

// CreateAssetPair registers an order book for (primary, secondary).
func (db *DB) CreateAssetPair(ctx context.Context, primaryID, secondaryID int) (*models.AssetPair, error) {
	var id int
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO asset_pairs (primary_currency_id, secondary_currency_id) VALUES ($1, $2)
		ON CONFLICT (primary_currency_id, secondary_currency_id)
		DO UPDATE SET primary_currency_id = EXCLUDED.primary_currency_id
		RETURNING id`,
		primaryID, secondaryID).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to create asset pair: %w", err)
	}
	return db.GetAssetPair(ctx, id)
}

// GetAssetPair retrieves a pair with its currency codes resolved.
func (db *DB) GetAssetPair(ctx context.Context, id int) (*models.AssetPair, error) {
	p := &models.AssetPair{}
	err := db.Pool.QueryRow(ctx, `
		SELECT p.id, p.primary_currency_id, p.secondary_currency_id, pc.code, sc.code
		FROM asset_pairs p
		JOIN currencies pc ON pc.id = p.primary_currency_id
		JOIN currencies sc ON sc.id = p.secondary_currency_id
		WHERE p.id = $1`,
		id).Scan(&p.ID, &p.PrimaryCurrencyID, &p.SecondaryCurrencyID, &p.PrimaryCode, &p.SecondaryCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get asset pair: %w", err)
	}
	return p, nil
}

// GetAssetPairBySymbol resolves "BTC/USD" style symbols.
func (db *DB) GetAssetPairBySymbol(ctx context.Context, primaryCode, secondaryCode string) (*models.AssetPair, error) {
	p := &models.AssetPair{}
	err := db.Pool.QueryRow(ctx, `
		SELECT p.id, p.primary_currency_id, p.secondary_currency_id, pc.code, sc.code
		FROM asset_pairs p
		JOIN currencies pc ON pc.id = p.primary_currency_id
		JOIN currencies sc ON sc.id = p.secondary_currency_id
		WHERE pc.code = $1 AND sc.code = $2`,
		primaryCode, secondaryCode).Scan(&p.ID, &p.PrimaryCurrencyID, &p.SecondaryCurrencyID, &p.PrimaryCode, &p.SecondaryCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get asset pair: %w", err)
	}
	return p, nil
}

// ListAssetPairs returns all registered order books.
func (db *DB) ListAssetPairs(ctx context.Context) ([]models.AssetPair, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT p.id, p.primary_currency_id, p.secondary_currency_id, pc.code, sc.code
		FROM asset_pairs p
		JOIN currencies pc ON pc.id = p.primary_currency_id
		JOIN currencies sc ON sc.id = p.secondary_currency_id
		ORDER BY p.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list asset pairs: %w", err)
	}
	defer rows.Close()

	var pairs []models.AssetPair
	for rows.Next() {
		var p models.AssetPair
		if err := rows.Scan(&p.ID, &p.PrimaryCurrencyID, &p.SecondaryCurrencyID, &p.PrimaryCode, &p.SecondaryCode); err != nil {
			return nil, fmt.Errorf("failed to scan asset pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// NotifyNewOrder publishes the wake sentinel on the given channel.
// Best effort: the engine also polls on a timeout, so a missed or duplicate
// signal is harmless.
func (db *DB) NotifyNewOrder(ctx context.Context, channel string) error {
	_, err := db.Pool.Exec(ctx, "SELECT pg_notify($1, 'new_order')", channel)
	if err != nil {
		return fmt.Errorf("failed to notify: %w", err)
	}
	return nil
}
