package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arxet/exchange/internal/models"

	"github.com/jackc/pgx/v5"
)

// ErrEngineLockHeld reports that another engine session holds the
// processing lock. Pass force to steal a lock left behind by a crashed
// engine; advisory locks die with their session but this row does not.
var ErrEngineLockHeld = errors.New("engine lock already held")

// AcquireEngineLock claims the singleton processing-lock row for the given
// session. Without force the claim fails if acquired_at is already set.
func (db *DB) AcquireEngineLock(ctx context.Context, sessionID string, force bool) error {
	var claimed bool
	var err error
	if force {
		err = db.Pool.QueryRow(ctx, `
			INSERT INTO engine_lock (id, acquired_at, session_id) VALUES (1, now(), $1)
			ON CONFLICT (id) DO UPDATE SET acquired_at = now(), session_id = $1
			RETURNING true`,
			sessionID).Scan(&claimed)
	} else {
		err = db.Pool.QueryRow(ctx, `
			INSERT INTO engine_lock (id, acquired_at, session_id) VALUES (1, now(), $1)
			ON CONFLICT (id) DO UPDATE SET acquired_at = now(), session_id = $1
			WHERE engine_lock.acquired_at IS NULL
			RETURNING true`,
			sessionID).Scan(&claimed)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrEngineLockHeld
		}
		return fmt.Errorf("failed to acquire engine lock: %w", err)
	}
	return nil
}

// ReleaseEngineLock clears acquired_at if this session still holds the
// lock. The trade clock is left in place: the forward adjustment keyed on
// it only ever moves timestamps forward, so a stale value is harmless.
func (db *DB) ReleaseEngineLock(ctx context.Context, sessionID string) error {
	_, err := db.Pool.Exec(ctx,
		"UPDATE engine_lock SET acquired_at = NULL WHERE id = 1 AND session_id = $1",
		sessionID)
	if err != nil {
		return fmt.Errorf("failed to release engine lock: %w", err)
	}
	return nil
}

// SetTradeClock stamps the trade clock for the batch about to run, without
// releasing the lock.
func (db *DB) SetTradeClock(ctx context.Context, sessionID string, tradeAt time.Time) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE engine_lock SET trade_at = $1 WHERE id = 1 AND session_id = $2",
		tradeAt, sessionID)
	if err != nil {
		return fmt.Errorf("failed to set trade clock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("engine lock not held by session %s", sessionID)
	}
	return nil
}

// GetEngineLock reads the current lock row. A nil result means the engine
// has never run.
func (db *DB) GetEngineLock(ctx context.Context) (*models.EngineLock, error) {
	lock := &models.EngineLock{}
	err := db.Pool.QueryRow(ctx,
		"SELECT acquired_at, trade_at, session_id::text FROM engine_lock WHERE id = 1").Scan(
		&lock.AcquiredAt, &lock.TradeAt, &lock.SessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read engine lock: %w", err)
	}
	return lock, nil
}
