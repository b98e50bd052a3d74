// Package advisory wraps Postgres session-scoped advisory locks behind a
// small manager owning one dedicated connection. Locks taken here survive
// across transactions committed on other connections and vanish
// automatically when the session dies, which is what makes trade-by-trade
// commits safe while the working set stays claimed.
package advisory

import (
	"context"
	"fmt"
	"sync"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
)

// OrderMatchClass is the lock class used to mark orders claimed by a
// matching pass.
const OrderMatchClass int32 = 1

// Manager owns one database session and the advisory locks held on it.
// Not safe for concurrent use; the matching engine is single-threaded.
type Manager struct {
	mu   sync.Mutex
	conn *pgx.Conn
}

// Connect opens the dedicated lock session.
func Connect(ctx context.Context, connString string) (*Manager, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect advisory session: %w", err)
	}
	pgxdecimal.Register(conn.TypeMap())
	return &Manager{conn: conn}, nil
}

// Conn exposes the underlying session so queries that take locks as they
// scan (the candidate fetch) run on it.
func (m *Manager) Conn() *pgx.Conn {
	return m.conn
}

// TryLock attempts to take (class, id) without blocking.
func (m *Manager) TryLock(ctx context.Context, class int32, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ok bool
	err := m.conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1, $2)", class, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to try lock (%d, %d): %w", class, id, err)
	}
	return ok, nil
}

// Lock blocks until (class, id) is held by this session.
func (m *Manager) Lock(ctx context.Context, class int32, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.conn.Exec(ctx, "SELECT pg_advisory_lock($1, $2)", class, id); err != nil {
		return fmt.Errorf("failed to lock (%d, %d): %w", class, id, err)
	}
	return nil
}

// Unlock releases one hold on (class, id). Returns false if this session
// did not hold it.
func (m *Manager) Unlock(ctx context.Context, class int32, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ok bool
	err := m.conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1, $2)", class, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to unlock (%d, %d): %w", class, id, err)
	}
	return ok, nil
}

// UnlockAll releases every advisory lock held by this session. Emergency
// cleanup for shutdown and test teardown.
func (m *Manager) UnlockAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.conn.Exec(ctx, "SELECT pg_advisory_unlock_all()"); err != nil {
		return fmt.Errorf("failed to unlock all: %w", err)
	}
	return nil
}

// HeldCount reports how many advisory locks this session currently holds,
// via pg_locks introspection.
func (m *Manager) HeldCount(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	err := m.conn.QueryRow(ctx, `
		SELECT count(*) FROM pg_locks
		WHERE locktype = 'advisory' AND pid = pg_backend_pid()`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count held locks: %w", err)
	}
	return n, nil
}

// Close releases all locks implicitly by closing the session.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn.Close(ctx)
}
