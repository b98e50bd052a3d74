package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

const (
	sessionA = "11111111-1111-1111-1111-111111111111"
	sessionB = "22222222-2222-2222-2222-222222222222"
)

func TestDB_EngineLock(t *testing.T) {
	resetTables(t)
	ctx := context.Background()

	// Never run: no lock row at all.
	lock, err := testDB.GetEngineLock(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lock != nil {
		t.Fatalf("expected no lock row, got %+v", lock)
	}

	if err := testDB.AcquireEngineLock(ctx, sessionA, false); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	// A second session is refused while the first holds the row.
	if err := testDB.AcquireEngineLock(ctx, sessionB, false); !errors.Is(err, ErrEngineLockHeld) {
		t.Errorf("expected ErrEngineLockHeld, got %v", err)
	}

	lock, err = testDB.GetEngineLock(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lock.AcquiredAt == nil || lock.SessionID == nil || *lock.SessionID != sessionA {
		t.Errorf("lock row not held by session A: %+v", lock)
	}

	if err := testDB.ReleaseEngineLock(ctx, sessionA); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := testDB.AcquireEngineLock(ctx, sessionB, false); err != nil {
		t.Errorf("acquire after release failed: %v", err)
	}
}

func TestDB_EngineLock_ForceSteal(t *testing.T) {
	resetTables(t)
	ctx := context.Background()

	// Session A crashed without releasing.
	if err := testDB.AcquireEngineLock(ctx, sessionA, false); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	if err := testDB.AcquireEngineLock(ctx, sessionB, true); err != nil {
		t.Fatalf("forced acquire failed: %v", err)
	}
	lock, err := testDB.GetEngineLock(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lock.SessionID == nil || *lock.SessionID != sessionB {
		t.Errorf("expected session B to hold the lock, got %+v", lock)
	}

	// The stale session's release is now a no-op.
	if err := testDB.ReleaseEngineLock(ctx, sessionA); err != nil {
		t.Fatalf("stale release errored: %v", err)
	}
	lock, err = testDB.GetEngineLock(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lock.AcquiredAt == nil {
		t.Error("stale session release cleared the stolen lock")
	}
}

func TestDB_SetTradeClock(t *testing.T) {
	resetTables(t)
	ctx := context.Background()

	tradeAt := time.Now().Truncate(time.Microsecond)

	// Requires the lock.
	if err := testDB.SetTradeClock(ctx, sessionA, tradeAt); err == nil {
		t.Error("expected error setting trade clock without the lock")
	}

	if err := testDB.AcquireEngineLock(ctx, sessionA, false); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := testDB.SetTradeClock(ctx, sessionA, tradeAt); err != nil {
		t.Fatalf("set trade clock failed: %v", err)
	}
	if err := testDB.SetTradeClock(ctx, sessionB, tradeAt); err == nil {
		t.Error("expected error setting trade clock from a non-holding session")
	}

	// The clock survives release so late orders still adjust forward.
	if err := testDB.ReleaseEngineLock(ctx, sessionA); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	lock, err := testDB.GetEngineLock(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lock.TradeAt == nil || !lock.TradeAt.Equal(tradeAt) {
		t.Errorf("expected trade clock %v retained, got %+v", tradeAt, lock.TradeAt)
	}
	if lock.AcquiredAt != nil {
		t.Errorf("expected lock released, got acquired_at %v", lock.AcquiredAt)
	}
}
