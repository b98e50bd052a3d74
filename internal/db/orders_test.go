package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arxet/exchange/internal/advisory"
	"github.com/arxet/exchange/internal/models"
)

func TestAdjustedCreationTime(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	earlier := now.Add(-time.Second)
	later := now.Add(time.Second)

	tests := []struct {
		name    string
		tradeAt *time.Time
		want    time.Time
	}{
		{"NoTradeClock", nil, now},
		{"ClockInPast", &earlier, now},
		{"ClockAhead", &later, later.Add(time.Microsecond)},
		{"ClockEqual", &now, now.Add(time.Microsecond)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AdjustedCreationTime(now, tt.tradeAt)
			if !got.Equal(tt.want) {
				t.Errorf("AdjustedCreationTime(%v, %v) = %v, want %v", now, tt.tradeAt, got, tt.want)
			}
		})
	}
}

func TestDB_CreateOrder(t *testing.T) {
	m := setupMarket(t)
	alice := createTestUser(t, "alice")
	fund(t, alice.ID, m.usd.ID, "1000")
	fund(t, alice.ID, m.btc.ID, "5")

	tests := []struct {
		name        string
		side        models.Side
		quantity    string
		price       string
		expectError bool
	}{
		{"BuyReservesSecondary", models.Buy, "2", "100", false},
		{"SellReservesPrimary", models.Sell, "3", "100", false},
		{"ZeroQuantity", models.Buy, "0", "100", true},
		{"NegativePrice", models.Buy, "1", "-5", true},
		{"InvalidSide", models.Side(0), "1", "100", true},
		{"BuyBeyondBalance", models.Buy, "100", "100", true},
		{"SellBeyondBalance", models.Sell, "100", "100", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := testDB.CreateOrder(context.Background(), alice.ID, m.pair, tt.side, d(tt.quantity), d(tt.price))
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error, got order %+v", order)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if order.Status != models.StatusOpen || !order.FilledQuantity.IsZero() {
				t.Errorf("new order not open/unfilled: %+v", order)
			}
		})
	}

	// 2*100 USD and 3 BTC escrowed; failed orders debited nothing.
	if got := balance(t, alice.ID, m.usd.ID); !got.Equal(d("800")) {
		t.Errorf("expected USD balance 800, got %s", got)
	}
	if got := balance(t, alice.ID, m.btc.ID); !got.Equal(d("2")) {
		t.Errorf("expected BTC balance 2, got %s", got)
	}
}

func TestDB_CreateOrder_ForwardAdjustsPastTradeClock(t *testing.T) {
	m := setupMarket(t)
	alice := createTestUser(t, "alice")
	fund(t, alice.ID, m.usd.ID, "1000")
	ctx := context.Background()

	// A batch stamped its trade clock ahead of wall clock; an order placed
	// now must sort after that batch.
	tradeAt := time.Now().Add(10 * time.Second)
	if err := testDB.AcquireEngineLock(ctx, "00000000-0000-0000-0000-000000000001", false); err != nil {
		t.Fatalf("Failed to acquire engine lock: %v", err)
	}
	if err := testDB.SetTradeClock(ctx, "00000000-0000-0000-0000-000000000001", tradeAt); err != nil {
		t.Fatalf("Failed to set trade clock: %v", err)
	}

	order := placeOrder(t, m, alice.ID, models.Buy, "1", "100")
	if !order.CreatedAt.After(tradeAt) {
		t.Errorf("created_at %v not adjusted past trade clock %v", order.CreatedAt, tradeAt)
	}
}

func TestDB_CancelOrder(t *testing.T) {
	m := setupMarket(t)
	alice := createTestUser(t, "alice")
	bob := createTestUser(t, "bob")
	fund(t, alice.ID, m.usd.ID, "1000")
	fund(t, bob.ID, m.btc.ID, "10")

	aliceBuy := placeOrder(t, m, alice.ID, models.Buy, "5", "101")
	bobSell := placeOrder(t, m, bob.ID, models.Sell, "1", "50")

	tests := []struct {
		name      string
		orderID   int
		userID    int
		expectErr error
	}{
		{"NonExistentOrder", 999, alice.ID, ErrNotFound},
		{"WrongUser", bobSell.ID, alice.ID, ErrNotOwner},
		{"Success", aliceBuy.ID, alice.ID, nil},
		{"AlreadyCancelled", aliceBuy.ID, alice.ID, ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := testDB.CancelOrder(context.Background(), tt.orderID, tt.userID)
			if tt.expectErr != nil {
				if !errors.Is(err, tt.expectErr) {
					t.Errorf("expected error %v, got %v", tt.expectErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if order.Status != models.StatusCancelled {
				t.Errorf("expected status cancelled, got %s", order.Status)
			}
		})
	}

	// Full reservation of 5*101 came back.
	if got := balance(t, alice.ID, m.usd.ID); !got.Equal(d("1000")) {
		t.Errorf("expected USD balance 1000 after refund, got %s", got)
	}
}

func TestDB_CancelOrder_RefundsUnfilledPortion(t *testing.T) {
	m := setupMarket(t)
	alice := createTestUser(t, "alice")
	bob := createTestUser(t, "bob")
	fund(t, alice.ID, m.usd.ID, "1000")
	fund(t, bob.ID, m.btc.ID, "10")
	ctx := context.Background()

	// Buy 5 @ 101 escrows 505.
	buy := placeOrder(t, m, alice.ID, models.Buy, "5", "101")
	if got := balance(t, alice.ID, m.usd.ID); !got.Equal(d("495")) {
		t.Fatalf("expected USD balance 495 after reservation, got %s", got)
	}

	// Fill 2 of the 5 against a resting sell at the same price.
	sell := placeOrder(t, m, bob.ID, models.Sell, "2", "101")
	if _, err := testDB.SettleTrade(ctx, sell.ID, buy.ID, time.Now()); err != nil {
		t.Fatalf("Failed to settle: %v", err)
	}

	cancelled, err := testDB.CancelOrder(ctx, buy.ID, alice.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cancelled.FilledQuantity.Equal(d("2")) {
		t.Errorf("expected filled quantity 2, got %s", cancelled.FilledQuantity)
	}

	// Refund is (5-2)*101 = 303: balance 495 + 303 = 798.
	if got := balance(t, alice.ID, m.usd.ID); !got.Equal(d("798")) {
		t.Errorf("expected USD balance 798 after partial refund, got %s", got)
	}
	if got := balance(t, alice.ID, m.btc.ID); !got.Equal(d("2")) {
		t.Errorf("expected BTC balance 2 from the fill, got %s", got)
	}
}

func TestDB_CancelOrder_Concurrent(t *testing.T) {
	m := setupMarket(t)
	alice := createTestUser(t, "alice")
	fund(t, alice.ID, m.usd.ID, "1000")
	order := placeOrder(t, m, alice.ID, models.Buy, "5", "100")

	var wg sync.WaitGroup
	n := 10
	wg.Add(n)
	successCount := 0
	mu := sync.Mutex{}

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := testDB.CancelOrder(context.Background(), order.ID, alice.ID); err == nil {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successCount != 1 {
		t.Errorf("expected exactly 1 successful cancellation, got %d", successCount)
	}
	// The refund happened exactly once.
	if got := balance(t, alice.ID, m.usd.ID); !got.Equal(d("1000")) {
		t.Errorf("expected USD balance 1000, got %s", got)
	}
}

func TestDB_GetUserOrders(t *testing.T) {
	m := setupMarket(t)
	alice := createTestUser(t, "alice")
	bob := createTestUser(t, "bob")
	fund(t, alice.ID, m.usd.ID, "10000")
	fund(t, bob.ID, m.usd.ID, "10000")

	placeOrder(t, m, alice.ID, models.Buy, "1", "100")
	placeOrder(t, m, alice.ID, models.Buy, "2", "101")
	placeOrder(t, m, bob.ID, models.Buy, "3", "102")

	orders, err := testDB.GetUserOrders(context.Background(), alice.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}
	// Newest first.
	if !orders[0].Quantity.Equal(d("2")) || !orders[1].Quantity.Equal(d("1")) {
		t.Errorf("orders not newest-first: %+v", orders)
	}

	orders, err = testDB.GetUserOrders(context.Background(), 999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(orders) != 0 {
		t.Errorf("expected no orders for unknown user, got %d", len(orders))
	}
}

func TestDB_GetOrderBook(t *testing.T) {
	m := setupMarket(t)
	alice := createTestUser(t, "alice")
	bob := createTestUser(t, "bob")
	fund(t, alice.ID, m.usd.ID, "100000")
	fund(t, bob.ID, m.btc.ID, "100")

	placeOrder(t, m, bob.ID, models.Sell, "1", "102")
	placeOrder(t, m, bob.ID, models.Sell, "1", "101")
	placeOrder(t, m, bob.ID, models.Sell, "1", "103")
	placeOrder(t, m, alice.ID, models.Buy, "1", "99")
	placeOrder(t, m, alice.ID, models.Buy, "1", "100")
	cancelled := placeOrder(t, m, alice.ID, models.Buy, "1", "98")
	if _, err := testDB.CancelOrder(context.Background(), cancelled.ID, alice.ID); err != nil {
		t.Fatalf("Failed to cancel: %v", err)
	}

	sells, buys, err := testDB.GetOrderBook(context.Background(), m.pair.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(sells) != 3 || len(buys) != 2 {
		t.Fatalf("expected 3 sells and 2 buys, got %d/%d", len(sells), len(buys))
	}
	// Sells ascending, buys descending: best prices meet in the middle.
	for i, want := range []string{"101", "102", "103"} {
		if !sells[i].Price.Equal(d(want)) {
			t.Errorf("sell %d: expected price %s, got %s", i, want, sells[i].Price)
		}
	}
	for i, want := range []string{"100", "99"} {
		if !buys[i].Price.Equal(d(want)) {
			t.Errorf("buy %d: expected price %s, got %s", i, want, buys[i].Price)
		}
	}
}

func TestDB_FetchCandidates(t *testing.T) {
	m := setupMarket(t)
	alice := createTestUser(t, "alice")
	bob := createTestUser(t, "bob")
	fund(t, alice.ID, m.usd.ID, "100000")
	fund(t, bob.ID, m.btc.ID, "100")
	ctx := context.Background()

	sell := placeOrder(t, m, bob.ID, models.Sell, "1", "100")
	buy := placeOrder(t, m, alice.ID, models.Buy, "1", "100")
	// Priced away from the cross on both sides: not candidates.
	placeOrder(t, m, bob.ID, models.Sell, "1", "200")
	placeOrder(t, m, alice.ID, models.Buy, "1", "50")

	adv, err := advisory.Connect(ctx, testConnString)
	if err != nil {
		t.Fatalf("Failed to connect advisory session: %v", err)
	}
	defer adv.Close(ctx)

	cands, err := FetchCandidates(ctx, adv.Conn(), advisory.OrderMatchClass, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(cands))
	}
	got := map[int]bool{}
	for _, c := range cands {
		got[c.ID] = true
		if c.PrimaryCurrencyID != m.btc.ID || c.SecondaryCurrencyID != m.usd.ID {
			t.Errorf("candidate %d missing pair currencies: %+v", c.ID, c)
		}
	}
	if !got[sell.ID] || !got[buy.ID] {
		t.Errorf("expected candidates {%d, %d}, got %v", sell.ID, buy.ID, got)
	}

	// Each candidate is advisory-locked on the fetching session.
	held, err := adv.HeldCount(ctx)
	if err != nil {
		t.Fatalf("Failed to count locks: %v", err)
	}
	if held != 2 {
		t.Errorf("expected 2 held locks, got %d", held)
	}

	// A second session sees nothing while the locks are held, and the
	// whole working set again once they are released.
	other, err := advisory.Connect(ctx, testConnString)
	if err != nil {
		t.Fatalf("Failed to connect second session: %v", err)
	}
	defer other.Close(ctx)

	cands2, err := FetchCandidates(ctx, other.Conn(), advisory.OrderMatchClass, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cands2) != 0 {
		t.Errorf("expected no candidates on contended fetch, got %d", len(cands2))
	}

	if err := adv.UnlockAll(ctx); err != nil {
		t.Fatalf("Failed to unlock: %v", err)
	}
	cands2, err = FetchCandidates(ctx, other.Conn(), advisory.OrderMatchClass, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cands2) != 2 {
		t.Errorf("expected 2 candidates after release, got %d", len(cands2))
	}
	if err := other.UnlockAll(ctx); err != nil {
		t.Fatalf("Failed to unlock: %v", err)
	}
}

func TestDB_FetchCandidates_CutoffExcludesNewOrders(t *testing.T) {
	m := setupMarket(t)
	alice := createTestUser(t, "alice")
	bob := createTestUser(t, "bob")
	fund(t, alice.ID, m.usd.ID, "100000")
	fund(t, bob.ID, m.btc.ID, "100")
	ctx := context.Background()

	cutoff := time.Now()
	time.Sleep(5 * time.Millisecond)
	placeOrder(t, m, bob.ID, models.Sell, "1", "100")
	placeOrder(t, m, alice.ID, models.Buy, "1", "100")

	adv, err := advisory.Connect(ctx, testConnString)
	if err != nil {
		t.Fatalf("Failed to connect advisory session: %v", err)
	}
	defer adv.Close(ctx)

	cands, err := FetchCandidates(ctx, adv.Conn(), advisory.OrderMatchClass, cutoff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cands) != 0 {
		t.Errorf("expected no candidates before cutoff, got %d", len(cands))
	}
	held, err := adv.HeldCount(ctx)
	if err != nil {
		t.Fatalf("Failed to count locks: %v", err)
	}
	if held != 0 {
		t.Errorf("expected no locks taken for an empty fetch, got %d", held)
	}
}
