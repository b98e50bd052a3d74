package models

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestSide_JSON(t *testing.T) {
	tests := []struct {
		wire string
		side Side
	}{
		{`"buy"`, Buy},
		{`"sell"`, Sell},
	}
	for _, tt := range tests {
		var s Side
		if err := json.Unmarshal([]byte(tt.wire), &s); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.wire, err)
		}
		if s != tt.side {
			t.Errorf("unmarshal %s: got %d, want %d", tt.wire, s, tt.side)
		}
		out, err := json.Marshal(tt.side)
		if err != nil {
			t.Fatalf("marshal %d: %v", tt.side, err)
		}
		if string(out) != tt.wire {
			t.Errorf("marshal %d: got %s, want %s", tt.side, out, tt.wire)
		}
	}

	var s Side
	if err := json.Unmarshal([]byte(`"hold"`), &s); err == nil {
		t.Error("expected error for unknown side")
	}
}

func TestOrder_ReservationAndRefund(t *testing.T) {
	pair := AssetPair{PrimaryCurrencyID: 1, SecondaryCurrencyID: 2}

	buy := &Order{Side: Buy, Quantity: dec("5"), Price: dec("101"), FilledQuantity: dec("2")}
	if got := buy.ReservationAmount(); !got.Equal(dec("505")) {
		t.Errorf("buy reservation = %s, want 505", got)
	}
	// Unfilled 3 at limit price 101.
	if got := buy.RefundAmount(); !got.Equal(dec("303")) {
		t.Errorf("buy refund = %s, want 303", got)
	}
	if got := buy.ReservationCurrencyID(pair); got != 2 {
		t.Errorf("buy reservation currency = %d, want secondary", got)
	}

	sell := &Order{Side: Sell, Quantity: dec("5"), Price: dec("101"), FilledQuantity: dec("2")}
	if got := sell.ReservationAmount(); !got.Equal(dec("5")) {
		t.Errorf("sell reservation = %s, want 5", got)
	}
	if got := sell.RefundAmount(); !got.Equal(dec("3")) {
		t.Errorf("sell refund = %s, want 3", got)
	}
	if got := sell.ReservationCurrencyID(pair); got != 1 {
		t.Errorf("sell reservation currency = %d, want primary", got)
	}
}

func TestOrderStatus_Terminal(t *testing.T) {
	for status, terminal := range map[OrderStatus]bool{
		StatusOpen:            false,
		StatusPartiallyFilled: false,
		StatusFilled:          true,
		StatusCancelled:       true,
	} {
		if status.Terminal() != terminal {
			t.Errorf("%s.Terminal() = %v, want %v", status, status.Terminal(), terminal)
		}
	}
}
