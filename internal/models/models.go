package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// User represents a registered user
type User struct {
	ID           int
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Currency is a tradeable asset (e.g. BTC, USD)
type Currency struct {
	ID   int    `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// AssetPair defines one order book: quantities are denominated in the
// primary currency, prices in the secondary currency per primary unit.
type AssetPair struct {
	ID                  int    `json:"id"`
	PrimaryCurrencyID   int    `json:"primary_currency_id"`
	SecondaryCurrencyID int    `json:"secondary_currency_id"`
	PrimaryCode         string `json:"primary_code"`
	SecondaryCode       string `json:"secondary_code"`
}

// Symbol returns the pair in "BTC/USD" form.
func (p AssetPair) Symbol() string {
	return p.PrimaryCode + "/" + p.SecondaryCode
}

// Side is the order direction: +1 buys the primary currency, -1 sells it.
type Side int16

const (
	Buy  Side = 1
	Sell Side = -1
)

// ParseSide converts the wire form ("buy"/"sell") to a Side.
func ParseSide(s string) (Side, error) {
	switch s {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	}
	return 0, fmt.Errorf("side must be 'buy' or 'sell'")
}

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

func (s Side) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Side) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	side, err := ParseSide(v)
	if err != nil {
		return err
	}
	*s = side
	return nil
}

// OrderStatus values form a one-way state machine:
// open -> partially_filled -> filled, with cancellation allowed from the
// first two. Filled and cancelled are terminal.
type OrderStatus string

const (
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
)

// Terminal reports whether no further transition is permitted.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// Order is a resting intent to buy or sell Quantity units of the pair's
// primary currency at Price units of secondary currency per unit.
// Only FilledQuantity, Status and ModifiedAt change after creation.
type Order struct {
	ID             int             `json:"id"`
	UserID         int             `json:"user_id"`
	AssetPairID    int             `json:"asset_pair_id"`
	Side           Side            `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	Status         OrderStatus     `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	ModifiedAt     time.Time       `json:"modified_at"`
}

// UnfilledQuantity is the portion of the order still resting on the book.
func (o *Order) UnfilledQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// ReservationAmount is the wallet amount debited when the order is placed:
// a buy escrows quantity*price of the secondary currency, a sell escrows
// quantity of the primary currency.
func (o *Order) ReservationAmount() decimal.Decimal {
	if o.Side == Buy {
		return o.Quantity.Mul(o.Price)
	}
	return o.Quantity
}

// RefundAmount is the still-unfilled part of the reservation, returned to
// the owner on cancellation.
func (o *Order) RefundAmount() decimal.Decimal {
	if o.Side == Buy {
		return o.UnfilledQuantity().Mul(o.Price)
	}
	return o.UnfilledQuantity()
}

// ReservationCurrencyID selects which of the pair's currencies the order's
// reservation (and refund) is denominated in.
func (o *Order) ReservationCurrencyID(pair AssetPair) int {
	if o.Side == Buy {
		return pair.SecondaryCurrencyID
	}
	return pair.PrimaryCurrencyID
}

// Trade is an immutable record of one match between a buy and a sell order.
// CreatedAt carries the batch's trade clock, not wall-clock insert time.
type Trade struct {
	ID                int             `json:"id"`
	BuyOrderID        int             `json:"buy_order_id"`
	SellOrderID       int             `json:"sell_order_id"`
	FilledQuantity    decimal.Decimal `json:"filled_quantity"`
	Price             decimal.Decimal `json:"price"`
	OverpaymentAmount decimal.Decimal `json:"overpayment_amount"`
	CreatedAt         time.Time       `json:"created_at"`
	ModifiedAt        time.Time       `json:"modified_at"`
}

// CandidateOrder is an order fetched into a matching pass's working set,
// with its pair's currency ids denormalized for the cursor walk.
type CandidateOrder struct {
	Order
	PrimaryCurrencyID   int
	SecondaryCurrencyID int
}

// Wallet is a per-(user, currency) balance. Created lazily on first credit.
type Wallet struct {
	ID         int             `json:"id"`
	UserID     int             `json:"user_id"`
	CurrencyID int             `json:"currency_id"`
	Balance    decimal.Decimal `json:"balance"`
}

// EngineLock is the singleton row guarding the processing loop. A non-null
// AcquiredAt means an engine believes it is running; TradeAt is the trade
// clock most recently assigned to a matching batch.
type EngineLock struct {
	AcquiredAt *time.Time
	TradeAt    *time.Time
	SessionID  *string
}
