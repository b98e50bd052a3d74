// Package exchange implements the order-matching core: sorting a fetched
// candidate working set and walking it with two cursors until no crossing
// pair remains. All storage access goes through the narrow interfaces
// below, so the algorithm itself is testable without a database.
package exchange

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/arxet/exchange/internal/models"

	"github.com/rs/zerolog"
)

// ErrStaleMatch reports that a matched pair was no longer tradeable at
// settlement time. The pass skips the pair and keeps going.
var ErrStaleMatch = errors.New("matched orders no longer tradeable")

// CandidateSource fetches the locked working set for one pass: every
// non-terminal order created at or before the cutoff whose pair currently
// crosses, advisory-locked as it is read.
type CandidateSource interface {
	FetchCandidates(ctx context.Context, cutoff time.Time) ([]models.CandidateOrder, error)
}

// SettleOutcome reports the committed state of both orders after one trade.
type SettleOutcome struct {
	Trade     models.Trade
	SellOrder models.Order
	BuyOrder  models.Order
}

// Settler commits one matched pair as a single transaction, or returns
// ErrStaleMatch if the pair was no longer tradeable under row locks.
type Settler interface {
	Settle(ctx context.Context, sellOrderID, buyOrderID int, tradeAt time.Time) (*SettleOutcome, error)
}

// LockReleaser frees the advisory lock on one candidate order.
type LockReleaser interface {
	Unlock(ctx context.Context, class int32, id int64) (bool, error)
}

// Matcher runs matching passes. OneTradePerIteration makes RunPass return
// after its first committed trade so the loop can stamp a fresh trade
// clock per trade; trades always commit one transaction each either way.
type Matcher struct {
	Source               CandidateSource
	Settler              Settler
	Locks                LockReleaser
	LockClass            int32
	OneTradePerIteration bool
	Log                  zerolog.Logger
}

// groupKey orders candidates within a side by currency pair. Buy-side keys
// are negated so that walking the combined list backward from the tail
// visits pairs in exactly the order the head cursor visits them forward;
// the two cursors then converge pair by pair.
func groupKey(c *models.CandidateOrder) (int, int) {
	if c.Side == models.Buy {
		return -c.PrimaryCurrencyID, -c.SecondaryCurrencyID
	}
	return c.PrimaryCurrencyID, c.SecondaryCurrencyID
}

// less defines the single global candidate order: sells before buys; pair
// groups via groupKey; price ascending on both sides (backward traversal
// of the buy segment therefore sees best price first); time then id as
// tie-breaks, inverted on the buy side for the same reason.
func less(a, b *models.CandidateOrder) bool {
	if a.Side != b.Side {
		return a.Side == models.Sell
	}
	ap, as := groupKey(a)
	bp, bs := groupKey(b)
	if ap != bp {
		return ap < bp
	}
	if as != bs {
		return as < bs
	}
	if !a.Price.Equal(b.Price) {
		return a.Price.LessThan(b.Price)
	}
	if a.Side == models.Sell {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// SortCandidates sorts the working set into the combined cursor order.
func SortCandidates(cands []models.CandidateOrder) {
	sort.Slice(cands, func(i, j int) bool {
		return less(&cands[i], &cands[j])
	})
}

func samePair(a, b *models.CandidateOrder) bool {
	return a.PrimaryCurrencyID == b.PrimaryCurrencyID && a.SecondaryCurrencyID == b.SecondaryCurrencyID
}

// pairBefore compares two candidates' currency pairs in head-cursor order.
func pairBefore(a, b *models.CandidateOrder) bool {
	if a.PrimaryCurrencyID != b.PrimaryCurrencyID {
		return a.PrimaryCurrencyID < b.PrimaryCurrencyID
	}
	return a.SecondaryCurrencyID < b.SecondaryCurrencyID
}

// RunPass fetches and sorts the candidate set, then matches until the
// cursors cross, one side runs out, or (in one-trade mode) the first trade
// commits. Returns the number of trades committed. Advisory locks on every
// fetched candidate are released unconditionally before returning.
func (m *Matcher) RunPass(ctx context.Context, tradeAt time.Time) (trades int, err error) {
	cands, err := m.Source.FetchCandidates(ctx, tradeAt)
	if err != nil {
		return 0, err
	}
	if len(cands) == 0 {
		return 0, nil
	}

	held := make(map[int]bool, len(cands))
	for i := range cands {
		held[cands[i].ID] = true
	}
	release := func(id int) {
		if !held[id] {
			return
		}
		delete(held, id)
		if _, uerr := m.Locks.Unlock(context.WithoutCancel(ctx), m.LockClass, int64(id)); uerr != nil {
			m.Log.Error().Err(uerr).Int("order_id", id).Msg("failed to release advisory lock")
		}
	}
	defer func() {
		for id := range held {
			release(id)
		}
	}()

	SortCandidates(cands)

	i, j := 0, len(cands)-1
	for i < j {
		sell, buy := &cands[i], &cands[j]
		if sell.Side != models.Sell || buy.Side != models.Buy {
			// One side is exhausted; the opposite cursor crossed the
			// side boundary.
			break
		}

		if !samePair(sell, buy) {
			// Advance whichever cursor is on the earlier pair to its
			// next pair boundary.
			if pairBefore(sell, buy) {
				i = m.skipPairForward(ctx, cands, i, release)
			} else {
				j = m.skipPairBackward(ctx, cands, j, release)
			}
			continue
		}

		if sell.Price.GreaterThan(buy.Price) {
			// Best remaining sell no longer crosses best remaining buy:
			// this pair is done on both sides.
			i = m.skipPairForward(ctx, cands, i, release)
			j = m.skipPairBackward(ctx, cands, j, release)
			continue
		}

		out, serr := m.Settler.Settle(ctx, sell.ID, buy.ID, tradeAt)
		if serr != nil {
			if errors.Is(serr, ErrStaleMatch) {
				// One side vanished under us (e.g. a concurrent cancel).
				// Drop both; anything still live is re-fetched next pass.
				release(sell.ID)
				release(buy.ID)
				i++
				j--
				continue
			}
			return trades, serr
		}

		sell.FilledQuantity = out.SellOrder.FilledQuantity
		sell.Status = out.SellOrder.Status
		buy.FilledQuantity = out.BuyOrder.FilledQuantity
		buy.Status = out.BuyOrder.Status
		trades++

		m.Log.Info().
			Int("trade_id", out.Trade.ID).
			Int("sell_order_id", sell.ID).
			Int("buy_order_id", buy.ID).
			Str("quantity", out.Trade.FilledQuantity.String()).
			Str("price", out.Trade.Price.String()).
			Msg("trade executed")

		if sell.Status == models.StatusFilled {
			release(sell.ID)
			i++
		}
		if buy.Status == models.StatusFilled {
			release(buy.ID)
			j--
		}

		if m.OneTradePerIteration {
			return trades, nil
		}
	}

	return trades, nil
}

// skipPairForward releases and steps over every remaining order of the
// current pair on the sell side, returning the next index.
func (m *Matcher) skipPairForward(ctx context.Context, cands []models.CandidateOrder, i int, release func(int)) int {
	start := &cands[i]
	for i < len(cands) && cands[i].Side == models.Sell && samePair(&cands[i], start) {
		release(cands[i].ID)
		i++
	}
	return i
}

// skipPairBackward does the same on the buy side, walking toward the head.
func (m *Matcher) skipPairBackward(ctx context.Context, cands []models.CandidateOrder, j int, release func(int)) int {
	start := &cands[j]
	for j >= 0 && cands[j].Side == models.Buy && samePair(&cands[j], start) {
		release(cands[j].ID)
		j--
	}
	return j
}
