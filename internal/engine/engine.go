// Package engine runs the singleton processing loop: it claims the
// engine-lock row, listens for new-order wake signals, stamps the trade
// clock and drives matching passes until the book has no crossing pair.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arxet/exchange/internal/advisory"
	"github.com/arxet/exchange/internal/config"
	"github.com/arxet/exchange/internal/db"
	"github.com/arxet/exchange/internal/exchange"
	"github.com/arxet/exchange/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// ErrAlreadyRunning is returned when another engine holds the processing
// lock and force was not requested. Fatal to the starting process; steal
// the lock with force after a crash.
var ErrAlreadyRunning = errors.New("matching engine already running")

// Engine is the single logical matching worker. At most one may run
// system-wide, enforced by the engine-lock row; advisory locks on the
// candidate working set are defense in depth on top of that.
type Engine struct {
	db        *db.DB
	adv       *advisory.Manager
	listen    *pgx.Conn
	matcher   *exchange.Matcher
	cfg       *config.Config
	sessionID string
	log       zerolog.Logger
}

// New connects the engine's two dedicated sessions: one holding advisory
// locks, one blocked on LISTEN.
func New(ctx context.Context, database *db.DB, cfg *config.Config, logger zerolog.Logger) (*Engine, error) {
	adv, err := advisory.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	listen, err := pgx.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		adv.Close(ctx)
		return nil, fmt.Errorf("failed to connect listener: %w", err)
	}

	e := &Engine{
		db:        database,
		adv:       adv,
		listen:    listen,
		cfg:       cfg,
		sessionID: uuid.New().String(),
		log:       logger.With().Str("component", "engine").Logger(),
	}
	e.matcher = &exchange.Matcher{
		Source:               candidateSource{adv: adv},
		Settler:              tradeSettler{db: database, feed: cfg.TradeFeedChannel, log: e.log},
		Locks:                adv,
		LockClass:            advisory.OrderMatchClass,
		OneTradePerIteration: cfg.OneTradePerIteration,
		Log:                  e.log,
	}
	return e, nil
}

// Close releases both sessions; any advisory locks die with them.
func (e *Engine) Close(ctx context.Context) {
	e.adv.Close(ctx)
	e.listen.Close(ctx)
}

// Run claims the engine lock and processes the book until ctx is
// cancelled. A failed iteration is logged and the loop continues; only a
// failed lock claim or listener setup is fatal.
func (e *Engine) Run(ctx context.Context, force bool) error {
	if err := e.db.AcquireEngineLock(ctx, e.sessionID, force); err != nil {
		if errors.Is(err, db.ErrEngineLockHeld) {
			return fmt.Errorf("%w (use force to steal a stuck lock)", ErrAlreadyRunning)
		}
		return err
	}
	e.log.Info().Str("session_id", e.sessionID).Bool("force", force).Msg("engine lock acquired")

	defer func() {
		// Release with a fresh context: the run context is usually
		// cancelled by the time we get here.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := e.adv.UnlockAll(cleanupCtx); err != nil {
			e.log.Error().Err(err).Msg("failed to release advisory locks")
		}
		if err := e.db.ReleaseEngineLock(cleanupCtx, e.sessionID); err != nil {
			e.log.Error().Err(err).Msg("failed to release engine lock")
		} else {
			e.log.Info().Msg("engine lock released")
		}
	}()

	if _, err := e.listen.Exec(ctx, "LISTEN "+pgx.Identifier{e.cfg.WakeChannel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to listen on %q: %w", e.cfg.WakeChannel, err)
	}

	// Drain anything already matchable before the first wait.
	e.drainMatches(ctx)

	for {
		woke, err := e.waitForWake(ctx)
		if err != nil {
			if ctx.Err() != nil {
				e.log.Info().Msg("shutting down")
				return nil
			}
			return err
		}
		if woke {
			e.log.Debug().Msg("wake signal received")
		}
		e.drainMatches(ctx)
	}
}

// waitForWake blocks until a wake notification arrives or the poll
// interval elapses, whichever comes first. Returns whether an actual
// notification woke us; a timeout is the poll fallback and matches anyway.
func (e *Engine) waitForWake(ctx context.Context) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.PollInterval)
	defer cancel()

	_, err := e.listen.WaitForNotification(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if waitCtx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("failed waiting for notification: %w", err)
	}
	return true, nil
}

// drainMatches stamps a fresh trade clock and runs matching passes until a
// pass commits nothing. Iteration failures are logged, never fatal: the
// pass's advisory locks are already released and the next wake retries.
func (e *Engine) drainMatches(ctx context.Context) {
	for ctx.Err() == nil {
		tradeAt := time.Now()
		if err := e.db.SetTradeClock(ctx, e.sessionID, tradeAt); err != nil {
			e.log.Error().Err(err).Msg("failed to set trade clock")
			return
		}

		n, err := e.matcher.RunPass(ctx, tradeAt)
		if err != nil {
			e.log.Error().Err(err).Msg("matching iteration failed")
			return
		}
		if n == 0 {
			return
		}
		e.log.Debug().Int("trades", n).Msg("matching iteration committed")
	}
}

// candidateSource fetches the working set on the advisory-lock session so
// the locks taken by the query belong to that session.
type candidateSource struct {
	adv *advisory.Manager
}

func (s candidateSource) FetchCandidates(ctx context.Context, cutoff time.Time) ([]models.CandidateOrder, error) {
	return db.FetchCandidates(ctx, s.adv.Conn(), advisory.OrderMatchClass, cutoff)
}

// tradeSettler commits trades through the store and publishes them on the
// trade feed, best effort.
type tradeSettler struct {
	db   *db.DB
	feed string
	log  zerolog.Logger
}

func (s tradeSettler) Settle(ctx context.Context, sellOrderID, buyOrderID int, tradeAt time.Time) (*exchange.SettleOutcome, error) {
	res, err := s.db.SettleTrade(ctx, sellOrderID, buyOrderID, tradeAt)
	if err != nil {
		if errors.Is(err, db.ErrStaleMatch) {
			return nil, exchange.ErrStaleMatch
		}
		return nil, err
	}
	if s.feed != "" {
		if nerr := s.db.NotifyTrade(ctx, s.feed, res.Trade); nerr != nil {
			s.log.Warn().Err(nerr).Int("trade_id", res.Trade.ID).Msg("failed to publish trade")
		}
	}
	return &exchange.SettleOutcome{
		Trade:     res.Trade,
		SellOrder: res.SellOrder,
		BuyOrder:  res.BuyOrder,
	}, nil
}
