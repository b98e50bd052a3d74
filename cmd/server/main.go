package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arxet/exchange/internal/api"
	"github.com/arxet/exchange/internal/auth"
	"github.com/arxet/exchange/internal/config"
	"github.com/arxet/exchange/internal/db"
	"github.com/arxet/exchange/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// API server entry point: order lifecycle endpoints, read models, and the
// websocket trade feed. The matching engine runs as a separate process
// (cmd/engine).
func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close(ctx)

	authService := auth.NewAuthService(database, cfg.JWTSecret)
	handler := api.NewHandler(database, authService, cfg.WakeChannel, logger)
	hub := ws.NewHub(logger)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// WebSocket trade feed
	r.Get("/ws", hub.Handler())

	// Public endpoints
	r.Post("/auth/register", handler.Register)
	r.Post("/auth/login", handler.Login)
	r.Get("/pairs", handler.ListPairs)
	r.Get("/orderbook", handler.GetOrderBook)
	r.Get("/trades/recent", handler.GetRecentTrades)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Post("/orders", handler.PlaceOrder)
		r.Get("/orders", handler.GetUserOrders)
		r.Delete("/orders/{id}", handler.CancelOrder)
		r.Get("/trades", handler.GetUserTrades)
		r.Get("/wallets", handler.GetWallets)
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ws.RunTradeFeed(gctx, cfg.DatabaseURL, cfg.TradeFeedChannel, hub, logger)
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}
