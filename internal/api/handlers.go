package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/arxet/exchange/internal/auth"
	"github.com/arxet/exchange/internal/db"
	"github.com/arxet/exchange/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type contextKey string

const userIDKey contextKey = "user_id"

// Handler contains dependencies for HTTP handlers
type Handler struct {
	DB          *db.DB
	AuthService *auth.AuthService
	WakeChannel string
	Log         zerolog.Logger
}

// NewHandler creates a new handler
func NewHandler(database *db.DB, authService *auth.AuthService, wakeChannel string, logger zerolog.Logger) *Handler {
	return &Handler{
		DB:          database,
		AuthService: authService,
		WakeChannel: wakeChannel,
		Log:         logger.With().Str("component", "api").Logger(),
	}
}

// writeError emits the structured rejection body: a machine-readable kind
// plus human-readable detail.
func writeError(w http.ResponseWriter, status int, kind, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"kind": kind, "detail": detail},
	})
}

// writeDomainError maps store sentinels onto the API error taxonomy.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrInsufficientFunds):
		writeError(w, http.StatusUnprocessableEntity, "insufficient_funds", "wallet balance too low for this order")
	case errors.Is(err, db.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", "order is already filled or cancelled")
	case errors.Is(err, db.ErrNotOwner):
		writeError(w, http.StatusForbidden, "not_owner", "order belongs to another user")
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "validation", "username and password required")
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to register user")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		userID, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(r *http.Request) (int, bool) {
	userID, ok := r.Context().Value(userIDKey).(int)
	return userID, ok
}

// resolvePair parses "BTC/USD" style symbols against registered pairs.
func (h *Handler) resolvePair(r *http.Request, symbol string) (*models.AssetPair, error) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, db.ErrNotFound
	}
	return h.DB.GetAssetPairBySymbol(r.Context(), parts[0], parts[1])
}

// PlaceOrder reserves funds and creates the order, then wakes the engine.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromContext(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	var req struct {
		Pair     string          `json:"pair"`
		Side     string          `json:"side"`
		Quantity decimal.Decimal `json:"quantity"`
		Price    decimal.Decimal `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body")
		return
	}

	side, err := models.ParseSide(req.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if !req.Quantity.IsPositive() || !req.Price.IsPositive() {
		writeError(w, http.StatusBadRequest, "validation", "price and quantity must be positive")
		return
	}

	pair, err := h.resolvePair(r, req.Pair)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "unknown asset pair")
		return
	}

	order, err := h.DB.CreateOrder(r.Context(), userID, pair, side, req.Quantity, req.Price)
	if err != nil {
		if errors.Is(err, db.ErrInsufficientFunds) {
			writeDomainError(w, err)
			return
		}
		h.Log.Error().Err(err).Msg("failed to create order")
		writeError(w, http.StatusInternalServerError, "internal", "failed to create order")
		return
	}

	// Wake the engine. Best effort: it polls on a timeout as well.
	if err := h.DB.NotifyNewOrder(r.Context(), h.WakeChannel); err != nil {
		h.Log.Warn().Err(err).Msg("failed to publish wake signal")
	}

	writeJSON(w, http.StatusCreated, order)
}

// CancelOrder cancels an open order and refunds the unfilled reservation.
// The refund is visible in the response's wallet state synchronously.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromContext(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	orderID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid order id")
		return
	}

	order, err := h.DB.CancelOrder(r.Context(), orderID, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// GetUserOrders retrieves a user's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromContext(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	orders, err := h.DB.GetUserOrders(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to retrieve orders")
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrderBook retrieves one pair's book snapshot: sells best-first, buys
// best-first. Read-only, takes no locks.
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	pair, err := h.resolvePair(r, r.URL.Query().Get("pair"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "unknown asset pair")
		return
	}

	sells, buys, err := h.DB.GetOrderBook(r.Context(), pair.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to retrieve order book")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pair":        pair.Symbol(),
		"sell_orders": sells,
		"buy_orders":  buys,
	})
}

// GetUserTrades retrieves a user's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromContext(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	trades, err := h.DB.GetUserTrades(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to retrieve trades")
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetRecentTrades retrieves the latest executed trades for one pair,
// newest first. Public read model backing tickers.
func (h *Handler) GetRecentTrades(w http.ResponseWriter, r *http.Request) {
	pair, err := h.resolvePair(r, r.URL.Query().Get("pair"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "unknown asset pair")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "validation", "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	trades, err := h.DB.GetPairTrades(r.Context(), pair.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to retrieve trades")
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetWallets retrieves the user's balances.
func (h *Handler) GetWallets(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromContext(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	wallets, err := h.DB.GetUserWallets(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to retrieve wallets")
		return
	}
	writeJSON(w, http.StatusOK, wallets)
}

// ListPairs retrieves the registered asset pairs.
func (h *Handler) ListPairs(w http.ResponseWriter, r *http.Request) {
	pairs, err := h.DB.ListAssetPairs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to retrieve pairs")
		return
	}
	writeJSON(w, http.StatusOK, pairs)
}
