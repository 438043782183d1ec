// Package api provides the HTTP boundary: authentication, profile and
// order endpoints over the matching engine. Handlers validate input, map
// engine errors to client-visible responses, and never touch settlement
// logic themselves.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/spotx/exchange-engine/internal/auth"
	"github.com/spotx/exchange-engine/internal/engine"
	"github.com/spotx/exchange-engine/internal/metrics"
	"github.com/spotx/exchange-engine/internal/model"
	"github.com/spotx/exchange-engine/internal/money"
	"github.com/spotx/exchange-engine/internal/notify"
	"github.com/spotx/exchange-engine/internal/store"
)

type ctxKey int

const userIDKey ctxKey = 0

// Server bundles the HTTP handlers and their collaborators.
type Server struct {
	store   store.Store
	engine  *engine.Engine
	auth    *auth.Service
	hub     *notify.Hub // nil disables the WebSocket endpoint
	symbols []string
	logger  *slog.Logger
}

// NewServer creates the handler set. hub may be nil.
func NewServer(st store.Store, eng *engine.Engine, authSvc *auth.Service, hub *notify.Hub, symbols []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if len(symbols) == 0 {
		symbols = []string{"BTC-USD", "ETH-USD"}
	}
	return &Server{
		store:   st,
		engine:  eng,
		auth:    authSvc,
		hub:     hub,
		symbols: symbols,
		logger:  logger,
	}
}

// Register mounts all routes onto r.
func (s *Server) Register(r chi.Router) {
	r.Post("/api/login", s.Login)

	r.Group(func(r chi.Router) {
		r.Use(s.RequireAuth)

		r.Get("/api/me", s.Me)
		r.Post("/api/logout", s.Logout)
		r.Get("/api/profile", s.Profile)

		r.Get("/api/orders", s.ListOrders)
		r.Post("/api/orders", s.CreateOrder)
		r.Post("/api/orders/{orderID}/cancel", s.CancelOrder)

		if s.hub != nil {
			r.Get("/api/ws", s.WebSocket)
		}
	})
}

// RequireAuth resolves the bearer token and stores the user ID in the
// request context.
func (s *Server) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		userID, err := s.auth.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func userID(r *http.Request) int64 {
	id, _ := r.Context().Value(userIDKey).(int64)
	return id
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// --- Auth handlers ---

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login handles POST /api/login.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	token, user, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, "invalid email or password", http.StatusUnauthorized)
			return
		}
		s.logger.Error("login failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user": map[string]any{
			"id":    user.ID,
			"name":  user.Name,
			"email": user.Email,
		},
	})
}

// Me handles GET /api/me.
func (s *Server) Me(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), userID(r))
	if err != nil {
		writeError(w, "user not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":    user.ID,
		"name":  user.Name,
		"email": user.Email,
	})
}

// Logout handles POST /api/logout.
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Logout(r.Context(), bearerToken(r)); err != nil {
		writeError(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// Profile handles GET /api/profile: the user row plus all holdings.
func (s *Server) Profile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, err := s.store.GetUser(ctx, userID(r))
	if err != nil {
		writeError(w, "user not found", http.StatusNotFound)
		return
	}
	assets, err := s.store.GetUserAssets(ctx, user.ID)
	if err != nil {
		s.logger.Error("load assets", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]map[string]string, 0, len(assets))
	for _, a := range assets {
		out = append(out, map[string]string{
			"symbol":        a.Symbol,
			"amount":        money.Format(a.Amount),
			"locked_amount": money.Format(a.LockedAmount),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      user.ID,
		"name":    user.Name,
		"email":   user.Email,
		"balance": money.Format(user.Balance),
		"assets":  out,
	})
}

// --- Order handlers ---

type createOrderRequest struct {
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
	Price  string `json:"price"`
	Amount string `json:"amount"`
}

type orderResponse struct {
	ID          int64  `json:"id"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Amount      string `json:"amount"`
	Status      string `json:"status"`
	LockedUSD   string `json:"locked_usd"`
	LockedAsset string `json:"locked_asset"`
	CreatedAt   string `json:"created_at"`
}

func toOrderResponse(o *model.Order) orderResponse {
	return orderResponse{
		ID:          o.ID,
		Symbol:      o.Symbol,
		Side:        string(o.Side),
		Price:       money.Format(o.Price),
		Amount:      money.Format(o.Amount),
		Status:      o.Status.String(),
		LockedUSD:   money.Format(o.LockedUSD),
		LockedAsset: money.Format(o.LockedAsset),
		CreatedAt:   o.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// ListOrders handles GET /api/orders?symbol=: the caller's open orders for
// the pair, newest first.
func (s *Server) ListOrders(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if !s.supported(symbol) {
		writeError(w, "unsupported symbol", http.StatusUnprocessableEntity)
		return
	}
	orders, err := s.store.ListOpenOrders(r.Context(), userID(r), symbol)
	if err != nil {
		s.logger.Error("list orders", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for i := range orders {
		out = append(out, toOrderResponse(&orders[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateOrder handles POST /api/orders.
func (s *Server) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	price, err := money.Parse(req.Price)
	if err != nil {
		writeError(w, "price must be a decimal number", http.StatusUnprocessableEntity)
		return
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		writeError(w, "amount must be a decimal number", http.StatusUnprocessableEntity)
		return
	}

	order, err := s.engine.CreateOrder(r.Context(), userID(r), req.Symbol, model.Side(req.Side), price, amount)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	metrics.OrdersCreated.WithLabelValues(string(order.Side)).Inc()
	if order.Status == model.StatusFilled {
		metrics.TradesExecuted.WithLabelValues(order.Symbol).Inc()
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

// CancelOrder handles POST /api/orders/{orderID}/cancel.
func (s *Server) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil {
		writeError(w, "invalid order id", http.StatusBadRequest)
		return
	}
	order, err := s.engine.CancelOrder(r.Context(), userID(r), orderID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.OrdersCancelled.Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     order.ID,
		"status": order.Status.String(),
	})
}

// WebSocket handles GET /api/ws: trade notifications for the caller.
func (s *Server) WebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, userID(r))
}

// --- Helpers ---

func (s *Server) supported(symbol string) bool {
	for _, sym := range s.symbols {
		if sym == symbol {
			return true
		}
	}
	return false
}

// writeEngineError maps engine sentinels onto HTTP statuses. Validation,
// resource and cancellation failures surface as 422 with the engine's
// human-readable reason; conflicts that survived retries surface as 409.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrUnsupportedSymbol),
		errors.Is(err, engine.ErrInvalidSide),
		errors.Is(err, engine.ErrInvalidPrice),
		errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, engine.ErrInsufficientFunds),
		errors.Is(err, engine.ErrInsufficientAssets),
		errors.Is(err, engine.ErrNotCancellable):
		metrics.OrderRejections.WithLabelValues(rejectionReason(err)).Inc()
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, store.ErrConflict):
		writeError(w, "temporarily busy, please retry", http.StatusConflict)
	default:
		s.logger.Error("engine operation failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, engine.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, engine.ErrInsufficientAssets):
		return "insufficient_assets"
	case errors.Is(err, engine.ErrNotCancellable):
		return "not_cancellable"
	default:
		return "validation"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
