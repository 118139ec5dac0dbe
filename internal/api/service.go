// Package api provides the HTTP surface of the match engine: order
// placement and cancellation, order book and stats views, market
// resolution, and the operational health and metrics endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/forecastex/match-engine/internal/engine"
	"github.com/forecastex/match-engine/internal/metrics"
	"github.com/forecastex/match-engine/internal/model"
	"github.com/forecastex/match-engine/internal/store"
)

// Service handles engine operations over HTTP.
type Service struct {
	engine    *engine.Engine
	collector *metrics.Collector
	wsHub     *WSHub // optional hub for real-time trade broadcasts
}

// NewService creates the HTTP service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(eng *engine.Engine, collector *metrics.Collector, hub *WSHub) *Service {
	return &Service{
		engine:    eng,
		collector: collector,
		wsHub:     hub,
	}
}

// Routes mounts every handler on a chi subrouter.
func (s *Service) Routes(r chi.Router) {
	r.Post("/orders", s.PlaceOrder)
	r.Delete("/orders/{orderID}", s.CancelOrder)
	r.Get("/contracts/{contractID}/book", s.GetOrderBook)
	r.Get("/contracts/{contractID}/stats", s.GetContractStats)
	r.Post("/contracts/{contractID}/close", s.CloseContract)
	r.Post("/markets/{marketID}/resolve", s.ResolveMarket)
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}
}

// --- Request/Response types ---

// PlaceOrderRequest is the JSON body for POST /orders.
type PlaceOrderRequest struct {
	UserID       int64           `json:"user_id"`
	ContractID   int64           `json:"contract_id"`
	Side         string          `json:"side"`          // "BUY" or "SELL"
	ContractSide string          `json:"contract_side"` // "YES" or "NO"
	OrderType    string          `json:"order_type"`    // "limit" or "market"
	Price        decimal.Decimal `json:"price"`         // ignored for market orders
	Quantity     int64           `json:"quantity"`
}

// PlaceOrderResponse is the JSON body returned from POST /orders.
type PlaceOrderResponse struct {
	Order  *model.Order  `json:"order"`
	Trades []model.Trade `json:"trades"`
}

// --- HTTP Handlers ---

// PlaceOrder handles POST /api/v1/orders
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	order, trades, err := s.engine.PlaceOrder(r.Context(), engine.PlaceOrderParams{
		UserID:       req.UserID,
		ContractID:   req.ContractID,
		Side:         model.OrderSide(req.Side),
		ContractSide: model.ContractSide(req.ContractSide),
		Type:         model.OrderType(req.OrderType),
		Price:        req.Price,
		Quantity:     req.Quantity,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if s.wsHub != nil {
		for i := range trades {
			s.wsHub.BroadcastTrade(&trades[i], order.ContractSide)
		}
	}

	writeJSON(w, http.StatusCreated, PlaceOrderResponse{Order: order, Trades: trades})
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}?user_id=N
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil {
		writeError(w, "invalid order id", http.StatusBadRequest)
		return
	}
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	cancelled, err := s.engine.CancelOrder(r.Context(), orderID, userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if !cancelled {
		writeError(w, "order not cancellable", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true, "order_id": orderID})
}

// GetOrderBook handles GET /api/v1/contracts/{contractID}/book?side=YES
func (s *Service) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	contractID, side, ok := contractSideParams(w, r)
	if !ok {
		return
	}

	book, err := s.engine.OrderBook(r.Context(), contractID, side)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// GetContractStats handles GET /api/v1/contracts/{contractID}/stats?side=YES
func (s *Service) GetContractStats(w http.ResponseWriter, r *http.Request) {
	contractID, side, ok := contractSideParams(w, r)
	if !ok {
		return
	}

	stats, err := s.engine.ContractStats(r.Context(), contractID, side)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// CloseContract handles POST /api/v1/contracts/{contractID}/close
func (s *Service) CloseContract(w http.ResponseWriter, r *http.Request) {
	contractID, err := strconv.ParseInt(chi.URLParam(r, "contractID"), 10, 64)
	if err != nil {
		writeError(w, "invalid contract id", http.StatusBadRequest)
		return
	}

	if err := s.engine.CloseContract(r.Context(), contractID); err != nil {
		writeEngineError(w, err)
		return
	}
	slog.Info("contract closed", "contract", contractID)
	writeJSON(w, http.StatusOK, map[string]any{"closed": true, "contract_id": contractID})
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	marketID, err := strconv.ParseInt(chi.URLParam(r, "marketID"), 10, 64)
	if err != nil {
		writeError(w, "invalid market id", http.StatusBadRequest)
		return
	}

	if err := s.engine.ResolveMarket(r.Context(), marketID); err != nil {
		writeEngineError(w, err)
		return
	}
	slog.Info("market resolved", "market", marketID)
	writeJSON(w, http.StatusOK, map[string]any{"resolved": true, "market_id": marketID})
}

// SystemHealth handles GET /system/health
func (s *Service) SystemHealth(w http.ResponseWriter, r *http.Request) {
	health := s.collector.Health()
	status := http.StatusOK
	if health.Status == "critical" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// SystemMetrics handles GET /system/metrics
func (s *Service) SystemMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.Snapshot())
}

// --- Helpers ---

func contractSideParams(w http.ResponseWriter, r *http.Request) (int64, model.ContractSide, bool) {
	contractID, err := strconv.ParseInt(chi.URLParam(r, "contractID"), 10, 64)
	if err != nil {
		writeError(w, "invalid contract id", http.StatusBadRequest)
		return 0, "", false
	}
	side := model.ContractSide(r.URL.Query().Get("side"))
	if side == "" {
		side = model.SideYes
	}
	if side != model.SideYes && side != model.SideNo {
		writeError(w, "side must be YES or NO", http.StatusBadRequest)
		return 0, "", false
	}
	return contractID, side, true
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
// Validation gets 400, a non-tradable contract or unresolved market 409,
// insufficient funds or position 422, retry exhaustion 503, and missing
// rows 404.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidOrder):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, engine.ErrContractNotTradable),
		errors.Is(err, engine.ErrMarketNotResolved):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrInsufficientFunds),
		errors.Is(err, engine.ErrInsufficientPosition):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, engine.ErrHighContention):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "not found", http.StatusNotFound)
	default:
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
