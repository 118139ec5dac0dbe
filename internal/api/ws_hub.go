// WebSocket hub for real-time trade broadcasting.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forecastex/match-engine/internal/metrics"
	"github.com/forecastex/match-engine/internal/model"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type         string `json:"type"`
	ContractID   int64  `json:"contract_id"`
	ContractSide string `json:"contract_side"`
	Price        string `json:"price,omitempty"`
	Quantity     int64  `json:"quantity,omitempty"`
	ExecutedAt   string `json:"executed_at,omitempty"`
}

// WSHub manages WebSocket connections and broadcasts a message to all
// connected clients for every executed trade.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	collector  *metrics.Collector
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub. The collector tracks the connected
// client gauge; pass nil to skip instrumentation.
func NewWSHub(collector *metrics.Collector) *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		collector:  collector,
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			if h.collector != nil {
				h.collector.WebSocketConnected(1)
			}
			slog.Info("ws client connected", "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				if h.collector != nil {
					h.collector.WebSocketConnected(-1)
				}
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
					if h.collector != nil {
						h.collector.WebSocketConnected(-1)
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastTrade sends a trade event to all connected clients.
func (h *WSHub) BroadcastTrade(t *model.Trade, side model.ContractSide) {
	data, err := json.Marshal(WSMessage{
		Type:         "trade",
		ContractID:   t.ContractID,
		ContractSide: string(side),
		Price:        t.Price.String(),
		Quantity:     t.Quantity,
		ExecutedAt:   t.ExecutedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking order placement.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
