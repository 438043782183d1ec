package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spotx/exchange-engine/internal/engine"
	"github.com/spotx/exchange-engine/internal/metrics"
)

type client struct {
	userID int64
	conn   *websocket.Conn
}

type delivery struct {
	userIDs []int64
	data    []byte
}

// Hub manages WebSocket connections keyed by user and delivers trade
// notifications to both counterparties' private channels. A full delivery
// buffer drops the message rather than block the sender.
type Hub struct {
	clients    map[int64]map[*websocket.Conn]bool
	deliver    chan delivery
	register   chan client
	unregister chan client
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a new per-user WebSocket hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[int64]map[*websocket.Conn]bool),
		deliver:    make(chan delivery, 256),
		register:   make(chan client),
		unregister: make(chan client),
		logger:     logger,
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			if h.clients[c.userID] == nil {
				h.clients[c.userID] = make(map[*websocket.Conn]bool)
			}
			h.clients[c.userID][c.conn] = true
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			h.logger.Info("ws client connected", "user_id", c.userID)

		case c := <-h.unregister:
			h.mu.Lock()
			if conns := h.clients[c.userID]; conns[c.conn] {
				delete(conns, c.conn)
				if len(conns) == 0 {
					delete(h.clients, c.userID)
				}
				c.conn.Close()
				metrics.WebSocketClients.Dec()
			}
			h.mu.Unlock()

		case d := <-h.deliver:
			// Write lock: a failed write evicts the connection, and the
			// ping goroutine reads the map concurrently.
			h.mu.Lock()
			for _, userID := range d.userIDs {
				for conn := range h.clients[userID] {
					if err := conn.WriteMessage(websocket.TextMessage, d.data); err != nil {
						conn.Close()
						delete(h.clients[userID], conn)
						if len(h.clients[userID]) == 0 {
							delete(h.clients, userID)
						}
						metrics.WebSocketClients.Dec()
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

// NotifyTrade implements engine.TradeNotifier: the payload goes only to the
// buyer's and seller's own connections.
func (h *Hub) NotifyTrade(_ context.Context, ev engine.TradeEvent) {
	data, err := json.Marshal(newPayload(ev))
	if err != nil {
		return
	}
	select {
	case h.deliver <- delivery{userIDs: []int64{ev.BuyUserID, ev.SellUserID}, data: data}:
	default:
		h.logger.Warn("ws delivery buffer full, dropping trade notification",
			"buy_order_id", ev.BuyOrderID, "sell_order_id", ev.SellOrderID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// ServeWS upgrades an authenticated request. The caller resolves the user
// from the session before handing the request over.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID int64) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	c := client{userID: userID, conn: conn}
	h.register <- c

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- c }()
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

	// Ping ticker to keep the connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[userID][conn]
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
