// WebSocket hub for live trade and order events.
package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fanshare/dpc-exchange/internal/events"
	"github.com/fanshare/dpc-exchange/internal/metrics"
)

// subscription narrows what a client receives. Empty fields match all.
type subscription struct {
	playerID string
	userID   string
}

func (s subscription) matches(e events.Event) bool {
	if s.playerID != "" && s.playerID != e.PlayerID {
		return false
	}
	if s.userID != "" && s.userID != e.UserID {
		return false
	}
	return true
}

type wsClient struct {
	conn *websocket.Conn
	sub  subscription
}

type wsMessage struct {
	event events.Event
	data  []byte
}

// WSHub manages WebSocket connections and pushes committed events to the
// clients subscribed to them. It implements events.Publisher.
type WSHub struct {
	clients    map[*websocket.Conn]subscription
	broadcast  chan wsMessage
	register   chan wsClient
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]subscription),
		broadcast:  make(chan wsMessage, 256),
		register:   make(chan wsClient),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop until ctx is done.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c.sub
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n, "player_id", c.sub.playerID, "user", c.sub.userID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn, sub := range h.clients {
				if !sub.matches(msg.event) {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// Publish queues an event for delivery. It never blocks settlement: when
// the buffer is full the event is dropped for WebSocket clients.
func (h *WSHub) Publish(_ context.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- wsMessage{event: e, data: data}:
		metrics.EventsPublished.WithLabelValues("websocket", "success").Inc()
	default:
		metrics.EventsPublished.WithLabelValues("websocket", "dropped").Inc()
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
// Optional ?player_id= and ?user_id= narrow the stream.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	sub := subscription{
		playerID: r.URL.Query().Get("player_id"),
		userID:   r.URL.Query().Get("user_id"),
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- wsClient{conn: conn, sub: sub}

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
			h.mu.Lock()
			_, ok := h.clients[conn]
			var err error
			if ok {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
			h.mu.Unlock()
			if !ok || err != nil {
				return
			}
		}
	}()
}
