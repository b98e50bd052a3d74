// Package ws fans executed trades out to connected websocket clients.
// Purely informational: a dropped client or missed message affects nothing.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Hub tracks connected clients and broadcasts payloads to all of them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	log     zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]bool),
		log:     logger.With().Str("component", "ws").Logger(),
	}
}

// Broadcast writes payload to every connected client, dropping clients
// whose connection fails.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.RLock()
	conns := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, payload)
		c.mu.Unlock()
		if err != nil {
			h.mu.Lock()
			delete(h.clients, c)
			h.mu.Unlock()
			c.conn.Close()
		}
	}
}

// Handler upgrades the request and keeps the connection registered until
// the client goes away.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn().Err(err).Msg("failed to upgrade connection")
			return
		}

		c := &client{conn: conn}
		h.mu.Lock()
		h.clients[c] = true
		h.mu.Unlock()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.mu.Lock()
				delete(h.clients, c)
				h.mu.Unlock()
				conn.Close()
				return
			}
		}
	}
}

// RunTradeFeed forwards trade notifications from the engine's feed channel
// to the hub until ctx is cancelled.
func RunTradeFeed(ctx context.Context, connString, channel string, hub *Hub, logger zerolog.Logger) error {
	log := logger.With().Str("component", "trade_feed").Logger()

	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("failed to connect trade feed listener: %w", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to listen on %q: %w", channel, err)
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("trade feed wait failed: %w", err)
		}
		log.Debug().Msg("broadcasting trade")
		hub.Broadcast([]byte(n.Payload))
	}
}
