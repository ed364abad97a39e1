package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// hub fans finished runs out to websocket clients.
type hub struct {
	upgrader  websocket.Upgrader
	log       *slog.Logger
	mu        sync.Mutex
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:       log,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, 16),
	}
}

// add registers conn and drains its reads until the client goes away.
func (h *hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("stream client connected", "clients", n)

	go func() {
		defer h.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
		h.log.Debug("stream client disconnected", "clients", len(h.clients))
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// publish queues msg; it is dropped when the hub is backed up.
func (h *hub) publish(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("stream backlog full, dropping message")
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					delete(h.clients, conn)
					conn.Close()
				}
			}
			h.mu.Unlock()
		}
	}
}
