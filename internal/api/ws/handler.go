// Package ws streams restriction level-change events to WebSocket clients.
package ws

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/appruntime/broadcastd/internal/domain/restriction"
	"github.com/appruntime/broadcastd/internal/infrastructure/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Diagnostic surface; origin policy is the proxy's job
	},
}

// Hub fans restriction level changes out to connected clients. Slow clients
// are dropped rather than allowed to stall the publisher.
type Hub struct {
	logger *logging.Logger

	mu      sync.Mutex
	clients map[chan restriction.LevelChange]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[chan restriction.LevelChange]struct{}),
	}
}

// Publish delivers an event to every connected client without blocking.
func (h *Hub) Publish(change restriction.LevelChange) {
	h.mu.Lock()
	for ch := range h.clients {
		select {
		case ch <- change:
		default:
			// Client is not keeping up; it will be closed on next write.
		}
	}
	h.mu.Unlock()
}

func (h *Hub) subscribe() chan restriction.LevelChange {
	ch := make(chan restriction.LevelChange, 16)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan restriction.LevelChange) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// HandleConnection upgrades the request and streams level-change events
// until the client disconnects.
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	// Reader goroutine: surface disconnects, discard client messages.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case change := <-ch:
			if err := conn.WriteJSON(change); err != nil {
				return
			}
		}
	}
}
