package websocket

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"chat-relay/internal/events"
	"chat-relay/internal/middleware"
	"chat-relay/internal/models"
)

const (
	// Time allowed to write one message to a listener.
	writeWait = 10 * time.Second

	// Messages queued per listener before it is considered too slow and
	// dropped.
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// listener is one connected websocket. Only its writer goroutine writes to
// conn; the hub hands it messages through send.
type listener struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub is the host's event channel: every connected listener receives every
// chat stream event, in emission order. Emit never waits on a listener's
// network; a listener that falls sendBuffer messages behind is dropped.
type Hub struct {
	mu          sync.Mutex
	listeners   map[uuid.UUID]*listener
	redisClient *redis.Client
	auth        *middleware.JWTAuth
	logger      *slog.Logger
}

// NewHub builds a hub. redisClient and auth are optional: without Redis the
// hub is fed only through Emit, without auth any listener may connect.
func NewHub(redisClient *redis.Client, auth *middleware.JWTAuth, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		listeners:   make(map[uuid.UUID]*listener),
		redisClient: redisClient,
		auth:        auth,
		logger:      logger,
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.auth != nil {
		// Authenticate via token query param
		tokenStr := r.URL.Query().Get("token")
		if tokenStr == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if _, err := h.auth.Verify(tokenStr); err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	id, l := h.register(conn)
	go h.writePump(id, l)

	// Keep connection alive and handle disconnect
	go func() {
		defer h.unregister(id)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) register(conn *websocket.Conn) (uuid.UUID, *listener) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := uuid.New()
	l := &listener{conn: conn, send: make(chan []byte, sendBuffer)}
	h.listeners[id] = l
	h.logger.Info("websocket connected", "conn_id", id, "total", len(h.listeners))
	return id, l
}

func (h *Hub) unregister(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.drop(id) {
		h.logger.Info("websocket disconnected", "conn_id", id, "total", len(h.listeners))
	}
}

// drop removes a listener and stops its writer. Callers hold h.mu.
func (h *Hub) drop(id uuid.UUID) bool {
	l, ok := h.listeners[id]
	if !ok {
		return false
	}
	delete(h.listeners, id)
	close(l.send)
	l.conn.Close()
	return true
}

// Listeners returns the number of connected listeners.
func (h *Hub) Listeners() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

// Emit queues event for every listener. A listener that cannot keep up is
// dropped; the event still counts as delivered.
func (h *Hub) Emit(ctx context.Context, event models.ChatEvent) error {
	data, err := events.Encode(event)
	if err != nil {
		return err
	}
	h.broadcast(data)
	return nil
}

// Run relays events published on Redis by any replica to this hub's
// listeners until ctx ends. It returns immediately when Redis is not
// configured.
func (h *Hub) Run(ctx context.Context) error {
	if h.redisClient == nil {
		return nil
	}
	pubsub := h.redisClient.Subscribe(ctx, events.Channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", events.Channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.broadcast([]byte(msg.Payload))
		}
	}
}

// broadcast enqueues under the lock so every listener sees messages in the
// order they were broadcast.
func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, l := range h.listeners {
		select {
		case l.send <- data:
		default:
			h.logger.Warn("websocket listener too slow, dropping", "conn_id", id)
			h.drop(id)
		}
	}
}

// writePump is the only writer for l.conn.
func (h *Hub) writePump(id uuid.UUID, l *listener) {
	for data := range l.send {
		l.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Warn("websocket write failed", "conn_id", id, "error", err)
			h.unregister(id)
			// Drain until drop closes send.
			for range l.send {
			}
			return
		}
	}
}
