package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"settlement-backend/internal/config"
	"settlement-backend/internal/events"
	"settlement-backend/internal/metrics"
)

const (
	wsReadTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsSendBuffer   = 256
)

type streamClient struct {
	id     string
	userID uint64
	admin  bool
	send   chan []byte
}

func (c *streamClient) wants(alert bool, userID uint64) bool {
	if alert {
		return c.admin
	}
	return c.userID == userID
}

// EventStreamHub pushes domain events to connected websocket clients. A
// user sees only events addressed to them; admin connections also receive
// alerts. It implements events.Publisher.
type EventStreamHub struct {
	cfg      *config.Store
	upgrader websocket.Upgrader
	log      *logrus.Entry

	mu      sync.RWMutex
	clients map[string]*streamClient
}

func NewEventStreamHub(cfg *config.Store, log *logrus.Logger) *EventStreamHub {
	return &EventStreamHub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log:     log.WithField("component", "event_stream"),
		clients: make(map[string]*streamClient),
	}
}

// Publish delivers to matching clients without blocking. A client whose
// buffer is full is disconnected.
func (h *EventStreamHub) Publish(_ context.Context, topic string, payload interface{}) error {
	env := events.NewEnvelope(topic, payload)
	alert := events.IsAlert(topic)
	if env.UserID == 0 && !alert {
		return nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	var slow []string
	h.mu.RLock()
	for _, cl := range h.clients {
		if !cl.wants(alert, env.UserID) {
			continue
		}
		select {
		case cl.send <- data:
		default:
			slow = append(slow, cl.id)
		}
	}
	h.mu.RUnlock()

	for _, id := range slow {
		h.log.WithField("client_id", id).Warn("⚠️ [WebSocket] send buffer full, dropping client")
		h.unregister(id)
	}
	return nil
}

// Clients number of connected clients
func (h *EventStreamHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *EventStreamHub) register(cl *streamClient) {
	h.mu.Lock()
	h.clients[cl.id] = cl
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// unregister closes the client's send channel; safe to call twice.
func (h *EventStreamHub) unregister(id string) {
	h.mu.Lock()
	cl, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		close(cl.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// Close disconnects every client.
func (h *EventStreamHub) Close() {
	h.mu.Lock()
	for id, cl := range h.clients {
		delete(h.clients, id)
		close(cl.send)
	}
	h.mu.Unlock()
	metrics.WebSocketClients.Set(0)
}

// bearerOrQuery browsers cannot set headers on a websocket handshake, so
// the token may also come as ?token=.
func bearerOrQuery(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return c.Query("token")
}

// HandleWebSocket live stream of the caller's events
// GET /ws/events
func (h *EventStreamHub) HandleWebSocket(c *gin.Context) {
	token := bearerOrQuery(c)
	if token == "" {
		respondWithError(c, http.StatusUnauthorized, "MISSING_AUTH_HEADER", "authentication required")
		return
	}
	cl, err := ValidateJWTToken(h.cfg.Get().Auth, token)
	if err != nil {
		respondWithError(c, http.StatusUnauthorized, "INVALID_TOKEN", err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("❌ WebSocket upgrade failed")
		return
	}

	client := &streamClient{
		id:     uuid.New().String(),
		userID: cl.UserID,
		admin:  cl.IsAdmin(),
		send:   make(chan []byte, wsSendBuffer),
	}
	entry := h.log.WithFields(logrus.Fields{"client_id": client.id, "user_id": client.userID})

	hello, _ := json.Marshal(gin.H{
		"type":      "connected",
		"client_id": client.id,
		"timestamp": time.Now().UTC(),
	})
	client.send <- hello
	h.register(client)
	entry.Info("📡 WebSocket client connected")

	writeDone := make(chan struct{})
	go h.writePump(conn, client, writeDone)
	h.readPump(conn, entry)

	h.unregister(client.id)
	<-writeDone
	entry.Info("🔌 WebSocket client disconnected")
}

// readPump drains client frames until the connection fails; it only keeps
// the read deadline alive.
func (h *EventStreamHub) readPump(conn *websocket.Conn, entry *logrus.Entry) {
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				entry.WithError(err).Debug("read loop ended")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	}
}

func (h *EventStreamHub) writePump(conn *websocket.Conn, client *streamClient, done chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
		close(done)
	}()

	for {
		select {
		case msg, ok := <-client.send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}
