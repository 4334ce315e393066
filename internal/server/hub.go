package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meridianfs/riskwatch/pkg/metrics"
	"github.com/meridianfs/riskwatch/pkg/models"
)

// Hub pushes emitted alerts to connected websocket clients. Each client can
// raise its own severity floor; a client that cannot keep up is dropped
// rather than allowed to stall the stream.
type Hub struct {
	logger       *zap.Logger
	upgrader     websocket.Upgrader
	clients      map[string]*streamClient
	clientsMutex sync.RWMutex
	alerts       chan *models.Alert
}

type streamClient struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan []byte
	MinSeverity models.Severity
	mu          sync.RWMutex
	lastPong    time.Time
}

func (c *streamClient) touch() {
	c.mu.Lock()
	c.lastPong = time.Now()
	c.mu.Unlock()
}

func (c *streamClient) idleSince(cutoff time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPong.Before(cutoff)
}

// StreamMessage is the envelope for every frame sent to stream clients.
type StreamMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// NewHub creates an alert stream hub. An allowed origin of "*" disables the
// origin check.
func NewHub(logger *zap.Logger, allowedOrigins []string) *Hub {
	originMap := make(map[string]struct{})
	for _, o := range allowedOrigins {
		originMap[o] = struct{}{}
	}
	_, allowAll := originMap["*"]

	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if allowAll {
					return true
				}
				_, ok := originMap[r.Header.Get("Origin")]
				return ok
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[string]*streamClient),
		alerts:  make(chan *models.Alert, 1000),
	}
}

// Run consumes queued alerts and broadcasts them until the context is
// cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	go h.cleanupRoutine(ctx)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case alert := <-h.alerts:
			h.broadcastAlert(alert)
		}
	}
}

// Broadcast queues an alert for delivery to all subscribed clients. When the
// queue is full the alert is skipped; the persisted row is the record.
func (h *Hub) Broadcast(alert *models.Alert) {
	select {
	case h.alerts <- alert:
	default:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request to a websocket subscription. An optional
// min_severity query parameter filters the stream for this client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	minSeverity := models.SeverityLow
	if v := r.URL.Query().Get("min_severity"); v != "" {
		minSeverity = models.Severity(v)
		if minSeverity.Rank() < 0 {
			http.Error(w, "invalid min_severity", http.StatusBadRequest)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &streamClient{
		ID:          uuid.New().String(),
		Conn:        conn,
		Send:        make(chan []byte, 256),
		MinSeverity: minSeverity,
		lastPong:    time.Now(),
	}

	h.clientsMutex.Lock()
	h.clients[client.ID] = client
	metrics.StreamClients.Set(float64(len(h.clients)))
	h.clientsMutex.Unlock()

	go h.writePump(client)
	go h.readPump(client)

	h.sendToClient(client, StreamMessage{
		Type: "connected",
		Data: map[string]interface{}{
			"client_id":    client.ID,
			"min_severity": minSeverity,
		},
	})

	h.logger.Debug("stream client connected",
		zap.String("client_id", client.ID),
		zap.String("min_severity", string(minSeverity)))
}

func (h *Hub) readPump(client *streamClient) {
	defer func() {
		h.removeClient(client.ID)
		client.Conn.Close()
	}()

	client.Conn.SetReadLimit(512)
	client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.Conn.SetPongHandler(func(string) error {
		client.touch()
		client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("stream client read error",
					zap.String("client_id", client.ID), zap.Error(err))
			}
			break
		}
		h.handleClientMessage(client, message)
	}
}

func (h *Hub) writePump(client *streamClient) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) handleClientMessage(client *streamClient, message []byte) {
	var msg map[string]interface{}
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}
	if msgType, _ := msg["type"].(string); msgType == "ping" {
		client.touch()
		h.sendToClient(client, StreamMessage{Type: "pong", Data: time.Now().UTC()})
	}
}

func (h *Hub) broadcastAlert(alert *models.Alert) {
	payload, err := json.Marshal(StreamMessage{Type: "alert", Data: alert})
	if err != nil {
		h.logger.Error("failed to marshal stream alert", zap.Error(err))
		return
	}

	rank := alert.Severity.Rank()

	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()

	for _, client := range h.clients {
		if rank < client.MinSeverity.Rank() {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			// client cannot keep up, drop it
			go h.removeClient(client.ID)
		}
	}
}

func (h *Hub) sendToClient(client *streamClient, message StreamMessage) {
	payload, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal stream message", zap.Error(err))
		return
	}

	// Send channels are only closed under the write lock, so holding the
	// read lock and rechecking membership keeps this send safe.
	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	select {
	case client.Send <- payload:
	default:
		go h.removeClient(client.ID)
	}
}

func (h *Hub) removeClient(clientID string) {
	h.clientsMutex.Lock()
	defer h.clientsMutex.Unlock()

	if client, exists := h.clients[clientID]; exists {
		close(client.Send)
		delete(h.clients, clientID)
		metrics.StreamClients.Set(float64(len(h.clients)))
		h.logger.Debug("stream client disconnected", zap.String("client_id", clientID))
	}
}

func (h *Hub) cleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.cleanupIdleClients()
		}
	}
}

func (h *Hub) cleanupIdleClients() {
	cutoff := time.Now().Add(-2 * time.Minute)

	h.clientsMutex.RLock()
	var idle []string
	for id, client := range h.clients {
		if client.idleSince(cutoff) {
			idle = append(idle, id)
		}
	}
	h.clientsMutex.RUnlock()

	for _, id := range idle {
		h.removeClient(id)
	}
}

func (h *Hub) shutdown() {
	h.clientsMutex.Lock()
	defer h.clientsMutex.Unlock()

	for _, client := range h.clients {
		close(client.Send)
		client.Conn.Close()
	}
	h.clients = make(map[string]*streamClient)
	metrics.StreamClients.Set(0)
}
