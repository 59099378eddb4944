// Package ws fans memory updates out to connected clients over websockets.
// Channels are keyed by user identity; delivery is at-most-once and
// best-effort, with no acknowledgement and no replay.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/glowlabs/glow/internal/models"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event is the payload pushed to every subscriber of a user's channel.
type Event struct {
	UserID    string        `json:"user_id"`
	Memory    models.Memory `json:"memory"`
	Timestamp time.Time     `json:"timestamp"`
}

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 8
)

type Subscriber struct {
	send chan []byte
}

// Events exposes the subscriber's delivery channel. The channel is closed
// when the subscriber is unsubscribed.
func (s *Subscriber) Events() <-chan []byte { return s.send }

type Hub struct {
	logger *zap.Logger

	mu       sync.RWMutex
	channels map[string]map[*Subscriber]struct{}
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:   logger,
		channels: make(map[string]map[*Subscriber]struct{}),
	}
}

func (h *Hub) Subscribe(userID string) *Subscriber {
	sub := &Subscriber{send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.channels[userID]
	if !ok {
		subs = make(map[*Subscriber]struct{})
		h.channels[userID] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

func (h *Hub) Unsubscribe(userID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.channels[userID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.channels, userID)
	}
	close(sub.send)
}

// Publish broadcasts a memory update to every subscriber on the user's
// channel. Slow or disconnected subscribers miss the event; Publish never
// blocks and never fails the caller.
func (h *Hub) Publish(userID string, mem models.Memory) {
	payload, err := json.Marshal(Event{
		UserID:    userID,
		Memory:    mem,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error("failed to encode memory event", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for sub := range h.channels[userID] {
		select {
		case sub.send <- payload:
			delivered++
		default:
			// Subscriber is not draining; drop rather than block the turn.
		}
	}
	h.logger.Debug("published memory update",
		zap.String("user_id", userID),
		zap.Int("subscribers", delivered))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeWS upgrades the request and streams the user's memory events until
// the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := h.Subscribe(userID)
	h.logger.Debug("client joined channel", zap.String("user_id", userID))

	go h.writePump(conn, sub)

	// Read loop exists only to observe the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.Unsubscribe(userID, sub)
	conn.Close()
	h.logger.Debug("client left channel", zap.String("user_id", userID))
}

func (h *Hub) writePump(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-sub.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
