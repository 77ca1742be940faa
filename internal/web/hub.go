package web

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/moodwatch/moodwatch-bot/internal/models"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The dashboard is served same-origin; cross-origin browsers are
		// rejected by the session cookie anyway.
		return true
	},
}

// Hub fans stored messages out to connected dashboard clients. It implements
// pipeline.Notifier.
type Hub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]bool
}

func NewHub() *Hub {
	return &Hub{conns: make(map[*websocket.Conn]bool)}
}

// MessageStored broadcasts one analyzed message to every connected client.
// Slow or dead clients are dropped rather than blocking ingestion.
func (h *Hub) MessageStored(msg models.AnalyzedMessage) {
	payload := map[string]any{
		"type":      "message",
		"platform":  msg.Platform,
		"channelId": msg.ChannelID,
		"username":  msg.Username,
		"content":   msg.Content,
		"label":     msg.SentimentLabel,
		"score":     msg.SentimentScore,
		"timestamp": msg.MessageTimestamp,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(payload); err != nil {
			conn.Close()
			delete(h.conns, conn)
		}
	}
}

// ClientCount returns the number of connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[conn] = true
	h.mu.Unlock()
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if h.conns[conn] {
		delete(h.conns, conn)
		conn.Close()
	}
	h.mu.Unlock()
}

// handleLive upgrades the request and keeps the connection registered until
// the client goes away. Clients only listen; inbound frames are drained.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Error upgrading live-feed connection: %v", err)
		return
	}
	s.hub.add(conn)

	go func() {
		defer s.hub.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
