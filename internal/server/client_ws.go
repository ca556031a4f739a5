package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dbredin/switchboard/internal/protocol"
)

// ClientHandler handles WebSocket connections from browser clients at
// /queue/{job_id}. A client subscribes to exactly one job and only
// listens; anything it sends is discarded.
type ClientHandler struct {
	hub *Hub
	log *slog.Logger
}

// NewClientHandler creates a new client WebSocket handler.
func NewClientHandler(hub *Hub, log *slog.Logger) *ClientHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ClientHandler{hub: hub, log: log}
}

// ServeHTTP upgrades the connection and subscribes it to the job named in
// the path. An unknown job gets a single error frame and a close. The
// subscription lives until the socket drops; when the last client of a
// session leaves, the hub stops the session's jobs.
func (h *ClientHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/queue/")
	if jobID == "" || strings.Contains(jobID, "/") {
		http.Error(w, "job id required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}

	sub, err := h.hub.Subscribe(jobID)
	if err != nil {
		h.log.Debug("subscribe refused", "job_id", jobID, "error", err)
		data, _ := json.Marshal(protocol.NewError(protocol.ReasonUnknownJob))
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, data)
		conn.Close()
		return
	}
	h.log.Debug("client subscribed", "job_id", jobID, "session_id", sub.SessionID)

	go writePump(conn, sub.Send)

	defer func() {
		h.hub.Unsubscribe(sub)
		conn.Close()
		h.log.Debug("client unsubscribed", "job_id", jobID, "session_id", sub.SessionID)
	}()

	h.readPump(conn)
}

// readPump drains the client socket until it closes. Inbound frames carry
// no meaning on this endpoint and are dropped.
func (h *ClientHandler) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
