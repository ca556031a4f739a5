package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dbredin/switchboard/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 90 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20 // 1MB

	// How long a worker gets to introduce itself before a random id is
	// assigned.
	defaultHelloTimeout = 3 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // workers and browser clients connect from anywhere
	},
}

// WorkerHandler handles WebSocket connections from workers at /worker.
type WorkerHandler struct {
	hub          *Hub
	log          *slog.Logger
	helloTimeout time.Duration
}

// NewWorkerHandler creates a new worker WebSocket handler.
func NewWorkerHandler(hub *Hub, log *slog.Logger) *WorkerHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WorkerHandler{
		hub:          hub,
		log:          log,
		helloTimeout: defaultHelloTimeout,
	}
}

// SetHelloTimeout overrides the handshake window.
func (h *WorkerHandler) SetHelloTimeout(d time.Duration) {
	if d > 0 {
		h.helloTimeout = d
	}
}

// ServeHTTP upgrades the connection and registers the worker. The worker
// may open with a hello frame carrying its previous id; if none arrives
// before the handshake window closes, a random id is assigned and the
// worker is registered anyway.
func (h *WorkerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}

	worker := &WorkerConn{
		ID:          newID(),
		Send:        make(chan []byte, sendBuffer),
		ConnectedAt: time.Now(),
	}

	go writePump(conn, worker.Send)

	// The handshake window and the read loop race to register; sync.Once
	// makes whoever gets there first win. A hello that arrives after the
	// timer fired has no effect on the id.
	var once sync.Once
	register := func(requestedID string) {
		once.Do(func() {
			if requestedID != "" {
				worker.ID = requestedID
			}
			h.hub.AddWorker(worker)
			h.log.Info("worker connected", "worker_id", worker.ID)
		})
	}
	timer := time.AfterFunc(h.helloTimeout, func() {
		register("")
	})

	defer func() {
		timer.Stop()
		// Burn the Once so a handshake timer still in flight cannot
		// register a connection that is already gone.
		once.Do(func() {})
		h.hub.DropWorker(worker)
		conn.Close()
		h.log.Info("worker disconnected", "worker_id", worker.ID)
	}()

	h.readPump(conn, worker, register)
}

// readPump pumps frames from the worker socket into the hub.
func (h *WorkerHandler) readPump(conn *websocket.Conn, worker *WorkerConn, register func(string)) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	first := true
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read error", "worker_id", worker.ID, "error", err)
			}
			return
		}

		if first {
			first = false
			var hello protocol.Hello
			if err := json.Unmarshal(message, &hello); err == nil && hello.Type == protocol.TypeHello {
				register(hello.WorkerID)
			} else {
				register("")
			}
			continue
		}

		h.handleMessage(worker, message)
	}
}

// handleMessage routes one inbound worker frame. Malformed or unknown
// frames are dropped.
func (h *WorkerHandler) handleMessage(worker *WorkerConn, message []byte) {
	frameType, err := protocol.Decode(message)
	if err != nil {
		h.log.Warn("dropping malformed frame", "worker_id", worker.ID, "error", err)
		return
	}

	switch frameType {
	case protocol.TypeAnswer:
		var msg protocol.Answer
		if err := json.Unmarshal(message, &msg); err != nil {
			h.log.Warn("bad answer frame", "worker_id", worker.ID, "error", err)
			return
		}
		h.hub.WorkerAnswer(worker, msg.JobID, msg.SDP)

	case protocol.TypeDone:
		var msg protocol.Done
		if err := json.Unmarshal(message, &msg); err != nil {
			h.log.Warn("bad done frame", "worker_id", worker.ID, "error", err)
			return
		}
		h.hub.WorkerDone(worker, msg.JobID)

	case protocol.TypeBusy:
		var msg protocol.Busy
		if err := json.Unmarshal(message, &msg); err != nil {
			h.log.Warn("bad busy frame", "worker_id", worker.ID, "error", err)
			return
		}
		h.hub.WorkerBusy(worker, msg.JobID)

	case protocol.TypeHello:
		h.log.Debug("ignoring hello outside handshake window", "worker_id", worker.ID)

	default:
		h.log.Warn("unknown frame type", "worker_id", worker.ID, "type", frameType)
	}
}

// writePump drains a send channel onto a WebSocket connection, pinging on
// pingPeriod. It exits when the channel closes or a write fails.
func writePump(conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				// Channel closed by the hub
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
