package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/scanqueue/internal/api/middleware"
	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/orchestrator"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriodRatio = 0.9
	pingPeriod      = time.Duration(float64(pongWait) * pingPeriodRatio)
	maxMessageSize  = 512

	defaultWatchInterval = 2 * time.Second
)

// Watch message types.
const (
	MessageStatus  = "status"
	MessageDeleted = "deleted"
	MessageError   = "error"
)

// WatchMessage is a frame sent to watch clients.
type WatchMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// WatchHandler streams task status over websocket connections. Each
// connection polls its task and sends a frame whenever the status,
// progress or pause state changes; the stream ends after a terminal state.
type WatchHandler struct {
	service  *orchestrator.Service
	logger   *slog.Logger
	interval time.Duration
	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[*websocket.Conn]string
	shutdown chan struct{}
	closed   bool
}

// NewWatchHandler creates a WatchHandler polling at interval. allowedOrigins
// restricts browser origins; empty or "*" accepts any.
func NewWatchHandler(service *orchestrator.Service, interval time.Duration,
	allowedOrigins []string, logger *slog.Logger) *WatchHandler {
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	h := &WatchHandler{
		service:  service,
		logger:   logger.With("handler", "watch"),
		interval: interval,
		clients:  make(map[*websocket.Conn]string),
		shutdown: make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || len(set) == 0 || set[origin]
	}
}

// Watch handles GET /scans/{id}/watch.
func (h *WatchHandler) Watch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	// Unknown tasks fail before the upgrade so clients get a plain 404.
	view, err := h.service.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "task_id", id, "error", err)
		return
	}
	requestID := middleware.GetRequestID(r)
	if !h.register(conn, id) {
		_ = conn.Close()
		return
	}
	defer h.unregister(conn)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	gone := make(chan struct{})
	go h.readPump(conn, requestID, gone)

	h.stream(conn, id, requestID, view, gone)
}

// stream runs the poll loop of one connection. It is the only writer.
func (h *WatchHandler) stream(conn *websocket.Conn, taskID, requestID string,
	view *orchestrator.StatusView, gone <-chan struct{}) {
	poll := time.NewTicker(h.interval)
	defer poll.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	if err := h.send(conn, MessageStatus, view, requestID); err != nil {
		return
	}
	last := *view

	for {
		if last.Status.IsTerminal() {
			h.closeWith(conn, websocket.CloseNormalClosure, "task finished")
			return
		}

		select {
		case <-gone:
			return
		case <-h.shutdown:
			h.closeWith(conn, websocket.CloseGoingAway, "server shutting down")
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debug("Ping failed, closing connection", "request_id", requestID, "error", err)
				return
			}
		case <-poll.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			current, err := h.service.GetStatus(ctx, taskID)
			cancel()
			switch {
			case errors.IsNotFound(err):
				_ = h.send(conn, MessageDeleted, map[string]string{"task_id": taskID}, requestID)
				h.closeWith(conn, websocket.CloseNormalClosure, "task deleted")
				return
			case err != nil:
				h.logger.Warn("Watch poll failed", "task_id", taskID, "error", err)
				if h.send(conn, MessageError, map[string]string{"message": "status unavailable"}, requestID) != nil {
					return
				}
				continue
			}
			if changed(&last, current) {
				if h.send(conn, MessageStatus, current, requestID) != nil {
					return
				}
				last = *current
			}
		}
	}
}

func changed(prev, cur *orchestrator.StatusView) bool {
	return prev.Status != cur.Status ||
		prev.Progress != cur.Progress ||
		prev.Paused != cur.Paused ||
		prev.ErrorMessage != cur.ErrorMessage ||
		prev.BackendScanID != cur.BackendScanID
}

func (h *WatchHandler) send(conn *websocket.Conn, msgType string, data interface{}, requestID string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(WatchMessage{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      data,
		RequestID: requestID,
	})
	if err != nil {
		h.logger.Debug("WebSocket write failed", "request_id", requestID, "error", err)
	}
	return err
}

func (h *WatchHandler) closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// readPump drains client frames so control messages are processed, and
// closes gone when the peer goes away.
func (h *WatchHandler) readPump(conn *websocket.Conn, requestID string, gone chan<- struct{}) {
	defer close(gone)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket unexpected close", "request_id", requestID, "error", err)
			}
			return
		}
	}
}

func (h *WatchHandler) register(conn *websocket.Conn, taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[conn] = taskID
	return true
}

func (h *WatchHandler) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	_ = conn.Close()
}

// Clients returns the number of open watch connections.
func (h *WatchHandler) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown ends every open stream. Hijacked connections are not covered
// by http.Server.Shutdown, so the server calls this while stopping.
func (h *WatchHandler) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.shutdown)
}
