package status

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Logger interface for websocket handling
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The station binds to localhost for its own UI; cross-origin checks
	// add nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP requests to WebSocket connections subscribed to the
// hub's status stream.
type Handler struct {
	hub    *Hub
	logger Logger
}

// NewHandler creates a WebSocket handler bound to hub.
func NewHandler(hub *Hub, logger Logger) *Handler {
	return &Handler{hub: hub, logger: logger}
}

// ServeHTTP upgrades the connection, replays the latest status message, and
// then streams broadcasts until the client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	clientID := uuid.New().String()
	ch := make(chan Message, 10)
	h.hub.Register(clientID, ch)
	h.logger.Debug("Status client connected", "id", clientID, "remote", r.RemoteAddr)

	defer func() {
		h.hub.Unregister(clientID)
		conn.Close()
		h.logger.Debug("Status client disconnected", "id", clientID)
	}()

	if last := h.hub.Last(); last != nil {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(last); err != nil {
			return
		}
	}

	// Drain reads so close frames and pongs are processed; the station
	// never expects client messages.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
