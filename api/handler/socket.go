package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ddevcap/matchsync/match"
	"github.com/ddevcap/matchsync/views"
)

const (
	// wsKeepAliveInterval is how often KeepAlive messages go to connected clients.
	wsKeepAliveInterval = 10 * time.Second
	// wsReadDeadline is the maximum time to wait for a pong before considering the connection dead.
	wsReadDeadline = 90 * time.Second
	// wsWriteTimeout bounds a single write to a client.
	wsWriteTimeout = 10 * time.Second
	// wsSendBuffer is the number of queued messages per client before new
	// ones are dropped for it.
	wsSendBuffer = 32
)

// Message types pushed to clients.
const (
	MessageKeepAlive     = "KeepAlive"
	MessageAssetsChanged = "AssetsChanged"
	MessageViewUpdated   = "ViewUpdated"
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	// The stream is public; CORS does not apply to WebSocket upgrades.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage is the envelope of every pushed message.
type wsMessage struct {
	MessageType string `json:"MessageType"`
	Data        any    `json:"Data,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// WSHub tracks active WebSocket connections, fans out change notifications to
// them and closes them on graceful shutdown. Create one in main and pass it
// to the handler and to the components that emit changes.
type WSHub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	done    chan struct{} // closed on shutdown
	once    sync.Once
}

func NewWSHub() *WSHub {
	return &WSHub{
		clients: make(map[*wsClient]struct{}),
		done:    make(chan struct{}),
	}
}

// AssetsChanged pushes a changed asset record.
func (h *WSHub) AssetsChanged(rec match.AssetRecord) {
	h.Broadcast(MessageAssetsChanged, rec)
}

// ViewUpdated pushes a view state transition.
func (h *WSHub) ViewUpdated(snap views.Snapshot) {
	h.Broadcast(MessageViewUpdated, snap)
}

// Broadcast queues a message for every client. Clients whose queue is full
// miss it.
func (h *WSHub) Broadcast(msgType string, data any) {
	payload, err := json.Marshal(wsMessage{MessageType: msgType, Data: data})
	if err != nil {
		slog.Warn("ws: encode failed", "type", msgType, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		select {
		case cl.send <- payload:
		default:
			slog.Debug("ws: client queue full, dropping message", "type", msgType)
		}
	}
}

// Len returns the number of connected clients.
func (h *WSHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *WSHub) add(cl *wsClient) {
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
}

func (h *WSHub) remove(cl *wsClient) {
	h.mu.Lock()
	delete(h.clients, cl)
	h.mu.Unlock()
}

// Shutdown closes all active WebSocket connections and signals handlers to exit.
func (h *WSHub) Shutdown() {
	h.once.Do(func() { close(h.done) })
	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		_ = cl.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second),
		)
		_ = cl.conn.Close()
	}
	h.clients = make(map[*wsClient]struct{})
}

// WebSocketHandler returns a gin handler that streams hub messages to one
// connection. All writes happen on the handler goroutine.
func WebSocketHandler(hub *WSHub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		cl := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
		hub.add(cl)
		defer func() {
			hub.remove(cl)
			_ = conn.Close()
		}()

		if err := write(conn, keepAlive); err != nil {
			return
		}

		ticker := time.NewTicker(wsKeepAliveInterval)
		defer ticker.Stop()

		_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
			return nil
		})

		readErr := make(chan error, 1)
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					readErr <- err
					return
				}
			}
		}()

		for {
			select {
			case <-hub.done:
				return
			case payload := <-cl.send:
				if err := write(conn, payload); err != nil {
					slog.Debug("ws: write error", "error", err)
					return
				}
			case <-ticker.C:
				if err := write(conn, keepAlive); err != nil {
					slog.Debug("ws: keepalive write error", "error", err)
					return
				}
			case err := <-readErr:
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseGoingAway,
					websocket.CloseNormalClosure,
					websocket.CloseNoStatusReceived,
				) {
					slog.Debug("ws: unexpected close", "error", err)
				}
				return
			}
		}
	}
}

var keepAlive = []byte(`{"MessageType":"KeepAlive"}`)

func write(conn *websocket.Conn, payload []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}
