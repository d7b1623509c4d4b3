package websocket

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/examhive/examhive/internal/application/realtime"
	"github.com/examhive/examhive/pkg/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Origin checks belong to the fronting gateway
	},
}

// Handler upgrades WebSocket connections and bridges them into the
// connection registry.
type Handler struct {
	registry *realtime.Registry
	logger   *zap.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(registry *realtime.Registry, logger *zap.Logger) *Handler {
	return &Handler{
		registry: registry,
		logger:   logger,
	}
}

// clientMessage is what clients send over the socket.
type clientMessage struct {
	Action string   `json:"action"`
	Events []string `json:"events,omitempty"`
}

// wsTransport adapts a gorilla connection to ports.ClientTransport.
// gorilla allows only one concurrent writer, hence the mutex.
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (t *wsTransport) WriteJSON(v interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// HandleStream handles a WebSocket handshake and serves the connection until
// the client goes away.
//
// Query parameters: type (workspace|monitor|dashboard, default workspace),
// user_id, exam_id.
func (h *Handler) HandleStream(c *gin.Context) {
	connType := domain.ConnectionType(c.DefaultQuery("type", string(domain.ConnectionWorkspace)))
	if !connType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown connection type"})
		return
	}
	userID := c.Query("user_id")
	contextID := c.Query("exam_id")

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	conn, err := h.registry.Connect(&wsTransport{conn: wsConn}, connType, userID, contextID)
	if err != nil {
		h.logger.Error("failed to register connection", zap.Error(err))
		_ = wsConn.Close()
		return
	}
	defer h.registry.Disconnect(conn.ID)

	h.logger.Info("WebSocket connection established",
		zap.String("connection_id", conn.ID),
		zap.String("type", string(connType)),
		zap.String("client", c.ClientIP()))

	h.readLoop(wsConn, conn)
}

// readLoop serves client subscribe/unsubscribe/ping messages until the
// socket errors, which ends the connection.
func (h *Handler) readLoop(wsConn *websocket.Conn, conn *realtime.Connection) {
	for {
		var msg clientMessage
		if err := wsConn.ReadJSON(&msg); err != nil {
			return
		}
		conn.Touch()

		switch msg.Action {
		case "subscribe":
			types := toEventTypes(msg.Events)
			if err := h.registry.Subscribe(conn.ID, types, nil); err != nil {
				h.sendError(conn, err.Error())
				continue
			}
			h.sendAck(conn, "subscribed", msg.Events)
		case "unsubscribe":
			types := toEventTypes(msg.Events)
			if err := h.registry.Unsubscribe(conn.ID, types); err != nil {
				h.sendError(conn, err.Error())
				continue
			}
			h.sendAck(conn, "unsubscribed", msg.Events)
		case "ping":
			_ = h.registry.SendToConnection(conn.ID, domain.NewEnvelope("pong", conn.ID, nil))
		default:
			h.sendError(conn, "unknown action: "+msg.Action)
		}
	}
}

func (h *Handler) sendAck(conn *realtime.Connection, action string, events []string) {
	_ = h.registry.SendToConnection(conn.ID, domain.NewEnvelope(action, conn.ID, map[string]interface{}{
		"events": events,
	}))
}

func (h *Handler) sendError(conn *realtime.Connection, message string) {
	env := domain.NewEnvelope("error", conn.ID, nil)
	env.Error = message
	_ = h.registry.SendToConnection(conn.ID, env)
}

func toEventTypes(names []string) []domain.EventType {
	types := make([]domain.EventType, 0, len(names))
	for _, name := range names {
		types = append(types, domain.EventType(name))
	}
	return types
}
