package stream

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler upgrades status-stream viewers to WebSocket connections,
// grounded on apps/backend's internal/orchestrator/streaming.WSHandler
// generalized from task-id subscriptions to execution-id subscriptions.
type WSHandler struct {
	hub *Hub
	log *logger.Logger
}

// NewWSHandler constructs a WSHandler bound to hub.
func NewWSHandler(hub *Hub, log *logger.Logger) *WSHandler {
	return &WSHandler{hub: hub, log: log.WithFields(zap.String("component", "ws_handler"))}
}

// StreamExecution implements GET /ws/executions/:id,
// subscribing the connection to one execution's status lines.
func (h *WSHandler) StreamExecution(c *gin.Context) {
	executionID := c.Param("id")
	if executionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "execution id is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("upgrade websocket connection", zap.Error(err), zap.String("execution_id", executionID))
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID, conn, h.hub, h.log)
	h.hub.Register(client)
	client.Subscribe(executionID)

	go client.WritePump()
	go client.ReadPump()
}

// SetupRoutes adds the status-stream WebSocket route to the router.
func SetupRoutes(router *gin.RouterGroup, handler *WSHandler) {
	router.GET("/ws/executions/:id", handler.StreamExecution)
}
