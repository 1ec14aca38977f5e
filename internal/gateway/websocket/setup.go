package websocket

import (
	"github.com/gin-gonic/gin"

	"github.com/agentdesk/agentdesk/internal/common/logger"
	ws "github.com/agentdesk/agentdesk/pkg/websocket"
)

// Gateway bundles the hub, dispatcher, and connection handler.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
	logger     *logger.Logger
}

// NewGateway creates a WebSocket gateway with all components initialized.
// Handlers are registered on the Dispatcher before serving.
func NewGateway(log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)
	handler := NewHandler(hub, log)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		logger:     log,
	}
}

// SetupRoutes adds the WebSocket routes to the gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
