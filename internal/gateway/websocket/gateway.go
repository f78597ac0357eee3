package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stagehand/stagehand/internal/common/logger"
	"github.com/stagehand/stagehand/internal/events"
	"github.com/stagehand/stagehand/internal/events/bus"
)

// Gateway upgrades HTTP connections and relays bus events into the hub.
type Gateway struct {
	hub      *Hub
	bus      bus.EventBus
	upgrader websocket.Upgrader
	logger   *logger.Logger
	subs     []bus.Subscription
}

// NewGateway creates a gateway over the given hub and event bus.
func NewGateway(hub *Hub, eventBus bus.EventBus, log *logger.Logger) *Gateway {
	return &Gateway{
		hub: hub,
		bus: eventBus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local observer endpoint; same-origin policy is not enforced.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.WithFields(zap.String("component", "ws-gateway")),
	}
}

// Register attaches GET /ws.
func (g *Gateway) Register(r gin.IRouter) {
	r.GET("/ws", g.handleConnection)
}

// Start subscribes the gateway to all lifecycle subjects.
func (g *Gateway) Start() error {
	sub, err := g.bus.Subscribe("stagehand.>", g.onEvent)
	if err != nil {
		return err
	}
	g.subs = append(g.subs, sub)
	return nil
}

// Stop detaches the bus subscription.
func (g *Gateway) Stop() {
	for _, s := range g.subs {
		if err := s.Unsubscribe(); err != nil {
			g.logger.Warn("failed to unsubscribe", zap.Error(err))
		}
	}
	g.subs = nil
}

func (g *Gateway) onEvent(ctx context.Context, ev *bus.Event) error {
	msg, err := NewEventMessage(subjectFor(ev.Type), ev)
	if err != nil {
		return err
	}
	if sessionID, ok := ev.Data[events.KeySessionID].(string); ok && sessionID != "" {
		g.hub.BroadcastToSession(sessionID, msg)
		return nil
	}
	g.hub.Broadcast(msg)
	return nil
}

// subjectFor rebuilds the bus subject from the event type.
func subjectFor(eventType string) string {
	return "stagehand." + eventType
}

func (g *Gateway) handleConnection(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, g.hub, g.logger)
	g.hub.register <- client

	go client.WritePump()
	go client.ReadPump()
}
