package ws

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"materoom/chat-service/internal/auth"
	"materoom/chat-service/internal/observability"
)

// GatewayHandler upgrades authenticated HTTP requests into realtime
// sessions.
type GatewayHandler struct {
	gateway  *Gateway
	verifier auth.TokenVerifier
}

// NewGatewayHandler constructs a GatewayHandler.
func NewGatewayHandler(gateway *Gateway, verifier auth.TokenVerifier) *GatewayHandler {
	return &GatewayHandler{gateway: gateway, verifier: verifier}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle validates the bearer credential, upgrades the connection and
// registers the session. A missing or invalid credential fails the
// connection before any session state is created.
func (h *GatewayHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("materoom-chat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := c.GetHeader("Authorization")
	if token == "" {
		token = c.Query("token")
		if token != "" {
			token = "Bearer " + token
		}
	}

	userID, err := h.validateToken(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	traceID := span.SpanContext().TraceID().String()
	requestID := observability.RequestIDFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   requestID,
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}

	s := newSession(userID, info, conn, h.gateway)

	// The write pump must be draining before the presence snapshot is
	// queued, or a large snapshot fills the send buffer and trips the
	// slow-consumer disconnect on a connection that was never slow.
	go s.writePump()
	h.gateway.HandleConnect(ctx, s)

	observability.IncWSActive("chat")
	observability.IncWSEvent("chat", "ws_connect")
	s.publishLifecycle(ctx, "ws_connect", "")

	go s.readPump()
}

func (h *GatewayHandler) validateToken(ctx context.Context, header string) (int, error) {
	parts := strings.Split(header, " ")
	if len(parts) == 2 {
		return h.verifier.Verify(ctx, parts[1])
	}
	return 0, fmt.Errorf("invalid token")
}
