package main

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"materoom/chat-service/internal/auth"
	"materoom/chat-service/internal/config"
	"materoom/chat-service/internal/db"
	"materoom/chat-service/internal/directory"
	"materoom/chat-service/internal/handlers"
	"materoom/chat-service/internal/middleware"
	"materoom/chat-service/internal/observability"
	"materoom/chat-service/internal/rabbitmq"
	"materoom/chat-service/internal/repositories"
	"materoom/chat-service/internal/telemetry"
	"materoom/chat-service/internal/ws"
)

func main() {
	cfg := config.Load()

	database, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}

	shutdownTracing, err := observability.SetupTracing(context.Background(), cfg.OTLPEndpoint, "materoom-chat", cfg.Environment)
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	log.Printf("event publisher mode=%s", rabbitmq.PublisherMode(publisher))
	observability.SetPublisher(publisherAdapter{publisher})

	audit := telemetry.NewAuditEmitter(publisher, "audit_log.chat", "materoom-chat", cfg.Environment)

	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	users := directory.NewClient(cfg.UserServiceURL)

	conversationRepo := repositories.NewConversationRepo(database)
	messageRepo := repositories.NewMessageRepo(database)

	registry := ws.NewRegistry()
	defer registry.Clear()
	gateway := ws.NewGateway(registry, conversationRepo, messageRepo, users)

	conversationHandler := handlers.NewConversationHandler(conversationRepo, messageRepo, users, gateway, audit)
	gatewayHandler := ws.NewGatewayHandler(gateway, verifier)

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(otelgin.Middleware("materoom-chat"))
	router.Use(observability.HTTPMetricsMiddleware())

	authMiddleware := middleware.AuthMiddleware(verifier)

	router.GET("/conversations", authMiddleware, conversationHandler.ListConversations)
	router.POST("/conversations", authMiddleware, conversationHandler.StartConversation)
	router.GET("/conversations/:conversation_id/messages", authMiddleware, conversationHandler.GetMessages)
	router.POST("/conversations/:conversation_id/messages", authMiddleware, conversationHandler.PostMessage)
	router.POST("/conversations/:conversation_id/read", authMiddleware, conversationHandler.MarkRead)

	router.GET("/ws", gatewayHandler.Handle)

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handlers.RegisterDebugRoutes(router, audit, cfg.DebugRoutes)

	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// publisherAdapter lets the ws lifecycle events reuse the audit
// publisher connection under the observability package's interface.
type publisherAdapter struct {
	inner rabbitmq.Publisher
}

func (a publisherAdapter) PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	payload := map[string]interface{}{
		"headers": headers,
		"event":   message,
	}
	return a.inner.Publish(ctx, routingKey, payload)
}
