package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/ragchat/internal/middleware"
)

type RouterDeps struct {
	Chat      *ChatHandler
	Webhook   *WebhookHandler
	Health    *HealthHandler
	RateLimit time.Duration
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	api.GET("/healthz", deps.Health.Healthz)

	chatGroup := api.Group("/chat")
	chatGroup.Use(middleware.RateLimit(deps.RateLimit))
	chatGroup.POST("", deps.Chat.Chat)
	chatGroup.GET("/history/:session_id", deps.Chat.History)
	chatGroup.POST("/reset", deps.Chat.Reset)

	if deps.Webhook != nil {
		api.POST("/chatwoot/webhook/:bot", deps.Webhook.Receive)
	}
}
