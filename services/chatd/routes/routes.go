// Copyright (C) 2026 Auklet AI (dev@auklet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes wires HTTP routes to their handlers.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/auklet-ai/auklet/services/chatd/handlers"
	"github.com/auklet-ai/auklet/services/chatd/middleware"
)

// Handlers carries the handler implementations the router mounts.
type Handlers struct {
	Chat          handlers.StreamingChatHandler
	Conversations handlers.ConversationHandler
}

// SetupRoutes registers all chatd routes on the given engine.
//
// Route map:
//
//	GET  /health                                       liveness probe
//	GET  /metrics                                      Prometheus metrics
//	POST /v1/chat/stream                               streaming chat (SSE)
//	POST /v1/conversations                             create conversation
//	GET  /v1/conversations                             list conversations
//	GET  /v1/conversations/:conversationId/history     full turn log
func SetupRoutes(router *gin.Engine, h Handlers) {
	router.GET("/health", handlers.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(middleware.Identity())
	{
		v1.POST("/chat/stream", h.Chat.HandleChatStream)

		conversations := v1.Group("/conversations")
		{
			conversations.POST("", h.Conversations.HandleCreate)
			conversations.GET("", h.Conversations.HandleList)
			conversations.GET("/:conversationId/history", h.Conversations.HandleHistory)
		}
	}
}
