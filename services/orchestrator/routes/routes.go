// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"os"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianComply/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianComply/services/orchestrator/middleware"
)

// SetupRoutes registers the full HTTP surface on the given router.
//
// /health and /metrics stay outside the authenticated group so probes and
// scrapers work without credentials. Everything under /v1 requires the
// bearer token when COMPLY_API_TOKEN is set.
func SetupRoutes(router *gin.Engine, h *handlers.AnalysisHandler) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.TokenAuth(os.Getenv("COMPLY_API_TOKEN")))
	{
		v1.GET("/status", h.HandleStatus)
		v1.POST("/analyze", h.HandleAnalyze)
		v1.POST("/analyze/stream", h.HandleAnalyzeStream)
		v1.GET("/analyze/ws", h.HandleAnalyzeWebSocket)
		v1.GET("/policies", h.HandleGetPolicies)

		sessions := v1.Group("/sessions")
		{
			sessions.GET("/:sessionId", h.HandleGetSession)
			sessions.POST("/:sessionId/fixes", h.HandleApplyFix)
			sessions.POST("/:sessionId/ignores", h.HandleIgnoreIssue)
		}

		history := v1.Group("/history")
		{
			history.GET("", h.HandleListHistory)
			history.GET("/:id", h.HandleGetHistoryRecord)
		}
	}
}
