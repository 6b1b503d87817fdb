// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthCheck is the liveness probe. It stays unauthenticated and leaks
// nothing beyond the fact that the process is up.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "comply-orchestrator"})
}

// HandleStatus reports which optional subsystems this instance runs with.
func (h *AnalysisHandler) HandleStatus(c *gin.Context) {
	status := gin.H{
		"status":  "ok",
		"history": h.history != nil,
	}
	if h.policies != nil {
		if set := h.policies(); set != nil {
			status["policy_profile"] = set.Profile
			status["policy_categories"] = len(set.Categories)
		}
	}
	c.JSON(http.StatusOK, status)
}
