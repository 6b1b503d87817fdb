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
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	badgerstore "github.com/AleutianAI/AleutianComply/services/orchestrator/storage/badger"
)

// maxHistoryPageSize caps how many audit records one request can pull.
const maxHistoryPageSize = 200

// =============================================================================
// GET /v1/history
// =============================================================================

// HandleListHistory returns recent analysis audit records, newest first.
//
// Query parameters:
//
//	limit - maximum records to return (default 50, capped at 200)
func (h *AnalysisHandler) HandleListHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit history not configured"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}
	if limit > maxHistoryPageSize {
		limit = maxHistoryPageSize
	}

	records, err := h.history.List(c.Request.Context(), limit)
	if err != nil {
		slog.Error("Failed to list analysis history", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read history"})
		return
	}
	if records == nil {
		records = []badgerstore.AnalysisRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

// =============================================================================
// GET /v1/history/:id
// =============================================================================

// HandleGetHistoryRecord returns one audit record by id.
func (h *AnalysisHandler) HandleGetHistoryRecord(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit history not configured"})
		return
	}

	record, err := h.history.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, badgerstore.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "history record not found"})
			return
		}
		slog.Error("Failed to read analysis history record", "id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read history"})
		return
	}
	c.JSON(http.StatusOK, record)
}
