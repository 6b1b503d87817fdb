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
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianComply/services/compliance_engine"
	"github.com/AleutianAI/AleutianComply/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianComply/services/orchestrator/observability"
)

// =============================================================================
// POST /v1/sessions/:sessionId/fixes
// =============================================================================

// HandleApplyFix applies one accepted suggestion to the session's document.
//
// # Description
//
// Looks up the issue in the session, verifies the document text at its
// recorded offsets still matches byte for byte, and splices in the
// suggestion. Later issues have their offsets shifted by the length
// difference; the response carries the post-fix document and issue set.
//
// # Outputs
//
//	200 datatypes.FixResponse - fix applied
//	400 missing issue_id or issue has no usable suggestion
//	404 unknown session or issue id
//	409 document drifted from the issue's recorded text; the issue is
//	    demoted to ignored and the document is unchanged
func (h *AnalysisHandler) HandleApplyFix(c *gin.Context) {
	_, span := analysisTracer.Start(c.Request.Context(), "HandleApplyFix")
	defer span.End()

	start := time.Now()
	success := false
	defer func() {
		observability.DefaultMetrics.RecordRequest(observability.EndpointFixes, success)
		observability.DefaultMetrics.RecordDuration(observability.EndpointFixes,
			time.Since(start).Seconds(), success)
	}()

	sessionID := c.Param("sessionId")
	session, ok := h.sessions.Get(sessionID)
	if !ok {
		observability.DefaultMetrics.RecordError(observability.EndpointFixes, observability.ErrorCodeValidation)
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	var req datatypes.FixRequest
	if err := c.BindJSON(&req); err != nil {
		observability.DefaultMetrics.RecordError(observability.EndpointFixes, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		observability.DefaultMetrics.RecordError(observability.EndpointFixes, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.String("comply.session_id", sessionID),
		attribute.String("comply.issue_id", req.IssueID),
	)

	result, err := session.ApplyFix(req.IssueID)
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, compliance_engine.ErrSyncDrift):
			// The demoted issue set is already installed in the session;
			// report the conflict with the current state attached.
			observability.DefaultMetrics.RecordFix("drift")
			observability.DefaultMetrics.RecordError(observability.EndpointFixes, observability.ErrorCodeSyncDrift)
			slog.Warn("Fix refused: document drifted from issue offsets",
				"session_id", sessionID, "issue_id", req.IssueID)
			snap := session.Snapshot()
			c.JSON(http.StatusConflict, gin.H{
				"error": sanitizeErrorForClient(err),
				"session": datatypes.FixResponse{
					SessionID: sessionID,
					Document:  snap.Document,
					Issues:    snap.Issues,
					Summary:   snap.Summary,
					Remaining: snap.Remaining,
				},
			})
		case errors.Is(err, compliance_engine.ErrUnknownIssue):
			observability.DefaultMetrics.RecordFix("rejected")
			observability.DefaultMetrics.RecordError(observability.EndpointFixes, observability.ErrorCodeUnknownIssue)
			c.JSON(http.StatusNotFound, gin.H{"error": sanitizeErrorForClient(err)})
		case errors.Is(err, compliance_engine.ErrInvalidIssueData):
			observability.DefaultMetrics.RecordFix("rejected")
			observability.DefaultMetrics.RecordError(observability.EndpointFixes, observability.ErrorCodeValidation)
			c.JSON(http.StatusBadRequest, gin.H{"error": sanitizeErrorForClient(err)})
		default:
			observability.DefaultMetrics.RecordFix("rejected")
			observability.DefaultMetrics.RecordError(observability.EndpointFixes, observability.ErrorCodeInternal)
			slog.Error("Fix application failed",
				"session_id", sessionID, "issue_id", req.IssueID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "fix application failed"})
		}
		return
	}

	observability.DefaultMetrics.RecordFix("applied")
	success = true

	snap := session.Snapshot()
	c.JSON(http.StatusOK, datatypes.FixResponse{
		SessionID:  sessionID,
		Document:   snap.Document,
		Issues:     snap.Issues,
		Summary:    snap.Summary,
		Remaining:  snap.Remaining,
		LengthDiff: result.LengthDiff,
	})
}

// =============================================================================
// POST /v1/sessions/:sessionId/ignores
// =============================================================================

// HandleIgnoreIssue marks a pending issue ignored.
//
// Idempotent: re-ignoring an already fixed or ignored issue is a no-op that
// still returns the current session state.
func (h *AnalysisHandler) HandleIgnoreIssue(c *gin.Context) {
	_, span := analysisTracer.Start(c.Request.Context(), "HandleIgnoreIssue")
	defer span.End()

	start := time.Now()
	success := false
	defer func() {
		observability.DefaultMetrics.RecordRequest(observability.EndpointIgnores, success)
		observability.DefaultMetrics.RecordDuration(observability.EndpointIgnores,
			time.Since(start).Seconds(), success)
	}()

	sessionID := c.Param("sessionId")
	session, ok := h.sessions.Get(sessionID)
	if !ok {
		observability.DefaultMetrics.RecordError(observability.EndpointIgnores, observability.ErrorCodeValidation)
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	var req datatypes.IgnoreRequest
	if err := c.BindJSON(&req); err != nil {
		observability.DefaultMetrics.RecordError(observability.EndpointIgnores, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		observability.DefaultMetrics.RecordError(observability.EndpointIgnores, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := session.Ignore(req.IssueID); err != nil {
		span.RecordError(err)
		if errors.Is(err, compliance_engine.ErrUnknownIssue) {
			observability.DefaultMetrics.RecordError(observability.EndpointIgnores, observability.ErrorCodeUnknownIssue)
			c.JSON(http.StatusNotFound, gin.H{"error": sanitizeErrorForClient(err)})
			return
		}
		observability.DefaultMetrics.RecordError(observability.EndpointIgnores, observability.ErrorCodeInternal)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ignore failed"})
		return
	}

	success = true
	snap := session.Snapshot()
	c.JSON(http.StatusOK, datatypes.FixResponse{
		SessionID: sessionID,
		Document:  snap.Document,
		Issues:    snap.Issues,
		Summary:   snap.Summary,
		Remaining: snap.Remaining,
	})
}
