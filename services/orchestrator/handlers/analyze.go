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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianComply/services/compliance_engine"
	"github.com/AleutianAI/AleutianComply/services/llm"
	"github.com/AleutianAI/AleutianComply/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianComply/services/orchestrator/observability"
	badgerstore "github.com/AleutianAI/AleutianComply/services/orchestrator/storage/badger"
)

var analysisTracer = otel.Tracer("comply.orchestrator.handlers")

// historySaveTimeout bounds the audit write so a slow disk can never hold a
// finished analysis response hostage.
const historySaveTimeout = 5 * time.Second

// =============================================================================
// Handler Struct
// =============================================================================

// AnalysisHandler serves the document analysis endpoints.
//
// # Description
//
// AnalysisHandler binds the compliance engine to the HTTP surface: blocking
// analysis, streaming analysis (SSE and WebSocket), session reads, fix and
// ignore application, and the audit history.
//
// # Thread Safety
//
// Safe for concurrent use. All mutable state lives in the engine's
// SessionStore and the BadgerDB history store, both of which synchronize
// internally.
type AnalysisHandler struct {
	analyzer *compliance_engine.Analyzer
	sessions *compliance_engine.SessionStore

	// history is optional; nil disables audit persistence and the
	// /v1/history endpoints report the store as unavailable.
	history *badgerstore.HistoryStore

	// policies returns the active policy set. Wired to
	// PolicyProvider.Current so hot reloads show up without a restart.
	policies func() *compliance_engine.PolicySet
}

// NewAnalysisHandler creates an AnalysisHandler.
//
// # Inputs
//
//   - analyzer: Required. The configured compliance analyzer.
//   - sessions: Required. The live session registry.
//   - history: Optional. Nil disables audit history.
//   - policies: Optional. Nil disables the policy inspection endpoint.
//
// Panics if analyzer or sessions is nil; that is a wiring bug, not a runtime
// condition.
func NewAnalysisHandler(
	analyzer *compliance_engine.Analyzer,
	sessions *compliance_engine.SessionStore,
	history *badgerstore.HistoryStore,
	policies func() *compliance_engine.PolicySet,
) *AnalysisHandler {
	if analyzer == nil {
		panic("NewAnalysisHandler: analyzer is nil")
	}
	if sessions == nil {
		panic("NewAnalysisHandler: sessions is nil")
	}
	return &AnalysisHandler{
		analyzer: analyzer,
		sessions: sessions,
		history:  history,
		policies: policies,
	}
}

// =============================================================================
// POST /v1/analyze
// =============================================================================

// HandleAnalyze runs a blocking analysis pass and returns the full result.
//
// # Description
//
// Accepts a datatypes.AnalyzeRequest, runs the engine over the document text
// and/or attachment, installs the result into the named (or a fresh) session,
// and returns the resolved issues with their summary. Large documents are
// chunked and analyzed in parallel inside the engine; this endpoint does not
// stream progress - use /v1/analyze/stream for that.
//
// # Outputs
//
//	200 datatypes.AnalyzeResponse
//	400 invalid body, oversized document, bad attachment
//	502 model produced an unusable response or is unreachable
//	504 analysis exceeded the request deadline
func (h *AnalysisHandler) HandleAnalyze(c *gin.Context) {
	ctx, span := analysisTracer.Start(c.Request.Context(), "HandleAnalyze")
	defer span.End()

	start := time.Now()
	success := false
	defer func() {
		observability.DefaultMetrics.RecordRequest(observability.EndpointAnalyze, success)
		observability.DefaultMetrics.RecordDuration(observability.EndpointAnalyze, time.Since(start).Seconds(), success)
	}()

	var req datatypes.AnalyzeRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.DefaultMetrics.RecordError(observability.EndpointAnalyze, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		observability.DefaultMetrics.RecordError(observability.EndpointAnalyze, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	attachment, err := req.Attachment.Decode()
	if err != nil {
		observability.DefaultMetrics.RecordError(observability.EndpointAnalyze, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.String("comply.request_id", req.RequestID),
		attribute.Int("comply.document_bytes", len(req.Content)),
		attribute.Bool("comply.has_attachment", attachment != nil),
	)

	document, result, err := h.analyzer.Analyze(ctx, req.Content, attachment, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		status, code := classifyAnalysisError(err)
		observability.DefaultMetrics.RecordError(observability.EndpointAnalyze, code)
		slog.Error("Analysis failed",
			"request_id", req.RequestID, "error", err, "error_code", code)
		c.JSON(status, gin.H{"error": sanitizeErrorForClient(err)})
		return
	}

	session := h.sessions.GetOrCreate(req.SessionID)
	session.SetResult(document, result.Issues)

	contentHash := h.hashContent(result.CleanContent, req.RequestID)

	observability.DefaultMetrics.RecordIssues(
		result.Summary.Critical, result.Summary.Warning, result.Summary.Suggestion)
	h.recordHistory(ctx, &badgerstore.AnalysisRecord{
		SessionID:     session.Id,
		RequestID:     req.RequestID,
		ContentHash:   contentHash,
		Summary:       result.Summary,
		DocumentBytes: len(document),
		DurationMs:    time.Since(start).Milliseconds(),
		Endpoint:      string(observability.EndpointAnalyze),
	})

	span.SetAttributes(attribute.Int("comply.issues_found", result.Summary.Total))
	success = true

	c.JSON(http.StatusOK, datatypes.AnalyzeResponse{
		RequestID:        req.RequestID,
		SessionID:        session.Id,
		Timestamp:        time.Now().UnixMilli(),
		Document:         document,
		Issues:           result.Issues,
		Summary:          result.Summary,
		CleanContent:     result.CleanContent,
		ContentHash:      contentHash,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	})
}

// =============================================================================
// GET /v1/sessions/:sessionId
// =============================================================================

// HandleGetSession returns a consistent snapshot of a live session.
func (h *AnalysisHandler) HandleGetSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	session, ok := h.sessions.Get(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, session.Snapshot())
}

// =============================================================================
// GET /v1/policies
// =============================================================================

// HandleGetPolicies returns the active policy set.
//
// Reads through the provider on every call, so an fsnotify hot reload of the
// override file is visible here immediately even though in-flight analysis
// passes keep the set they started with.
func (h *AnalysisHandler) HandleGetPolicies(c *gin.Context) {
	if h.policies == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "policy inspection not configured"})
		return
	}
	set := h.policies()
	if set == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no policy set loaded"})
		return
	}
	c.JSON(http.StatusOK, set)
}

// =============================================================================
// Shared Helpers
// =============================================================================

// hashContent computes the SHA-256 audit hash of the clean content through a
// locked-memory accumulator. A hash failure is logged and degrades to an
// empty hash; it never fails the analysis itself.
func (h *AnalysisHandler) hashContent(content, requestID string) string {
	acc, err := NewSecureContentAccumulator()
	if err != nil {
		slog.Warn("Secure accumulator unavailable, skipping content hash",
			"request_id", requestID, "error", err)
		return ""
	}
	defer acc.Destroy()

	if err := acc.Write(content); err != nil {
		slog.Warn("Content hash skipped", "request_id", requestID, "error", err)
		return ""
	}
	_, hash, err := acc.Finalize()
	if err != nil {
		slog.Warn("Content hash skipped", "request_id", requestID, "error", err)
		return ""
	}
	return hash
}

// recordHistory persists one audit record. Best effort: a failed write is
// logged, never surfaced to the client.
func (h *AnalysisHandler) recordHistory(ctx context.Context, rec *badgerstore.AnalysisRecord) {
	if h.history == nil {
		return
	}
	// Detach from the request context so a client disconnect after the
	// pass finished does not lose the audit entry.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historySaveTimeout)
	defer cancel()
	if err := h.history.Save(saveCtx, rec); err != nil {
		slog.Error("Failed to persist analysis history record",
			"request_id", rec.RequestID, "session_id", rec.SessionID, "error", err)
	}
}

// classifyAnalysisError maps an engine error onto an HTTP status and a
// metrics error code.
func classifyAnalysisError(err error) (int, observability.ErrorCode) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, observability.ErrorCodeTimeout
	case errors.Is(err, compliance_engine.ErrMalformedResponse):
		return http.StatusBadGateway, observability.ErrorCodeMalformedResponse
	case errors.Is(err, compliance_engine.ErrConfiguration):
		return http.StatusInternalServerError, observability.ErrorCodeInternal
	case llm.IsTransient(err):
		return http.StatusBadGateway, observability.ErrorCodeLLMError
	default:
		return http.StatusInternalServerError, observability.ErrorCodeInternal
	}
}

// sanitizeErrorForClient strips internal detail from an error before it
// crosses the API boundary. Engine sentinel errors are descriptive and safe;
// anything else (backend URLs, file paths, driver messages) collapses to a
// generic line and stays in the server log.
func sanitizeErrorForClient(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "analysis timed out"
	case errors.Is(err, compliance_engine.ErrMalformedResponse):
		return compliance_engine.ErrMalformedResponse.Error()
	case errors.Is(err, compliance_engine.ErrSyncDrift):
		return compliance_engine.ErrSyncDrift.Error()
	case errors.Is(err, compliance_engine.ErrUnknownIssue):
		return compliance_engine.ErrUnknownIssue.Error()
	case errors.Is(err, compliance_engine.ErrInvalidIssueData):
		return compliance_engine.ErrInvalidIssueData.Error()
	case llm.IsTransient(err):
		return "model backend temporarily unavailable"
	default:
		return "analysis failed"
	}
}
