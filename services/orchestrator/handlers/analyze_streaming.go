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
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianComply/services/compliance_engine"
	"github.com/AleutianAI/AleutianComply/services/llm"
	"github.com/AleutianAI/AleutianComply/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianComply/services/orchestrator/observability"
	badgerstore "github.com/AleutianAI/AleutianComply/services/orchestrator/storage/badger"
)

// streamKeepAliveInterval is how often an SSE comment ping is sent while the
// model is thinking. Must stay under common load balancer idle timeouts
// (AWS ALB and Nginx default to 60s).
const streamKeepAliveInterval = 15 * time.Second

// =============================================================================
// POST /v1/analyze/stream
// =============================================================================

// HandleAnalyzeStream runs an analysis pass and streams results over SSE.
//
// # Description
//
// Small documents take the token-streaming path: issues are pushed to the
// client as soon as they close in the model's output, each "issues" event
// carrying the full set so far. Documents above the chunking threshold take
// the parallel chunked path and stream "progress" events per settled chunk
// instead, since per-chunk issues only gain final offsets at merge time.
// Attachment-only requests fall back to a single blocking pass with status
// events around it.
//
// Every event is hash-chained; the terminal event is either "done" (with the
// session id and final summary) or "error".
//
// # Limitations
//
//   - Validation failures are reported as plain JSON; the stream only
//     starts once the request is accepted.
//   - After the stream has started all failures surface as "error" events
//     with a 200 status line, which is inherent to SSE.
func (h *AnalysisHandler) HandleAnalyzeStream(c *gin.Context) {
	ctx, span := analysisTracer.Start(c.Request.Context(), "HandleAnalyzeStream")
	defer span.End()

	start := time.Now()
	success := false
	defer func() {
		observability.DefaultMetrics.RecordRequest(observability.EndpointAnalyzeStream, success)
		observability.DefaultMetrics.RecordDuration(observability.EndpointAnalyzeStream,
			time.Since(start).Seconds(), success)
	}()

	var req datatypes.AnalyzeRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.DefaultMetrics.RecordError(observability.EndpointAnalyzeStream, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		observability.DefaultMetrics.RecordError(observability.EndpointAnalyzeStream, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	attachment, err := req.Attachment.Decode()
	if err != nil {
		observability.DefaultMetrics.RecordError(observability.EndpointAnalyzeStream, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.String("comply.request_id", req.RequestID),
		attribute.Int("comply.document_bytes", len(req.Content)),
	)

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		observability.DefaultMetrics.RecordError(observability.EndpointAnalyzeStream, observability.ErrorCodeInternal)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	observability.DefaultMetrics.StreamStarted(observability.EndpointAnalyzeStream)
	defer observability.DefaultMetrics.StreamEnded(observability.EndpointAnalyzeStream)

	// Keepalive pings while the model is thinking. Stops when the handler
	// returns or the client goes away.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(streamKeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := writer.WriteKeepAlive(); err != nil {
					return
				}
				observability.DefaultMetrics.RecordKeepAlive(observability.EndpointAnalyzeStream)
			}
		}
	}()

	if err := writer.WriteStatus("Analyzing document..."); err != nil {
		return
	}

	document, result, err := h.runStreamingPass(ctx, &req, attachment, writer)
	if err != nil {
		h.reportStreamFailure(c, span, writer, req.RequestID, err)
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
		Endpoint:      string(observability.EndpointAnalyzeStream),
	})

	// Final issue set before done, so a client that only renders issues
	// events still ends up consistent with the chunked path.
	if err := writer.WriteIssues(result.Issues, result.Summary); err != nil {
		return
	}
	if err := writer.WriteDone(session.Id, result.Summary); err != nil {
		return
	}

	span.SetAttributes(attribute.Int("comply.issues_found", result.Summary.Total))
	success = true
}

// runStreamingPass picks the right engine path for the request and wires its
// callbacks to the SSE writer.
//
// Token streaming needs document text, so attachment-only requests run as a
// single blocking pass. Oversized text runs chunked with progress events;
// everything else streams issues incrementally.
func (h *AnalysisHandler) runStreamingPass(
	ctx context.Context,
	req *datatypes.AnalyzeRequest,
	attachment *llm.Attachment,
	writer SSEWriter,
) (string, *compliance_engine.AnalysisResult, error) {
	switch {
	case req.Content == "":
		_ = writer.WriteStatus("Extracting attachment text...")
		return h.analyzer.Analyze(ctx, req.Content, attachment, nil)

	case attachment == nil && len(req.Content) > compliance_engine.ChunkThreshold:
		_ = writer.WriteStatus("Large document: analyzing in parallel chunks")
		progress := func(completed, total int) {
			_ = writer.WriteProgress(completed, total)
		}
		return h.analyzer.Analyze(ctx, req.Content, attachment, progress)

	default:
		onUpdate := func(issues []compliance_engine.ResolvedIssue, summary compliance_engine.Summary) error {
			return writer.WriteIssues(issues, summary)
		}
		result, err := h.analyzer.AnalyzeStream(ctx, req.Content, attachment, onUpdate)
		if err != nil {
			return "", nil, err
		}
		return req.Content, result, nil
	}
}

// reportStreamFailure logs the failure, records metrics, and emits the
// terminal error event. A client disconnect is counted separately and gets
// no event; there is nobody left to read it.
func (h *AnalysisHandler) reportStreamFailure(
	c *gin.Context,
	span trace.Span,
	writer SSEWriter,
	requestID string,
	err error,
) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if errors.Is(err, context.Canceled) && c.Request.Context().Err() != nil {
		observability.DefaultMetrics.RecordClientDisconnect(observability.EndpointAnalyzeStream)
		slog.Info("Client disconnected during streaming analysis", "request_id", requestID)
		return
	}

	_, code := classifyAnalysisError(err)
	observability.DefaultMetrics.RecordError(observability.EndpointAnalyzeStream, code)
	slog.Error("Streaming analysis failed",
		"request_id", requestID, "error", err, "error_code", code)
	_ = writer.WriteError(sanitizeErrorForClient(err))
}
