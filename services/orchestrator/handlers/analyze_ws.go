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
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianComply/services/compliance_engine"
	"github.com/AleutianAI/AleutianComply/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianComply/services/orchestrator/observability"
	badgerstore "github.com/AleutianAI/AleutianComply/services/orchestrator/storage/badger"
)

// wsWriteWait bounds a single WebSocket write, including ping frames.
const wsWriteWait = 10 * time.Second

var analyzeUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	// Sized for a full 1MB document plus JSON framing in a single frame.
	ReadBufferSize:  2 * 1024 * 1024,
	WriteBufferSize: 2 * 1024 * 1024,
}

func sendJSON(ws *websocket.Conn, v interface{}) error {
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}

// wsEventWriter adapts a WebSocket connection to the SSEWriter contract so
// both transports share the streaming pass logic and produce identical hash
// chains for identical event sequences. Events go out as JSON text frames;
// keepalives as ping control frames.
type wsEventWriter struct {
	ws       *websocket.Conn
	prevHash string
	mu       sync.Mutex
}

func (w *wsEventWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash
	event.Hash = computeEventHash(event)
	w.prevHash = event.Hash

	return sendJSON(w.ws, event)
}

func (w *wsEventWriter) WriteStatus(message string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: "status", Message: message})
}

func (w *wsEventWriter) WriteIssues(issues []compliance_engine.ResolvedIssue, summary compliance_engine.Summary) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: "issues", Issues: issues, Summary: &summary})
}

func (w *wsEventWriter) WriteProgress(completed, total int) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: "progress", Completed: completed, Total: total})
}

func (w *wsEventWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: "error", Error: errMsg})
}

func (w *wsEventWriter) WriteDone(sessionID string, summary compliance_engine.Summary) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: "done", SessionId: sessionID, Summary: &summary})
}

func (w *wsEventWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait))
}

var _ SSEWriter = (*wsEventWriter)(nil)

// HandleAnalyzeWebSocket serves GET /v1/analyze/ws.
//
// # Description
//
// Upgrades the connection and then accepts datatypes.AnalyzeRequest JSON
// frames in a loop, one analysis pass per frame. Each pass streams the same
// hash-chained event sequence the SSE endpoint produces, ending in "done" or
// "error". The connection survives a failed pass; the client may submit the
// next request on the same socket.
//
// # Limitations
//
//   - One pass runs at a time per connection; frames are read sequentially.
func (h *AnalysisHandler) HandleAnalyzeWebSocket(c *gin.Context) {
	ws, err := analyzeUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()

	observability.DefaultMetrics.StreamStarted(observability.EndpointAnalyzeWS)
	defer observability.DefaultMetrics.StreamEnded(observability.EndpointAnalyzeWS)
	slog.Info("Analysis websocket client connected")

	writer := &wsEventWriter{ws: ws}
	ctx := c.Request.Context()

	// Ping frames keep intermediaries from idling the socket out between
	// requests and during long passes.
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
				observability.DefaultMetrics.RecordKeepAlive(observability.EndpointAnalyzeWS)
			}
		}
	}()

	for {
		var req datatypes.AnalyzeRequest
		if err := ws.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.DefaultMetrics.RecordClientDisconnect(observability.EndpointAnalyzeWS)
			}
			slog.Info("Analysis websocket client disconnected", "error", err.Error())
			return
		}

		h.runWebSocketPass(c, writer, &req)
	}
}

// runWebSocketPass executes one analysis request on an open socket.
func (h *AnalysisHandler) runWebSocketPass(c *gin.Context, writer *wsEventWriter, req *datatypes.AnalyzeRequest) {
	ctx, span := analysisTracer.Start(c.Request.Context(), "HandleAnalyzeWebSocket.pass")
	defer span.End()

	start := time.Now()
	success := false
	defer func() {
		observability.DefaultMetrics.RecordRequest(observability.EndpointAnalyzeWS, success)
		observability.DefaultMetrics.RecordDuration(observability.EndpointAnalyzeWS,
			time.Since(start).Seconds(), success)
	}()

	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		observability.DefaultMetrics.RecordError(observability.EndpointAnalyzeWS, observability.ErrorCodeValidation)
		_ = writer.WriteError(err.Error())
		return
	}
	attachment, err := req.Attachment.Decode()
	if err != nil {
		observability.DefaultMetrics.RecordError(observability.EndpointAnalyzeWS, observability.ErrorCodeValidation)
		_ = writer.WriteError(err.Error())
		return
	}

	if err := writer.WriteStatus("Analyzing document..."); err != nil {
		return
	}

	document, result, err := h.runStreamingPass(ctx, req, attachment, writer)
	if err != nil {
		span.RecordError(err)
		_, code := classifyAnalysisError(err)
		observability.DefaultMetrics.RecordError(observability.EndpointAnalyzeWS, code)
		slog.Error("WebSocket analysis failed",
			"request_id", req.RequestID, "error", err, "error_code", code)
		_ = writer.WriteError(sanitizeErrorForClient(err))
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
		Endpoint:      string(observability.EndpointAnalyzeWS),
	})

	if err := writer.WriteIssues(result.Issues, result.Summary); err != nil {
		return
	}
	if err := writer.WriteDone(session.Id, result.Summary); err != nil {
		return
	}
	success = true
}
