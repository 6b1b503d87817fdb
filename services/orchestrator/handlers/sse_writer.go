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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianComply/services/compliance_engine"
	"github.com/AleutianAI/AleutianComply/services/orchestrator/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter defines the contract for writing Server-Sent Events to HTTP
// responses.
//
// # Description
//
// SSEWriter abstracts SSE event serialization and writing, enabling
// testability and separation from HTTP response mechanics. Implementations
// handle the SSE wire format (event: type\ndata: json\n\n) internally.
//
// Each event is automatically assigned:
//   - Id: UUID v4 for ordering and deduplication
//   - CreatedAt: Unix timestamp in milliseconds
//   - Hash: SHA-256 hash of event content for integrity
//   - PrevHash: Hash of previous event for chain verification
//
// The hash chain gives a client (or an auditor replaying a captured stream)
// a verifiable record of which issues were reported and in what order.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
// Streaming handlers emit keepalives and events from different goroutines.
//
// # Assumptions
//
//   - Caller has set Content-Type: text/event-stream before writing
//   - Caller has disabled buffering (X-Accel-Buffering: no)
type SSEWriter interface {
	// WriteEvent writes a single SSE event to the response.
	//
	// Populates event metadata (Id, CreatedAt, Hash, PrevHash), serializes
	// to JSON, and writes in SSE format. Flushes immediately after writing.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteStatus writes a status event with the given message.
	WriteStatus(message string) error

	// WriteIssues writes an issues event carrying the current resolved
	// issue set and its severity summary.
	//
	// During a streaming pass this is called repeatedly as the extractor
	// surfaces more issues; each call carries the full set so far, not a
	// delta, so a client can render from any single event.
	WriteIssues(issues []compliance_engine.ResolvedIssue, summary compliance_engine.Summary) error

	// WriteProgress writes a progress event for chunked analysis.
	//
	// completed counts settled chunks (analyzed or failed); total is the
	// chunk count for the pass.
	WriteProgress(completed, total int) error

	// WriteError writes an error event and signals stream failure.
	//
	// The message must already be sanitized; internal error details stay
	// in the server log. The stream should be closed after this event.
	WriteError(errMsg string) error

	// WriteDone writes the done event with the session ID and final
	// summary, indicating successful completion.
	//
	// Should only be called once per stream; no events follow it.
	WriteDone(sessionID string, summary compliance_engine.Summary) error

	// WriteKeepAlive sends a comment line to prevent connection timeouts.
	//
	// Sends an SSE comment (": ping\n\n") to keep the connection alive
	// while the model is thinking. Comments are ignored by clients but
	// reset load balancer timeout counters (AWS ALB, Nginx default 60s).
	// Does not update the hash chain; comments are not events.
	WriteKeepAlive() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter for HTTP SSE responses.
//
// # Description
//
// sseWriter wraps an http.ResponseWriter to emit SSE-formatted events:
//
//	event: {type}
//	data: {json}
//
// The writer maintains a hash chain for integrity verification:
//   - Each event's Hash is SHA-256 of its content (including issues)
//   - Each event's PrevHash links to the previous event
//
// # Thread Safety
//
// Thread-safe via mutex. Multiple goroutines can write events concurrently.
// Hash chain integrity is maintained across concurrent writes.
//
// # Limitations
//
//   - Requires an http.Flusher-compatible ResponseWriter
//   - Cannot be reused across requests
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// =============================================================================
// Constructor
// =============================================================================

// NewSSEWriter creates a new SSEWriter for the given ResponseWriter.
//
// The caller must set SSE headers (via SetSSEHeaders) before creating the
// writer. Returns an error if the ResponseWriter does not support flushing.
//
// # Examples
//
//	SetSSEHeaders(w)
//	writer, err := NewSSEWriter(w)
//	if err != nil {
//	    http.Error(w, "Streaming not supported", http.StatusInternalServerError)
//	    return
//	}
//	writer.WriteStatus("Analyzing document...")
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	return &sseWriter{
		writer:   w,
		flusher:  flusher,
		prevHash: "",
	}, nil
}

// =============================================================================
// Methods
// =============================================================================

// WriteEvent writes a single SSE event to the response.
//
// Populates event metadata (Id, CreatedAt, Hash, PrevHash), serializes to
// JSON, and writes in SSE format. Flushes immediately after writing so the
// client sees issues as they surface, not when the pass ends.
func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Populate metadata
	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash

	// Compute hash of event content (before setting Hash field)
	event.Hash = computeEventHash(event)

	// Update chain for next event
	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Write SSE format: event: type\ndata: json\n\n
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// computeEventHash computes SHA-256 hash of event content.
//
// Hashes metadata (Id, Type, CreatedAt, PrevHash), the content fields, and
// the issue set (JSON-serialized for consistent hashing) so the chain covers
// everything the client received. Shared by the SSE and WebSocket paths so
// both transports produce identical chains for identical event sequences.
func computeEventHash(event datatypes.StreamEvent) string {
	issuesJSON := ""
	if len(event.Issues) > 0 {
		if data, err := json.Marshal(event.Issues); err == nil {
			issuesJSON = string(data)
		}
	}

	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%d|%d|%s",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.Message,
		event.Error,
		event.SessionId,
		event.Completed,
		event.Total,
		issuesJSON,
	)

	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// WriteStatus writes a status event with the given message.
func (w *sseWriter) WriteStatus(message string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    "status",
		Message: message,
	})
}

// WriteIssues writes an issues event with the current issue set and summary.
func (w *sseWriter) WriteIssues(issues []compliance_engine.ResolvedIssue, summary compliance_engine.Summary) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    "issues",
		Issues:  issues,
		Summary: &summary,
	})
}

// WriteProgress writes a progress event for chunked analysis.
func (w *sseWriter) WriteProgress(completed, total int) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:      "progress",
		Completed: completed,
		Total:     total,
	})
}

// WriteError writes an error event.
//
// The caller must sanitize the message; internal details stay server-side.
func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:  "error",
		Error: errMsg,
	})
}

// WriteDone writes the done event with session ID and final summary.
func (w *sseWriter) WriteDone(sessionID string, summary compliance_engine.Summary) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:      "done",
		SessionId: sessionID,
		Summary:   &summary,
	})
}

// WriteKeepAlive sends a comment line to keep the connection alive.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// SSE comment format: colon followed by text, then double newline
	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming.
//
// Sets the required headers for Server-Sent Events:
//   - Content-Type: text/event-stream
//   - Cache-Control: no-cache
//   - Connection: keep-alive
//   - X-Accel-Buffering: no (disables nginx buffering)
//
// Must be called before writing any response body.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEWriter = (*sseWriter)(nil)
