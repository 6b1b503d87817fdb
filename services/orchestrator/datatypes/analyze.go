// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides request and response types for the comply
// service's HTTP surface.
//
// This file contains the analysis, fix, and streaming types. Validation uses
// go-playground/validator with a custom byte-size check so oversized
// documents are rejected before they reach the engine.
package datatypes

import (
	"encoding/base64"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianComply/services/compliance_engine"
	"github.com/AleutianAI/AleutianComply/services/llm"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxDocumentBytes is the maximum size of a submitted document.
	// Mitigates unbounded-input memory exhaustion.
	MaxDocumentBytes = 1024 * 1024 // 1MB

	// MaxAttachmentBytes is the maximum decoded size of an attachment.
	MaxAttachmentBytes = 8 * 1024 * 1024 // 8MB
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// analyzeValidate is the validator instance for analysis datatypes.
// Initialized in init() with custom validators.
var analyzeValidate *validator.Validate

func init() {
	analyzeValidate = validator.New()

	// Byte-length check, not rune count: the limit exists to bound memory.
	_ = analyzeValidate.RegisterValidation("maxdocbytes", validateMaxDocBytes)
}

func validateMaxDocBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxDocumentBytes
}

// =============================================================================
// Analysis Request Types
// =============================================================================

// AttachmentPayload is a file forwarded to the model alongside (or instead
// of) document text.
//
// # Fields
//
//   - MIMEType: Required. Media type of the payload (image/png,
//     application/pdf, ...).
//   - Data: Base64-encoded file bytes. Mutually exclusive with URI.
//   - URI: Remote location of the file, for backends that fetch themselves.
type AttachmentPayload struct {
	MIMEType string `json:"mime_type" validate:"required"`
	Data     string `json:"data,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// Decode converts the payload into the engine's attachment form, decoding
// the base64 body and enforcing the size cap.
func (p *AttachmentPayload) Decode() (*llm.Attachment, error) {
	if p == nil {
		return nil, nil
	}
	if p.Data == "" && p.URI == "" {
		return nil, errors.New("attachment needs either data or uri")
	}
	att := &llm.Attachment{MIMEType: p.MIMEType, URI: p.URI}
	if p.Data != "" {
		raw, err := base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			return nil, errors.New("attachment data is not valid base64")
		}
		if len(raw) > MaxAttachmentBytes {
			return nil, errors.New("attachment exceeds size limit")
		}
		att.Data = raw
	}
	return att, nil
}

// AnalyzeRequest is the body of POST /v1/analyze and /v1/analyze/stream.
//
// # Description
//
// Submits a document for compliance analysis. Content carries the document
// text; Attachment optionally carries a file. At least one of the two must
// be present. SessionID is optional: when empty a new session is created,
// when set the named session's document and issues are replaced by this
// pass.
//
// # Validation
//
//   - Content: max 1MB (byte length, custom maxdocbytes validator)
//   - RequestID: valid UUID v4 when provided
//   - Attachment.MIMEType: required when an attachment is present
type AnalyzeRequest struct {
	RequestID  string             `json:"request_id,omitempty" validate:"omitempty,uuid4"`
	Timestamp  int64              `json:"timestamp,omitempty" validate:"gte=0"`
	SessionID  string             `json:"session_id,omitempty"`
	Content    string             `json:"content" validate:"maxdocbytes"`
	Attachment *AttachmentPayload `json:"attachment,omitempty"`
}

// Validate validates the AnalyzeRequest fields.
func (r *AnalyzeRequest) Validate() error {
	if r.Content == "" && r.Attachment == nil {
		return errors.New("either content or attachment is required")
	}
	return analyzeValidate.Struct(r)
}

// EnsureDefaults populates RequestID and Timestamp when the client omitted
// them, so every request carries identifiers for tracing and audit.
func (r *AnalyzeRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
}

// =============================================================================
// Analysis Response Types
// =============================================================================

// AnalyzeResponse is the body returned by POST /v1/analyze.
//
// Offsets inside Issues are valid against Document, the exact snapshot the
// pass ran over. ContentHash is the SHA-256 of CleanContent, recorded in the
// audit history for integrity checks.
type AnalyzeResponse struct {
	RequestID        string                            `json:"request_id"`
	SessionID        string                            `json:"session_id"`
	Timestamp        int64                             `json:"timestamp"`
	Document         string                            `json:"document"`
	Issues           []compliance_engine.ResolvedIssue `json:"issues"`
	Summary          compliance_engine.Summary         `json:"summary"`
	CleanContent     string                            `json:"clean_content"`
	ContentHash      string                            `json:"content_hash,omitempty"`
	ProcessingTimeMs int64                             `json:"processing_time_ms,omitempty"`
}

// =============================================================================
// Fix and Ignore Types
// =============================================================================

// FixRequest is the body of POST /v1/sessions/:sessionId/fixes.
type FixRequest struct {
	IssueID string `json:"issue_id" validate:"required"`
}

// Validate validates the FixRequest fields.
func (r *FixRequest) Validate() error { return analyzeValidate.Struct(r) }

// IgnoreRequest is the body of POST /v1/sessions/:sessionId/ignores.
type IgnoreRequest struct {
	IssueID string `json:"issue_id" validate:"required"`
}

// Validate validates the IgnoreRequest fields.
func (r *IgnoreRequest) Validate() error { return analyzeValidate.Struct(r) }

// FixResponse is returned by the fix and ignore endpoints: the session state
// after the operation.
type FixResponse struct {
	SessionID  string                            `json:"session_id"`
	Document   string                            `json:"document"`
	Issues     []compliance_engine.ResolvedIssue `json:"issues"`
	Summary    compliance_engine.Summary         `json:"summary"`
	Remaining  compliance_engine.Summary         `json:"remaining"`
	LengthDiff int                               `json:"length_diff,omitempty"`
}

// =============================================================================
// Stream Event Types
// =============================================================================

// StreamEvent is one SSE or WebSocket frame emitted during a streaming
// analysis.
//
// # Event Types
//
//   - "status": progress prose (Message)
//   - "issues": incremental issue set (Issues, Summary)
//   - "progress": chunked-analysis progress (Completed, Total)
//   - "error": terminal failure (Error)
//   - "done": successful completion (SessionId, Summary)
//
// Every event carries a hash chained to the previous one, giving the client
// a verifiable record of what was streamed and in what order.
type StreamEvent struct {
	Id        string                            `json:"id"`
	Type      string                            `json:"type"`
	CreatedAt int64                             `json:"created_at"`
	Hash      string                            `json:"hash"`
	PrevHash  string                            `json:"prev_hash,omitempty"`
	Message   string                            `json:"message,omitempty"`
	Error     string                            `json:"error,omitempty"`
	SessionId string                            `json:"session_id,omitempty"`
	Issues    []compliance_engine.ResolvedIssue `json:"issues,omitempty"`
	Summary   *compliance_engine.Summary        `json:"summary,omitempty"`
	Completed int                               `json:"completed,omitempty"`
	Total     int                               `json:"total,omitempty"`
}
