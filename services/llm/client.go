// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the text-completion collaborators the compliance
// engine analyzes documents with. Backends are selected by environment
// (COMPLY_LLM_BACKEND) and hidden behind LLMClient.
package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// GenerationParams tunes a completion request. Nil fields use backend
// defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Attachment is an optional file payload sent alongside the prompt: either
// inline bytes with a MIME type, or an opaque reference obtained from a
// prior upload step. The upload mechanism itself is outside this package.
type Attachment struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// CompletionRequest carries everything one completion needs. System holds
// the policy preamble; Prompt holds the document text under review.
type CompletionRequest struct {
	System     string
	Prompt     string
	Attachment *Attachment
	Params     GenerationParams
}

// StreamCallback receives response fragments in emission order. Returning a
// non-nil error aborts the stream.
type StreamCallback func(fragment string) error

// LLMClient defines the standard interface for any LLM backend.
//
// Generate returns the full response blob in one shot; GenerateStream yields
// an ordered sequence of fragments that concatenate to the same kind of
// blob. Both honor ctx for cancellation and timeouts.
type LLMClient interface {
	Generate(ctx context.Context, req CompletionRequest) (string, error)
	GenerateStream(ctx context.Context, req CompletionRequest, callback StreamCallback) error
}

// Sentinel errors used for retry classification by callers.
var (
	// ErrNotConfigured indicates a missing credential or endpoint. Fatal.
	ErrNotConfigured = errors.New("llm backend not configured")

	// ErrRateLimited indicates the backend rejected the request for rate
	// limiting. Transient.
	ErrRateLimited = errors.New("llm backend rate limited")

	// ErrUnavailable indicates the backend is temporarily unavailable.
	// Transient.
	ErrUnavailable = errors.New("llm backend unavailable")
)

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}

// NewClientFromEnv builds the backend selected by COMPLY_LLM_BACKEND
// ("ollama" default, or "openai").
func NewClientFromEnv() (LLMClient, error) {
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("COMPLY_LLM_BACKEND")))
	switch backend {
	case "", "ollama":
		return NewOllamaClient()
	case "openai":
		return NewOpenAIClient()
	default:
		return nil, fmt.Errorf("unknown COMPLY_LLM_BACKEND %q: %w", backend, ErrNotConfigured)
	}
}
