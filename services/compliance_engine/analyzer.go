// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compliance_engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianComply/services/llm"
)

var tracer = otel.Tracer("services/compliance_engine")

const (
	// defaultMaxAttempts caps retries for transient backend failures.
	defaultMaxAttempts = 3

	// defaultRetryBase is the first backoff delay; it doubles per attempt
	// with a little jitter on top.
	defaultRetryBase = 500 * time.Millisecond

	// maxParallelChunks bounds concurrent per-chunk requests so a large
	// document cannot stampede the backend.
	maxParallelChunks = 4
)

// ProgressFunc reports chunked-analysis progress as completed/total after
// each chunk settles, success or handled failure alike. Called under the
// coordinator's lock; implementations must not block for long.
type ProgressFunc func(completed, total int)

// StreamUpdateFunc receives the incrementally growing issue set during a
// streaming analysis. It is invoked only when new complete issue objects
// appeared in the stream, never once per token.
type StreamUpdateFunc func(issues []ResolvedIssue, summary Summary) error

// Analyzer runs compliance analysis passes against an LLM backend.
//
// It owns prompt construction from the policy set, transient-failure retry
// with exponential backoff, outbound rate limiting, the streaming and the
// chunked-parallel paths. It holds no per-document state; every pass takes
// its document explicitly and produces a wholly fresh issue set.
type Analyzer struct {
	client      llm.LLMClient
	policies    *PolicySet
	limiter     *rate.Limiter
	maxAttempts int
	retryBase   time.Duration
}

// AnalyzerOption customizes an Analyzer.
type AnalyzerOption func(*Analyzer)

// WithRateLimit bounds outbound completion requests.
func WithRateLimit(rps float64, burst int) AnalyzerOption {
	return func(a *Analyzer) { a.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithRetry overrides the transient-failure retry policy.
func WithRetry(attempts int, base time.Duration) AnalyzerOption {
	return func(a *Analyzer) {
		a.maxAttempts = attempts
		a.retryBase = base
	}
}

// NewAnalyzer builds an Analyzer for the given backend and policy set.
func NewAnalyzer(client llm.LLMClient, policies *PolicySet, opts ...AnalyzerOption) (*Analyzer, error) {
	if client == nil {
		return nil, fmt.Errorf("nil llm client: %w", ErrConfiguration)
	}
	if policies == nil {
		return nil, fmt.Errorf("nil policy set: %w", ErrConfiguration)
	}
	a := &Analyzer{
		client:      client,
		policies:    policies,
		limiter:     rate.NewLimiter(rate.Limit(2), 4),
		maxAttempts: defaultMaxAttempts,
		retryBase:   defaultRetryBase,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// modelResponse is the decoded shape of a completion blob.
type modelResponse struct {
	Issues        []RawIssueRecord `json:"issues"`
	CleanContent  string           `json:"cleanContent"`
	ExtractedText string           `json:"extractedText"`
}

// Analyze runs one full analysis pass.
//
// # Description
//
// Text above ChunkThreshold takes the chunked parallel path (unless an
// attachment is present, which cannot be split). Otherwise a single
// completion is requested, retried on transient failures, parsed, and
// allocated. When content is empty and an attachment is provided, the
// document under review is the extractedText the model returns.
//
// # Inputs
//
//   - ctx: Cancels the pass, including in-flight backend calls.
//   - content: Document text. May be empty when attachment is set.
//   - attachment: Optional file payload forwarded to the backend.
//   - progress: Optional; chunked path only. May be nil.
//
// # Outputs
//
//   - string: The document snapshot the issue offsets are valid against.
//   - *AnalysisResult: Issues, summary, clean content, timestamp.
//   - error: ErrMalformedResponse, ErrConfiguration, a transient error that
//     survived all retries, or ctx's error.
func (a *Analyzer) Analyze(ctx context.Context, content string, attachment *llm.Attachment,
	progress ProgressFunc) (string, *AnalysisResult, error) {

	ctx, span := tracer.Start(ctx, "Analyzer.Analyze")
	defer span.End()
	span.SetAttributes(attribute.Int("doc.bytes", len(content)))

	if content == "" && attachment == nil {
		return "", nil, fmt.Errorf("nothing to analyze: empty content and no attachment")
	}
	if len(content) > ChunkThreshold && attachment == nil {
		return a.analyzeChunked(ctx, content, progress)
	}

	blob, err := a.completeWithRetry(ctx, a.request(content, attachment))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", nil, err
	}
	parsed, err := parseModelResponse(blob)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", nil, err
	}

	document := content
	if document == "" {
		document = parsed.ExtractedText
		if document == "" {
			return "", nil, fmt.Errorf("attachment analysis returned no extractedText: %w",
				ErrMalformedResponse)
		}
	}
	return document, a.finalize(document, parsed.Issues), nil
}

// AnalyzeStream runs a streaming analysis pass.
//
// The backend's fragments accumulate into a buffer that is re-scanned with
// ExtractIssuesFromStream after every fragment; whenever new complete issue
// objects closed, the whole raw set is re-allocated against the document and
// pushed through onUpdate. Re-allocating from scratch keeps results
// identical to what a one-shot pass over the same records would produce.
//
// Requires non-empty content: incremental offsets are meaningless until the
// document text is known. Attachments may still accompany the text.
func (a *Analyzer) AnalyzeStream(ctx context.Context, content string, attachment *llm.Attachment,
	onUpdate StreamUpdateFunc) (*AnalysisResult, error) {

	ctx, span := tracer.Start(ctx, "Analyzer.AnalyzeStream")
	defer span.End()
	span.SetAttributes(attribute.Int("doc.bytes", len(content)))

	if content == "" {
		return nil, fmt.Errorf("streaming analysis requires document text")
	}

	var buffer strings.Builder
	seen := 0
	callback := func(fragment string) error {
		buffer.WriteString(fragment)
		records := ExtractIssuesFromStream(buffer.String())
		if len(records) <= seen {
			return nil
		}
		seen = len(records)
		if onUpdate == nil {
			return nil
		}
		issues := AllocateIssues(records, content)
		return onUpdate(issues, Summarize(issues))
	}

	err := a.streamWithRetry(ctx, a.request(content, attachment), &buffer, callback)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	parsed, err := parseModelResponse(buffer.String())
	if err != nil {
		// The stream may have been cut after the issues array closed but
		// before the outer object did; fall back to what the extractor
		// recovered rather than discarding a usable pass.
		records := ExtractIssuesFromStream(buffer.String())
		if len(records) == 0 {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		slog.Warn("Stream blob unparseable as a whole, using extracted issues",
			"recovered", len(records))
		parsed = &modelResponse{Issues: records}
	}
	return a.finalize(content, parsed.Issues), nil
}

// analyzeChunked fans a large document out to one analysis per chunk and
// merges the per-chunk issues back into global offsets.
//
// Each task records its own result slot; a failed chunk logs, counts toward
// progress, and contributes nothing. One chunk's failure never aborts its
// siblings.
func (a *Analyzer) analyzeChunked(ctx context.Context, content string,
	progress ProgressFunc) (string, *AnalysisResult, error) {

	ctx, span := tracer.Start(ctx, "Analyzer.analyzeChunked")
	defer span.End()

	chunks := SplitContent(content)
	span.SetAttributes(attribute.Int("chunks.total", len(chunks)))
	slog.Info("Running chunked analysis", "chunks", len(chunks), "doc_bytes", len(content))

	perChunk := make([][]ResolvedIssue, len(chunks))
	var mu sync.Mutex
	completed := 0
	settle := func(ci int, issues []ResolvedIssue, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			slog.Warn("Chunk analysis failed, omitting its issues", "chunk", ci, "error", err)
		} else {
			perChunk[ci] = issues
		}
		completed++
		if progress != nil {
			progress(completed, len(chunks))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelChunks)
	for ci, chunk := range chunks {
		g.Go(func() error {
			blob, err := a.completeWithRetry(gctx, a.request(chunk.Text, nil))
			if err != nil {
				settle(ci, nil, err)
				return nil // partial result on partial failure
			}
			parsed, err := parseModelResponse(blob)
			if err != nil {
				settle(ci, nil, err)
				return nil
			}
			settle(ci, AllocateIssues(parsed.Issues, chunk.Text), nil)
			return nil
		})
	}
	_ = g.Wait() // tasks never return errors; Wait only joins

	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	merged := MergeChunkIssues(perChunk, chunks, content)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].StartIndex < merged[j].StartIndex
	})
	result := &AnalysisResult{
		Issues:       merged,
		Summary:      Summarize(merged),
		CleanContent: BuildCleanContent(content, merged),
		Timestamp:    time.Now().UTC(),
	}
	return content, result, nil
}

func (a *Analyzer) finalize(document string, raw []RawIssueRecord) *AnalysisResult {
	issues := AllocateIssues(raw, document)
	return &AnalysisResult{
		Issues:       issues,
		Summary:      Summarize(issues),
		CleanContent: BuildCleanContent(document, issues),
		Timestamp:    time.Now().UTC(),
	}
}

func (a *Analyzer) request(content string, attachment *llm.Attachment) llm.CompletionRequest {
	prompt := "Review the following text for policy violations:\n\n" + content
	if content == "" {
		prompt = "Review the attached document for policy violations. " +
			"Extract its text first and return it in extractedText."
	}
	return llm.CompletionRequest{
		System:     a.policies.SystemPrompt(),
		Prompt:     prompt,
		Attachment: attachment,
	}
}

// completeWithRetry performs one completion, retrying transient failures
// with doubling backoff plus jitter up to maxAttempts.
func (a *Analyzer) completeWithRetry(ctx context.Context, req llm.CompletionRequest) (string, error) {
	var lastErr error
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := a.sleepBackoff(ctx, attempt); err != nil {
				return "", err
			}
		}
		if err := a.limiter.Wait(ctx); err != nil {
			return "", err
		}
		blob, err := a.client.Generate(ctx, req)
		if err == nil {
			return blob, nil
		}
		lastErr = err
		if !llm.IsTransient(err) {
			return "", err
		}
		slog.Warn("Transient backend failure, will retry", "attempt", attempt+1, "error", err)
	}
	return "", fmt.Errorf("gave up after %d attempts: %w", a.maxAttempts, lastErr)
}

// streamWithRetry opens the completion stream, retrying only while nothing
// has been received yet; once fragments flowed, a failure is surfaced rather
// than replayed into a half-consumed buffer.
func (a *Analyzer) streamWithRetry(ctx context.Context, req llm.CompletionRequest,
	buffer *strings.Builder, callback llm.StreamCallback) error {

	var lastErr error
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := a.sleepBackoff(ctx, attempt); err != nil {
				return err
			}
		}
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		err := a.client.GenerateStream(ctx, req, callback)
		if err == nil {
			return nil
		}
		if buffer.Len() > 0 || !llm.IsTransient(err) {
			return err
		}
		lastErr = err
		slog.Warn("Transient failure before first fragment, will retry",
			"attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("gave up after %d attempts: %w", a.maxAttempts, lastErr)
}

func (a *Analyzer) sleepBackoff(ctx context.Context, attempt int) error {
	delay := a.retryBase << (attempt - 1)
	delay += time.Duration(rand.Int63n(int64(a.retryBase) / 2))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// parseModelResponse decodes a completion blob, stripping code-fence
// wrapping the model sometimes adds despite instructions.
func parseModelResponse(blob string) (*modelResponse, error) {
	cleaned := stripCodeFences(blob)
	var parsed modelResponse
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, fmt.Errorf("decoding completion blob: %v: %w", err, ErrMalformedResponse)
	}
	return &parsed, nil
}

func stripCodeFences(blob string) string {
	s := strings.TrimSpace(blob)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop a language tag like "json" on the fence line.
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
