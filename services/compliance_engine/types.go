// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compliance_engine maps untrusted model-reported compliance issues
// onto exact, non-overlapping character ranges of a document, and applies
// accepted fixes while keeping every other issue's offsets consistent.
//
// The pipeline is:
//
//	document ──(SplitContent, if large)──> chunks
//	model blob/stream ──ExtractIssuesFromStream──> RawIssueRecord
//	RawIssueRecord ──AllocateIssues──> ResolvedIssue (claimed, disjoint ranges)
//	ResolvedIssue ──Summarize / BuildCleanContent──> AnalysisResult
//	user accepts a fix ──ApplyFix──> new document + shifted issues
//
// Nothing untyped crosses the allocator boundary: model output is promoted to
// RawIssueRecord (validated, offset-less) and only the allocator mints
// ResolvedIssue values with verified offsets.
package compliance_engine

import "time"

// Severity classifies how serious a reported issue is.
type Severity string

const (
	SeverityCritical   Severity = "CRITICAL"
	SeverityWarning    Severity = "WARNING"
	SeveritySuggestion Severity = "SUGGESTION"
)

// IssueStatus is the lifecycle state of a resolved issue.
//
// Transitions: pending -> fixed (via ApplyFix) and pending -> ignored (via
// IgnoreIssue or a failed integrity check). fixed and ignored are absorbing.
type IssueStatus string

const (
	StatusPending IssueStatus = "pending"
	StatusFixed   IssueStatus = "fixed"
	StatusIgnored IssueStatus = "ignored"
)

// RawIssueRecord is the untrusted output unit from the model.
//
// It references text by quoted substring, never by offset. The referenced
// text may not exist verbatim in the document (hallucination or whitespace
// normalization drift); that is expected background noise, not an error.
// Raw records are consumed immediately by AllocateIssues and never persisted.
type RawIssueRecord struct {
	OriginalText string `json:"originalText"`
	Category     string `json:"category"`
	Severity     string `json:"severity"`
	Explanation  string `json:"explanation"`
	Suggestion   string `json:"suggestion"`
	GuidelineRef string `json:"guidelineRef"`
}

// NormalizedSeverity maps the model's free-form severity string onto one of
// the three known levels. Unrecognized values degrade to SUGGESTION rather
// than being dropped.
func (r RawIssueRecord) NormalizedSeverity() Severity {
	switch Severity(r.Severity) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityWarning:
		return SeverityWarning
	case SeveritySuggestion:
		return SeveritySuggestion
	default:
		return SeveritySuggestion
	}
}

// ResolvedIssue is an issue anchored to verified character offsets in a
// specific document snapshot.
//
// StartIndex/EndIndex form a half-open range [StartIndex, EndIndex). For any
// two resolved issues in the same result set the ranges never overlap. The
// offsets are shifted in place (not recreated) when an earlier issue in
// document order is fixed.
type ResolvedIssue struct {
	Id           string      `json:"id"`
	OriginalText string      `json:"original_text"`
	Category     string      `json:"category"`
	Severity     Severity    `json:"severity"`
	Explanation  string      `json:"explanation"`
	Suggestion   string      `json:"suggestion"`
	GuidelineRef string      `json:"guideline_ref"`
	StartIndex   int         `json:"start_index"`
	EndIndex     int         `json:"end_index"`
	Line         int         `json:"line"`
	Status       IssueStatus `json:"status"`
}

// Summary holds severity counts over an issue set.
//
// A Summary is always recomputed from the issues slice, never incrementally
// mutated, so repeated or out-of-order fix/ignore calls cannot make it drift.
type Summary struct {
	Critical   int `json:"critical"`
	Warning    int `json:"warning"`
	Suggestion int `json:"suggestion"`
	Total      int `json:"total"`
}

// AnalysisResult is the finalized output of one analysis pass.
//
// Summary is a pure function of Issues. CleanContent is a pure function of
// the document snapshot at analysis time plus Issues (see BuildCleanContent).
type AnalysisResult struct {
	Issues       []ResolvedIssue `json:"issues"`
	Summary      Summary         `json:"summary"`
	CleanContent string          `json:"clean_content"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Chunk is a contiguous slice of an oversized document.
//
// Text is always exactly document[Offset : Offset+len(Text)], so per-chunk
// local offsets translate to global offsets by adding Offset. Chunks are
// transient; they are discarded after offset translation.
type Chunk struct {
	Text   string
	Offset int
}

// MatchCandidate is one occurrence of a searched phrase in a document.
type MatchCandidate struct {
	Index  int
	Length int
}

// FixResult is the outcome of a successful (or drift-demoted) fix
// application. Document is the post-mutation snapshot; on a drift failure it
// is the unmodified input document.
type FixResult struct {
	Document   string          `json:"document"`
	Issues     []ResolvedIssue `json:"issues"`
	Summary    Summary         `json:"summary"`
	LengthDiff int             `json:"length_diff"`
}
