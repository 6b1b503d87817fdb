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
	"strings"

	"github.com/google/uuid"
)

// AllocateIssues resolves raw model issue records onto non-overlapping
// character ranges of document.
//
// # Description
//
// The model cannot be trusted to report disjoint, in-order, or even real
// substrings. AllocateIssues therefore runs a greedy first-fit-in-input-order
// pass: for each record it asks FindMatch for candidate occurrences, skipping
// past any candidate that collides with a range already claimed by an
// earlier record, until a free occurrence is found or the document is
// exhausted. Records whose phrase cannot be placed are dropped silently;
// a hallucinated or duplicate reference is expected noise, not an error.
//
// The claimed-index set lives only for the duration of one call. It is never
// hoisted to package or session scope, so repeated allocations against the
// same document are independent and reproducible.
//
// # Inputs
//
//   - raw: Model records in the order the model emitted them. First in input
//     order wins any contested range.
//   - document: The document snapshot the offsets will be valid against.
//
// # Outputs
//
//   - []ResolvedIssue: Offset-tagged issues, status pending, with 1-based
//     line numbers. No two returned ranges intersect.
func AllocateIssues(raw []RawIssueRecord, document string) []ResolvedIssue {
	used := make(map[int]struct{})
	resolved := make([]ResolvedIssue, 0, len(raw))

	for _, record := range raw {
		if record.OriginalText == "" {
			continue
		}
		candidate, ok := claimRange(document, record.OriginalText, used)
		if !ok {
			continue
		}
		resolved = append(resolved, ResolvedIssue{
			Id:           uuid.NewString(),
			OriginalText: document[candidate.Index : candidate.Index+candidate.Length],
			Category:     record.Category,
			Severity:     record.NormalizedSeverity(),
			Explanation:  record.Explanation,
			Suggestion:   record.Suggestion,
			GuidelineRef: record.GuidelineRef,
			StartIndex:   candidate.Index,
			EndIndex:     candidate.Index + candidate.Length,
			Line:         lineAt(document, candidate.Index),
			Status:       StatusPending,
		})
	}
	return resolved
}

// claimRange finds the first occurrence of phrase whose every index is free,
// marks the range claimed, and returns it.
func claimRange(document, phrase string, used map[int]struct{}) (MatchCandidate, bool) {
	cursor := 0
	for cursor <= len(document) {
		candidate, ok := FindMatch(document, phrase, cursor)
		if !ok {
			return MatchCandidate{}, false
		}
		if rangeFree(used, candidate) {
			for i := candidate.Index; i < candidate.Index+candidate.Length; i++ {
				used[i] = struct{}{}
			}
			return candidate, true
		}
		// Colliding occurrence: resume just past its start.
		cursor = candidate.Index + 1
	}
	return MatchCandidate{}, false
}

func rangeFree(used map[int]struct{}, c MatchCandidate) bool {
	for i := c.Index; i < c.Index+c.Length; i++ {
		if _, taken := used[i]; taken {
			return false
		}
	}
	return true
}

// lineAt returns the 1-based line number containing byte offset idx.
func lineAt(document string, idx int) int {
	return strings.Count(document[:idx], "\n") + 1
}
