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

import "fmt"

// ApplyFix applies one accepted issue's suggestion to the document and
// shifts every later issue's offsets by the resulting length difference.
//
// # Description
//
// Preconditions, checked in order, each hard:
//
//  1. The issue id must exist in issues and carry usable offsets, otherwise
//     ErrInvalidIssueData and nothing changes.
//  2. Integrity: document[StartIndex:EndIndex] must equal the issue's
//     recorded original text byte for byte. On mismatch the fix is refused
//     with ErrSyncDrift, the document is left untouched, and the issue is
//     demoted to ignored in the returned set so the same drift cannot keep
//     failing on every attempt.
//
// On success the new document is prefix + suggestion + suffix, the target is
// marked fixed, and every other issue whose start is strictly greater than
// the target's original start has both offsets shifted by the length
// difference. Issues at or before the target are untouched. The summary in
// the result is recomputed in full from the updated issue list; nothing is
// ever incremented or decremented in place.
//
// The input slice is not mutated; callers adopt the returned issues.
//
// # Inputs
//
//   - document: The current document snapshot, passed explicitly. The engine
//     never reads document state from anywhere else.
//   - issues: The current issue set for that snapshot.
//   - issueID: Id of the issue to fix.
//
// # Outputs
//
//   - FixResult: New document, updated issues, recomputed summary, and the
//     applied length difference. On ErrSyncDrift the result still carries
//     the demoted issue set (document unchanged); on ErrInvalidIssueData it
//     is zero-valued.
//   - error: nil, ErrInvalidIssueData, or ErrSyncDrift (wrapped with the id).
func ApplyFix(document string, issues []ResolvedIssue, issueID string) (FixResult, error) {
	target := -1
	for i := range issues {
		if issues[i].Id == issueID {
			target = i
			break
		}
	}
	if target < 0 {
		return FixResult{}, fmt.Errorf("fix %s: %w", issueID, ErrInvalidIssueData)
	}

	updated := make([]ResolvedIssue, len(issues))
	copy(updated, issues)
	issue := updated[target]

	if issue.StartIndex < 0 || issue.EndIndex <= issue.StartIndex {
		return FixResult{}, fmt.Errorf("fix %s: bad range [%d,%d): %w",
			issueID, issue.StartIndex, issue.EndIndex, ErrInvalidIssueData)
	}

	// Integrity check: refuse to apply a fix against stale coordinates.
	if issue.EndIndex > len(document) ||
		document[issue.StartIndex:issue.EndIndex] != issue.OriginalText {
		updated[target].Status = StatusIgnored
		return FixResult{
			Document: document,
			Issues:   updated,
			Summary:  Summarize(updated),
		}, fmt.Errorf("fix %s: %w", issueID, ErrSyncDrift)
	}

	newDocument := document[:issue.StartIndex] + issue.Suggestion + document[issue.EndIndex:]
	lengthDiff := len(issue.Suggestion) - (issue.EndIndex - issue.StartIndex)

	updated[target].Status = StatusFixed
	for i := range updated {
		if i == target {
			continue
		}
		if updated[i].StartIndex > issue.StartIndex {
			updated[i].StartIndex += lengthDiff
			updated[i].EndIndex += lengthDiff
		}
	}

	return FixResult{
		Document:   newDocument,
		Issues:     updated,
		Summary:    Summarize(updated),
		LengthDiff: lengthDiff,
	}, nil
}

// IgnoreIssue marks a pending issue ignored.
//
// fixed and ignored are absorbing states; calling IgnoreIssue on an issue
// already in either is a no-op, which keeps the operation idempotent. The
// input slice is not mutated.
func IgnoreIssue(issues []ResolvedIssue, issueID string) ([]ResolvedIssue, error) {
	target := -1
	for i := range issues {
		if issues[i].Id == issueID {
			target = i
			break
		}
	}
	if target < 0 {
		return nil, fmt.Errorf("ignore %s: %w", issueID, ErrUnknownIssue)
	}
	updated := make([]ResolvedIssue, len(issues))
	copy(updated, issues)
	if updated[target].Status == StatusPending {
		updated[target].Status = StatusIgnored
	}
	return updated, nil
}
