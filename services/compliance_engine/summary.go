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

import "sort"

// Summarize counts issues by severity across the whole set, regardless of
// status. This is the analysis-time summary stored with an AnalysisResult.
//
// Calling it twice on the same slice yields identical output; there are no
// hidden counters anywhere in the engine.
func Summarize(issues []ResolvedIssue) Summary {
	var s Summary
	for _, issue := range issues {
		s.count(issue.Severity)
	}
	return s
}

// RemainingSummary counts only issues that are still pending, i.e. neither
// fixed nor ignored. This is the live view badge consumers want; it is
// derived from the same slice as Summarize so the two can never drift apart.
func RemainingSummary(issues []ResolvedIssue) Summary {
	var s Summary
	for _, issue := range issues {
		if issue.Status == StatusFixed || issue.Status == StatusIgnored {
			continue
		}
		s.count(issue.Severity)
	}
	return s
}

func (s *Summary) count(sev Severity) {
	switch sev {
	case SeverityCritical:
		s.Critical++
	case SeverityWarning:
		s.Warning++
	default:
		s.Suggestion++
	}
	s.Total++
}

// BuildCleanContent materializes what the document would look like with
// every reported suggestion applied, independent of which fixes the user has
// actually accepted.
//
// # Description
//
// Issues are walked in ascending start order. For each, the gap text since
// the previous cursor position is emitted followed by the issue's
// suggestion, and the cursor advances past the issue's range. An issue whose
// start lies before the cursor is skipped; the allocator guarantees
// disjoint ranges, so this only defends against residual overlap that
// slipped in from outside.
//
// This is the single authoritative way to derive the "clean" document; it
// produces exactly what sequential ApplyFix calls over every issue in
// ascending start order would.
func BuildCleanContent(document string, issues []ResolvedIssue) string {
	ordered := make([]ResolvedIssue, len(issues))
	copy(ordered, issues)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].StartIndex < ordered[j].StartIndex
	})

	var out []byte
	cursor := 0
	for _, issue := range ordered {
		if issue.StartIndex < cursor || issue.StartIndex > len(document) {
			continue
		}
		end := issue.EndIndex
		if end > len(document) {
			end = len(document)
		}
		out = append(out, document[cursor:issue.StartIndex]...)
		out = append(out, issue.Suggestion...)
		cursor = end
	}
	out = append(out, document[cursor:]...)
	return string(out)
}
