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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// thirtyCharDoc and fixture issues: C sits before A, B sits after A.
const thirtyCharDoc = "abcdefghijklmnopqrstuvwxyz1234"

func fixFixtureIssues() []ResolvedIssue {
	return []ResolvedIssue{
		{Id: "C", StartIndex: 0, EndIndex: 3, OriginalText: "abc", Suggestion: "ABC", Severity: SeveritySuggestion, Status: StatusPending},
		{Id: "A", StartIndex: 5, EndIndex: 10, OriginalText: "fghij", Suggestion: "xy", Severity: SeverityCritical, Status: StatusPending},
		{Id: "B", StartIndex: 20, EndIndex: 25, OriginalText: "uvwxy", Suggestion: "UVWXY", Severity: SeverityWarning, Status: StatusPending},
	}
}

func TestApplyFixShrinkingShiftsLaterIssues(t *testing.T) {
	issues := fixFixtureIssues()

	result, err := ApplyFix(thirtyCharDoc, issues, "A")
	require.NoError(t, err)

	assert.Equal(t, "abcdexyklmnopqrstuvwxyz1234", result.Document)
	assert.Equal(t, -3, result.LengthDiff)

	byID := indexByID(result.Issues)
	assert.Equal(t, StatusFixed, byID["A"].Status)

	// B started after A: shifted by the diff, still pointing at its text.
	assert.Equal(t, 17, byID["B"].StartIndex)
	assert.Equal(t, 22, byID["B"].EndIndex)
	assert.Equal(t, "uvwxy", result.Document[byID["B"].StartIndex:byID["B"].EndIndex])

	// C started before A: untouched.
	assert.Equal(t, 0, byID["C"].StartIndex)
	assert.Equal(t, 3, byID["C"].EndIndex)
}

func TestApplyFixGrowingShiftsLaterIssues(t *testing.T) {
	issues := fixFixtureIssues()
	issues[1].Suggestion = "12345678"

	result, err := ApplyFix(thirtyCharDoc, issues, "A")
	require.NoError(t, err)
	assert.Equal(t, 3, result.LengthDiff)

	byID := indexByID(result.Issues)
	assert.Equal(t, 23, byID["B"].StartIndex)
	assert.Equal(t, 28, byID["B"].EndIndex)
	assert.Equal(t, "uvwxy", result.Document[byID["B"].StartIndex:byID["B"].EndIndex])
}

func TestApplyFixSequentialChainStaysConsistent(t *testing.T) {
	// Fixing all three in arbitrary order keeps every remaining issue's
	// range pointing at its original text, because each fix re-anchors the
	// survivors.
	document := thirtyCharDoc
	issues := fixFixtureIssues()

	for _, id := range []string{"A", "C", "B"} {
		result, err := ApplyFix(document, issues, id)
		require.NoError(t, err, "fix %s", id)
		document = result.Document
		issues = result.Issues
		for _, issue := range issues {
			if issue.Status != StatusPending {
				continue
			}
			assert.Equal(t, issue.OriginalText,
				document[issue.StartIndex:issue.EndIndex],
				"issue %s out of sync after fixing %s", issue.Id, id)
		}
	}

	assert.Equal(t, "ABCdexyklmnopqrstUVWXYz1234", document)
	assert.Equal(t, Summary{}, RemainingSummary(issues))
}

func TestApplyFixDoesNotMutateInputs(t *testing.T) {
	issues := fixFixtureIssues()

	_, err := ApplyFix(thirtyCharDoc, issues, "A")
	require.NoError(t, err)

	// Caller's slice is untouched until it adopts the result.
	assert.Equal(t, StatusPending, issues[1].Status)
	assert.Equal(t, 20, issues[2].StartIndex)
}

func TestApplyFixDriftDemotesIssue(t *testing.T) {
	// The document changed out-of-band, so A's recorded text no longer sits
	// at its coordinates. The fix must be refused, the document returned
	// unchanged, and A demoted so it cannot fail forever.
	drifted := "!" + thirtyCharDoc
	issues := fixFixtureIssues()

	result, err := ApplyFix(drifted, issues, "A")
	require.ErrorIs(t, err, ErrSyncDrift)

	assert.Equal(t, drifted, result.Document)
	byID := indexByID(result.Issues)
	assert.Equal(t, StatusIgnored, byID["A"].Status)
	assert.Equal(t, StatusPending, byID["B"].Status)
	assert.Equal(t, 20, byID["B"].StartIndex, "drift must not shift other issues")

	// Summary is recomputed over the demoted set, never patched in place.
	assert.Equal(t, Summary{Suggestion: 1, Warning: 1, Total: 2}, RemainingSummary(result.Issues))
}

func TestApplyFixRangePastDocumentEnd(t *testing.T) {
	issues := []ResolvedIssue{
		{Id: "late", StartIndex: 3, EndIndex: 99, OriginalText: "tail", Suggestion: "x", Status: StatusPending},
	}

	result, err := ApplyFix("short doc", issues, "late")
	require.ErrorIs(t, err, ErrSyncDrift)
	assert.Equal(t, "short doc", result.Document)
	assert.Equal(t, StatusIgnored, result.Issues[0].Status)
}

func TestApplyFixUnknownAndInvalid(t *testing.T) {
	issues := fixFixtureIssues()

	_, err := ApplyFix(thirtyCharDoc, issues, "missing")
	assert.ErrorIs(t, err, ErrInvalidIssueData)

	issues[0].StartIndex = 5
	issues[0].EndIndex = 5
	_, err = ApplyFix(thirtyCharDoc, issues, "C")
	assert.ErrorIs(t, err, ErrInvalidIssueData)
}

func TestIgnoreIssueTransitions(t *testing.T) {
	issues := fixFixtureIssues()

	updated, err := IgnoreIssue(issues, "B")
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, indexByID(updated)["B"].Status)
	assert.Equal(t, StatusPending, issues[2].Status, "input slice mutated")

	// Idempotent: ignoring again is a no-op.
	again, err := IgnoreIssue(updated, "B")
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, indexByID(again)["B"].Status)

	// fixed is absorbing: ignore does not demote a fixed issue.
	fixed, err := ApplyFix(thirtyCharDoc, issues, "A")
	require.NoError(t, err)
	after, err := IgnoreIssue(fixed.Issues, "A")
	require.NoError(t, err)
	assert.Equal(t, StatusFixed, indexByID(after)["A"].Status)

	_, err = IgnoreIssue(issues, "nope")
	assert.ErrorIs(t, err, ErrUnknownIssue)
}

func indexByID(issues []ResolvedIssue) map[string]ResolvedIssue {
	m := make(map[string]ResolvedIssue, len(issues))
	for _, issue := range issues {
		m[issue.Id] = issue
	}
	return m
}
