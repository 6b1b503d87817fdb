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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianComply/services/compliance_engine"
	"github.com/AleutianAI/AleutianComply/services/llm"
	"github.com/AleutianAI/AleutianComply/services/orchestrator/datatypes"
)

// analyzeOnce runs one pass through the API and returns the response.
func analyzeOnce(t *testing.T, env *testEnv) datatypes.AnalyzeResponse {
	t.Helper()
	rec := env.postJSON(t, "/v1/analyze", datatypes.AnalyzeRequest{Content: testDocument})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp datatypes.AnalyzeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Issues)
	return resp
}

func TestHandleApplyFixSuccess(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{
		generate: func(call int, req llm.CompletionRequest) (string, error) {
			return singleIssueBlob, nil
		},
	})
	resp := analyzeOnce(t, env)
	issue := resp.Issues[0]

	rec := env.postJSON(t, "/v1/sessions/"+resp.SessionID+"/fixes",
		datatypes.FixRequest{IssueID: issue.Id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var fixed datatypes.FixResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fixed))
	assert.Equal(t, resp.SessionID, fixed.SessionID)
	assert.NotContains(t, fixed.Document, "guaranteed returns")
	assert.Contains(t, fixed.Document, issue.Suggestion)
	assert.Equal(t, len(issue.Suggestion)-len(issue.OriginalText), fixed.LengthDiff)

	require.Len(t, fixed.Issues, 1)
	assert.Equal(t, compliance_engine.StatusFixed, fixed.Issues[0].Status)
	assert.Equal(t, compliance_engine.Summary{Critical: 1, Total: 1}, fixed.Summary)
	assert.Equal(t, compliance_engine.Summary{}, fixed.Remaining)
}

func TestHandleApplyFixShiftsLaterIssues(t *testing.T) {
	document := "Sign up now! Our fund offers guaranteed returns. Act fast, risk free profits await."
	blob := `{"issues":[` +
		`{"originalText":"guaranteed returns","severity":"CRITICAL","suggestion":"returns"},` +
		`{"originalText":"risk free profits","severity":"CRITICAL","suggestion":"potential gains"}]}`

	env := newTestEnv(t, &fakeLLM{
		generate: func(call int, req llm.CompletionRequest) (string, error) {
			return blob, nil
		},
	})

	rec := env.postJSON(t, "/v1/analyze", datatypes.AnalyzeRequest{Content: document})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp datatypes.AnalyzeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Issues, 2)

	first, second := resp.Issues[0], resp.Issues[1]
	if first.StartIndex > second.StartIndex {
		first, second = second, first
	}

	fixRec := env.postJSON(t, "/v1/sessions/"+resp.SessionID+"/fixes",
		datatypes.FixRequest{IssueID: first.Id})
	require.Equal(t, http.StatusOK, fixRec.Code)
	var fixed datatypes.FixResponse
	require.NoError(t, json.Unmarshal(fixRec.Body.Bytes(), &fixed))

	// The later issue's offsets must still address its exact text.
	for _, issue := range fixed.Issues {
		if issue.Id != second.Id {
			continue
		}
		assert.Equal(t, issue.OriginalText,
			fixed.Document[issue.StartIndex:issue.EndIndex])
	}

	// And it must still be fixable after the shift.
	secondRec := env.postJSON(t, "/v1/sessions/"+resp.SessionID+"/fixes",
		datatypes.FixRequest{IssueID: second.Id})
	require.Equal(t, http.StatusOK, secondRec.Code)
	var secondFixed datatypes.FixResponse
	require.NoError(t, json.Unmarshal(secondRec.Body.Bytes(), &secondFixed))
	assert.NotContains(t, secondFixed.Document, "risk free profits")
	assert.Equal(t, compliance_engine.Summary{}, secondFixed.Remaining)
}

func TestHandleApplyFixDrift(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{})

	// Install a session whose issue offsets no longer match the document.
	session := env.sessions.Create()
	session.SetResult("The document text has changed underneath.", []compliance_engine.ResolvedIssue{{
		Id:           "issue-1",
		OriginalText: "guaranteed returns",
		Severity:     compliance_engine.SeverityCritical,
		Suggestion:   "returns",
		StartIndex:   4,
		EndIndex:     22,
		Status:       compliance_engine.StatusPending,
	}})

	rec := env.postJSON(t, "/v1/sessions/"+session.Id+"/fixes",
		datatypes.FixRequest{IssueID: "issue-1"})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	// The document is untouched and the issue demoted to ignored.
	snap := session.Snapshot()
	assert.Equal(t, "The document text has changed underneath.", snap.Document)
	require.Len(t, snap.Issues, 1)
	assert.Equal(t, compliance_engine.StatusIgnored, snap.Issues[0].Status)

	// A retry still conflicts; the demotion exists so clients stop
	// offering the fix, not to change the server's answer.
	retry := env.postJSON(t, "/v1/sessions/"+session.Id+"/fixes",
		datatypes.FixRequest{IssueID: "issue-1"})
	assert.Equal(t, http.StatusConflict, retry.Code)
}

func TestHandleApplyFixErrors(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{
		generate: func(call int, req llm.CompletionRequest) (string, error) {
			return singleIssueBlob, nil
		},
	})
	resp := analyzeOnce(t, env)

	t.Run("unknown session", func(t *testing.T) {
		rec := env.postJSON(t, "/v1/sessions/missing/fixes",
			datatypes.FixRequest{IssueID: "whatever"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unknown issue", func(t *testing.T) {
		rec := env.postJSON(t, "/v1/sessions/"+resp.SessionID+"/fixes",
			datatypes.FixRequest{IssueID: "no-such-issue"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing issue id", func(t *testing.T) {
		rec := env.postJSON(t, "/v1/sessions/"+resp.SessionID+"/fixes",
			datatypes.FixRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost,
			"/v1/sessions/"+resp.SessionID+"/fixes", strings.NewReader("{oops"))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleIgnoreIssue(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{
		generate: func(call int, req llm.CompletionRequest) (string, error) {
			return singleIssueBlob, nil
		},
	})
	resp := analyzeOnce(t, env)
	issue := resp.Issues[0]

	rec := env.postJSON(t, "/v1/sessions/"+resp.SessionID+"/ignores",
		datatypes.IgnoreRequest{IssueID: issue.Id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var ignored datatypes.FixResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ignored))
	assert.Equal(t, testDocument, ignored.Document, "ignore must not touch the document")
	require.Len(t, ignored.Issues, 1)
	assert.Equal(t, compliance_engine.StatusIgnored, ignored.Issues[0].Status)
	assert.Equal(t, compliance_engine.Summary{Critical: 1, Total: 1}, ignored.Summary)
	assert.Equal(t, compliance_engine.Summary{}, ignored.Remaining)

	// Idempotent: a second ignore is a no-op with the same outcome.
	again := env.postJSON(t, "/v1/sessions/"+resp.SessionID+"/ignores",
		datatypes.IgnoreRequest{IssueID: issue.Id})
	assert.Equal(t, http.StatusOK, again.Code)

	t.Run("unknown issue", func(t *testing.T) {
		rec := env.postJSON(t, "/v1/sessions/"+resp.SessionID+"/ignores",
			datatypes.IgnoreRequest{IssueID: "nope"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unknown session", func(t *testing.T) {
		rec := env.postJSON(t, "/v1/sessions/missing/ignores",
			datatypes.IgnoreRequest{IssueID: issue.Id})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
