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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianComply/services/compliance_engine"
	"github.com/AleutianAI/AleutianComply/services/llm"
	"github.com/AleutianAI/AleutianComply/services/orchestrator/datatypes"
	badgerstore "github.com/AleutianAI/AleutianComply/services/orchestrator/storage/badger"
)

// fakeLLM scripts backend behavior per call. Generate and stream closures
// receive the 1-based call number.
type fakeLLM struct {
	mu       sync.Mutex
	calls    int
	generate func(call int, req llm.CompletionRequest) (string, error)
	stream   func(call int, req llm.CompletionRequest, cb llm.StreamCallback) error
}

func (f *fakeLLM) Generate(ctx context.Context, req llm.CompletionRequest) (string, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.generate(call, req)
}

func (f *fakeLLM) GenerateStream(ctx context.Context, req llm.CompletionRequest, cb llm.StreamCallback) error {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.stream(call, req, cb)
}

// singleIssueBlob is a canned model response flagging "guaranteed returns".
const singleIssueBlob = `{"issues":[{"originalText":"guaranteed returns",` +
	`"category":"performance_promises","severity":"CRITICAL",` +
	`"explanation":"Promises a specific outcome.",` +
	`"suggestion":"returns that vary with market conditions"}]}`

const testDocument = "Our fund offers guaranteed returns for every investor."

type testEnv struct {
	handler  *AnalysisHandler
	sessions *compliance_engine.SessionStore
	history  *badgerstore.HistoryStore
	router   *gin.Engine
}

func newTestEnv(t *testing.T, client llm.LLMClient) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Setenv("COMPLY_INSECURE_MEMORY", "true")

	policies, err := compliance_engine.DefaultPolicySet()
	require.NoError(t, err)
	analyzer, err := compliance_engine.NewAnalyzer(client, policies,
		compliance_engine.WithRetry(3, time.Millisecond),
		compliance_engine.WithRateLimit(10000, 10000))
	require.NoError(t, err)

	db, err := badgerstore.OpenDB(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	history := badgerstore.NewHistoryStore(db)

	sessions := compliance_engine.NewSessionStore()
	handler := NewAnalysisHandler(analyzer, sessions, history, func() *compliance_engine.PolicySet {
		return policies
	})

	router := gin.New()
	router.POST("/v1/analyze", handler.HandleAnalyze)
	router.POST("/v1/analyze/stream", handler.HandleAnalyzeStream)
	router.GET("/v1/analyze/ws", handler.HandleAnalyzeWebSocket)
	router.GET("/v1/policies", handler.HandleGetPolicies)
	router.GET("/v1/status", handler.HandleStatus)
	router.GET("/v1/sessions/:sessionId", handler.HandleGetSession)
	router.POST("/v1/sessions/:sessionId/fixes", handler.HandleApplyFix)
	router.POST("/v1/sessions/:sessionId/ignores", handler.HandleIgnoreIssue)
	router.GET("/v1/history", handler.HandleListHistory)
	router.GET("/v1/history/:id", handler.HandleGetHistoryRecord)

	return &testEnv{handler: handler, sessions: sessions, history: history, router: router}
}

func (e *testEnv) postJSON(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestNewAnalysisHandlerPanicsOnNilDeps(t *testing.T) {
	sessions := compliance_engine.NewSessionStore()
	assert.Panics(t, func() { NewAnalysisHandler(nil, sessions, nil, nil) })

	policies, err := compliance_engine.DefaultPolicySet()
	require.NoError(t, err)
	analyzer, err := compliance_engine.NewAnalyzer(&fakeLLM{}, policies)
	require.NoError(t, err)
	assert.Panics(t, func() { NewAnalysisHandler(analyzer, nil, nil, nil) })
}

func TestHandleAnalyzeSuccess(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{
		generate: func(call int, req llm.CompletionRequest) (string, error) {
			assert.Contains(t, req.Prompt, "guaranteed returns")
			return singleIssueBlob, nil
		},
	})

	rec := env.postJSON(t, "/v1/analyze", datatypes.AnalyzeRequest{Content: testDocument})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp datatypes.AnalyzeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RequestID)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, testDocument, resp.Document)
	require.Len(t, resp.Issues, 1)
	assert.Equal(t, compliance_engine.SeverityCritical, resp.Issues[0].Severity)
	assert.Equal(t, "guaranteed returns", resp.Issues[0].OriginalText)
	assert.Equal(t, testDocument[resp.Issues[0].StartIndex:resp.Issues[0].EndIndex],
		resp.Issues[0].OriginalText)
	assert.Equal(t, compliance_engine.Summary{Critical: 1, Total: 1}, resp.Summary)
	assert.Len(t, resp.ContentHash, 64)

	// The pass must be installed in a live session.
	session, ok := env.sessions.Get(resp.SessionID)
	require.True(t, ok)
	snap := session.Snapshot()
	assert.Equal(t, testDocument, snap.Document)
	require.Len(t, snap.Issues, 1)
}

func TestHandleAnalyzeReusesNamedSession(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{
		generate: func(call int, req llm.CompletionRequest) (string, error) {
			return singleIssueBlob, nil
		},
	})

	first := env.postJSON(t, "/v1/analyze", datatypes.AnalyzeRequest{Content: testDocument})
	require.Equal(t, http.StatusOK, first.Code)
	var firstResp datatypes.AnalyzeResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))

	second := env.postJSON(t, "/v1/analyze", datatypes.AnalyzeRequest{
		Content:   testDocument,
		SessionID: firstResp.SessionID,
	})
	require.Equal(t, http.StatusOK, second.Code)
	var secondResp datatypes.AnalyzeResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResp))
	assert.Equal(t, firstResp.SessionID, secondResp.SessionID)
}

func TestHandleAnalyzeValidation(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{
		generate: func(call int, req llm.CompletionRequest) (string, error) {
			t.Fatal("backend must not be reached on validation failure")
			return "", nil
		},
	})

	t.Run("empty request", func(t *testing.T) {
		rec := env.postJSON(t, "/v1/analyze", datatypes.AnalyzeRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/analyze", bytes.NewBufferString("{not json"))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("attachment without data or uri", func(t *testing.T) {
		rec := env.postJSON(t, "/v1/analyze", datatypes.AnalyzeRequest{
			Content:    testDocument,
			Attachment: &datatypes.AttachmentPayload{MIMEType: "application/pdf"},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleAnalyzeMalformedModelResponse(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{
		generate: func(call int, req llm.CompletionRequest) (string, error) {
			return "I could not find any issues, sorry!", nil
		},
	})

	rec := env.postJSON(t, "/v1/analyze", datatypes.AnalyzeRequest{Content: testDocument})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotContains(t, body["error"], "sorry", "raw model text must not leak")
}

func TestHandleAnalyzeTransientBackendExhaustsRetries(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{
		generate: func(call int, req llm.CompletionRequest) (string, error) {
			return "", llm.ErrUnavailable
		},
	})

	rec := env.postJSON(t, "/v1/analyze", datatypes.AnalyzeRequest{Content: testDocument})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleAnalyzeWritesHistory(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{
		generate: func(call int, req llm.CompletionRequest) (string, error) {
			return singleIssueBlob, nil
		},
	})

	rec := env.postJSON(t, "/v1/analyze", datatypes.AnalyzeRequest{Content: testDocument})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp datatypes.AnalyzeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	records, err := env.history.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, resp.SessionID, records[0].SessionID)
	assert.Equal(t, resp.RequestID, records[0].RequestID)
	assert.Equal(t, resp.ContentHash, records[0].ContentHash)
	assert.Equal(t, len(testDocument), records[0].DocumentBytes)
	assert.Equal(t, "analyze", records[0].Endpoint)
	// Document text itself must never land in the audit store.
	assert.NotContains(t, records[0].ContentHash, "guaranteed")
}

func TestHandleGetSession(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{
		generate: func(call int, req llm.CompletionRequest) (string, error) {
			return singleIssueBlob, nil
		},
	})

	t.Run("unknown session", func(t *testing.T) {
		rec := env.get(t, "/v1/sessions/nope")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("live session", func(t *testing.T) {
		analyzed := env.postJSON(t, "/v1/analyze", datatypes.AnalyzeRequest{Content: testDocument})
		require.Equal(t, http.StatusOK, analyzed.Code)
		var resp datatypes.AnalyzeResponse
		require.NoError(t, json.Unmarshal(analyzed.Body.Bytes(), &resp))

		rec := env.get(t, "/v1/sessions/"+resp.SessionID)
		require.Equal(t, http.StatusOK, rec.Code)
		var snap compliance_engine.SessionSnapshot
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
		assert.Equal(t, resp.SessionID, snap.Id)
		assert.Equal(t, testDocument, snap.Document)
		require.Len(t, snap.Issues, 1)
	})
}

func TestHandleGetPolicies(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{})

	rec := env.get(t, "/v1/policies")
	require.Equal(t, http.StatusOK, rec.Code)
	var set compliance_engine.PolicySet
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &set))
	assert.NotEmpty(t, set.Profile)
	assert.NotEmpty(t, set.Categories)
}

func TestHandleGetPoliciesUnconfigured(t *testing.T) {
	gin.SetMode(gin.TestMode)
	policies, err := compliance_engine.DefaultPolicySet()
	require.NoError(t, err)
	analyzer, err := compliance_engine.NewAnalyzer(&fakeLLM{}, policies)
	require.NoError(t, err)
	handler := NewAnalysisHandler(analyzer, compliance_engine.NewSessionStore(), nil, nil)

	router := gin.New()
	router.GET("/v1/policies", handler.HandleGetPolicies)
	req := httptest.NewRequest(http.MethodGet, "/v1/policies", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleStatus(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{})

	rec := env.get(t, "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status["status"])
	assert.Equal(t, true, status["history"])
	assert.NotEmpty(t, status["policy_profile"])
}

func TestSanitizeErrorForClient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", context.DeadlineExceeded, "analysis timed out"},
		{"malformed", compliance_engine.ErrMalformedResponse, compliance_engine.ErrMalformedResponse.Error()},
		{"transient", llm.ErrUnavailable, "model backend temporarily unavailable"},
		{"internal detail hidden", assert.AnError, "analysis failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, sanitizeErrorForClient(tc.err))
		})
	}
}
