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
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianComply/services/compliance_engine"
	"github.com/AleutianAI/AleutianComply/services/llm"
	"github.com/AleutianAI/AleutianComply/services/orchestrator/datatypes"
)

// dialAnalyzeWS starts a test server around the env's router and opens a
// websocket to the analyze endpoint.
func dialAnalyzeWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(env.router)
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/analyze/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// readUntilTerminal collects events until a done or error frame arrives.
func readUntilTerminal(t *testing.T, ws *websocket.Conn) []datatypes.StreamEvent {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var events []datatypes.StreamEvent
	for {
		var event datatypes.StreamEvent
		require.NoError(t, ws.ReadJSON(&event))
		events = append(events, event)
		if event.Type == "done" || event.Type == "error" {
			return events
		}
	}
}

func TestHandleAnalyzeWebSocket(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{
		stream: func(call int, req llm.CompletionRequest, cb llm.StreamCallback) error {
			return cb(singleIssueBlob)
		},
	})
	ws := dialAnalyzeWS(t, env)

	require.NoError(t, ws.WriteJSON(datatypes.AnalyzeRequest{Content: testDocument}))
	events := readUntilTerminal(t, ws)
	verifyEventChain(t, events)

	last := events[len(events)-1]
	require.Equal(t, "done", last.Type)
	require.NotNil(t, last.Summary)
	assert.Equal(t, compliance_engine.Summary{Critical: 1, Total: 1}, *last.Summary)
	require.NotEmpty(t, last.SessionId)

	session, ok := env.sessions.Get(last.SessionId)
	require.True(t, ok)
	assert.Len(t, session.Snapshot().Issues, 1)
}

func TestHandleAnalyzeWebSocketMultipleRequests(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{
		stream: func(call int, req llm.CompletionRequest, cb llm.StreamCallback) error {
			return cb(singleIssueBlob)
		},
	})
	ws := dialAnalyzeWS(t, env)

	// First pass creates the session; the second reuses it on the same
	// socket, and the hash chain keeps running across both.
	require.NoError(t, ws.WriteJSON(datatypes.AnalyzeRequest{Content: testDocument}))
	first := readUntilTerminal(t, ws)
	require.Equal(t, "done", first[len(first)-1].Type)
	sessionID := first[len(first)-1].SessionId

	require.NoError(t, ws.WriteJSON(datatypes.AnalyzeRequest{
		Content:   testDocument,
		SessionID: sessionID,
	}))
	second := readUntilTerminal(t, ws)
	require.Equal(t, "done", second[len(second)-1].Type)
	assert.Equal(t, sessionID, second[len(second)-1].SessionId)

	chain := append(append([]datatypes.StreamEvent{}, first...), second...)
	verifyEventChain(t, chain)
}

func TestHandleAnalyzeWebSocketValidationKeepsSocketOpen(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{
		stream: func(call int, req llm.CompletionRequest, cb llm.StreamCallback) error {
			return cb(singleIssueBlob)
		},
	})
	ws := dialAnalyzeWS(t, env)

	// Invalid request: neither content nor attachment.
	require.NoError(t, ws.WriteJSON(datatypes.AnalyzeRequest{}))
	events := readUntilTerminal(t, ws)
	require.Equal(t, "error", events[len(events)-1].Type)

	// The connection survives; the next request succeeds.
	require.NoError(t, ws.WriteJSON(datatypes.AnalyzeRequest{Content: testDocument}))
	events = readUntilTerminal(t, ws)
	assert.Equal(t, "done", events[len(events)-1].Type)
}
