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
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session owns one live document and its issue set.
//
// The document and issues are single-writer: every mutation runs to
// completion under the session mutex, with no suspension between the
// integrity check and the document write, so two concurrent fixes can never
// interleave and corrupt offsets. A new analysis replaces the whole issue
// set; statuses never carry over between passes.
type Session struct {
	Id string

	mu        sync.Mutex
	document  string
	issues    []ResolvedIssue
	createdAt time.Time
	updatedAt time.Time
}

// SessionSnapshot is a consistent read of a session's state.
type SessionSnapshot struct {
	Id        string          `json:"id"`
	Document  string          `json:"document"`
	Issues    []ResolvedIssue `json:"issues"`
	Summary   Summary         `json:"summary"`
	Remaining Summary         `json:"remaining"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewSession creates an empty session.
func NewSession() *Session {
	now := time.Now().UTC()
	return &Session{Id: uuid.NewString(), createdAt: now, updatedAt: now}
}

// SetResult installs a fresh analysis pass: the document snapshot the
// offsets were resolved against, and the issue set. Prior issues and their
// statuses are discarded (last write wins).
func (s *Session) SetResult(document string, issues []ResolvedIssue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.document = document
	s.issues = issues
	s.updatedAt = time.Now().UTC()
}

// ApplyFix applies one accepted fix against the live document.
//
// On ErrSyncDrift the document is unchanged but the demoted issue set is
// adopted, so the drifted issue stops resurfacing. The returned FixResult
// reflects the session state after the call.
func (s *Session) ApplyFix(issueID string) (FixResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, err := ApplyFix(s.document, s.issues, issueID)
	if len(result.Issues) > 0 {
		s.document = result.Document
		s.issues = result.Issues
		s.updatedAt = time.Now().UTC()
	}
	return result, err
}

// Ignore marks a pending issue ignored.
func (s *Session) Ignore(issueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated, err := IgnoreIssue(s.issues, issueID)
	if err != nil {
		return err
	}
	s.issues = updated
	s.updatedAt = time.Now().UTC()
	return nil
}

// Snapshot returns a consistent copy of the session state, with both summary
// views derived on the spot.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	issues := make([]ResolvedIssue, len(s.issues))
	copy(issues, s.issues)
	return SessionSnapshot{
		Id:        s.Id,
		Document:  s.document,
		Issues:    issues,
		Summary:   Summarize(issues),
		Remaining: RemainingSummary(issues),
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
}

// SessionStore is an in-memory registry of live sessions.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Create registers and returns a new session.
func (st *SessionStore) Create() *Session {
	s := NewSession()
	st.mu.Lock()
	st.sessions[s.Id] = s
	st.mu.Unlock()
	return s
}

// Get returns the session with the given id, or false.
func (st *SessionStore) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// GetOrCreate returns the session with the given id, creating a fresh one
// when id is empty or unknown.
func (st *SessionStore) GetOrCreate(id string) *Session {
	if id != "" {
		if s, ok := st.Get(id); ok {
			return s
		}
	}
	return st.Create()
}

// Delete removes a session.
func (st *SessionStore) Delete(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}
