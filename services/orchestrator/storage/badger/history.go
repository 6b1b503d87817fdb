// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianComply/services/compliance_engine"
)

// =============================================================================
// Analysis History
// =============================================================================

// Key layout:
//
//	hid/<record-id>          -> JSON AnalysisRecord (primary)
//	hts/<20-digit unixnano>  -> record id            (time index)
//
// The time index keys are zero-padded so byte order equals chronological
// order; List iterates it in reverse for newest-first.
const (
	historyRecordPrefix = "hid/"
	historyTimePrefix   = "hts/"
)

// ErrRecordNotFound is returned by Get for an unknown record id.
var ErrRecordNotFound = errors.New("history record not found")

// AnalysisRecord is one audit-history entry: the durable trace of a
// completed analysis pass.
//
// The document text itself is deliberately NOT stored; only its SHA-256
// content hash, which is enough to later prove what was reviewed without
// retaining the (possibly privileged) text.
type AnalysisRecord struct {
	ID            string                    `json:"id"`
	SessionID     string                    `json:"session_id"`
	RequestID     string                    `json:"request_id"`
	Timestamp     time.Time                 `json:"timestamp"`
	ContentHash   string                    `json:"content_hash"`
	Summary       compliance_engine.Summary `json:"summary"`
	DocumentBytes int                       `json:"document_bytes"`
	DurationMs    int64                     `json:"duration_ms"`
	Endpoint      string                    `json:"endpoint"`
}

// HistoryStore persists analysis audit records in BadgerDB.
//
// Description:
//
//	Each completed analysis pass is saved as an AnalysisRecord under a
//	primary key plus a time-index key, so lookups by id and newest-first
//	listing are both single-prefix operations.
//
// Thread Safety: Safe for concurrent use (BadgerDB transactions).
type HistoryStore struct {
	db *DB
}

// NewHistoryStore creates a HistoryStore backed by the given database.
func NewHistoryStore(db *DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// Save persists one analysis record.
//
// Description:
//
//	Fills in ID and Timestamp when the caller left them empty, then writes
//	the primary record and its time-index entry in one transaction.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	rec - Record to persist. Mutated in place when ID/Timestamp are empty.
//
// Outputs:
//
//	error - Non-nil if serialization or the write transaction fails.
func (h *HistoryStore) Save(ctx context.Context, rec *AnalysisRecord) error {
	if rec == nil {
		return fmt.Errorf("nil analysis record")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal analysis record: %w", err)
	}

	recordKey := []byte(historyRecordPrefix + rec.ID)
	timeKey := []byte(fmt.Sprintf("%s%020d", historyTimePrefix, rec.Timestamp.UnixNano()))

	return h.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Set(recordKey, data); err != nil {
			return err
		}
		return txn.Set(timeKey, []byte(rec.ID))
	})
}

// Get returns the record with the given id.
//
// Outputs:
//
//	*AnalysisRecord - The stored record.
//	error - ErrRecordNotFound for an unknown id, otherwise a read error.
func (h *HistoryStore) Get(ctx context.Context, id string) (*AnalysisRecord, error) {
	var rec AnalysisRecord
	err := h.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(historyRecordPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrRecordNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns up to limit records, newest first.
//
// Description:
//
//	Walks the time index in reverse and resolves each entry to its primary
//	record. A dangling index entry (record deleted mid-iteration) is
//	skipped, not an error.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	limit - Maximum records to return. Values <= 0 default to 50.
func (h *HistoryStore) List(ctx context.Context, limit int) ([]AnalysisRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	var records []AnalysisRecord
	err := h.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(historyTimePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts just past the prefix range.
		seekKey := append([]byte(historyTimePrefix), 0xFF)
		for it.Seek(seekKey); it.ValidForPrefix([]byte(historyTimePrefix)); it.Next() {
			if len(records) >= limit {
				break
			}
			var id string
			if err := it.Item().Value(func(val []byte) error {
				id = string(val)
				return nil
			}); err != nil {
				return err
			}

			item, err := txn.Get([]byte(historyRecordPrefix + id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var rec AnalysisRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Delete removes a record and leaves its time-index entry to be skipped by
// List. Unknown ids are a no-op.
func (h *HistoryStore) Delete(ctx context.Context, id string) error {
	return h.db.WithTxn(ctx, func(txn *badger.Txn) error {
		err := txn.Delete([]byte(historyRecordPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}
