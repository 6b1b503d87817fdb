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
)

func TestFindMatch(t *testing.T) {
	tests := []struct {
		name      string
		document  string
		phrase    string
		startFrom int
		wantIdx   int
		wantLen   int
		wantOK    bool
	}{
		{
			name:     "word boundary skips substring false positive",
			document: "asbestos is the best material",
			phrase:   "best",
			wantIdx:  16,
			wantLen:  4,
			wantOK:   true,
		},
		{
			name:     "raw exact handles punctuation-adjacent phrase",
			document: `he said "guaranteed!" twice`,
			phrase:   `"guaranteed!"`,
			wantIdx:  8,
			wantLen:  13,
			wantOK:   true,
		},
		{
			name:     "fuzzy match collapses whitespace and newlines",
			document: "results are\n   fully   assured here",
			phrase:   "results are fully assured",
			wantIdx:  0,
			wantLen:  30,
			wantOK:   true,
		},
		{
			name:      "startFrom skips earlier occurrence",
			document:  "best effort is best",
			phrase:    "best",
			startFrom: 4,
			wantIdx:   15,
			wantLen:   4,
			wantOK:    true,
		},
		{
			name:     "regex metacharacters are escaped",
			document: "cost is (100% off) today",
			phrase:   "(100% off)",
			wantIdx:  8,
			wantLen:  10,
			wantOK:   true,
		},
		{
			name:     "phrase absent",
			document: "nothing to see",
			phrase:   "guarantee",
			wantOK:   false,
		},
		{
			name:      "startFrom past end",
			document:  "short",
			phrase:    "short",
			startFrom: 99,
			wantOK:    false,
		},
		{
			name:     "empty phrase never matches",
			document: "anything",
			phrase:   "",
			wantOK:   false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := FindMatch(tc.document, tc.phrase, tc.startFrom)
			if ok != tc.wantOK {
				t.Fatalf("FindMatch ok = %v, want %v", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if got.Index != tc.wantIdx || got.Length != tc.wantLen {
				t.Errorf("FindMatch = (%d,%d), want (%d,%d)",
					got.Index, got.Length, tc.wantIdx, tc.wantLen)
			}
			// The matched span must be a real slice of the document.
			if got.Index+got.Length > len(tc.document) {
				t.Errorf("match [%d,%d) exceeds document length %d",
					got.Index, got.Index+got.Length, len(tc.document))
			}
		})
	}
}

func TestFindMatchPrefersWordBoundaryOverEarlierRaw(t *testing.T) {
	// "best" appears inside "asbestos" before it appears standalone; the
	// word-boundary tier must win even though the raw tier would match
	// earlier.
	document := "asbestos best"
	got, ok := FindMatch(document, "best", 0)
	if !ok {
		t.Fatal("expected a match")
	}
	if got.Index != 9 {
		t.Errorf("Index = %d, want 9 (standalone occurrence)", got.Index)
	}
}
