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
	"regexp"
	"strings"
)

// whitespaceRun matches one or more whitespace characters, including
// newlines, for the fuzzy tier.
const whitespaceRun = `[\s]+`

// FindMatch locates the best-candidate occurrence of phrase in document,
// starting the search at or after startFrom.
//
// # Description
//
// Three tiers are attempted in strict priority order:
//
//  1. Word-boundary exact match: the phrase as a literal pattern anchored at
//     word boundaries on both ends, so "best" does not match inside
//     "asbestos".
//  2. Raw exact match: plain substring search. Handles punctuation-adjacent
//     phrases that have no clean word boundaries.
//  3. Whitespace-normalized fuzzy match: the phrase's words separated by any
//     run of whitespace or newlines. Handles the model collapsing multi-line
//     source text into a single-spaced quoted phrase.
//
// Special characters in phrase are escaped before pattern construction. A
// pattern that fails to compile falls through to the next tier instead of
// failing the call.
//
// # Inputs
//
//   - document: The full document snapshot to search.
//   - phrase: The model-quoted substring to locate.
//   - startFrom: Byte offset at which the search begins. Values past the end
//     of the document yield no match.
//
// # Outputs
//
//   - MatchCandidate: Index (absolute, within document) and Length of the
//     matched span.
//   - bool: false when no tier finds the phrase at or after startFrom.
func FindMatch(document, phrase string, startFrom int) (MatchCandidate, bool) {
	if phrase == "" || startFrom < 0 || startFrom > len(document) {
		return MatchCandidate{}, false
	}
	tail := document[startFrom:]

	// Tier 1: word-boundary exact.
	if re, err := regexp.Compile(`\b` + regexp.QuoteMeta(phrase) + `\b`); err == nil {
		if loc := re.FindStringIndex(tail); loc != nil {
			return MatchCandidate{Index: startFrom + loc[0], Length: loc[1] - loc[0]}, true
		}
	}

	// Tier 2: raw exact.
	if idx := strings.Index(tail, phrase); idx >= 0 {
		return MatchCandidate{Index: startFrom + idx, Length: len(phrase)}, true
	}

	// Tier 3: whitespace-normalized fuzzy.
	words := strings.Fields(phrase)
	if len(words) == 0 {
		return MatchCandidate{}, false
	}
	escaped := make([]string, len(words))
	for i, w := range words {
		escaped[i] = regexp.QuoteMeta(w)
	}
	re, err := regexp.Compile(strings.Join(escaped, whitespaceRun))
	if err != nil {
		return MatchCandidate{}, false
	}
	if loc := re.FindStringIndex(tail); loc != nil {
		return MatchCandidate{Index: startFrom + loc[0], Length: loc[1] - loc[0]}, true
	}
	return MatchCandidate{}, false
}
