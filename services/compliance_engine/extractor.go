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
	"encoding/json"
	"strings"
)

// scanState is the extractor's string-tracking state.
type scanState int

const (
	scanDefault scanState = iota
	scanInString
	scanEscaped
)

// ExtractIssuesFromStream returns every fully-closed issue object found in a
// growing, syntactically incomplete JSON buffer.
//
// # Description
//
// While the model streams its response token by token, the buffer at any
// instant is an incomplete JSON document. This scanner locates the "issues"
// key and its opening bracket, then walks the buffer with an explicit state
// machine (default / in-string / escaped) and a brace-depth counter. Each
// time the depth returns to zero after having been positive, the balanced
// span is parsed in isolation; spans that fail to parse are skipped. The scan
// stops at the array's closing bracket at depth zero.
//
// The function never fails on truncation: a buffer ending mid-object or
// mid-string simply yields only the objects that closed before the cut.
// Callers invoke it repeatedly as tokens arrive and compare the returned
// length against the previous call to decide whether anything new appeared.
//
// # Inputs
//
//   - partial: The accumulated response text so far. May contain arbitrary
//     prose or code fences around the JSON.
//
// # Outputs
//
//   - []RawIssueRecord: Complete records in the order they closed in the
//     buffer, which is the order the model emitted them.
func ExtractIssuesFromStream(partial string) []RawIssueRecord {
	keyIdx := strings.Index(partial, `"issues"`)
	if keyIdx < 0 {
		return nil
	}
	arrIdx := strings.Index(partial[keyIdx:], "[")
	if arrIdx < 0 {
		return nil
	}
	body := partial[keyIdx+arrIdx+1:]

	var records []RawIssueRecord
	state := scanDefault
	depth := 0
	objStart := -1

	for i := 0; i < len(body); i++ {
		c := body[i]
		switch state {
		case scanEscaped:
			state = scanInString
		case scanInString:
			switch c {
			case '\\':
				state = scanEscaped
			case '"':
				state = scanDefault
			}
		default:
			switch c {
			case '"':
				state = scanInString
			case '{':
				if depth == 0 {
					objStart = i
				}
				depth++
			case '}':
				if depth == 0 {
					continue
				}
				depth--
				if depth == 0 && objStart >= 0 {
					var record RawIssueRecord
					// A span that fails to parse was not actually a
					// balanced object; skip it rather than aborting
					// the scan.
					if err := json.Unmarshal([]byte(body[objStart:i+1]), &record); err == nil {
						records = append(records, record)
					}
					objStart = -1
				}
			case ']':
				if depth == 0 {
					return records
				}
			}
		}
	}
	return records
}
