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

import "errors"

// Error taxonomy for the engine.
//
// Two failure conditions are deliberately absent: an unresolvable issue
// reference (a phrase no resolver tier can locate) is silently dropped, and a
// single chunk's analysis failure is logged and excluded from the merged
// result. Neither is surfaced as an error because partial results are the
// contract.
var (
	// ErrConfiguration indicates no usable model backend or credential is
	// configured. Fatal, never retried.
	ErrConfiguration = errors.New("compliance engine not configured")

	// ErrMalformedResponse indicates the completion blob is not valid JSON
	// even after stripping code-fence wrapping. Not retried: the same
	// request would produce the same structurally broken response.
	ErrMalformedResponse = errors.New("model response is not valid issue JSON")

	// ErrInvalidIssueData indicates a fix was requested for an issue that
	// does not exist in the current set or carries unusable offsets.
	ErrInvalidIssueData = errors.New("invalid issue data")

	// ErrSyncDrift indicates the document content at an issue's recorded
	// offsets no longer matches its recorded original text. The fix is
	// refused and the issue is demoted to ignored so it cannot keep
	// failing.
	ErrSyncDrift = errors.New("document drifted from issue offsets")

	// ErrUnknownIssue indicates the referenced issue id is not present in
	// the session's issue set.
	ErrUnknownIssue = errors.New("unknown issue id")
)
