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
	"fmt"
	"regexp"
)

const (
	// ChunkThreshold is the document size above which analysis switches to
	// the chunked parallel path.
	ChunkThreshold = 12000

	// MaxChunkSize caps the size of a single chunk. A lone paragraph larger
	// than this is emitted as one oversized chunk rather than split
	// mid-paragraph; simplicity beats perfect bin-packing here.
	MaxChunkSize = 8000
)

// paragraphBreak matches a paragraph boundary: a run of two or more newlines.
var paragraphBreak = regexp.MustCompile(`\n{2,}`)

// SplitContent splits a document into paragraph-respecting chunks.
//
// # Description
//
// The document is scanned paragraph by paragraph (boundaries are runs of two
// or more newlines). Paragraphs accumulate into the current chunk until
// adding the next one would push it past MaxChunkSize, at which point the
// chunk is cut on the boundary. Every chunk is an exact contiguous slice of
// the parent document, so Chunk.Text == document[Chunk.Offset:...] always
// holds and chunk ranges are disjoint by construction.
//
// Documents at or under ChunkThreshold come back as a single chunk at
// offset 0.
//
// # Outputs
//
//   - []Chunk: In document order, covering the entire document.
func SplitContent(document string) []Chunk {
	if len(document) <= ChunkThreshold {
		return []Chunk{{Text: document, Offset: 0}}
	}

	// Segment ends: each paragraph together with its trailing separator.
	breaks := paragraphBreak.FindAllStringIndex(document, -1)
	segmentEnds := make([]int, 0, len(breaks)+1)
	for _, b := range breaks {
		segmentEnds = append(segmentEnds, b[1])
	}
	if len(segmentEnds) == 0 || segmentEnds[len(segmentEnds)-1] < len(document) {
		segmentEnds = append(segmentEnds, len(document))
	}

	var chunks []Chunk
	chunkStart := 0
	prevEnd := 0
	for _, end := range segmentEnds {
		if end-chunkStart > MaxChunkSize && prevEnd > chunkStart {
			chunks = append(chunks, Chunk{Text: document[chunkStart:prevEnd], Offset: chunkStart})
			chunkStart = prevEnd
		}
		prevEnd = end
	}
	if chunkStart < len(document) {
		chunks = append(chunks, Chunk{Text: document[chunkStart:], Offset: chunkStart})
	}
	return chunks
}

// MergeChunkIssues translates per-chunk local issue offsets into global
// document offsets.
//
// # Description
//
// Each chunk was allocated independently against its own text, so its issue
// offsets are chunk-local. Adding the chunk's offset re-anchors them in the
// parent document. Chunks occupy disjoint character ranges by construction,
// so merged issues cannot collide regardless of chunk completion order.
// Issue ids are prefixed with the chunk index to stay unique across chunks.
//
// # Inputs
//
//   - perChunk: Resolved issues per chunk, indexed identically to chunks.
//     A nil slice marks a chunk whose analysis failed; it contributes
//     nothing (partial result on partial failure).
//   - chunks: The chunks produced by SplitContent.
//   - document: The parent document, used to recompute global line numbers.
//
// # Outputs
//
//   - []ResolvedIssue: Globally offset issues in chunk order.
func MergeChunkIssues(perChunk [][]ResolvedIssue, chunks []Chunk, document string) []ResolvedIssue {
	var merged []ResolvedIssue
	for ci, issues := range perChunk {
		if ci >= len(chunks) {
			break
		}
		offset := chunks[ci].Offset
		for _, issue := range issues {
			issue.Id = fmt.Sprintf("c%d-%s", ci, issue.Id)
			issue.StartIndex += offset
			issue.EndIndex += offset
			issue.Line = lineAt(document, issue.StartIndex)
			merged = append(merged, issue)
		}
	}
	return merged
}
