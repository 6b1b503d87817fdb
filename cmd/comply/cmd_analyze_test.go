// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/AleutianComply/services/compliance_engine"
	"github.com/AleutianAI/AleutianComply/services/llm"
)

// TestSeverityAtLeast tests severity comparison.
func TestSeverityAtLeast(t *testing.T) {
	tests := []struct {
		severity  compliance_engine.Severity
		threshold compliance_engine.Severity
		want      bool
	}{
		{compliance_engine.SeverityCritical, compliance_engine.SeverityCritical, true},
		{compliance_engine.SeverityCritical, compliance_engine.SeverityWarning, true},
		{compliance_engine.SeverityWarning, compliance_engine.SeverityCritical, false},
		{compliance_engine.SeveritySuggestion, compliance_engine.SeverityWarning, false},
		{compliance_engine.SeveritySuggestion, compliance_engine.SeveritySuggestion, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.severity)+"_atleast_"+string(tt.threshold), func(t *testing.T) {
			if got := severityAtLeast(tt.severity, tt.threshold); got != tt.want {
				t.Errorf("severityAtLeast(%s, %s) = %v, want %v",
					tt.severity, tt.threshold, got, tt.want)
			}
		})
	}
}

// TestParseSeverity tests severity parsing.
func TestParseSeverity(t *testing.T) {
	tests := []struct {
		input string
		want  compliance_engine.Severity
	}{
		{"critical", compliance_engine.SeverityCritical},
		{"CRITICAL", compliance_engine.SeverityCritical},
		{"warning", compliance_engine.SeverityWarning},
		{" Warning ", compliance_engine.SeverityWarning},
		{"suggestion", compliance_engine.SeveritySuggestion},
		{"unknown", compliance_engine.SeveritySuggestion}, // Default
		{"", compliance_engine.SeveritySuggestion},        // Default
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseSeverity(tt.input); got != tt.want {
				t.Errorf("parseSeverity(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

// TestMatchesPatterns tests glob pattern matching.
func TestMatchesPatterns(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		patterns []string
		want     bool
	}{
		{"base name match", "docs/page.md", []string{"*.md"}, true},
		{"no match", "docs/page.md", []string{"*.txt"}, false},
		{"double-star suffix", "archive/old/page.md", []string{"**/page.md"}, true},
		{"double-star miss", "archive/old/page.md", []string{"**/other.md"}, false},
		{"empty patterns", "docs/page.md", nil, false},
		{"multiple patterns", "a.txt", []string{"*.md", "*.txt"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesPatterns(tt.path, tt.patterns); got != tt.want {
				t.Errorf("matchesPatterns(%q, %v) = %v, want %v",
					tt.path, tt.patterns, got, tt.want)
			}
		})
	}
}

// TestIsBinaryFile tests binary detection by extension and content.
func TestIsBinaryFile(t *testing.T) {
	tmpDir := t.TempDir()

	textPath := filepath.Join(tmpDir, "page.md")
	if err := os.WriteFile(textPath, []byte("plain markdown text"), 0644); err != nil {
		t.Fatal(err)
	}
	binPath := filepath.Join(tmpDir, "blob.dat")
	if err := os.WriteFile(binPath, []byte{0x00, 0x01, 0x02}, 0644); err != nil {
		t.Fatal(err)
	}
	extPath := filepath.Join(tmpDir, "image.png")
	if err := os.WriteFile(extPath, []byte("not really an image"), 0644); err != nil {
		t.Fatal(err)
	}

	if isBinaryFile(textPath) {
		t.Error("text file flagged as binary")
	}
	if !isBinaryFile(binPath) {
		t.Error("null-byte file not flagged as binary")
	}
	if !isBinaryFile(extPath) {
		t.Error(".png extension not flagged as binary")
	}
}

// TestCollectFiles tests file collection with include/exclude patterns.
func TestCollectFiles(t *testing.T) {
	tmpDir := t.TempDir()

	layout := map[string]string{
		"landing.md":          "welcome",
		"terms.txt":           "terms",
		"notes/brief.md":      "brief",
		"archive/old.md":      "old",
		"assets/logo.png":     "png",
		"nested/deep/page.md": "deep",
	}
	for rel, content := range layout {
		path := filepath.Join(tmpDir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("recursive with include", func(t *testing.T) {
		files, err := collectFiles(tmpDir, true, []string{"*.md"}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(files) != 4 {
			t.Errorf("got %d files, want 4: %v", len(files), files)
		}
	})

	t.Run("exclude directory", func(t *testing.T) {
		files, err := collectFiles(tmpDir, true, []string{"*.md"}, []string{"archive"})
		if err != nil {
			t.Fatal(err)
		}
		for _, f := range files {
			if filepath.Base(f) == "old.md" {
				t.Errorf("excluded file collected: %s", f)
			}
		}
	})

	t.Run("non-recursive", func(t *testing.T) {
		files, err := collectFiles(tmpDir, false, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		for _, f := range files {
			if filepath.Dir(f) != tmpDir {
				t.Errorf("non-recursive walk collected nested file: %s", f)
			}
		}
	})

	t.Run("binary skipped", func(t *testing.T) {
		files, err := collectFiles(tmpDir, true, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		for _, f := range files {
			if filepath.Ext(f) == ".png" {
				t.Errorf("binary file collected: %s", f)
			}
		}
	})
}

type flaggingLLM struct{}

func (flaggingLLM) Generate(ctx context.Context, req llm.CompletionRequest) (string, error) {
	return `{"issues":[{"originalText":"guaranteed returns",` +
		`"category":"performance_promises","severity":"CRITICAL",` +
		`"explanation":"Promises a specific outcome.",` +
		`"suggestion":"returns that vary with market conditions"}]}`, nil
}

func (f flaggingLLM) GenerateStream(ctx context.Context, req llm.CompletionRequest, cb llm.StreamCallback) error {
	blob, _ := f.Generate(ctx, req)
	return cb(blob)
}

// TestAnalyzeFilesParallel runs the worker pool against real files with a
// stubbed backend.
func TestAnalyzeFilesParallel(t *testing.T) {
	tmpDir := t.TempDir()

	clean := filepath.Join(tmpDir, "clean.md")
	if err := os.WriteFile(clean, []byte("Returns vary with market conditions."), 0644); err != nil {
		t.Fatal(err)
	}
	flagged := filepath.Join(tmpDir, "flagged.md")
	if err := os.WriteFile(flagged, []byte("Our fund offers guaranteed returns."), 0644); err != nil {
		t.Fatal(err)
	}
	empty := filepath.Join(tmpDir, "empty.md")
	if err := os.WriteFile(empty, nil, 0644); err != nil {
		t.Fatal(err)
	}

	policies, err := compliance_engine.DefaultPolicySet()
	if err != nil {
		t.Fatal(err)
	}
	analyzer, err := compliance_engine.NewAnalyzer(flaggingLLM{}, policies)
	if err != nil {
		t.Fatal(err)
	}

	findings, cleanByPath, analyzed, skipped, warnings := analyzeFilesParallel(
		context.Background(), []string{clean, flagged, empty}, analyzer, 2, DefaultMaxFileSize)

	if analyzed != 2 {
		t.Errorf("analyzed = %d, want 2", analyzed)
	}
	if skipped != 1 {
		t.Errorf("skipped = %d, want 1 (empty file)", skipped)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}

	var flaggedFindings int
	for _, f := range findings {
		if f.FilePath == flagged {
			flaggedFindings++
			if f.Severity != compliance_engine.SeverityCritical {
				t.Errorf("severity = %s, want CRITICAL", f.Severity)
			}
			if f.Line != 1 {
				t.Errorf("line = %d, want 1", f.Line)
			}
		}
	}
	if flaggedFindings != 1 {
		t.Errorf("findings for flagged file = %d, want 1", flaggedFindings)
	}

	// The clean content for the flagged file carries the suggestion.
	if got := cleanByPath[flagged]; got != "Our fund offers returns that vary with market conditions." {
		t.Errorf("clean content = %q", got)
	}
}
