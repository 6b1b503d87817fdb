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
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianComply/services/compliance_engine"
	"github.com/AleutianAI/AleutianComply/services/llm"
)

// =============================================================================
// CONSTANTS AND TYPES
// =============================================================================

// Exit codes for analyze.
const (
	AnalyzeExitSuccess   = 0
	AnalyzeExitViolation = 1
	AnalyzeExitError     = 2
)

// Default values.
const (
	DefaultMaxFileSize = 1024 * 1024 // 1MB, matches the API document cap
	DefaultWorkers     = 0           // 0 means 2 * NumCPU, capped at 4
	DefaultThreshold   = "critical"
	DefaultMinSeverity = "suggestion"
	DefaultTimeout     = 10 * time.Minute
)

// severityOrder maps severity to numeric order (higher = more severe).
var severityOrder = map[compliance_engine.Severity]int{
	compliance_engine.SeveritySuggestion: 0,
	compliance_engine.SeverityWarning:    1,
	compliance_engine.SeverityCritical:   2,
}

// parseSeverity converts a flag string to an engine severity. Unknown values
// degrade to SUGGESTION, the least severe filter.
func parseSeverity(s string) compliance_engine.Severity {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return compliance_engine.SeverityCritical
	case "WARNING":
		return compliance_engine.SeverityWarning
	default:
		return compliance_engine.SeveritySuggestion
	}
}

func severityAtLeast(s, threshold compliance_engine.Severity) bool {
	return severityOrder[s] >= severityOrder[threshold]
}

// FileFinding is one issue located in one scanned file.
type FileFinding struct {
	FilePath     string                       `json:"file_path"`
	Line         int                          `json:"line"`
	Severity     compliance_engine.Severity   `json:"severity"`
	Category     string                       `json:"category"`
	OriginalText string                       `json:"original_text,omitempty"`
	Suggestion   string                       `json:"suggestion,omitempty"`
	Explanation  string                       `json:"explanation,omitempty"`
	GuidelineRef string                       `json:"guideline_ref,omitempty"`
}

// AnalyzeReport holds the results of an analyze run.
type AnalyzeReport struct {
	Findings      []FileFinding                      `json:"findings"`
	FilesAnalyzed int                                `json:"files_analyzed"`
	FilesSkipped  int                                `json:"files_skipped"`
	Summary       map[compliance_engine.Severity]int `json:"summary"`
	DurationMs    int64                              `json:"duration_ms"`
	Warnings      []string                           `json:"warnings,omitempty"`
}

// NewAnalyzeReport creates an initialized AnalyzeReport.
func NewAnalyzeReport() *AnalyzeReport {
	return &AnalyzeReport{
		Findings: make([]FileFinding, 0),
		Summary:  make(map[compliance_engine.Severity]int),
		Warnings: make([]string, 0),
	}
}

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	analyzeInclude     []string
	analyzeExclude     []string
	analyzeRecursive   bool
	analyzeMaxFileSize int64
	analyzeSeverity    string
	analyzeThreshold   string
	analyzeJSON        bool
	analyzeQuiet       bool
	analyzeWorkers     int
	analyzePolicyFile  string
	analyzeCleanOut    string
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

var analyzeCmd = &cobra.Command{
	Use:   "analyze [path]",
	Short: "Analyze documents for compliance violations",
	Long: `Analyze text documents against the compliance policy set.

Each file is sent through the analysis pipeline; every reported issue
is anchored to an exact location in the file. Large documents are
chunked and analyzed in parallel automatically.

Examples:
  comply analyze ./marketing
  comply analyze landing_page.md --severity warning
  comply analyze ./docs --exclude "archive/**" --threshold critical --json
  cat draft.md | comply analyze - --clean-out fixed.md

Exit Codes:
  0 = No issues at/above threshold
  1 = Issues found at/above threshold
  2 = Error (invalid path, backend failure)`,
	Args: cobra.MaximumNArgs(1),
	Run:  runAnalyze,
}

func init() {
	analyzeCmd.Flags().BoolVar(&analyzeRecursive, "recursive", true,
		"Scan subdirectories recursively")
	analyzeCmd.Flags().StringSliceVar(&analyzeInclude, "include", nil,
		"Only analyze files matching these patterns (e.g., '*.md,*.txt')")
	analyzeCmd.Flags().StringSliceVar(&analyzeExclude, "exclude", nil,
		"Skip files/directories matching these patterns")
	analyzeCmd.Flags().Int64Var(&analyzeMaxFileSize, "max-file-size", DefaultMaxFileSize,
		"Skip files larger than this size in bytes")
	analyzeCmd.Flags().StringVar(&analyzeSeverity, "severity", DefaultMinSeverity,
		"Minimum severity to report: critical, warning, suggestion")
	analyzeCmd.Flags().StringVar(&analyzeThreshold, "threshold", DefaultThreshold,
		"Minimum severity for non-zero exit: critical, warning, suggestion")
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false,
		"Output as JSON")
	analyzeCmd.Flags().BoolVar(&analyzeQuiet, "quiet", false,
		"Only exit code, no output")
	analyzeCmd.Flags().IntVar(&analyzeWorkers, "workers", DefaultWorkers,
		"Number of files analyzed in parallel (0 = 2 * NumCPU, max 4)")
	analyzeCmd.Flags().StringVar(&analyzePolicyFile, "policy-file", "",
		"Policy override file (YAML); default is the embedded set")
	analyzeCmd.Flags().StringVar(&analyzeCleanOut, "clean-out", "",
		"Write the document with all suggested fixes applied to this file (single-file mode only)")

	rootCmd.AddCommand(analyzeCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runAnalyze(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	start := time.Now()
	report := NewAnalyzeReport()

	scanPath := "."
	if len(args) > 0 {
		scanPath = args[0]
	}

	analyzer, err := buildAnalyzer()
	if err != nil {
		outputAnalyzeError("Failed to configure the analyzer", err)
		os.Exit(AnalyzeExitError)
	}

	// "-" analyzes stdin as a single document.
	if scanPath == "-" {
		runAnalyzeStdin(ctx, analyzer, report, start)
		return
	}

	info, err := os.Stat(scanPath)
	if err != nil {
		outputAnalyzeError("Path not found", err)
		os.Exit(AnalyzeExitError)
	}

	// The backend is the bottleneck, not the CPU; keep the cap low so a
	// large tree cannot stampede it.
	workers := analyzeWorkers
	if workers <= 0 {
		workers = 2 * runtime.NumCPU()
	}
	if workers > 4 {
		workers = 4
	}

	if analyzeCleanOut != "" && info.IsDir() {
		outputAnalyzeError("Invalid flags",
			fmt.Errorf("--clean-out requires a single file, not a directory"))
		os.Exit(AnalyzeExitError)
	}

	var files []string
	if info.IsDir() {
		files, err = collectFiles(scanPath, analyzeRecursive, analyzeInclude, analyzeExclude)
		if err != nil {
			outputAnalyzeError("Failed to collect files", err)
			os.Exit(AnalyzeExitError)
		}
	} else {
		files = []string{scanPath}
	}
	cliLogger.Debug("collected files", "count", len(files), "workers", workers)

	findings, cleanByPath, analyzed, skipped, warnings := analyzeFilesParallel(
		ctx, files, analyzer, workers, analyzeMaxFileSize)

	if analyzeCleanOut != "" {
		clean, ok := cleanByPath[scanPath]
		if !ok {
			outputAnalyzeError("Clean output unavailable",
				fmt.Errorf("%s was not analyzed", scanPath))
			os.Exit(AnalyzeExitError)
		}
		if err := os.WriteFile(analyzeCleanOut, []byte(clean), 0644); err != nil {
			outputAnalyzeError("Failed to write clean output", err)
			os.Exit(AnalyzeExitError)
		}
	}

	// Filter by severity
	minSeverity := parseSeverity(analyzeSeverity)
	filtered := make([]FileFinding, 0, len(findings))
	for _, f := range findings {
		if severityAtLeast(f.Severity, minSeverity) {
			filtered = append(filtered, f)
		}
	}

	report.Findings = filtered
	report.FilesAnalyzed = analyzed
	report.FilesSkipped = skipped
	report.Warnings = warnings
	for _, w := range warnings {
		cliLogger.Warn(w)
	}
	report.DurationMs = time.Since(start).Milliseconds()
	for _, f := range filtered {
		report.Summary[f.Severity]++
	}

	if !analyzeQuiet {
		if analyzeJSON {
			outputAnalyzeJSON(report)
		} else {
			outputAnalyzeText(report)
		}
	}

	threshold := parseSeverity(analyzeThreshold)
	for _, f := range report.Findings {
		if severityAtLeast(f.Severity, threshold) {
			os.Exit(AnalyzeExitViolation)
		}
	}
	os.Exit(AnalyzeExitSuccess)
}

// runAnalyzeStdin analyzes a single document read from standard input.
func runAnalyzeStdin(ctx context.Context, analyzer *compliance_engine.Analyzer,
	report *AnalyzeReport, start time.Time) {

	content, err := io.ReadAll(io.LimitReader(os.Stdin, analyzeMaxFileSize+1))
	if err != nil {
		outputAnalyzeError("Failed to read stdin", err)
		os.Exit(AnalyzeExitError)
	}
	if int64(len(content)) > analyzeMaxFileSize {
		outputAnalyzeError("Input too large",
			fmt.Errorf("stdin exceeds %d bytes", analyzeMaxFileSize))
		os.Exit(AnalyzeExitError)
	}

	_, result, err := analyzer.Analyze(ctx, string(content), nil, nil)
	if err != nil {
		outputAnalyzeError("Analysis failed", err)
		os.Exit(AnalyzeExitError)
	}

	if analyzeCleanOut != "" {
		if err := os.WriteFile(analyzeCleanOut, []byte(result.CleanContent), 0644); err != nil {
			outputAnalyzeError("Failed to write clean output", err)
			os.Exit(AnalyzeExitError)
		}
	}

	minSeverity := parseSeverity(analyzeSeverity)
	for _, issue := range result.Issues {
		if !severityAtLeast(issue.Severity, minSeverity) {
			continue
		}
		report.Findings = append(report.Findings, FileFinding{
			FilePath:     "stdin",
			Line:         issue.Line,
			Severity:     issue.Severity,
			Category:     issue.Category,
			OriginalText: issue.OriginalText,
			Suggestion:   issue.Suggestion,
			Explanation:  issue.Explanation,
			GuidelineRef: issue.GuidelineRef,
		})
	}
	report.FilesAnalyzed = 1
	report.DurationMs = time.Since(start).Milliseconds()
	for _, f := range report.Findings {
		report.Summary[f.Severity]++
	}

	if !analyzeQuiet {
		if analyzeJSON {
			outputAnalyzeJSON(report)
		} else {
			outputAnalyzeText(report)
		}
	}

	threshold := parseSeverity(analyzeThreshold)
	for _, f := range report.Findings {
		if severityAtLeast(f.Severity, threshold) {
			os.Exit(AnalyzeExitViolation)
		}
	}
	os.Exit(AnalyzeExitSuccess)
}

// buildAnalyzer wires the backend client and the policy set (embedded
// default, or the --policy-file override).
func buildAnalyzer() (*compliance_engine.Analyzer, error) {
	client, err := llm.NewClientFromEnv()
	if err != nil {
		return nil, err
	}
	provider, err := compliance_engine.NewPolicyProvider(analyzePolicyFile)
	if err != nil {
		return nil, err
	}
	return compliance_engine.NewAnalyzer(client, provider.Current())
}

// =============================================================================
// FILE COLLECTION
// =============================================================================

func collectFiles(root string, recursive bool, includes, excludes []string) ([]string, error) {
	var files []string

	walkFn := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Continue on error
		}

		if d.IsDir() {
			if path != root && !recursive {
				return fs.SkipDir
			}
			if matchesPatterns(path, excludes) {
				return fs.SkipDir
			}
			return nil
		}

		if matchesPatterns(path, excludes) {
			return nil
		}
		if len(includes) > 0 && !matchesPatterns(path, includes) {
			return nil
		}
		if isBinaryFile(path) {
			return nil
		}

		files = append(files, path)
		return nil
	}

	if err := filepath.WalkDir(root, walkFn); err != nil {
		return nil, err
	}
	return files, nil
}

func matchesPatterns(path string, patterns []string) bool {
	for _, pattern := range patterns {
		// Handle ** glob patterns
		if strings.Contains(pattern, "**") {
			suffix := strings.TrimPrefix(pattern, "**/")
			if strings.HasSuffix(path, suffix) {
				return true
			}
			continue
		}

		matched, _ := filepath.Match(pattern, filepath.Base(path))
		if matched {
			return true
		}
	}
	return false
}

func isBinaryFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	binaryExts := map[string]bool{
		".exe": true, ".dll": true, ".so": true, ".dylib": true,
		".bin": true, ".obj": true, ".o": true, ".a": true,
		".zip": true, ".tar": true, ".gz": true, ".rar": true,
		".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
		".pdf": true, ".doc": true, ".docx": true,
		".wasm": true, ".pyc": true, ".class": true,
	}
	if binaryExts[ext] {
		return true
	}

	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil || n == 0 {
		return false
	}
	for i := 0; i < n; i++ {
		if buf[i] == 0 {
			return true
		}
	}
	return false
}

// =============================================================================
// PARALLEL ANALYSIS
// =============================================================================

func analyzeFilesParallel(
	ctx context.Context,
	files []string,
	analyzer *compliance_engine.Analyzer,
	workers int,
	maxSize int64,
) (findings []FileFinding, cleanByPath map[string]string, analyzed, skipped int, warnings []string) {
	cleanByPath = make(map[string]string)
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		fileChan = make(chan string, workers*2)
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case path, ok := <-fileChan:
					if !ok {
						return
					}

					fileFindings, clean, wasSkipped, warning := analyzeSingleFile(ctx, path, analyzer, maxSize)

					mu.Lock()
					if wasSkipped {
						skipped++
					} else {
						analyzed++
						cleanByPath[path] = clean
					}
					findings = append(findings, fileFindings...)
					if warning != "" {
						warnings = append(warnings, warning)
					}
					mu.Unlock()
				}
			}
		}()
	}

	for _, f := range files {
		select {
		case <-ctx.Done():
			break
		case fileChan <- f:
		}
	}
	close(fileChan)

	wg.Wait()
	return
}

func analyzeSingleFile(ctx context.Context, path string,
	analyzer *compliance_engine.Analyzer, maxSize int64) ([]FileFinding, string, bool, string) {

	info, err := os.Stat(path)
	if err != nil {
		return nil, "", true, fmt.Sprintf("Cannot stat %s: %v", path, err)
	}
	if info.Size() > maxSize {
		return nil, "", true, ""
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, "", true, fmt.Sprintf("Cannot read %s: %v", path, err)
	}
	if len(content) == 0 {
		return nil, "", true, ""
	}

	_, result, err := analyzer.Analyze(ctx, string(content), nil, nil)
	if err != nil {
		return nil, "", true, fmt.Sprintf("Analysis failed for %s: %v", path, err)
	}

	findings := make([]FileFinding, 0, len(result.Issues))
	for _, issue := range result.Issues {
		findings = append(findings, FileFinding{
			FilePath:     path,
			Line:         issue.Line,
			Severity:     issue.Severity,
			Category:     issue.Category,
			OriginalText: issue.OriginalText,
			Suggestion:   issue.Suggestion,
			Explanation:  issue.Explanation,
			GuidelineRef: issue.GuidelineRef,
		})
	}
	return findings, result.CleanContent, false, ""
}

// =============================================================================
// OUTPUT FUNCTIONS
// =============================================================================

func outputAnalyzeError(msg string, err error) {
	if analyzeJSON {
		result := map[string]interface{}{
			"success": false,
			"error":   fmt.Sprintf("%s: %v", msg, err),
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		encoder.Encode(result)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	}
}

func outputAnalyzeJSON(report *AnalyzeReport) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
		os.Exit(AnalyzeExitError)
	}
}

func outputAnalyzeText(report *AnalyzeReport) {
	fmt.Println("Compliance Analysis Results")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println()

	fmt.Printf("Files analyzed: %d\n", report.FilesAnalyzed)
	fmt.Printf("Files skipped: %d\n", report.FilesSkipped)
	fmt.Printf("Issues found: %d\n", len(report.Findings))
	fmt.Println()

	if len(report.Findings) == 0 {
		fmt.Println("No issues found.")
		return
	}

	fmt.Println("Issues:")
	fmt.Println()

	severities := []compliance_engine.Severity{
		compliance_engine.SeverityCritical,
		compliance_engine.SeverityWarning,
		compliance_engine.SeveritySuggestion,
	}
	bySeverity := map[compliance_engine.Severity][]FileFinding{}
	for _, f := range report.Findings {
		bySeverity[f.Severity] = append(bySeverity[f.Severity], f)
	}

	for _, sev := range severities {
		for _, f := range bySeverity[sev] {
			fmt.Printf("%-10s  %s:%d\n", f.Severity, f.FilePath, f.Line)
			fmt.Printf("            %s\n", f.Explanation)
			if f.Category != "" {
				fmt.Printf("            Category: %s\n", f.Category)
			}
			if f.OriginalText != "" {
				match := f.OriginalText
				if len(match) > 50 {
					match = match[:47] + "..."
				}
				fmt.Printf("            Text: %s\n", match)
			}
			if f.Suggestion != "" {
				fmt.Printf("            Suggest: %s\n", f.Suggestion)
			}
			fmt.Println()
		}
	}

	fmt.Println("Summary:")
	for _, sev := range severities {
		if count := report.Summary[sev]; count > 0 {
			fmt.Printf("  %s: %d\n", sev, count)
		}
	}

	if len(report.Warnings) > 0 {
		fmt.Println()
		fmt.Println("Warnings:")
		for _, w := range report.Warnings {
			fmt.Printf("  %s\n", w)
		}
	}

	fmt.Println()
	fmt.Printf("Analysis completed in %dms\n", report.DurationMs)
}
