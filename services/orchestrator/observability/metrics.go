// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the comply service.
//
// # Description
//
// Metrics cover the analysis lifecycle:
//   - Request counters (by endpoint, status, error type)
//   - Issue counters (by severity, as reported per pass)
//   - Analysis latency histograms
//   - Chunk fan-out counters (analyzed vs failed chunks)
//   - Fix outcomes (applied, drift, rejected)
//   - Active stream gauges and keepalive/disconnect counters
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "comply"

// Subsystem for analysis metrics
const analysisSubsystem = "analysis"

// AnalysisMetrics holds all Prometheus metrics for analysis operations.
//
// Initialize once at startup via InitMetrics().
type AnalysisMetrics struct {
	// RequestsTotal counts analysis requests by endpoint and status.
	// Labels: endpoint (analyze, analyze_stream, analyze_ws, fixes, ignores),
	// status (success, error)
	RequestsTotal *prometheus.CounterVec

	// IssuesFoundTotal counts issues reported per completed pass.
	// Labels: severity (CRITICAL, WARNING, SUGGESTION)
	IssuesFoundTotal *prometheus.CounterVec

	// AnalysisDurationSeconds measures full-pass latency.
	// Labels: endpoint, status
	AnalysisDurationSeconds *prometheus.HistogramVec

	// ChunksTotal counts chunk analyses in the parallel path.
	// Labels: status (analyzed, failed)
	ChunksTotal *prometheus.CounterVec

	// FixesTotal counts fix attempts by outcome.
	// Labels: outcome (applied, drift, rejected)
	FixesTotal *prometheus.CounterVec

	// ActiveStreams tracks currently open streaming connections.
	// Labels: endpoint (analyze_stream, analyze_ws)
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts errors by type and endpoint.
	// Labels: endpoint, error_code
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts keepalive pings sent.
	// Labels: endpoint
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts client disconnections mid-stream.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of AnalysisMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *AnalysisMetrics

// InitMetrics creates and registers all Prometheus metrics on the default
// registry. Call once at application startup; a second call panics on
// duplicate registration.
func InitMetrics() *AnalysisMetrics {
	DefaultMetrics = &AnalysisMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: analysisSubsystem,
				Name:      "requests_total",
				Help:      "Total analysis requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		IssuesFoundTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: analysisSubsystem,
				Name:      "issues_found_total",
				Help:      "Total issues reported by completed passes, by severity",
			},
			[]string{"severity"},
		),

		AnalysisDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: analysisSubsystem,
				Name:      "duration_seconds",
				Help:      "Full analysis pass duration in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ChunksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: analysisSubsystem,
				Name:      "chunks_total",
				Help:      "Chunk analyses in the parallel path, by outcome",
			},
			[]string{"status"},
		),

		FixesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: analysisSubsystem,
				Name:      "fixes_total",
				Help:      "Fix attempts by outcome",
			},
			[]string{"outcome"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: analysisSubsystem,
				Name:      "active_streams",
				Help:      "Currently open streaming analysis connections",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: analysisSubsystem,
				Name:      "errors_total",
				Help:      "Total errors by type and endpoint",
			},
			[]string{"endpoint", "error_code"},
		),

		KeepAlivesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: analysisSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: analysisSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeLLMError indicates a backend model failure.
	ErrorCodeLLMError ErrorCode = "llm_error"

	// ErrorCodeMalformedResponse indicates the model's output could not be
	// parsed into issues.
	ErrorCodeMalformedResponse ErrorCode = "malformed_response"

	// ErrorCodeSyncDrift indicates a fix was refused because the document
	// changed under the issue's coordinates.
	ErrorCodeSyncDrift ErrorCode = "sync_drift"

	// ErrorCodeUnknownIssue indicates a fix or ignore named a nonexistent
	// issue.
	ErrorCodeUnknownIssue ErrorCode = "unknown_issue"

	// ErrorCodeTimeout indicates operation timeout.
	ErrorCodeTimeout ErrorCode = "timeout"

	// ErrorCodeInternal indicates internal server error.
	ErrorCodeInternal ErrorCode = "internal"

	// ErrorCodeClientDisconnect indicates the client went away mid-stream.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents an API endpoint for metrics labeling.
type Endpoint string

const (
	// EndpointAnalyze is the one-shot analysis endpoint.
	EndpointAnalyze Endpoint = "analyze"

	// EndpointAnalyzeStream is the SSE streaming analysis endpoint.
	EndpointAnalyzeStream Endpoint = "analyze_stream"

	// EndpointAnalyzeWS is the WebSocket analysis endpoint.
	EndpointAnalyzeWS Endpoint = "analyze_ws"

	// EndpointFixes is the fix application endpoint.
	EndpointFixes Endpoint = "fixes"

	// EndpointIgnores is the issue dismissal endpoint.
	EndpointIgnores Endpoint = "ignores"
)

// =============================================================================
// Helper Methods
// =============================================================================
//
// All helpers tolerate a nil receiver so code paths exercised in tests
// (where InitMetrics never ran) record nothing instead of panicking.

// RecordRequest records a completed request.
func (m *AnalysisMetrics) RecordRequest(endpoint Endpoint, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), status).Inc()
}

// RecordError records a categorized error.
func (m *AnalysisMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordIssues records a completed pass's issue counts by severity.
func (m *AnalysisMetrics) RecordIssues(critical, warning, suggestion int) {
	if m == nil {
		return
	}
	m.IssuesFoundTotal.WithLabelValues("CRITICAL").Add(float64(critical))
	m.IssuesFoundTotal.WithLabelValues("WARNING").Add(float64(warning))
	m.IssuesFoundTotal.WithLabelValues("SUGGESTION").Add(float64(suggestion))
}

// RecordDuration records a full pass duration.
func (m *AnalysisMetrics) RecordDuration(endpoint Endpoint, seconds float64, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.AnalysisDurationSeconds.WithLabelValues(string(endpoint), status).Observe(seconds)
}

// RecordChunk records one settled chunk in the parallel path.
func (m *AnalysisMetrics) RecordChunk(failed bool) {
	if m == nil {
		return
	}
	status := "analyzed"
	if failed {
		status = "failed"
	}
	m.ChunksTotal.WithLabelValues(status).Inc()
}

// RecordFix records a fix attempt outcome.
// outcome is one of "applied", "drift", "rejected".
func (m *AnalysisMetrics) RecordFix(outcome string) {
	if m == nil {
		return
	}
	m.FixesTotal.WithLabelValues(outcome).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *AnalysisMetrics) StreamStarted(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *AnalysisMetrics) StreamEnded(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordKeepAlive increments the keepalive counter.
func (m *AnalysisMetrics) RecordKeepAlive(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *AnalysisMetrics) RecordClientDisconnect(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}
