// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry holds the Prometheus metrics and tracer names shared by
// the constraint service.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TracerName is the OpenTelemetry instrumentation scope of the service.
const TracerName = "constraintminer.constraints"

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	// pipelineRunsTotal counts finished pipeline runs.
	// Labels: outcome (candidates, empty, error, canceled)
	pipelineRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "constraints",
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Total pipeline runs by outcome",
	}, []string{"outcome"})

	// pipelineRunSeconds measures full pipeline run latency.
	pipelineRunSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "constraints",
		Subsystem: "pipeline",
		Name:      "run_duration_seconds",
		Help:      "Pipeline run latency from trace read to candidate list",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
	})

	// pointsTotal counts points of interest that were queried.
	pointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "constraints",
		Subsystem: "pipeline",
		Name:      "points_total",
		Help:      "Total points of interest handed to the query orchestrator",
	})

	// oracleCallsTotal counts external oracle invocations.
	// Labels: operation (database_create, query_run, bqrs_decode, analyze), status (ok, error)
	oracleCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "constraints",
		Subsystem: "oracle",
		Name:      "calls_total",
		Help:      "Total external oracle invocations by operation and status",
	}, []string{"operation", "status"})

	// oracleSeconds is the time spent analyzing, per operation.
	oracleSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "constraints",
		Subsystem: "oracle",
		Name:      "duration_seconds",
		Help:      "Time spent in the external oracle by operation",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"operation"})

	// candidatesTotal counts emitted constraint candidates.
	// Labels: type (LiteralComp, LiteralLengthComp, VarComp, PatternTest)
	candidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "constraints",
		Subsystem: "classifier",
		Name:      "candidates_total",
		Help:      "Total constraint candidates by type",
	}, []string{"type"})

	// skippedTotal counts items dropped as malformed.
	// Labels: stage (trace, row, path, slice), reason
	skippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "constraints",
		Subsystem: "pipeline",
		Name:      "skipped_total",
		Help:      "Malformed items skipped by stage and reason",
	}, []string{"stage", "reason"})

	// instrumentTotal counts instrumentation requests.
	// Labels: outcome (instrumented, cached, fallback)
	instrumentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "constraints",
		Subsystem: "instrumentation",
		Name:      "requests_total",
		Help:      "Instrumentation requests by outcome",
	}, []string{"outcome"})

	// instrumentSeconds is the time spent instrumenting.
	instrumentSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "constraints",
		Subsystem: "instrumentation",
		Name:      "duration_seconds",
		Help:      "Time spent running the instrumentation rewriter",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})
)

// RecordRun records a finished pipeline run.
func RecordRun(outcome string, d time.Duration) {
	pipelineRunsTotal.WithLabelValues(outcome).Inc()
	pipelineRunSeconds.Observe(d.Seconds())
}

// RecordPoints adds n queried points of interest.
func RecordPoints(n int) {
	pointsTotal.Add(float64(n))
}

// RecordOracleCall records one oracle invocation.
func RecordOracleCall(operation string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	oracleCallsTotal.WithLabelValues(operation, status).Inc()
	oracleSeconds.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordCandidate records one emitted candidate.
func RecordCandidate(candidateType string) {
	candidatesTotal.WithLabelValues(candidateType).Inc()
}

// RecordSkipped records n skipped items.
func RecordSkipped(stage, reason string, n int) {
	if n <= 0 {
		return
	}
	skippedTotal.WithLabelValues(stage, reason).Add(float64(n))
}

// RecordInstrumentation records one instrumentation request.
//
// Inputs:
//   - outcome: "instrumented", "cached" or "fallback".
//   - d: Rewriter run time. Zero for cached responses, which are not observed.
func RecordInstrumentation(outcome string, d time.Duration) {
	instrumentTotal.WithLabelValues(outcome).Inc()
	if d > 0 {
		instrumentSeconds.Observe(d.Seconds())
	}
}
