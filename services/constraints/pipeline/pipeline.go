// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs the constraint inference stages over one trace.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/constraintminer/services/constraints/classify"
	"github.com/AleutianAI/constraintminer/services/constraints/events"
	"github.com/AleutianAI/constraintminer/services/constraints/jsast"
	"github.com/AleutianAI/constraintminer/services/constraints/oracle"
	"github.com/AleutianAI/constraintminer/services/constraints/probe"
	"github.com/AleutianAI/constraintminer/services/constraints/results"
	"github.com/AleutianAI/constraintminer/services/constraints/telemetry"
	"github.com/AleutianAI/constraintminer/services/constraints/tracelog"
)

// Run outcomes reported to metrics.
const (
	outcomeCandidates = "candidates"
	outcomeEmpty      = "empty"
	outcomeError      = "error"
	outcomeCanceled   = "canceled"
)

// Config configures a Pipeline.
type Config struct {
	// SourceRoot resolves relative script paths recorded in events.
	SourceRoot string

	// SnapshotRoot is the parent of the per-run source snapshots.
	SnapshotRoot string

	// ScratchRoot is the parent of the per-run specialized query files.
	ScratchRoot string

	// ActiveQueries are the catalog names run for every point.
	ActiveQueries []string

	TieBreak        results.TieBreak
	SnapshotWorkers int
	MaxSliceBytes   int

	// KeepArtifacts leaves oracle result files on disk after a run.
	KeepArtifacts bool
}

// Report is the outcome of one run.
type Report struct {
	RunID      string               `json:"runId"`
	Candidates []classify.Candidate `json:"candidates"`
	Points     int                  `json:"points"`
	Artifacts  int                  `json:"artifacts"`
	Findings   int                  `json:"findings"`

	// Skipped counts every item dropped after the oracle ran: malformed
	// rows, aborted paths, unreadable slices and unclassifiable findings.
	Skipped int                 `json:"skipped"`
	Decode  results.DecodeStats `json:"decode"`

	Duration time.Duration `json:"duration"`
}

// Pipeline owns the run slot and the correlation state.
//
// Description:
//
//	One run executes at a time. A run segments the events, correlates
//	probe values, runs every active query for every point of interest,
//	decodes the results and classifies them into candidates. Run-scoped
//	state (snapshot, specialized queries, result files) is removed on
//	every exit path.
//
// Thread Safety: Safe for concurrent use. Concurrent calls to Run queue on
// the run slot.
type Pipeline struct {
	cfg        Config
	oracle     oracle.Oracle
	templates  *oracle.TemplateSet
	state      *CorrelationState
	correlator *probe.Correlator
	classifier *classify.Classifier
	slot       *semaphore.Weighted
	events     events.Publisher
	logger     *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithEvents sets the run event publisher.
func WithEvents(p events.Publisher) Option {
	return func(pl *Pipeline) { pl.events = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(pl *Pipeline) { pl.logger = l }
}

// WithState shares an existing correlation state.
func WithState(s *CorrelationState) Option {
	return func(pl *Pipeline) { pl.state = s }
}

// New creates a Pipeline.
func New(cfg Config, o oracle.Oracle, opts ...Option) (*Pipeline, error) {
	if o == nil {
		return nil, errors.New("pipeline: oracle must not be nil")
	}
	if cfg.SnapshotRoot == "" || cfg.ScratchRoot == "" {
		return nil, errors.New("pipeline: snapshot and scratch roots are required")
	}
	if len(cfg.ActiveQueries) == 0 {
		cfg.ActiveQueries = oracle.DefaultActive
	}
	if _, err := oracle.Resolve(cfg.ActiveQueries); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if cfg.TieBreak == "" {
		cfg.TieBreak = results.TieBreakSecond
	}
	if cfg.SourceRoot == "" {
		cfg.SourceRoot = "."
	}

	templates, err := oracle.LoadTemplates()
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	pl := &Pipeline{
		cfg:       cfg,
		oracle:    o,
		templates: templates,
		slot:      semaphore.NewWeighted(1),
		events:    events.Discard,
	}
	for _, opt := range opts {
		opt(pl)
	}
	if pl.logger == nil {
		pl.logger = slog.Default()
	}
	if pl.state == nil {
		pl.state = NewCorrelationState()
	}

	var parserOpts []jsast.SliceParserOption
	if cfg.MaxSliceBytes > 0 {
		parserOpts = append(parserOpts, jsast.WithMaxSliceSize(cfg.MaxSliceBytes))
	}
	pl.correlator = probe.NewCorrelator(pl.logger)
	pl.classifier = classify.NewClassifier(jsast.NewSliceParser(parserOpts...), pl.logger)
	return pl, nil
}

// State returns the correlation state.
func (pl *Pipeline) State() *CorrelationState { return pl.state }

// Run analyzes evs and returns the constraint candidates.
//
// Description:
//
//	A trace without a complete interaction, or an interaction in which
//	no probe value reaches a page expression, yields an empty report
//	without invoking the oracle. Cancellation is honoured while waiting
//	for the run slot and between points of interest.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing.
//	evs - Events in submission order.
//
// Outputs:
//
//	*Report - Candidates is never nil.
//	error - Oracle failures wrapping oracle.ErrDatabaseBuild or
//	oracle.ErrQueryFailed, or ctx.Err().
func (pl *Pipeline) Run(ctx context.Context, evs []tracelog.Event) (*Report, error) {
	if err := pl.slot.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for run slot: %w", err)
	}
	defer pl.slot.Release(1)

	start := time.Now()
	report := &Report{RunID: uuid.NewString(), Candidates: []classify.Candidate{}}
	logger := pl.logger.With(slog.String("run_id", report.RunID))

	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "pipeline.Run",
		trace.WithAttributes(
			attribute.String("run_id", report.RunID),
			attribute.Int("events", len(evs)),
		),
	)
	defer span.End()

	pl.events.Publish(events.Event{Type: events.TypeRunStarted, RunID: report.RunID, Data: map[string]any{"events": len(evs)}})
	logger.Info("pipeline run started", slog.Int("events", len(evs)))

	err := pl.run(ctx, logger, evs, report)
	report.Duration = time.Since(start)

	outcome := outcomeCandidates
	switch {
	case err != nil && ctx.Err() != nil:
		outcome = outcomeCanceled
	case err != nil:
		outcome = outcomeError
	case len(report.Candidates) == 0:
		outcome = outcomeEmpty
	}
	telemetry.RecordRun(outcome, report.Duration)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		logger.Error("pipeline run failed", slog.String("error", err.Error()), slog.String("outcome", outcome))
		pl.events.Publish(events.Event{Type: events.TypeRunFailed, RunID: report.RunID, Message: err.Error()})
		return nil, err
	}

	span.SetAttributes(attribute.Int("candidates", len(report.Candidates)))
	logger.Info("pipeline run finished",
		slog.Int("points", report.Points),
		slog.Int("findings", report.Findings),
		slog.Int("candidates", len(report.Candidates)),
		slog.Duration("duration", report.Duration),
	)
	pl.events.Publish(events.Event{
		Type:  events.TypeRunFinished,
		RunID: report.RunID,
		Data: map[string]any{
			"points":     report.Points,
			"candidates": len(report.Candidates),
			"duration":   report.Duration.Milliseconds(),
		},
	})
	return report, nil
}

func (pl *Pipeline) run(ctx context.Context, logger *slog.Logger, evs []tracelog.Event, report *Report) error {
	in, ok := tracelog.Segment(evs)
	if !ok {
		logger.Info("no complete interaction in trace")
		return nil
	}

	var points []probe.PointOfInterest
	pl.state.With(func(b *probe.Bindings, m *probe.ExpressionMap) {
		points = pl.correlator.Correlate(in, b, m)
	})
	report.Points = len(points)
	telemetry.RecordPoints(len(points))
	if len(points) == 0 {
		logger.Info("no probe value reached a page expression")
		return nil
	}

	snapshotDir := filepath.Join(pl.cfg.SnapshotRoot, report.RunID)
	defer removeAll(logger, snapshotDir)
	if _, err := buildSnapshot(ctx, evs, pl.cfg.SourceRoot, snapshotDir, pl.cfg.SnapshotWorkers, logger); err != nil {
		return err
	}

	session, err := oracle.NewSession(pl.oracle, pl.templates, pl.cfg.ActiveQueries,
		filepath.Join(pl.cfg.ScratchRoot, report.RunID), logger)
	if err != nil {
		return fmt.Errorf("preparing query session: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("query scratch cleanup failed", slog.String("error", err.Error()))
		}
	}()
	if !pl.cfg.KeepArtifacts {
		defer func() {
			if err := pl.oracle.ClearResults(); err != nil {
				logger.Warn("clearing oracle results failed", slog.String("error", err.Error()))
			}
		}()
	}

	if err := session.Open(ctx, snapshotDir); err != nil {
		return err
	}

	var artifacts []oracle.Artifact
	for i, point := range points {
		if err := ctx.Err(); err != nil {
			logger.Info("run canceled between points", slog.Int("completed", i), slog.Int("total", len(points)))
			return err
		}
		arts, err := session.RunPoint(ctx, point)
		artifacts = append(artifacts, arts...)
		if err != nil {
			return err
		}
		pl.events.Publish(events.Event{
			Type:  events.TypePointQueried,
			RunID: report.RunID,
			Data: map[string]any{
				"expression": point.Expression,
				"file":       point.Location.File,
				"line":       point.Location.StartLine,
				"index":      i,
			},
		})
	}
	report.Artifacts = len(artifacts)

	decoder := results.NewDecoder(results.NewSourceSet(snapshotDir), pl.cfg.TieBreak, logger)
	findings, decodeStats := decoder.Decode(ctx, artifacts)
	report.Findings = len(findings)
	report.Decode = decodeStats

	var stats classify.Stats
	pl.state.With(func(_ *probe.Bindings, m *probe.ExpressionMap) {
		report.Candidates, stats = pl.classifier.Classify(ctx, findings, m)
	})
	report.Skipped = decodeStats.Malformed + decodeStats.AbortedPaths + decodeStats.MissingSlices + stats.Skipped
	return nil
}

// Cleanup clears the correlation state, the oracle database and every
// run-scoped directory. It waits for an in-flight run to finish and is
// safe to call without any previous run.
func (pl *Pipeline) Cleanup(ctx context.Context) error {
	if err := pl.slot.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for run slot: %w", err)
	}
	defer pl.slot.Release(1)

	pl.state.Reset()
	var errs []error
	if err := pl.oracle.Cleanup(); err != nil {
		errs = append(errs, fmt.Errorf("oracle cleanup: %w", err))
	}
	for _, dir := range []string{pl.cfg.SnapshotRoot, pl.cfg.ScratchRoot} {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", dir, err))
		}
	}
	pl.logger.Info("pipeline state cleaned")
	return errors.Join(errs...)
}

func removeAll(logger *slog.Logger, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn("removing run directory failed", slog.String("dir", dir), slog.String("error", err.Error()))
	}
}
