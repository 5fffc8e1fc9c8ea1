// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package constraints is the HTTP service that records probe traces,
// instruments page scripts and infers form-field constraint candidates.
package constraints

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/constraintminer/services/constraints/config"
	"github.com/AleutianAI/constraintminer/services/constraints/events"
	"github.com/AleutianAI/constraintminer/services/constraints/instrument"
	"github.com/AleutianAI/constraintminer/services/constraints/oracle"
	"github.com/AleutianAI/constraintminer/services/constraints/pipeline"
	"github.com/AleutianAI/constraintminer/services/constraints/results"
	"github.com/AleutianAI/constraintminer/services/constraints/telemetry"
	"github.com/AleutianAI/constraintminer/services/constraints/tracelog"
)

var (
	// ErrInstrumentationDisabled is returned when instrumentation is
	// requested but not configured.
	ErrInstrumentationDisabled = errors.New("instrumentation is disabled")

	// ErrInvalidEvent marks a trace record that cannot be decoded.
	ErrInvalidEvent = errors.New("invalid trace event")
)

// Service wires the trace store, the pipeline and the instrumenter.
//
// Thread Safety: Safe for concurrent use.
type Service struct {
	cfg          *config.Config
	store        *tracelog.Store
	pipeline     *pipeline.Pipeline
	instrumenter *instrument.Instrumenter
	cache        *instrument.Cache
	watcher      *instrument.OriginalWatcher
	hub          *events.Hub
	logger       *slog.Logger
	startedAt    time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	oracle      oracle.Oracle
	transformer instrument.CommandRunner
	logger      *slog.Logger
	inMemory    bool
}

// WithOracle replaces the CodeQL oracle.
func WithOracle(o oracle.Oracle) ServiceOption {
	return func(so *serviceOptions) { so.oracle = o }
}

// WithTransformer replaces the instrumentation command executor.
func WithTransformer(r instrument.CommandRunner) ServiceOption {
	return func(so *serviceOptions) { so.transformer = r }
}

// WithServiceLogger sets the logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(so *serviceOptions) { so.logger = l }
}

// WithInMemoryCache keeps the instrumentation cache in memory.
func WithInMemoryCache() ServiceOption {
	return func(so *serviceOptions) { so.inMemory = true }
}

// NewService builds a Service from cfg.
//
// Description:
//
//	Opens the trace store and the instrumentation cache and starts the
//	original-file watcher when configured. The oracle defaults to the
//	CodeQL CLI under paths.work_dir/codeql.
//
// Inputs:
//
//	ctx - Lifetime of background goroutines started by the service.
//	cfg - Validated configuration.
//	opts - Optional overrides.
//
// Outputs:
//
//	*Service - Ready to serve. Call Close when done.
//	error - Non-nil if a component cannot be created.
func NewService(ctx context.Context, cfg *config.Config, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	var so serviceOptions
	for _, opt := range opts {
		opt(&so)
	}
	logger := so.logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := tracelog.NewStore(cfg.Paths.TraceLog, logger)
	if err != nil {
		return nil, err
	}

	o := so.oracle
	if o == nil {
		o, err = oracle.NewCodeQL(oracle.CodeQLConfig{
			Binary:   cfg.Oracle.Binary,
			WorkDir:  cfg.Paths.OracleDir(),
			Language: cfg.Oracle.Language,
			Threads:  cfg.Oracle.Threads,
		}, oracle.WithCodeQLLogger(logger))
		if err != nil {
			return nil, err
		}
	}

	tie, err := results.ParseTieBreak(cfg.Queries.TieBreak)
	if err != nil {
		return nil, err
	}

	hub := events.NewHub(0, logger)
	pl, err := pipeline.New(pipeline.Config{
		SourceRoot:      cfg.Paths.SourceRoot,
		SnapshotRoot:    cfg.Paths.SnapshotRoot(),
		ScratchRoot:     cfg.Paths.QueryScratchDir(),
		ActiveQueries:   cfg.Queries.Active,
		TieBreak:        tie,
		SnapshotWorkers: cfg.Analysis.SnapshotWorkers,
		MaxSliceBytes:   cfg.Analysis.MaxSliceBytes,
		KeepArtifacts:   cfg.Oracle.KeepArtifacts,
	}, o, pipeline.WithEvents(hub), pipeline.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:       cfg,
		store:     store,
		pipeline:  pl,
		hub:       hub,
		logger:    logger,
		startedAt: time.Now(),
	}
	if cfg.Instrumentation.Enabled {
		if err := s.openInstrumentation(ctx, so); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) openInstrumentation(ctx context.Context, so serviceOptions) error {
	ic := s.cfg.Instrumentation
	dir := ic.CacheDir
	if so.inMemory {
		dir = ""
	}
	cache, err := instrument.OpenCache(dir, ic.CacheTTL, s.logger)
	if err != nil {
		return err
	}
	s.cache = cache

	opts := []instrument.Option{instrument.WithCache(cache), instrument.WithLogger(s.logger)}
	if so.transformer != nil {
		opts = append(opts, instrument.WithCommandRunner(so.transformer))
	}
	inst, err := instrument.New(instrument.Config{
		OriginalDir:     s.cfg.Paths.OriginalDir(),
		InstrumentedDir: s.cfg.Paths.InstrumentedDir(),
		Command:         ic.Command,
		Args:            ic.Args,
		Timeout:         ic.Timeout,
		RatePerSecond:   ic.RatePerSecond,
		Burst:           ic.Burst,
		DefaultName:     ic.DefaultName,
	}, opts...)
	if err != nil {
		return err
	}
	s.instrumenter = inst

	if ic.Watch {
		w, err := instrument.NewOriginalWatcher(inst.OriginalDir(), inst, s.logger)
		if err != nil {
			return fmt.Errorf("creating original watcher: %w", err)
		}
		if err := w.Start(ctx); err != nil {
			s.logger.Warn("original watcher unavailable", slog.String("error", err.Error()))
			w.Stop()
			return nil
		}
		s.watcher = w
	}
	return nil
}

// Events returns the run event hub.
func (s *Service) Events() *events.Hub { return s.hub }

// Record appends one trace line to the store and returns the full log.
func (s *Service) Record(ctx context.Context, line []byte) ([]byte, error) {
	ev, err := tracelog.ParseEvent(line)
	if err != nil {
		telemetry.RecordSkipped("trace", "malformed", 1)
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if err := s.store.Append(ctx, ev); err != nil {
		return nil, err
	}
	return s.store.Raw()
}

// Analyze runs the pipeline over lines, or over the trace store when lines
// is nil.
func (s *Service) Analyze(ctx context.Context, lines []string) (*pipeline.Report, error) {
	var (
		evs   []tracelog.Event
		stats tracelog.ReadStats
	)
	if lines == nil {
		var err error
		evs, stats, err = s.store.ReadAll(ctx)
		if err != nil {
			return nil, err
		}
	} else {
		evs, stats = tracelog.ParseLines(lines, s.logger)
	}
	telemetry.RecordSkipped("trace", "malformed", stats.Malformed)
	return s.pipeline.Run(ctx, evs)
}

// Instrument rewrites a page script. It never fails once instrumentation
// is enabled.
func (s *Service) Instrument(ctx context.Context, name string, source []byte) (instrument.Result, error) {
	if s.instrumenter == nil {
		return instrument.Result{}, ErrInstrumentationDisabled
	}
	res := s.instrumenter.Instrument(ctx, name, source)
	s.hub.Publish(events.Event{
		Type: events.TypeInstrumented,
		Data: map[string]any{"name": res.Name, "outcome": res.Outcome},
	})
	return res, nil
}

// Clean resets every piece of accumulated state.
//
// Description:
//
//	Clears the correlation state, the oracle database and run
//	directories, the instrumented files and their cache, and the trace
//	log. Every step runs even if an earlier one fails.
func (s *Service) Clean(ctx context.Context) error {
	var errs []error
	if err := s.pipeline.Cleanup(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.instrumenter != nil {
		if err := s.instrumenter.Clean(); err != nil {
			errs = append(errs, fmt.Errorf("instrumentation cleanup: %w", err))
		}
	}
	if err := s.store.Reset(); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("cleanup incomplete", slog.String("error", err.Error()))
	} else {
		s.logger.Info("service state cleaned")
	}
	s.hub.Publish(events.Event{Type: events.TypeCleaned})
	return err
}

// HealthStatus is the payload of the health endpoint.
type HealthStatus struct {
	Status          string  `json:"status"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
	Instrumentation bool    `json:"instrumentation"`
	Subscribers     int     `json:"subscribers"`
	ActiveQueries   int     `json:"active_queries"`
}

// Health reports liveness.
func (s *Service) Health() HealthStatus {
	return HealthStatus{
		Status:          "healthy",
		UptimeSeconds:   time.Since(s.startedAt).Seconds(),
		Instrumentation: s.instrumenter != nil,
		Subscribers:     s.hub.Subscribers(),
		ActiveQueries:   len(s.cfg.Queries.Active),
	}
}

// Close stops background work and releases the cache.
func (s *Service) Close() error {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	s.hub.Close()
	if s.cache != nil {
		return s.cache.Close()
	}
	return nil
}
