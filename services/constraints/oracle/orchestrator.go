// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/constraintminer/services/constraints/probe"
	"github.com/AleutianAI/constraintminer/services/constraints/telemetry"
)

// buffer is the private, mutable copy of one template used by a session.
type buffer struct {
	mu        sync.Mutex
	spec      QuerySpec
	canonical string
	text      string
}

// Session runs the specialize, execute and reset cycle for one pipeline run.
//
// Description:
//
//	A session owns private copies of the active templates and the
//	run-scoped artifact sequence counter. Specialized text is written to a
//	scratch file that is handed to the oracle; the canonical templates are
//	never modified.
//
// Thread Safety: RunPoint may be called from several goroutines; each
// template buffer admits one cycle at a time. The pipeline calls it
// sequentially.
type Session struct {
	oracle     Oracle
	buffers    []*buffer
	scratchDir string
	logger     *slog.Logger

	mu  sync.Mutex
	seq int
}

// NewSession prepares a session for the given active query names.
//
// Inputs:
//
//	o - The oracle to invoke.
//	set - The canonical templates.
//	active - Query names to run per point, in order.
//	scratchDir - Directory for specialized query files. Created if missing.
//	logger - Logger; nil uses slog.Default().
func NewSession(o Oracle, set *TemplateSet, active []string, scratchDir string, logger *slog.Logger) (*Session, error) {
	if o == nil {
		return nil, fmt.Errorf("oracle must not be nil")
	}
	if set == nil {
		return nil, fmt.Errorf("template set must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	specs, err := Resolve(active)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating query scratch dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(scratchDir, "qlpack.yml"), set.QLPack(), 0o644); err != nil {
		return nil, fmt.Errorf("writing qlpack: %w", err)
	}

	s := &Session{oracle: o, scratchDir: scratchDir, logger: logger}
	for _, spec := range specs {
		t, ok := set.Get(spec.Name)
		if !ok {
			return nil, fmt.Errorf("no template for query %q", spec.Name)
		}
		s.buffers = append(s.buffers, &buffer{spec: spec, canonical: t.Text, text: t.Text})
	}
	return s, nil
}

// Open builds the snapshot database for sourceDir and restarts the
// artifact sequence.
func (s *Session) Open(ctx context.Context, sourceDir string) error {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "oracle.Session.Open")
	defer span.End()

	s.mu.Lock()
	s.seq = 0
	s.mu.Unlock()

	if err := s.oracle.BuildDatabase(ctx, sourceDir); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "database build failed")
		return err
	}
	return nil
}

// Templates returns the current text of every buffer, keyed by query name.
func (s *Session) Templates() map[string]string {
	out := make(map[string]string, len(s.buffers))
	for _, b := range s.buffers {
		b.mu.Lock()
		out[b.spec.Name] = b.text
		b.mu.Unlock()
	}
	return out
}

// RunPoint runs every active query for point.
//
// Description:
//
//	ctx is checked once before the first query. After that the cycle runs
//	to completion with a non-cancelable context so that no template is
//	left specialized. Every template is reset on every exit path.
//
// Outputs:
//
//	[]Artifact - One artifact per executed query, in active order.
//	error - The first oracle failure, or ctx.Err() if canceled before start.
func (s *Session) RunPoint(ctx context.Context, point probe.PointOfInterest) ([]Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, span := otel.Tracer(telemetry.TracerName).Start(context.WithoutCancel(ctx), "oracle.Session.RunPoint",
		trace.WithAttributes(
			attribute.String("point.expression", point.Expression),
			attribute.String("point.file", point.Location.File),
			attribute.Int("point.line", point.Location.StartLine),
		),
	)
	defer span.End()

	target := Target{
		File:       filepath.Base(point.Location.File),
		Line:       point.Location.StartLine,
		Expression: point.Expression,
	}

	artifacts := make([]Artifact, 0, len(s.buffers))
	for _, b := range s.buffers {
		art, err := s.cycle(ctx, b, target)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "query cycle failed")
			return artifacts, err
		}
		art.Point = point
		artifacts = append(artifacts, art)
	}
	span.SetAttributes(attribute.Int("artifacts", len(artifacts)))
	return artifacts, nil
}

func (s *Session) cycle(ctx context.Context, b *buffer, target Target) (Artifact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.text = Specialize(b.text, target)
	defer s.reset(b)

	file := filepath.Join(s.scratchDir, b.spec.Name+".ql")
	if err := os.WriteFile(file, []byte(b.text), 0o644); err != nil {
		return Artifact{}, fmt.Errorf("%w: writing %s: %w", ErrQueryFailed, b.spec.Name, err)
	}

	seq := s.nextSeq()
	path, format, err := s.oracle.Run(ctx, Invocation{Query: b.spec, QueryFile: file, Seq: seq})
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Query: b.spec, Path: path, Seq: seq, Format: format}, nil
}

func (s *Session) reset(b *buffer) {
	b.text = Reset(b.text)
	if b.text != b.canonical {
		s.logger.Error("template did not reset cleanly, restoring canonical text",
			slog.String("query", b.spec.Name),
		)
		b.text = b.canonical
	}
}

func (s *Session) nextSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.seq
	s.seq++
	return n
}

// Close removes the scratch query files.
func (s *Session) Close() error {
	if err := os.RemoveAll(s.scratchDir); err != nil {
		return fmt.Errorf("removing query scratch dir: %w", err)
	}
	return nil
}
