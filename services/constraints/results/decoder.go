// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package results

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/constraintminer/services/constraints/oracle"
	"github.com/AleutianAI/constraintminer/services/constraints/probe"
	"github.com/AleutianAI/constraintminer/services/constraints/telemetry"
)

// Finding is a decoded result ready for classification.
type Finding struct {
	// Kind is the constraint category of the finding.
	Kind oracle.Kind `json:"kind"`

	// Query is the query that produced the finding.
	Query string `json:"query"`

	// Point is the point of interest the query was specialized for.
	Point probe.PointOfInterest `json:"point"`

	// Slice is the code to classify: the slice at the first location of a
	// row, or the composite expression of a path.
	Slice string `json:"slice"`

	// Location addresses Slice in the snapshot. For paths it is the sink.
	Location CodeLocation `json:"location"`

	// Path is true for findings reconstructed from a path result.
	Path bool `json:"path"`
}

// DecodeStats counts what a decode pass read and skipped.
type DecodeStats struct {
	Rows          int `json:"rows"`
	Paths         int `json:"paths"`
	Duplicates    int `json:"duplicates"`
	Malformed     int `json:"malformed"`
	AbortedPaths  int `json:"aborted_paths"`
	MissingSlices int `json:"missing_slices"`
}

// Decoder turns result artifacts into findings.
//
// Thread Safety: Safe for concurrent use.
type Decoder struct {
	sources *SourceSet
	tie     TieBreak
	logger  *slog.Logger
}

// NewDecoder creates a Decoder reading slices from sources.
func NewDecoder(sources *SourceSet, tie TieBreak, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	if tie == "" {
		tie = TieBreakSecond
	}
	return &Decoder{sources: sources, tie: tie, logger: logger}
}

// Decode reads every artifact.
//
// Description:
//
//	Row artifacts yield one finding per distinct row across all
//	artifacts. Path artifacts yield one finding per select pair; a pair
//	that cannot be backtracked is dropped and the remaining pairs of the
//	same artifact still decode.
//	Unreadable artifacts and slices are logged and skipped.
func (d *Decoder) Decode(ctx context.Context, artifacts []oracle.Artifact) ([]Finding, DecodeStats) {
	_, span := otel.Tracer(telemetry.TracerName).Start(ctx, "results.Decoder.Decode")
	defer span.End()

	var (
		findings []Finding
		stats    DecodeStats
	)
	seen := make(map[string]struct{})
	keep := func(key string, f Finding) {
		if _, dup := seen[key]; dup {
			stats.Duplicates++
			return
		}
		seen[key] = struct{}{}
		findings = append(findings, f)
	}

	for _, art := range artifacts {
		switch art.Format {
		case oracle.FormatJSON:
			d.decodePath(art, &stats, keep)
		default:
			d.decodeRows(art, &stats, keep)
		}
	}

	telemetry.RecordSkipped("row", "malformed", stats.Malformed)
	telemetry.RecordSkipped("path", "no_incoming_edge", stats.AbortedPaths)
	telemetry.RecordSkipped("slice", "unreadable", stats.MissingSlices)
	span.SetAttributes(
		attribute.Int("artifacts", len(artifacts)),
		attribute.Int("findings", len(findings)),
		attribute.Int("aborted_paths", stats.AbortedPaths),
	)
	return findings, stats
}

func (d *Decoder) decodeRows(art oracle.Artifact, stats *DecodeStats, keep func(string, Finding)) {
	f, err := os.Open(art.Path)
	if err != nil {
		d.logger.Warn("row artifact unreadable",
			slog.String("query", art.Query.Name),
			slog.String("path", art.Path),
			slog.String("error", err.Error()),
		)
		stats.Malformed++
		return
	}
	defer f.Close()

	rows, rs, err := DecodeRows(f)
	stats.Malformed += rs.Malformed
	if err != nil {
		d.logger.Warn("row artifact truncated",
			slog.String("path", art.Path),
			slog.String("error", err.Error()),
		)
	}

	for _, row := range rows {
		kind, ok := oracle.KindForTag(row.Type)
		if !ok {
			kind = art.Query.Kind
		}
		loc := row.Locations[0]
		slice, err := d.sources.Slice(loc)
		if err != nil {
			d.logger.Warn("row slice unreadable",
				slog.String("query", art.Query.Name),
				slog.String("file", loc.File),
				slog.String("error", err.Error()),
			)
			stats.MissingSlices++
			continue
		}
		stats.Rows++
		keep("row|"+row.Key(), Finding{
			Kind:     kind,
			Query:    art.Query.Name,
			Point:    art.Point,
			Slice:    slice,
			Location: loc,
		})
	}
}

func (d *Decoder) decodePath(art oracle.Artifact, stats *DecodeStats, keep func(string, Finding)) {
	f, err := os.Open(art.Path)
	if err != nil {
		d.logger.Warn("path artifact unreadable",
			slog.String("query", art.Query.Name),
			slog.String("path", art.Path),
			slog.String("error", err.Error()),
		)
		stats.Malformed++
		return
	}
	defer f.Close()

	result, skipped, err := DecodePath(f)
	stats.Malformed += skipped
	if err != nil {
		d.logger.Warn("path artifact malformed",
			slog.String("path", art.Path),
			slog.String("error", err.Error()),
		)
		stats.Malformed++
		return
	}

	for _, sel := range result.Selects {
		nodes, err := Backtrack(result, sel, d.tie)
		if err != nil {
			d.logger.Warn("path reconstruction aborted",
				slog.String("query", art.Query.Name),
				slog.String("path", art.Path),
				slog.String("sink", sel.Sink.ID),
				slog.String("error", err.Error()),
			)
			stats.AbortedPaths++
			continue
		}

		slices, ok := d.slices(nodes, stats)
		if !ok {
			continue
		}
		composite := Fold(slices)
		stats.Paths++
		keep("path|"+string(art.Query.Kind)+"|"+composite, Finding{
			Kind:     art.Query.Kind,
			Query:    art.Query.Name,
			Point:    art.Point,
			Slice:    composite,
			Location: sel.Sink.Location,
			Path:     true,
		})
	}
}

func (d *Decoder) slices(nodes []Entity, stats *DecodeStats) ([]string, bool) {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if !n.HasURL {
			if n.Label == "" {
				stats.MissingSlices++
				return nil, false
			}
			out = append(out, n.Label)
			continue
		}
		s, err := d.sources.Slice(n.Location)
		if err != nil {
			d.logger.Warn("path slice unreadable",
				slog.String("node", n.ID),
				slog.String("file", n.Location.File),
				slog.String("error", err.Error()),
			)
			stats.MissingSlices++
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
