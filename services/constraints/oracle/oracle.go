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
	"errors"

	"github.com/AleutianAI/constraintminer/services/constraints/probe"
)

// Sentinel errors for oracle failures. Both are fatal to the run.
var (
	// ErrDatabaseBuild indicates the snapshot database could not be built.
	ErrDatabaseBuild = errors.New("oracle: database build failed")

	// ErrQueryFailed indicates a query could not be executed or decoded.
	ErrQueryFailed = errors.New("oracle: query failed")
)

// Format is the encoding of a result artifact.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// Invocation is one query execution request.
type Invocation struct {
	// Query is the catalog entry being run.
	Query QuerySpec

	// QueryFile is the path of the specialized query text.
	QueryFile string

	// Seq is the run-scoped sequence number used to name the artifact.
	Seq int
}

// Artifact is the output of one query execution.
type Artifact struct {
	Query  QuerySpec             `json:"query"`
	Point  probe.PointOfInterest `json:"point"`
	Path   string                `json:"path"`
	Seq    int                   `json:"seq"`
	Format Format                `json:"format"`
}

// Oracle is the external static-analysis engine.
//
// Thread Safety: Implementations need not be safe for concurrent use. The
// pipeline serializes runs.
type Oracle interface {
	// BuildDatabase (re)creates the analyzable snapshot of sourceDir.
	// Failures wrap ErrDatabaseBuild.
	BuildDatabase(ctx context.Context, sourceDir string) error

	// Run executes one specialized query against the current database and
	// returns the path of the result artifact. Failures wrap ErrQueryFailed.
	Run(ctx context.Context, inv Invocation) (string, Format, error)

	// ClearResults removes the result artifacts of the current run.
	ClearResults() error

	// Cleanup removes the database and every result artifact. It is safe
	// to call when nothing was ever built.
	Cleanup() error
}
