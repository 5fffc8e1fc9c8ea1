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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/constraintminer/services/constraints/config"
	"github.com/AleutianAI/constraintminer/services/constraints/oracle"
	"github.com/AleutianAI/constraintminer/services/constraints/pipeline"
	"github.com/AleutianAI/constraintminer/services/constraints/results"
	"github.com/AleutianAI/constraintminer/services/constraints/tracelog"
)

// =============================================================================
// ANALYZE COMMAND - local pipeline run over a trace file
// =============================================================================

type analyzeFlags struct {
	sourceRoot string
	workDir    string
	tieBreak   string
	queries    []string
	report     bool
}

func newAnalyzeCmd(global *globalFlags) *cobra.Command {
	flags := &analyzeFlags{}
	cmd := &cobra.Command{
		Use:   "analyze <trace-file>",
		Short: "Run the inference pipeline locally over a trace log",
		Long: `Reads a line-delimited trace log, runs the configured CodeQL queries for
every point of interest and prints {"candidates": [...]}.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, global, flags, args[0])
		},
	}
	cmd.Flags().StringVar(&flags.sourceRoot, "source-root", "", "Directory that relative script paths resolve against")
	cmd.Flags().StringVar(&flags.workDir, "work-dir", "", "Directory for the database and run artifacts")
	cmd.Flags().StringVar(&flags.tieBreak, "tie-break", "", "Path backtracking tie-break: second, first or last")
	cmd.Flags().StringSliceVar(&flags.queries, "query", nil, "Active query name (repeatable)")
	cmd.Flags().BoolVar(&flags.report, "report", false, "Print the full run report instead of the candidate list")
	return cmd
}

func runAnalyze(cmd *cobra.Command, global *globalFlags, flags *analyzeFlags, tracePath string) error {
	ctx := cmd.Context()
	cfg, err := config.LoadFile(ctx, global.config)
	if err != nil {
		return err
	}
	if flags.sourceRoot != "" {
		cfg.Paths.SourceRoot = flags.sourceRoot
	}
	if flags.workDir != "" {
		cfg.Paths.WorkDir = flags.workDir
	}
	if flags.tieBreak != "" {
		cfg.Queries.TieBreak = flags.tieBreak
	}
	if len(flags.queries) > 0 {
		cfg.Queries.Active = flags.queries
	}
	tie, err := results.ParseTieBreak(cfg.Queries.TieBreak)
	if err != nil {
		return err
	}

	f, err := os.Open(tracePath)
	if err != nil {
		return fmt.Errorf("opening trace: %w", err)
	}
	defer f.Close()
	evs, stats := tracelog.ReadEvents(ctx, f, slog.Default())
	slog.Debug("trace loaded", slog.Int("events", stats.Events), slog.Int("malformed", stats.Malformed))

	codeql, err := oracle.NewCodeQL(oracle.CodeQLConfig{
		Binary:   cfg.Oracle.Binary,
		WorkDir:  cfg.Paths.OracleDir(),
		Language: cfg.Oracle.Language,
		Threads:  cfg.Oracle.Threads,
	})
	if err != nil {
		return err
	}
	pl, err := pipeline.New(pipeline.Config{
		SourceRoot:      cfg.Paths.SourceRoot,
		SnapshotRoot:    cfg.Paths.SnapshotRoot(),
		ScratchRoot:     cfg.Paths.QueryScratchDir(),
		ActiveQueries:   cfg.Queries.Active,
		TieBreak:        tie,
		SnapshotWorkers: cfg.Analysis.SnapshotWorkers,
		MaxSliceBytes:   cfg.Analysis.MaxSliceBytes,
		KeepArtifacts:   cfg.Oracle.KeepArtifacts,
	}, codeql)
	if err != nil {
		return err
	}
	defer func() {
		if err := pl.Cleanup(ctx); err != nil {
			slog.Warn("cleanup failed", slog.String("error", err.Error()))
		}
	}()

	report, err := pl.Run(ctx, evs)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if flags.report {
		return enc.Encode(report)
	}
	return enc.Encode(map[string]any{"candidates": report.Candidates})
}
