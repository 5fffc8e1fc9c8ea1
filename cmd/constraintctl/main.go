// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command constraintctl runs constraint inference locally or drives a
// running constraints server.
//
// Usage:
//
//	constraintctl analyze trace.log --source-root ./site
//	constraintctl candidates --server http://localhost:8080
//	constraintctl candidates --traces trace.log
//	constraintctl clean
//	constraintctl clean --prefix /v1
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	server  string
	prefix  string
	config  string
	verbose bool
}

// endpoint joins the server URL, the route prefix and path.
func (g *globalFlags) endpoint(path string) string {
	return strings.TrimRight(g.server, "/") + strings.TrimRight(g.prefix, "/") + path
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "constraintctl",
		Short:         "Infer form input constraints from probe traces",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			slog.SetDefault(newLogger(flags.verbose))
		},
	}
	root.PersistentFlags().StringVar(&flags.server, "server", envOr("CONSTRAINTS_SERVER", "http://localhost:8080"), "Base URL of the constraints server")
	root.PersistentFlags().StringVar(&flags.prefix, "prefix", os.Getenv("CONSTRAINTS_ROUTE_PREFIX"), "Route prefix the server mounts its API under, e.g. /v1")
	root.PersistentFlags().StringVar(&flags.config, "config", "", "YAML configuration for local runs")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(newAnalyzeCmd(flags))
	root.AddCommand(newCandidatesCmd(flags))
	root.AddCommand(newCleanCmd(flags))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
