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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/constraintminer/services/constraints"
)

// =============================================================================
// REMOTE COMMANDS - candidates and clean against a running server
// =============================================================================

const remoteTimeout = 10 * time.Minute

var httpClient = &http.Client{Timeout: remoteTimeout}

func newCandidatesCmd(global *globalFlags) *cobra.Command {
	var traces string
	cmd := &cobra.Command{
		Use:   "candidates",
		Short: "Ask the server for constraint candidates",
		Long: `Without --traces the server analyzes its recorded trace log. With
--traces the lines of the given file are posted for analysis.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				resp constraints.CandidatesResponse
				err  error
			)
			if traces == "" {
				err = call(cmd.Context(), http.MethodGet, global.endpoint("/analysis/candidates"), nil, &resp)
			} else {
				var lines []string
				lines, err = readLines(traces)
				if err != nil {
					return err
				}
				err = call(cmd.Context(), http.MethodPost, global.endpoint("/analysis/candidates"),
					constraints.CandidatesRequest{Traces: lines}, &resp)
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}
	cmd.Flags().StringVar(&traces, "traces", "", "Trace file to post instead of using the server's log")
	return cmd
}

func newCleanCmd(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Reset the server's accumulated state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp constraints.CleanResponse
			if err := call(cmd.Context(), http.MethodGet, global.endpoint("/admin/clean"), nil, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Status)
			return nil
		},
	}
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening traces: %w", err)
	}
	defer f.Close()

	lines := []string{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading traces: %w", err)
	}
	return lines, nil
}

func call(ctx context.Context, method, url string, body, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr constraints.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d (%s): %s", resp.StatusCode, apiErr.Code, apiErr.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
