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
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/constraintminer/services/constraints"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCandidates_GetUsesServerLog(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		assert.Equal(t, "/analysis/candidates", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"candidates":[{"type":"LiteralComp","operator":"<=","otherValue":"0"}]}`)
	}))
	defer srv.Close()

	out, err := execute(t, "candidates", "--server", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Contains(t, out, `"type": "LiteralComp"`)
	assert.Contains(t, out, `"otherValue": "0"`)
}

func TestCandidates_PostsTraceFile(t *testing.T) {
	var got constraints.CandidatesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"candidates":[]}`)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "trace.log")
	require.NoError(t, os.WriteFile(path, []byte("{\"a\":1}\n\n  {\"b\":2}  \n"), 0o644))

	out, err := execute(t, "candidates", "--server", srv.URL, "--traces", path)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, got.Traces)
	assert.JSONEq(t, `{"candidates":[]}`, out)
}

func TestCandidates_ServerErrorCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"database build failed","code":"DATABASE_BUILD_FAILED"}`)
	}))
	defer srv.Close()

	_, err := execute(t, "candidates", "--server", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "DATABASE_BUILD_FAILED")
}

func TestCandidates_MissingTraceFile(t *testing.T) {
	_, err := execute(t, "candidates", "--server", "http://127.0.0.1:1", "--traces", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening traces")
}

func TestClean_PrintsStatus(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		assert.Equal(t, "/admin/clean", r.URL.Path)
		fmt.Fprint(w, `{"status":"cleaned"}`)
	}))
	defer srv.Close()

	out, err := execute(t, "clean", "--server", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
	assert.Equal(t, "cleaned", strings.TrimSpace(out))
}

func TestClean_HonoursRoutePrefix(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, `{"status":"cleaned"}`)
	}))
	defer srv.Close()

	_, err := execute(t, "clean", "--server", srv.URL+"/", "--prefix", "/v1")
	require.NoError(t, err)
	assert.Equal(t, "/v1/admin/clean", gotPath)
}

func TestAnalyze_NoInteractionPrintsEmptyList(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := fmt.Sprintf("paths:\n  work_dir: %q\n  source_root: %q\n", filepath.Join(dir, "var"), dir)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	trace := filepath.Join(dir, "trace.log")
	lines := `{"action":"VALUE_INPUT","args":{"value":"P1"},"time":1}` + "\n" +
		"not json\n" +
		`{"action":"INTERACTION_END","args":{},"time":2}` + "\n"
	require.NoError(t, os.WriteFile(trace, []byte(lines), 0o644))

	out, err := execute(t, "analyze", trace, "--config", cfgPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"candidates":[]}`, out)
}

func TestAnalyze_RejectsUnknownTieBreak(t *testing.T) {
	dir := t.TempDir()
	trace := filepath.Join(dir, "trace.log")
	require.NoError(t, os.WriteFile(trace, nil, 0o644))

	_, err := execute(t, "analyze", trace, "--tie-break", "middle")
	require.Error(t, err)
}

func TestAnalyze_RequiresTraceArgument(t *testing.T) {
	_, err := execute(t, "analyze")
	require.Error(t, err)
}
